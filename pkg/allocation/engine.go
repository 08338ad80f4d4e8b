// Package allocation turns curated events and an epoch's weight snapshot into
// proposed allocation units per contributor. It performs no I/O.
package allocation

import (
	"math/big"
	"sort"

	"github.com/Mindburn-Labs/epochledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// Result carries the proposed allocations plus bookkeeping the orchestrator logs.
type Result struct {
	Allocations []contracts.Allocation
	// Unresolved counts included events left out because no user identity is known yet.
	Unresolved int
	// UnknownKeys lists weight keys seen on included events with no configured weight
	// and no override. Such events weigh zero.
	UnknownKeys []contracts.WeightKey
	// Floored lists users whose summed weight was negative and was floored at zero.
	Floored []string
}

type tally struct {
	units *big.Int
	count int64
}

// ComputeProposed aggregates included, identity-resolved events into per-user units.
// Output is sorted by user id so that identical inputs always give identical output.
func ComputeProposed(epochID string, curated []contracts.CuratedEvent, weights contracts.WeightConfig) Result {
	var res Result
	byUser := make(map[string]*tally)
	unknown := make(map[contracts.WeightKey]struct{})

	for _, ce := range curated {
		if !ce.Curation.Included {
			continue
		}
		if ce.Curation.ResolvedUserID == nil || *ce.Curation.ResolvedUserID == "" {
			res.Unresolved++
			continue
		}

		var w int64
		if ce.Curation.WeightOverride != nil {
			w = *ce.Curation.WeightOverride
		} else {
			key := ce.Event.WeightKey()
			cfg, ok := weights.Lookup(key)
			if !ok {
				unknown[key] = struct{}{}
			}
			w = cfg
		}

		user := canonicalize.Identifier(*ce.Curation.ResolvedUserID)
		t, ok := byUser[user]
		if !ok {
			t = &tally{units: new(big.Int)}
			byUser[user] = t
		}
		t.units.Add(t.units, big.NewInt(w))
		t.count++
	}

	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	res.Allocations = make([]contracts.Allocation, 0, len(users))
	for _, u := range users {
		t := byUser[u]
		if t.units.Sign() < 0 {
			res.Floored = append(res.Floored, u)
			t.units.SetInt64(0)
		}
		res.Allocations = append(res.Allocations, contracts.Allocation{
			EpochID:       epochID,
			UserID:        u,
			ProposedUnits: contracts.BigIntFrom(t.units),
			ActivityCount: t.count,
		})
	}

	for k := range unknown {
		res.UnknownKeys = append(res.UnknownKeys, k)
	}
	sort.Slice(res.UnknownKeys, func(i, j int) bool { return res.UnknownKeys[i] < res.UnknownKeys[j] })
	return res
}
