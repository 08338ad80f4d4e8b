// Package payout apportions an epoch's credit pool across allocations using the
// largest-remainder (Hamilton) method. All arithmetic is integer; nothing here
// touches floating point, storage or the clock.
package payout

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/Mindburn-Labs/epochledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// shareScale is the number of decimal places in Payout.Share.
const shareScale = 6

var shareDenom = new(big.Int).Exp(big.NewInt(10), big.NewInt(shareScale), nil)

// Result is the outcome of apportioning a pool.
type Result struct {
	// Payouts are sorted by user id.
	Payouts    []contracts.Payout
	TotalUnits contracts.BigInt
	PoolTotal  contracts.BigInt
}

type entry struct {
	user      string
	units     *big.Int
	amount    *big.Int
	remainder *big.Int
}

// Compute splits pool across allocations in proportion to their effective units
// (final units when set, proposed otherwise).
//
// Every credit is assigned: the sum of payouts equals pool exactly whenever total
// units are positive. With zero total units every payout is zero.
func Compute(allocations []contracts.Allocation, pool contracts.BigInt) (Result, error) {
	poolTotal := pool.Big()
	if poolTotal.Sign() < 0 {
		return Result{}, contracts.Errorf(contracts.ErrNegativePool, "pool total %s is negative", poolTotal)
	}

	entries := make([]*entry, 0, len(allocations))
	seen := make(map[string]struct{}, len(allocations))
	total := new(big.Int)
	for _, a := range allocations {
		user := canonicalize.Identifier(a.UserID)
		if user == "" {
			return Result{}, contracts.Errorf(contracts.ErrInvalidArgument, "allocation with empty user id")
		}
		if _, dup := seen[user]; dup {
			return Result{}, contracts.Errorf(contracts.ErrDuplicateUser, "user %q appears more than once", user)
		}
		seen[user] = struct{}{}

		units := a.EffectiveUnits().Big()
		if units.Sign() < 0 {
			return Result{}, contracts.Errorf(contracts.ErrNegativeUnits, "user %q has %s units", user, units)
		}
		total.Add(total, units)
		entries = append(entries, &entry{user: user, units: new(big.Int).Set(units)})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].user < entries[j].user })

	if total.Sign() == 0 {
		for _, e := range entries {
			e.amount = new(big.Int)
		}
	} else {
		apportion(entries, total, poolTotal)
	}

	res := Result{
		Payouts:    make([]contracts.Payout, 0, len(entries)),
		TotalUnits: contracts.BigIntFrom(total),
		PoolTotal:  contracts.BigIntFrom(poolTotal),
	}
	for _, e := range entries {
		res.Payouts = append(res.Payouts, contracts.Payout{
			UserID:        e.user,
			AmountCredits: contracts.BigIntFrom(e.amount),
			Share:         Share(e.units, total),
		})
	}
	return res, nil
}

// apportion sets amount on every entry. total must be positive.
func apportion(entries []*entry, total, pool *big.Int) {
	distributed := new(big.Int)
	for _, e := range entries {
		product := new(big.Int).Mul(e.units, pool)
		e.amount, e.remainder = new(big.Int).QuoRem(product, total, new(big.Int))
		distributed.Add(distributed, e.amount)
	}

	leftover := new(big.Int).Sub(pool, distributed)
	if leftover.Sign() == 0 {
		return
	}

	order := make([]*entry, len(entries))
	copy(order, entries)
	sort.SliceStable(order, func(i, j int) bool {
		if c := order[i].remainder.Cmp(order[j].remainder); c != 0 {
			return c > 0
		}
		return order[i].user < order[j].user
	})

	// leftover < len(entries) since each remainder is strictly below total.
	one := big.NewInt(1)
	for i := 0; leftover.Sign() > 0 && i < len(order); i++ {
		order[i].amount.Add(order[i].amount, one)
		leftover.Sub(leftover, one)
	}
}

// Share renders units/total as a decimal string with six places, floored.
// The whole and fractional parts are computed separately so a sole recipient
// always reads "1.000000".
func Share(units, total *big.Int) string {
	if total == nil || total.Sign() == 0 || units == nil {
		return fmt.Sprintf("0.%0*d", shareScale, 0)
	}
	scaled := new(big.Int).Mul(units, shareDenom)
	scaled.Quo(scaled, total)
	whole, frac := new(big.Int).QuoRem(scaled, shareDenom, new(big.Int))
	return fmt.Sprintf("%s.%0*d", whole.String(), shareScale, frac.Int64())
}

// Sum adds the amounts of payouts.
func Sum(payouts []contracts.Payout) *big.Int {
	sum := new(big.Int)
	for _, p := range payouts {
		sum.Add(sum, p.AmountCredits.Big())
	}
	return sum
}
