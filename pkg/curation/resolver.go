// Package curation automates the editorial layer: identity resolution and
// rule-based inclusion decisions over ingested events.
package curation

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/epochledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// IdentityResolver maps a source-native actor to a ledger user id.
// ok is false when the actor is unknown; that is not an error.
type IdentityResolver interface {
	Resolve(ctx context.Context, ev contracts.ActivityEvent) (userID string, ok bool, err error)
}

// StaticResolver resolves actors from a fixed per-source table.
type StaticResolver struct {
	// bySource maps source -> actor_ref -> user id, all canonicalized.
	bySource map[string]map[string]string
}

// NewStaticResolver builds a resolver from source -> actor -> user.
func NewStaticResolver(table map[string]map[string]string) *StaticResolver {
	r := &StaticResolver{bySource: make(map[string]map[string]string, len(table))}
	for src, actors := range table {
		key := strings.ToLower(canonicalize.Identifier(src))
		m := make(map[string]string, len(actors))
		for actor, user := range actors {
			m[canonicalize.Identifier(actor)] = canonicalize.Identifier(user)
		}
		r.bySource[key] = m
	}
	return r
}

// identityFile is the on-disk layout of a static identity table.
type identityFile struct {
	Identities map[string]map[string]string `yaml:"identities"`
}

// LoadStaticResolver reads a YAML identity table:
//
//	identities:
//	  github:
//	    octocat: alice
func LoadStaticResolver(path string) (*StaticResolver, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read identity table: %w", err)
	}
	var f identityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse identity table %s: %w", path, err)
	}
	return NewStaticResolver(f.Identities), nil
}

func (r *StaticResolver) Resolve(_ context.Context, ev contracts.ActivityEvent) (string, bool, error) {
	actors, ok := r.bySource[strings.ToLower(ev.Source)]
	if !ok || ev.ActorRef == "" {
		return "", false, nil
	}
	user, ok := actors[canonicalize.Identifier(ev.ActorRef)]
	return user, ok && user != "", nil
}

// Len reports the number of mapped actors across all sources.
func (r *StaticResolver) Len() int {
	n := 0
	for _, actors := range r.bySource {
		n += len(actors)
	}
	return n
}

// ChainResolver asks each resolver in order and returns the first hit.
type ChainResolver []IdentityResolver

func (c ChainResolver) Resolve(ctx context.Context, ev contracts.ActivityEvent) (string, bool, error) {
	for _, r := range c {
		user, ok, err := r.Resolve(ctx, ev)
		if err != nil {
			return "", false, err
		}
		if ok {
			return user, true, nil
		}
	}
	return "", false, nil
}
