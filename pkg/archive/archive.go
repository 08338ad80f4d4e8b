// Package archive publishes finalized payout statements to durable storage as
// canonical JSON, keyed by epoch and statement id.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/epochledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// Archive stores published statements. Publishing the same statement twice is a
// no-op; objects are never overwritten.
type Archive interface {
	Publish(ctx context.Context, st contracts.PayoutStatement) (Receipt, error)
	Get(ctx context.Context, epochID, statementID string) (contracts.PayoutStatement, error)
}

// Receipt locates a published statement and pins its content.
type Receipt struct {
	Location string `json:"location"`
	Digest   string `json:"digest"` // "sha256:<hex>" of the canonical bytes
}

// Kind selects an archive backend.
type Kind string

const (
	KindNone Kind = "none"
	KindFS   Kind = "fs"
	KindS3   Kind = "s3"
	KindGCS  Kind = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Kind     Kind   `yaml:"kind" toml:"kind"`
	Dir      string `yaml:"dir" toml:"dir"`
	Bucket   string `yaml:"bucket" toml:"bucket"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
	Region   string `yaml:"region" toml:"region"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
}

// New builds the archive described by cfg. KindNone (or empty) returns nil, nil.
func New(ctx context.Context, cfg Config) (Archive, error) {
	switch cfg.Kind {
	case "", KindNone:
		return nil, nil
	case KindFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("archive dir is required for fs archive")
		}
		return NewFileArchive(cfg.Dir)
	case KindS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for s3 archive")
		}
		return NewS3Archive(ctx, cfg)
	case KindGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for gcs archive")
		}
		return newGCSArchive(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive kind: %s", cfg.Kind)
	}
}

// Encode returns the canonical bytes of st and their digest.
func Encode(st contracts.PayoutStatement) ([]byte, string, error) {
	data, err := canonicalize.JCS(st)
	if err != nil {
		return nil, "", fmt.Errorf("encode statement %s: %w", st.StatementID, err)
	}
	return data, "sha256:" + canonicalize.HashBytes(data), nil
}

func decode(data []byte) (contracts.PayoutStatement, error) {
	var st contracts.PayoutStatement
	if err := json.Unmarshal(data, &st); err != nil {
		return contracts.PayoutStatement{}, fmt.Errorf("decode statement: %w", err)
	}
	return st, nil
}

// objectKey is "<prefix><epoch>/<statement>.json". Ids are checked so that a
// crafted id cannot escape the prefix.
func objectKey(prefix, epochID, statementID string) (string, error) {
	for _, id := range []string{epochID, statementID} {
		if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
			return "", contracts.Errorf(contracts.ErrInvalidArgument, "invalid archive id %q", id)
		}
	}
	return prefix + epochID + "/" + statementID + ".json", nil
}
