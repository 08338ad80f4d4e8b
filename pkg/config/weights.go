package config

import (
	"fmt"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// LoadWeights reads a weight table from YAML or TOML:
//
//	version: 1.2.0
//	weights:
//	  github:pr_merged: 5000
//	  github:review: 1000
//
// The returned table is normalized and validated.
func LoadWeights(path string) (contracts.WeightConfig, error) {
	var w contracts.WeightConfig
	if err := decodeFile(path, &w); err != nil {
		return contracts.WeightConfig{}, fmt.Errorf("weights: %w", err)
	}
	w = w.Normalized()
	if err := w.Validate(); err != nil {
		return contracts.WeightConfig{}, err
	}
	return w, nil
}
