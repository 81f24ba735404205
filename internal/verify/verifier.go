// Package verify decides whether a probe photo depicts the same person as a
// stored reference photo.
package verify

import (
	"context"
	"fmt"
	"image"
)

// Strategy names a verifier implementation.
type Strategy string

const (
	StrategyEmbedding Strategy = "embedding"
	StrategyKeypoint  Strategy = "keypoint"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(name); s {
	case StrategyEmbedding, StrategyKeypoint:
		return s, nil
	default:
		return "", fmt.Errorf("unknown verification strategy %q", name)
	}
}

// Result is the outcome of a single verification.
type Result interface {
	Strategy() Strategy
	Passed() bool
	// Value is the strategy's headline number: distance for embeddings, score for keypoints.
	Value() float64
}

// Verifier compares a reference image against a probe image.
type Verifier interface {
	Verify(ctx context.Context, reference, probe image.Image) (Result, error)
	Strategy() Strategy
}
