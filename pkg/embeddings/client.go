// Package embeddings provides the embedding client contract and backends.
//
// This is the external collaborator named in spec §6: "batch_encode(texts,
// instruction?, norm) -> [[f64]]". Implementations prepend instruction+" "
// to each text when instruction is non-empty, and L2-normalize each output
// vector when norm is true.
package embeddings

import (
	"context"
	"math"
)

// Client is the embedding collaborator contract.
type Client interface {
	// BatchEncode returns one vector per input text, in the same order.
	// If instruction is non-empty, "instruction + \" \"" is prepended to
	// each text before encoding. If norm is true, each returned vector is
	// L2-normalized.
	BatchEncode(ctx context.Context, texts []string, instruction string, norm bool) ([][]float64, error)
}

// l2Normalize returns a new slice with v scaled to unit L2 norm. A
// zero-length or all-zero vector is returned unchanged (norm is 0).
func l2Normalize(v []float64) []float64 {
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// withInstruction prepends "instruction " to text when instruction is set.
func withInstruction(text, instruction string) string {
	if instruction == "" {
		return text
	}
	return instruction + " " + text
}
