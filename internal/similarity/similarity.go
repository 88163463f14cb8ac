// Package similarity provides the vector math used by the scorer.
package similarity

import (
	"fmt"
	"math"
)

// Cosine returns the cosine of the angle between a and b, in [-1, 1].
func Cosine(a, b []float32) (float64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, fmt.Errorf("vectors must be non-empty and of equal length (got %d and %d)", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("cosine undefined for zero vector")
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// Normalize maps a cosine value into [0, 1] via (cos+1)/2, clamping
// floating-point drift at the boundaries.
func Normalize(cos float64) float64 {
	n := (cos + 1) / 2
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

// Score is the normalized cosine similarity of two vectors.
func Score(a, b []float32) (float64, error) {
	cos, err := Cosine(a, b)
	if err != nil {
		return 0, err
	}
	return Normalize(cos), nil
}
