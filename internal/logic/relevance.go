package logic

import (
	"math"

	"github.com/patrickwarner/adeligibility/internal/models"
)

// CosineSimilarity returns dot(a,b) / (|a| * |b|). The second result is false
// when the vectors are empty, differ in length, or either has zero magnitude.
// Accumulation happens in float64 so identical vectors always score the same.
func CosineSimilarity(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if math.IsNaN(sim) {
		return 0, false
	}
	// Rounding can push the ratio fractionally past the bounds.
	return math.Max(-1, math.Min(1, sim)), true
}

// Score rates ad against the target embedding. Unscored ads are not excluded;
// they rank after every scored ad.
func Score(ad models.CreativeAd, target []float32) (float64, bool) {
	return CosineSimilarity(ad.Embedding, target)
}
