package layer

import (
	"math"
	"time"
)

// CosineSimilarity computes the cosine of two vectors; zero for empty or
// mismatched dimensions so a bad vector scores as irrelevant, not fatal.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// RecencyWeight is the exponential half-life decay in (0,1]: 1.0 at age
// zero, 0.5 after one half-life.
func RecencyWeight(age, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	if age < 0 {
		age = 0
	}
	lambda := math.Ln2 / halfLife.Seconds()
	return math.Exp(-lambda * age.Seconds())
}

// impact level and outcome normalization used by the diary importance
// formula. Unknown values land on the neutral middle.
func impactWeight(level string) float64 {
	switch level {
	case "low":
		return 0.25
	case "medium":
		return 0.5
	case "high":
		return 1.0
	default:
		return 0.5
	}
}

func outcomeWeight(outcome string) float64 {
	switch outcome {
	case "success":
		return 1.0
	case "failure":
		return 0.0
	default:
		return 0.5
	}
}

// Importance derives the diary importance score from outcome signals.
// It is computed at write time by this one formula, never user-supplied,
// so scores stay comparable across entries.
func Importance(confidence float64, impactLevel, outcome string) float64 {
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}
	return 0.4*confidence + 0.3*impactWeight(impactLevel) + 0.3*outcomeWeight(outcome)
}
