package memory

import (
	"math"
	"time"

	"github.com/fyrsmithlabs/phased/internal/queue"
)

const (
	relevanceWeight = 0.7
	successWeight   = 0.3
)

// Relevance scores retrieved memories by their total quality mass:
// log1p(count * avgQuality) normalized by log1p(limit). Adding a memory or
// raising any quality never lowers the score. The result is in [0, 1].
func Relevance(qualities []float64, limit int) float64 {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	var mass float64
	for _, q := range qualities {
		mass += clamp01(q)
	}
	return clamp01(math.Log1p(mass) / math.Log1p(float64(limit)))
}

// SuccessRate is the recency-weighted success rate of finished tasks,
// discounted by the evidence available: sum(w*s) / (sum(w) + 1), where an
// outcome's weight halves every halfLife. A phase with no history scores 0.
func SuccessRate(outcomes []queue.Outcome, now time.Time, halfLife time.Duration) float64 {
	var weight, success float64
	for _, o := range outcomes {
		w := 1.0
		if halfLife > 0 {
			age := max(now.Sub(o.At), 0)
			w = math.Exp2(-float64(age) / float64(halfLife))
		}
		weight += w
		if o.Succeeded {
			success += w
		}
	}
	return success / (weight + 1)
}

// Boost combines relevance and success rate into a score in [0, 1].
func Boost(relevance, successRate float64) float64 {
	return clamp01(relevanceWeight*clamp01(relevance) + successWeight*clamp01(successRate))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
