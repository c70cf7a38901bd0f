package usefulness

import "math"

// Metric rates and caps per work type. Each recognized metric contributes
// min(metric * rate, cap) points; the caps weight the work types 40/30/20/10/10
// so a single proof tops out near 100 before the attestation bonus.
type component struct {
	metric string
	rate   float64
	cap    float64
}

var components = []component{
	{"compute_ms", 1.0 / 1000, 40},
	{"memory_bytes", 1.0 / 1e6, 30},
	{"routing_hops", 10, 20},
	{"validation_checks", 5, 10},
	{"learning_samples", 0.5, 10},
}

const attestationBonus = 1.10

// ScoreProof computes the proof score in [0, 100].
func ScoreProof(p *Proof) float64 {
	var raw float64
	for _, c := range components {
		v, ok := p.Metrics[c.metric]
		if !ok || v <= 0 {
			continue
		}
		raw += math.Min(v*c.rate, c.cap)
	}
	if len(p.Attestations) > 0 {
		raw *= attestationBonus
	}
	return math.Min(math.Max(raw, 0), 100)
}

// decayWeight is the exponential decay weight for a proof of the given age,
// with a 30-day half-life.
func decayWeight(age, halfLife float64) float64 {
	if halfLife <= 0 {
		return 1
	}
	return math.Exp2(-age / halfLife)
}
