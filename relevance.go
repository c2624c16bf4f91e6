package jpipserve

import "math"

const numRelevanceSteps = 26

// maxLogRelevance is the priority of headers and of metadata with
// sequence 0: high enough to be admitted on the first lap.
const maxLogRelevance = 65535

// relevanceTable maps a relevance ratio in [0.01, 1] to roughly
// 256*log2(ratio), quantized at steps of a quarter octave. It is built once
// per Server by newRelevanceTable so the hot path never calls math.Log2.
type relevanceTable struct {
	thresholds [numRelevanceSteps]float64
	values     [numRelevanceSteps]int
}

func newRelevanceTable() *relevanceTable {
	var t relevanceTable
	for i := range numRelevanceSteps {
		t.values[i] = int(math.Round(-64 * float64(i)))
		t.thresholds[i] = math.Pow(2, -float64(i+1)/4)
	}
	t.thresholds[numRelevanceSteps-1] = -1
	return &t
}

// lookup returns the quantized log relevance of r.
func (t *relevanceTable) lookup(r float64) int {
	for i, th := range t.thresholds {
		if r > th {
			return t.values[i]
		}
	}
	return t.values[numRelevanceSteps-1]
}

// RelevancePolicy converts metadata sequence numbers into log relevance
// values comparable with quality-layer log slopes. The defaults assume
// quantization noise with an MSE of (1/8)^2.
type RelevancePolicy struct {
	// SequenceBase is the offset inside a sequence value: sequence is
	// SequenceBase + log2(cost/area).
	SequenceBase int `yaml:"sequence_base"`

	// NoiseOffset converts log2(area/cost) to a distortion-length slope.
	NoiseOffset int `yaml:"noise_offset"`

	// SlopeOffset aligns the result with the 256*log2 slope scale.
	SlopeOffset int `yaml:"slope_offset"`

	// MaxSequence is the sequence of metadata that is out of scope.
	MaxSequence int `yaml:"max_sequence"`
}

// DefaultRelevancePolicy returns the standard metadata ranking offsets.
func DefaultRelevancePolicy() RelevancePolicy {
	return RelevancePolicy{SequenceBase: 64, NoiseOffset: 6, SlopeOffset: 192, MaxSequence: 255}
}

// metaRelevance returns the log relevance of metadata with the given
// sequence number.
func (p RelevancePolicy) metaRelevance(seq int) int {
	if seq <= 0 {
		return maxLogRelevance
	}
	v := p.SequenceBase - seq - p.NoiseOffset + p.SlopeOffset
	return 256 * max(v, 0)
}

// precinctRelevance returns the fraction of precinct p's samples that lie
// inside region, both measured on resolution rp's grid.
func precinctRelevance(rp *resolution, p Point, region Rect) float64 {
	pr := rp.precinctRect(p)
	area := pr.Area()
	if area <= 0 {
		return 0
	}
	return float64(pr.Intersect(region).Area()) / float64(area)
}
