package normalize

import "fmt"

// Scalar is a one-dimensional RunningStat for reward streams.
type Scalar struct {
	stat *RunningStat
}

func NewScalar(epsilon float64) *Scalar {
	return &Scalar{stat: NewRunningStat(epsilon)}
}

func (s *Scalar) Count() int64 {
	return s.stat.Count()
}

func (s *Scalar) Mean() float64 {
	if s.stat.Dim() == 0 {
		return 0
	}
	return s.stat.Mean()[0]
}

func (s *Scalar) Variance() float64 {
	if s.stat.Dim() == 0 {
		return 0
	}
	return s.stat.Variance()[0]
}

func (s *Scalar) UpdateAndNormalize(x float64) float64 {
	out, _ := s.stat.UpdateAndNormalize([]float64{x})
	return out[0]
}

// UpdateBatch updates once per value and normalises with the post-update
// estimate, mirroring RunningStat.UpdateBatch.
func (s *Scalar) UpdateBatch(values []float64) []float64 {
	for _, x := range values {
		_ = s.stat.Update([]float64{x})
	}
	out := make([]float64, len(values))
	for i, x := range values {
		normalized, _ := s.stat.Normalize([]float64{x})
		out[i] = normalized[0]
	}
	return out
}

func (s *Scalar) Snapshot() Stats {
	return s.stat.Snapshot()
}

func (s *Scalar) Restore(stats Stats) error {
	if len(stats.Mean) > 1 {
		return fmt.Errorf("%w: scalar stream, got dim %d", ErrShapeMismatch, len(stats.Mean))
	}
	return s.stat.Restore(stats)
}
