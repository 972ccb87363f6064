package normalize

import (
	"errors"
	"fmt"
	"math"
)

// DefaultEpsilon floors the variance and the divisor so constant streams
// normalise to zero instead of NaN or Inf.
const DefaultEpsilon = 1e-8

var ErrShapeMismatch = errors.New("running stat shape mismatch")

// RunningStat tracks an online mean and population variance per dimension
// using Welford's algorithm. The zero value is not usable; call NewRunningStat.
type RunningStat struct {
	epsilon float64
	count   int64
	mean    []float64
	m2      []float64
}

// Stats is a point-in-time copy of a RunningStat, suitable for persistence.
type Stats struct {
	Count int64     `json:"count"`
	Mean  []float64 `json:"mean"`
	M2    []float64 `json:"m2"`
}

func NewRunningStat(epsilon float64) *RunningStat {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &RunningStat{epsilon: epsilon}
}

func (s *RunningStat) Count() int64 {
	return s.count
}

// Dim reports the tracked width, or 0 before the first update.
func (s *RunningStat) Dim() int {
	return len(s.mean)
}

func (s *RunningStat) Mean() []float64 {
	return append([]float64(nil), s.mean...)
}

// Variance returns the population variance m2/count per dimension.
func (s *RunningStat) Variance() []float64 {
	out := make([]float64, len(s.m2))
	if s.count == 0 {
		return out
	}
	for i, m2 := range s.m2 {
		out[i] = m2 / float64(s.count)
	}
	return out
}

// Std returns sqrt(max(m2/count, epsilon)) per dimension.
func (s *RunningStat) Std() []float64 {
	out := make([]float64, len(s.m2))
	for i := range s.m2 {
		out[i] = s.std(i)
	}
	return out
}

// Update folds raw into the statistics. The first value fixes the width; an
// empty first value is rejected with ErrShapeMismatch.
func (s *RunningStat) Update(raw []float64) error {
	if err := s.ensureShape(len(raw)); err != nil {
		return err
	}
	s.count++
	n := float64(s.count)
	for i, x := range raw {
		delta := x - s.mean[i]
		s.mean[i] += delta / n
		s.m2[i] += delta * (x - s.mean[i])
		if s.m2[i] < 0 {
			s.m2[i] = 0
		}
	}
	return nil
}

// Normalize applies the current statistics without updating them.
func (s *RunningStat) Normalize(raw []float64) ([]float64, error) {
	if len(s.mean) == 0 {
		return nil, fmt.Errorf("%w: stream not initialized", ErrShapeMismatch)
	}
	if len(raw) != len(s.mean) {
		return nil, fmt.Errorf("%w: expected dim %d, got %d", ErrShapeMismatch, len(s.mean), len(raw))
	}
	out := make([]float64, len(raw))
	for i, x := range raw {
		out[i] = (x - s.mean[i]) / math.Max(s.std(i), s.epsilon)
	}
	return out, nil
}

func (s *RunningStat) UpdateAndNormalize(raw []float64) ([]float64, error) {
	if err := s.Update(raw); err != nil {
		return nil, err
	}
	return s.Normalize(raw)
}

// UpdateBatch folds every row into the shared statistics, then normalises
// each row with the post-update estimate. Rows keep their input order.
func (s *RunningStat) UpdateBatch(rows [][]float64) ([][]float64, error) {
	for i, row := range rows {
		if err := s.Update(row); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	out := make([][]float64, len(rows))
	for i, row := range rows {
		normalized, err := s.Normalize(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = normalized
	}
	return out, nil
}

func (s *RunningStat) Snapshot() Stats {
	return Stats{
		Count: s.count,
		Mean:  append([]float64(nil), s.mean...),
		M2:    append([]float64(nil), s.m2...),
	}
}

// Restore replaces the running state. A stat that already has a shape only
// accepts a snapshot of the same width.
func (s *RunningStat) Restore(stats Stats) error {
	if len(stats.Mean) != len(stats.M2) {
		return fmt.Errorf("%w: mean dim %d, m2 dim %d", ErrShapeMismatch, len(stats.Mean), len(stats.M2))
	}
	if stats.Count < 0 {
		return fmt.Errorf("invalid running stat count: %d", stats.Count)
	}
	if len(s.mean) != 0 && len(s.mean) != len(stats.Mean) {
		return fmt.Errorf("%w: expected dim %d, got %d", ErrShapeMismatch, len(s.mean), len(stats.Mean))
	}
	s.count = stats.Count
	s.mean = append([]float64(nil), stats.Mean...)
	s.m2 = append([]float64(nil), stats.M2...)
	return nil
}

func (s *RunningStat) ensureShape(dim int) error {
	if len(s.mean) == 0 {
		if dim == 0 {
			return fmt.Errorf("%w: empty value", ErrShapeMismatch)
		}
		s.mean = make([]float64, dim)
		s.m2 = make([]float64, dim)
		return nil
	}
	if dim != len(s.mean) {
		return fmt.Errorf("%w: expected dim %d, got %d", ErrShapeMismatch, len(s.mean), dim)
	}
	return nil
}

func (s *RunningStat) std(i int) float64 {
	if s.count == 0 {
		return math.Sqrt(s.epsilon)
	}
	return math.Sqrt(math.Max(s.m2[i]/float64(s.count), s.epsilon))
}
