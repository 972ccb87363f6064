package shaping

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
)

var ErrLengthMismatch = errors.New("reward component length mismatch")

// Shaper adds weighted auxiliary reward components to a base reward. It holds
// no mutable state and is safe for concurrent use.
type Shaper struct {
	weights map[string]float64
	keys    []string
}

// New copies weights; later changes to the argument do not affect the shaper.
func New(weights map[string]float64) *Shaper {
	s := &Shaper{weights: make(map[string]float64, len(weights))}
	for key, weight := range weights {
		s.weights[key] = weight
		s.keys = append(s.keys, key)
	}
	sort.Strings(s.keys)
	return s
}

func (s *Shaper) Weights() map[string]float64 {
	out := make(map[string]float64, len(s.weights))
	for key, weight := range s.weights {
		out[key] = weight
	}
	return out
}

// Enabled reports whether any weight is configured.
func (s *Shaper) Enabled() bool {
	return s != nil && len(s.keys) > 0
}

// Shape returns base + sum(weight[k] * components[k]). Components without a
// configured weight are ignored, and weights without a component contribute
// nothing. base is never modified.
func (s *Shaper) Shape(base []float64, components map[string][]float64) ([]float64, error) {
	shaped := append([]float64(nil), base...)
	if s == nil {
		return shaped, nil
	}
	for _, key := range s.keys {
		component, ok := components[key]
		if !ok {
			continue
		}
		if len(component) != len(base) {
			return nil, fmt.Errorf("%w: %s has %d values for %d agents", ErrLengthMismatch, key, len(component), len(base))
		}
		floats.AddScaled(shaped, s.weights[key], component)
	}
	return shaped, nil
}
