package shaping

import (
	"errors"
	"sync"
	"testing"
)

func TestShapeAppliesWeightedComponents(t *testing.T) {
	s := New(map[string]float64{"deposit": 3})
	got, err := s.Shape([]float64{1, 2}, map[string][]float64{"deposit": {1, 0}})
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if len(got) != 2 || got[0] != 4 || got[1] != 2 {
		t.Fatalf("expected [4 2], got %v", got)
	}
}

func TestShapeIgnoresAbsentAndUnweightedComponents(t *testing.T) {
	s := New(map[string]float64{"deposit": 2, "elimination": -1})
	base := []float64{0.5, 0.5, 0.5}
	got, err := s.Shape(base, map[string][]float64{
		"elimination": {1, 0, 2},
		"pickup":      {9, 9, 9},
	})
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	want := []float64{-0.5, 0.5, -1.5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got %v want %v", i, got[i], want[i])
		}
	}
	if base[0] != 0.5 {
		t.Fatal("base rewards must not be modified")
	}
}

func TestShapeWithoutWeightsCopiesBase(t *testing.T) {
	var nilShaper *Shaper
	for _, s := range []*Shaper{New(nil), nilShaper} {
		got, err := s.Shape([]float64{1, -1}, map[string][]float64{"deposit": {1, 1}})
		if err != nil {
			t.Fatalf("shape: %v", err)
		}
		if got[0] != 1 || got[1] != -1 {
			t.Fatalf("expected base passthrough, got %v", got)
		}
		if s.Enabled() {
			t.Fatal("expected shaper without weights to be disabled")
		}
	}
}

func TestShapeLengthMismatch(t *testing.T) {
	s := New(map[string]float64{"deposit": 1})
	_, err := s.Shape([]float64{1, 2}, map[string][]float64{"deposit": {1}})
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected length mismatch, got %v", err)
	}
}

func TestShaperWeightsAreCopied(t *testing.T) {
	weights := map[string]float64{"deposit": 1}
	s := New(weights)
	weights["deposit"] = 100
	s.Weights()["deposit"] = 50

	got, err := s.Shape([]float64{0}, map[string][]float64{"deposit": {1}})
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if got[0] != 1 {
		t.Fatalf("expected construction-time weight, got %v", got[0])
	}
}

func TestShapeConcurrentCalls(t *testing.T) {
	s := New(map[string]float64{"deposit": 0.5})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				got, err := s.Shape([]float64{1}, map[string][]float64{"deposit": {2}})
				if err != nil || got[0] != 2 {
					t.Errorf("unexpected shape result %v err=%v", got, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
