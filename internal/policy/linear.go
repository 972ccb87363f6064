package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

var ErrWeightShape = errors.New("policy weight shape mismatch")

// Policy maps per-agent observations to actions and learns from the rewards
// that follow. Gradient-based optimisers live outside this repository; Linear
// is a reference implementation that keeps the training loop self-contained.
type Policy interface {
	Act(ctx context.Context, agentIDs []int, observations [][]float64) ([][]float32, error)
	Learn(agentIDs []int, rewards []float64, dones []bool)
	Weights() Weights
	SetWeights(w Weights) error
}

// Weights is a dense action x (observation+1) matrix; the last column is the
// bias.
type Weights struct {
	ObservationSize int         `json:"observation_size"`
	ActionSize      int         `json:"action_size"`
	Matrix          [][]float64 `json:"matrix"`
}

func (w Weights) Validate() error {
	if len(w.Matrix) != w.ActionSize {
		return fmt.Errorf("%w: %d rows for action size %d", ErrWeightShape, len(w.Matrix), w.ActionSize)
	}
	for i, row := range w.Matrix {
		if len(row) != w.ObservationSize+1 {
			return fmt.Errorf("%w: row %d has %d columns, expected %d", ErrWeightShape, i, len(row), w.ObservationSize+1)
		}
	}
	return nil
}

func (w Weights) clone() Weights {
	out := Weights{ObservationSize: w.ObservationSize, ActionSize: w.ActionSize, Matrix: make([][]float64, len(w.Matrix))}
	for i, row := range w.Matrix {
		out.Matrix[i] = append([]float64(nil), row...)
	}
	return out
}

type LinearConfig struct {
	LearningRate float64
	// Sigma is the exploration noise scale; 0 makes the policy greedy.
	Sigma float64
	// Frozen policies act but ignore Learn.
	Frozen bool
}

// Linear is a Gaussian linear policy trained with per-step REINFORCE updates.
type Linear struct {
	mu      sync.Mutex
	cfg     LinearConfig
	rng     *rand.Rand
	weights Weights
	pending map[int]pendingAction
}

type pendingAction struct {
	obs   []float64
	noise []float64
}

func NewLinear(observationSize, actionSize int, cfg LinearConfig, rng *rand.Rand) (*Linear, error) {
	if observationSize <= 0 || actionSize <= 0 {
		return nil, fmt.Errorf("linear policy requires positive sizes, got obs=%d action=%d", observationSize, actionSize)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	w := Weights{ObservationSize: observationSize, ActionSize: actionSize, Matrix: make([][]float64, actionSize)}
	for i := range w.Matrix {
		w.Matrix[i] = make([]float64, observationSize+1)
		for j := range w.Matrix[i] {
			w.Matrix[i][j] = rng.NormFloat64() * 0.1
		}
	}
	return &Linear{cfg: cfg, rng: rng, weights: w, pending: make(map[int]pendingAction)}, nil
}

func (p *Linear) Act(ctx context.Context, agentIDs []int, observations [][]float64) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(agentIDs) != 0 && len(agentIDs) != len(observations) {
		return nil, fmt.Errorf("%d agent ids for %d observations", len(agentIDs), len(observations))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	actions := make([][]float32, len(observations))
	for i, obs := range observations {
		if len(obs) != p.weights.ObservationSize {
			return nil, fmt.Errorf("%w: observation %d has width %d, expected %d", ErrWeightShape, i, len(obs), p.weights.ObservationSize)
		}
		noise := make([]float64, p.weights.ActionSize)
		action := make([]float32, p.weights.ActionSize)
		for a, row := range p.weights.Matrix {
			z := row[len(row)-1]
			for j, x := range obs {
				z += row[j] * x
			}
			if p.cfg.Sigma > 0 {
				noise[a] = p.rng.NormFloat64()
				z += p.cfg.Sigma * noise[a]
			}
			action[a] = float32(math.Tanh(z))
		}
		actions[i] = action
		if len(agentIDs) > 0 && !p.cfg.Frozen {
			p.pending[agentIDs[i]] = pendingAction{obs: append([]float64(nil), obs...), noise: noise}
		}
	}
	return actions, nil
}

// Learn credits rewards to the most recent action of each agent. Agents marked
// done have their pending action cleared after the update.
func (p *Linear) Learn(agentIDs []int, rewards []float64, dones []bool) {
	if p.cfg.Frozen || p.cfg.Sigma <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, id := range agentIDs {
		if i >= len(rewards) {
			break
		}
		pending, ok := p.pending[id]
		if !ok {
			continue
		}
		scale := p.cfg.LearningRate * rewards[i] / p.cfg.Sigma
		for a, row := range p.weights.Matrix {
			step := scale * pending.noise[a]
			for j, x := range pending.obs {
				row[j] += step * x
			}
			row[len(row)-1] += step
		}
		if i < len(dones) && dones[i] {
			delete(p.pending, id)
		}
	}
}

func (p *Linear) Weights() Weights {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.weights.clone()
}

func (p *Linear) SetWeights(w Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.ObservationSize != p.weights.ObservationSize || w.ActionSize != p.weights.ActionSize {
		return fmt.Errorf("%w: got %dx%d, expected %dx%d", ErrWeightShape,
			w.ActionSize, w.ObservationSize, p.weights.ActionSize, p.weights.ObservationSize)
	}
	p.weights = w.clone()
	p.pending = make(map[int]pendingAction)
	return nil
}
