package scape

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/exp/constraints"
)

var ErrUnknownBehavior = errors.New("unknown behavior")

// Batch holds one tick of agent data for a behavior. Observations, Rewards and
// AgentIDs are index-aligned.
type Batch struct {
	AgentIDs     []int       `json:"agent_ids"`
	Observations [][]float32 `json:"observations"`
	Rewards      []float32   `json:"rewards"`
}

func (b Batch) Len() int {
	return len(b.Rewards)
}

// Floats converts between the float32 values environments exchange and the
// float64 values the trainer computes with.
func Floats[To, From constraints.Float](in []From) []To {
	out := make([]To, len(in))
	for i, v := range in {
		out[i] = To(v)
	}
	return out
}

// Validate checks that the batch is rectangular and index-aligned.
func (b Batch) Validate() error {
	if len(b.Observations) != len(b.Rewards) {
		return fmt.Errorf("%d observations for %d rewards", len(b.Observations), len(b.Rewards))
	}
	if len(b.AgentIDs) != 0 && len(b.AgentIDs) != len(b.Rewards) {
		return fmt.Errorf("%d agent ids for %d rewards", len(b.AgentIDs), len(b.Rewards))
	}
	for i := 1; i < len(b.Observations); i++ {
		if len(b.Observations[i]) != len(b.Observations[0]) {
			return fmt.Errorf("observation %d has width %d, expected %d", i, len(b.Observations[i]), len(b.Observations[0]))
		}
	}
	return nil
}

// BehaviorSteps is the per-tick output for one behavior: agents that still
// need a decision and agents whose episode ended this tick.
type BehaviorSteps struct {
	Active   Batch `json:"active"`
	Terminal Batch `json:"terminal"`
}

func (s BehaviorSteps) Len() int {
	return s.Active.Len() + s.Terminal.Len()
}

type BehaviorSpec struct {
	Name            string `json:"name"`
	ObservationSize int    `json:"observation_size"`
	ActionSize      int    `json:"action_size"`
}

// Environment is the simulated world the training loop drives. Actions are
// index-aligned with the Active batch most recently returned by Steps.
type Environment interface {
	Name() string
	BehaviorNames() []string
	Spec(behavior string) (BehaviorSpec, error)
	Reset(ctx context.Context) error
	Steps(behavior string) (BehaviorSteps, error)
	SetActions(behavior string, actions [][]float32) error
	Step(ctx context.Context) error
	SetParameters(params map[string]float64)
	Close() error
}

// RewardSource is implemented by environments that report named auxiliary
// reward components, aligned with Active then Terminal agents.
type RewardSource interface {
	RewardComponents(behavior string) map[string][]float64
}
