package trainer

import (
	"encoding/json"
	"fmt"

	"adaptrl/internal/aggregate"
	"adaptrl/internal/model"
	"adaptrl/internal/normalize"
	"adaptrl/internal/policy"
)

// NormalizerStates converts aggregator stream state into its stored form.
func NormalizerStates(in map[string]aggregate.StreamStats) map[string]model.NormalizerState {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]model.NormalizerState, len(in))
	for name, st := range in {
		var state model.NormalizerState
		if st.Observations != nil {
			obs := model.RunningStats(*st.Observations)
			state.Observations = &obs
		}
		if st.Rewards != nil {
			rewards := model.RunningStats(*st.Rewards)
			state.Rewards = &rewards
		}
		out[name] = state
	}
	return out
}

func StreamStats(in map[string]model.NormalizerState) map[string]aggregate.StreamStats {
	out := make(map[string]aggregate.StreamStats, len(in))
	for name, state := range in {
		var st aggregate.StreamStats
		if state.Observations != nil {
			obs := normalize.Stats(*state.Observations)
			st.Observations = &obs
		}
		if state.Rewards != nil {
			rewards := normalize.Stats(*state.Rewards)
			st.Rewards = &rewards
		}
		out[name] = st
	}
	return out
}

func DecodeWeights(checkpoint model.Checkpoint) (policy.Weights, error) {
	var w policy.Weights
	if err := json.Unmarshal(checkpoint.Payload, &w); err != nil {
		return policy.Weights{}, fmt.Errorf("decode checkpoint %s weights: %w", checkpoint.Ref, err)
	}
	if err := w.Validate(); err != nil {
		return policy.Weights{}, fmt.Errorf("checkpoint %s: %w", checkpoint.Ref, err)
	}
	return w, nil
}
