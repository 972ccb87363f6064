package model

import "encoding/json"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// RunRecord describes one training run.
type RunRecord struct {
	VersionedRecord
	RunID        string          `json:"run_id"`
	Environment  string          `json:"environment"`
	Seed         int64           `json:"seed"`
	Config       json.RawMessage `json:"config,omitempty"`
	CreatedAtUTC string          `json:"created_at_utc"`
	Ticks        int64           `json:"ticks"`
	Lesson       int             `json:"lesson"`
	Score        float64         `json:"score"`
	Completed    bool            `json:"completed"`
}

// Checkpoint is an opponent snapshot. Ref is the opaque identifier handed to
// the self-play pool; Payload holds the serialized policy weights.
type Checkpoint struct {
	VersionedRecord
	Ref          string                     `json:"ref"`
	RunID        string                     `json:"run_id"`
	Step         int64                      `json:"step"`
	Behavior     string                     `json:"behavior"`
	CreatedAtUTC string                     `json:"created_at_utc"`
	Payload      json.RawMessage            `json:"payload"`
	Normalizers  map[string]NormalizerState `json:"normalizers,omitempty"`
}

type RunningStats struct {
	Count int64     `json:"count"`
	Mean  []float64 `json:"mean"`
	M2    []float64 `json:"m2"`
}

type NormalizerState struct {
	Observations *RunningStats `json:"observations,omitempty"`
	Rewards      *RunningStats `json:"rewards,omitempty"`
}

// MetricRecord is one logged tick of training metrics.
type MetricRecord struct {
	Step         int64              `json:"step"`
	TimestampUTC string             `json:"timestamp"`
	Lesson       int                `json:"lesson"`
	Opponent     string             `json:"opponent,omitempty"`
	Performance  float64            `json:"performance"`
	MeanReward   map[string]float64 `json:"mean_reward"`
	Episodes     int                `json:"episodes"`
	PoolSize     int                `json:"pool_size"`
}
