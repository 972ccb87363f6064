package aggregate

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"adaptrl/internal/curriculum"
	"adaptrl/internal/normalize"
	"adaptrl/internal/scape"
	"adaptrl/internal/selfplay"
	"adaptrl/internal/shaping"
)

var ErrMalformedBatch = errors.New("malformed behavior batch")

type Config struct {
	NormalizeObservations bool
	NormalizeRewards      bool
	// RewardScale multiplies rewards after normalization; 0 means 1.
	RewardScale   float64
	RewardWeights map[string]float64
	Epsilon       float64
	// Workers > 1 processes behaviors concurrently.
	Workers int
}

// Info carries per-agent metadata. EpisodeEnd is set for terminal agents.
type Info struct {
	EpisodeEnd bool `json:"episode_end,omitempty"`
}

// StepRecord is the uniform per-behavior output of one tick. All slices have
// one entry per agent, active agents first and terminal agents after.
type StepRecord struct {
	Behavior     string      `json:"behavior"`
	AgentIDs     []int       `json:"agent_ids"`
	Observations [][]float64 `json:"observations"`
	Rewards      []float64   `json:"rewards"`
	Dones        []bool      `json:"dones"`
	Infos        []Info      `json:"infos"`
}

func (r StepRecord) Len() int {
	return len(r.Rewards)
}

// Tick is the raw environment output for one step. Components maps behavior
// name to named reward components aligned with Active then Terminal agents.
// Performance, when set, feeds the curriculum. ModelRef, when set, is offered
// to the self-play pool.
type Tick struct {
	Step        int64
	Behaviors   map[string]scape.BehaviorSteps
	Components  map[string]map[string][]float64
	Performance *float64
	ModelRef    string
}

// Advice lists side effects the caller should carry out. The aggregator never
// touches the environment or checkpoint storage itself.
type Advice struct {
	Curriculum  *curriculum.Update       `json:"curriculum,omitempty"`
	Opponent    *selfplay.OpponentChoice `json:"opponent,omitempty"`
	Snapshot    bool                     `json:"snapshot,omitempty"`
	SnapshotRef string                   `json:"snapshot_ref,omitempty"`
}

type Result struct {
	Step      int64                 `json:"step"`
	Behaviors []string              `json:"behaviors"`
	Records   map[string]StepRecord `json:"records"`
	Advice    Advice                `json:"advice"`
}

// StreamStats is the normalizer state of one behavior.
type StreamStats struct {
	Observations *normalize.Stats `json:"observations,omitempty"`
	Rewards      *normalize.Stats `json:"rewards,omitempty"`
}

type Aggregator struct {
	cfg        Config
	shaper     *shaping.Shaper
	curriculum *curriculum.Controller
	selfPlay   *selfplay.Scheduler

	mu      sync.Mutex
	streams map[string]*behaviorStreams
}

type behaviorStreams struct {
	obs    *normalize.RunningStat
	reward *normalize.Scalar
}

// New builds an aggregator. Either controller may be nil, in which case the
// corresponding advice is never produced.
func New(cfg Config, cc *curriculum.Controller, sp *selfplay.Scheduler) *Aggregator {
	if cfg.RewardScale == 0 {
		cfg.RewardScale = 1
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = normalize.DefaultEpsilon
	}
	return &Aggregator{
		cfg:        cfg,
		shaper:     shaping.New(cfg.RewardWeights),
		curriculum: cc,
		selfPlay:   sp,
		streams:    make(map[string]*behaviorStreams),
	}
}

func (a *Aggregator) Curriculum() *curriculum.Controller {
	return a.curriculum
}

func (a *Aggregator) SelfPlay() *selfplay.Scheduler {
	return a.selfPlay
}

func (a *Aggregator) Aggregate(tick Tick) (Result, error) {
	names := make([]string, 0, len(tick.Behaviors))
	for name, steps := range tick.Behaviors {
		if err := steps.Active.Validate(); err != nil {
			return Result{}, fmt.Errorf("%w: %s active: %v", ErrMalformedBatch, name, err)
		}
		if err := steps.Terminal.Validate(); err != nil {
			return Result{}, fmt.Errorf("%w: %s terminal: %v", ErrMalformedBatch, name, err)
		}
		if steps.Len() == 0 {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	// Every behavior is checked before any normalizer moves, so a rejected
	// tick leaves all statistics untouched.
	streams := a.ensureStreams(names)
	records := make([]StepRecord, len(names))
	errs := make([]error, len(names))
	a.fanOut(len(names), func(i int) {
		name := names[i]
		records[i], errs[i] = a.prepare(name, tick.Behaviors[name], tick.Components[name], streams[i])
	})
	for i, name := range names {
		if errs[i] != nil {
			return Result{}, fmt.Errorf("behavior %s: %w", name, errs[i])
		}
	}
	a.fanOut(len(names), func(i int) {
		errs[i] = a.commit(&records[i], streams[i])
	})

	result := Result{
		Step:      tick.Step,
		Behaviors: names,
		Records:   make(map[string]StepRecord, len(names)),
	}
	for i, name := range names {
		if errs[i] != nil {
			return Result{}, fmt.Errorf("behavior %s: %w", name, errs[i])
		}
		result.Records[name] = records[i]
	}
	result.Advice = a.advise(tick)
	return result, nil
}

func (a *Aggregator) advise(tick Tick) Advice {
	var advice Advice
	if tick.Performance != nil {
		if update, ok := a.curriculum.Observe(tick.Step, *tick.Performance); ok {
			advice.Curriculum = &update
		}
	}
	if choice, ok := a.selfPlay.MaybeSwapOpponent(tick.Step); ok {
		advice.Opponent = &choice
	}
	if tick.ModelRef != "" && a.selfPlay.MaybeSnapshot(tick.Step, tick.ModelRef) {
		advice.Snapshot = true
		advice.SnapshotRef = tick.ModelRef
	}
	return advice
}

func (a *Aggregator) fanOut(n int, fn func(i int)) {
	if a.cfg.Workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	sem := make(chan struct{}, a.cfg.Workers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

// prepare builds the ordered record with shaped rewards. It reads the
// behavior's normalizers but never updates them.
func (a *Aggregator) prepare(name string, steps scape.BehaviorSteps, components map[string][]float64, streams *behaviorStreams) (StepRecord, error) {
	n := steps.Len()
	record := StepRecord{
		Behavior:     name,
		AgentIDs:     make([]int, 0, n),
		Observations: make([][]float64, 0, n),
		Dones:        make([]bool, 0, n),
		Infos:        make([]Info, 0, n),
	}
	base := make([]float64, 0, n)
	for _, part := range []struct {
		batch    scape.Batch
		terminal bool
	}{{steps.Active, false}, {steps.Terminal, true}} {
		for i := range part.batch.Rewards {
			if len(part.batch.AgentIDs) > 0 {
				record.AgentIDs = append(record.AgentIDs, part.batch.AgentIDs[i])
			}
			record.Observations = append(record.Observations, scape.Floats[float64](part.batch.Observations[i]))
			base = append(base, float64(part.batch.Rewards[i]))
			record.Dones = append(record.Dones, part.terminal)
			record.Infos = append(record.Infos, Info{EpisodeEnd: part.terminal})
		}
	}
	if len(record.AgentIDs) != 0 && len(record.AgentIDs) != n {
		return StepRecord{}, fmt.Errorf("%w: agent ids present on only one batch", ErrMalformedBatch)
	}
	if steps.Active.Len() > 0 && steps.Terminal.Len() > 0 &&
		len(steps.Active.Observations[0]) != len(steps.Terminal.Observations[0]) {
		return StepRecord{}, fmt.Errorf("%w: active width %d, terminal width %d", ErrMalformedBatch,
			len(steps.Active.Observations[0]), len(steps.Terminal.Observations[0]))
	}
	if a.cfg.NormalizeObservations {
		if width, dim := len(record.Observations[0]), streams.obs.Dim(); dim > 0 && width != dim {
			return StepRecord{}, fmt.Errorf("normalize observations: %w: expected dim %d, got %d", normalize.ErrShapeMismatch, dim, width)
		}
	}

	rewards, err := a.shaper.Shape(base, components)
	if err != nil {
		return StepRecord{}, err
	}
	record.Rewards = rewards
	return record, nil
}

// commit folds a prepared record into the behavior's normalizers and applies
// reward normalization, scaling and observation normalization in place.
// Zero-width observations carry nothing to normalize and are left as is.
func (a *Aggregator) commit(record *StepRecord, streams *behaviorStreams) error {
	if a.cfg.NormalizeRewards {
		record.Rewards = streams.reward.UpdateBatch(record.Rewards)
	}
	for i := range record.Rewards {
		record.Rewards[i] *= a.cfg.RewardScale
	}
	if a.cfg.NormalizeObservations && len(record.Observations[0]) > 0 {
		normalized, err := streams.obs.UpdateBatch(record.Observations)
		if err != nil {
			return fmt.Errorf("normalize observations: %w", err)
		}
		record.Observations = normalized
	}
	return nil
}

// ensureStreams creates normalizers for new behaviors before any fan-out so
// workers never share mutable state.
func (a *Aggregator) ensureStreams(names []string) []*behaviorStreams {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*behaviorStreams, len(names))
	for i, name := range names {
		s, ok := a.streams[name]
		if !ok {
			s = &behaviorStreams{
				obs:    normalize.NewRunningStat(a.cfg.Epsilon),
				reward: normalize.NewScalar(a.cfg.Epsilon),
			}
			a.streams[name] = s
		}
		out[i] = s
	}
	return out
}

// Stats returns a copy of every behavior's normalizer state.
func (a *Aggregator) Stats() map[string]StreamStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]StreamStats, len(a.streams))
	for name, s := range a.streams {
		var st StreamStats
		if s.obs.Count() > 0 {
			obs := s.obs.Snapshot()
			st.Observations = &obs
		}
		if s.reward.Count() > 0 {
			reward := s.reward.Snapshot()
			st.Rewards = &reward
		}
		out[name] = st
	}
	return out
}

// RestoreStats seeds normalizers, e.g. when resuming from a checkpoint.
func (a *Aggregator) RestoreStats(stats map[string]StreamStats) error {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	streams := a.ensureStreams(names)
	for i, name := range names {
		st := stats[name]
		if st.Observations != nil {
			if err := streams[i].obs.Restore(*st.Observations); err != nil {
				return fmt.Errorf("restore %s observations: %w", name, err)
			}
		}
		if st.Rewards != nil {
			if err := streams[i].reward.Restore(*st.Rewards); err != nil {
				return fmt.Errorf("restore %s rewards: %w", name, err)
			}
		}
	}
	return nil
}
