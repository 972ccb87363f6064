package selfplay

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

const (
	DefaultSwapSteps                   int64   = 2000
	DefaultSaveSteps                   int64   = 50000
	DefaultPlayAgainstLatestModelRatio float64 = 0.5
	DefaultWindow                      int     = 10
)

type Config struct {
	SwapSteps                   int64   `json:"swap_steps" yaml:"swap_steps"`
	PlayAgainstLatestModelRatio float64 `json:"play_against_latest_model_ratio" yaml:"play_against_latest_model_ratio"`
	SaveSteps                   int64   `json:"save_steps" yaml:"save_steps"`
	Window                      int     `json:"window" yaml:"window"`
}

func (c Config) Validate() error {
	if c.SwapSteps <= 0 {
		return fmt.Errorf("self_play swap_steps must be > 0, got %d", c.SwapSteps)
	}
	if c.SaveSteps <= 0 {
		return fmt.Errorf("self_play save_steps must be > 0, got %d", c.SaveSteps)
	}
	if c.Window <= 0 {
		return fmt.Errorf("self_play window must be > 0, got %d", c.Window)
	}
	if c.PlayAgainstLatestModelRatio < 0 || c.PlayAgainstLatestModelRatio > 1 {
		return fmt.Errorf("self_play play_against_latest_model_ratio must be in [0,1], got %v", c.PlayAgainstLatestModelRatio)
	}
	return nil
}

// Source is the random draw used for opponent selection. *rand.Rand
// satisfies it.
type Source interface {
	Float64() float64
	Intn(n int) int
}

// OpponentChoice is either the latest model or a checkpoint from the pool.
type OpponentChoice struct {
	Latest bool   `json:"latest"`
	Ref    string `json:"ref,omitempty"`
}

func Latest() OpponentChoice {
	return OpponentChoice{Latest: true}
}

func FromPool(ref string) OpponentChoice {
	return OpponentChoice{Ref: ref}
}

func (c OpponentChoice) String() string {
	if c.Latest {
		return "latest"
	}
	return c.Ref
}

// Scheduler keeps a bounded FIFO pool of opponent checkpoint references and
// decides opponent swaps on a fixed step period. All methods are safe for
// concurrent use; the append+evict of a snapshot is atomic with respect to
// swap selection.
type Scheduler struct {
	mu   sync.Mutex
	cfg  *Config
	rng  Source
	pool []string
	step int64
}

func normalizeConfig(cfg Config) Config {
	if cfg.SwapSteps <= 0 {
		cfg.SwapSteps = DefaultSwapSteps
	}
	if cfg.SaveSteps <= 0 {
		cfg.SaveSteps = DefaultSaveSteps
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if math.IsNaN(cfg.PlayAgainstLatestModelRatio) || cfg.PlayAgainstLatestModelRatio < 0 || cfg.PlayAgainstLatestModelRatio > 1 {
		cfg.PlayAgainstLatestModelRatio = DefaultPlayAgainstLatestModelRatio
	}
	return cfg
}

// New builds a scheduler. A nil cfg yields a disabled scheduler whose
// decisions are always negative. Missing periods and window fall back to the
// Default* values, and an out-of-range ratio to
// DefaultPlayAgainstLatestModelRatio. A nil rng falls back to a fixed seed.
func New(cfg *Config, rng Source) *Scheduler {
	if cfg == nil {
		return &Scheduler{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	normalized := normalizeConfig(*cfg)
	return &Scheduler{cfg: &normalized, rng: rng}
}

func (s *Scheduler) Enabled() bool {
	return s != nil && s.cfg != nil
}

func (s *Scheduler) Config() (Config, bool) {
	if !s.Enabled() {
		return Config{}, false
	}
	return *s.cfg, true
}

// Step returns the last step seen by MaybeSwapOpponent or MaybeSnapshot.
func (s *Scheduler) Step() int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

func (s *Scheduler) Pool() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pool...)
}

// MaybeSwapOpponent fires only when step is a multiple of SwapSteps. With
// probability PlayAgainstLatestModelRatio it picks the latest model, otherwise
// a uniform pool entry. An empty pool on the non-latest branch means no swap.
func (s *Scheduler) MaybeSwapOpponent(step int64) (OpponentChoice, bool) {
	if !s.Enabled() {
		return OpponentChoice{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.step = step
	if step%s.cfg.SwapSteps != 0 {
		return OpponentChoice{}, false
	}
	if s.rng.Float64() < s.cfg.PlayAgainstLatestModelRatio {
		return Latest(), true
	}
	if len(s.pool) == 0 {
		return OpponentChoice{}, false
	}
	return FromPool(s.pool[s.rng.Intn(len(s.pool))]), true
}

// MaybeSnapshot pushes ref into the pool when step is a multiple of SaveSteps.
func (s *Scheduler) MaybeSnapshot(step int64, ref string) bool {
	if !s.Enabled() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.step = step
	if step%s.cfg.SaveSteps != 0 {
		return false
	}
	s.pushLocked(ref)
	return true
}

// Push appends ref regardless of step, e.g. to seed the pool with checkpoints
// of an earlier run. The oldest entry is evicted beyond Window.
func (s *Scheduler) Push(ref string) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(ref)
}

func (s *Scheduler) pushLocked(ref string) {
	s.pool = append(s.pool, ref)
	if over := len(s.pool) - s.cfg.Window; over > 0 {
		s.pool = append([]string(nil), s.pool[over:]...)
	}
}
