package curriculum

import (
	"fmt"
	"sync"
)

const DefaultMinLessonLength int64 = 100000

// Config describes a threshold-gated curriculum. Every lesson shares the same
// MinLessonLength gate and the same Parameters payload.
type Config struct {
	Thresholds      []float64          `json:"thresholds" yaml:"thresholds"`
	MinLessonLength int64              `json:"min_lesson_length" yaml:"min_lesson_length"`
	Parameters      map[string]float64 `json:"parameters" yaml:"parameters"`
}

func (c Config) Validate() error {
	if c.MinLessonLength < 0 {
		return fmt.Errorf("curriculum min_lesson_length must be >= 0, got %d", c.MinLessonLength)
	}
	return nil
}

// Update is emitted once per lesson advance.
type Update struct {
	Lesson     int                `json:"lesson"`
	Step       int64              `json:"step"`
	Parameters map[string]float64 `json:"parameters"`
}

// Controller advances lessons monotonically from 0 to len(Thresholds). A
// Controller built from a nil Config is disabled and never advances.
type Controller struct {
	mu     sync.Mutex
	cfg    *Config
	lesson int
	step   int64
}

func New(cfg *Config) *Controller {
	if cfg == nil {
		return &Controller{}
	}
	minLength := cfg.MinLessonLength
	if minLength < 0 {
		minLength = DefaultMinLessonLength
	}
	copied := Config{
		Thresholds:      append([]float64(nil), cfg.Thresholds...),
		MinLessonLength: minLength,
		Parameters:      copyParameters(cfg.Parameters),
	}
	return &Controller{cfg: &copied}
}

func (c *Controller) Enabled() bool {
	return c != nil && c.cfg != nil
}

func (c *Controller) Lesson() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lesson
}

// Step returns the last step passed to Observe.
func (c *Controller) Step() int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// Lessons is the terminal lesson index.
func (c *Controller) Lessons() int {
	if !c.Enabled() {
		return 0
	}
	return len(c.cfg.Thresholds)
}

func (c *Controller) Completed() bool {
	return c.Enabled() && c.Lesson() >= c.Lessons()
}

// Observe records the step and advances at most one lesson when the step has
// reached MinLessonLength and performance meets the current threshold.
func (c *Controller) Observe(step int64, performance float64) (Update, bool) {
	if !c.Enabled() {
		return Update{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.step = step
	if c.lesson >= len(c.cfg.Thresholds) {
		return Update{}, false
	}
	if step < c.cfg.MinLessonLength || performance < c.cfg.Thresholds[c.lesson] {
		return Update{}, false
	}
	c.lesson++
	return Update{
		Lesson:     c.lesson,
		Step:       step,
		Parameters: copyParameters(c.cfg.Parameters),
	}, true
}

func copyParameters(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
