package selfplay

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

type scriptedSource struct {
	floats []float64
	ints   []int
}

func (s *scriptedSource) Float64() float64 {
	v := s.floats[0]
	s.floats = s.floats[1:]
	return v
}

func (s *scriptedSource) Intn(n int) int {
	v := s.ints[0] % n
	s.ints = s.ints[1:]
	return v
}

func TestSchedulerPoolEvictsOldestFirst(t *testing.T) {
	s := New(&Config{SwapSteps: 1, SaveSteps: 1, Window: 2}, nil)
	for i, ref := range []string{"A", "B", "C"} {
		if !s.MaybeSnapshot(int64(i), ref) {
			t.Fatalf("snapshot %s should fire", ref)
		}
	}
	pool := s.Pool()
	if len(pool) != 2 || pool[0] != "B" || pool[1] != "C" {
		t.Fatalf("expected [B C], got %v", pool)
	}
}

func TestSchedulerPoolNeverExceedsWindow(t *testing.T) {
	s := New(&Config{SwapSteps: 10, SaveSteps: 3, Window: 4}, rand.New(rand.NewSource(5)))
	for step := int64(0); step < 500; step++ {
		s.MaybeSnapshot(step, fmt.Sprintf("ckpt-%d", step))
		if n := len(s.Pool()); n > 4 {
			t.Fatalf("step %d: pool size %d exceeds window", step, n)
		}
	}
	pool := s.Pool()
	want := []string{"ckpt-489", "ckpt-492", "ckpt-495", "ckpt-498"}
	for i := range want {
		if pool[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, pool)
		}
	}
}

func TestSchedulerSnapshotOnlyOnSavePeriod(t *testing.T) {
	s := New(&Config{SwapSteps: 1, SaveSteps: 100, Window: 3}, nil)
	if s.MaybeSnapshot(99, "x") {
		t.Fatal("snapshot must not fire off period")
	}
	if !s.MaybeSnapshot(100, "y") {
		t.Fatal("snapshot must fire on period")
	}
	if pool := s.Pool(); len(pool) != 1 || pool[0] != "y" {
		t.Fatalf("unexpected pool %v", pool)
	}
}

func TestSchedulerSwapDecisions(t *testing.T) {
	src := &scriptedSource{floats: []float64{0.1, 0.9, 0.9}, ints: []int{1}}
	s := New(&Config{SwapSteps: 50, SaveSteps: 100, PlayAgainstLatestModelRatio: 0.5, Window: 5}, src)

	if _, ok := s.MaybeSwapOpponent(25); ok {
		t.Fatal("swap must not fire off period")
	}
	choice, ok := s.MaybeSwapOpponent(0)
	if !ok || !choice.Latest {
		t.Fatalf("expected latest, got %+v ok=%v", choice, ok)
	}
	if _, ok := s.MaybeSwapOpponent(50); ok {
		t.Fatal("empty pool on the non-latest branch must not swap")
	}

	s.Push("p0")
	s.Push("p1")
	choice, ok = s.MaybeSwapOpponent(100)
	if !ok || choice.Latest || choice.Ref != "p1" {
		t.Fatalf("expected pool entry p1, got %+v ok=%v", choice, ok)
	}
	if choice.String() != "p1" || Latest().String() != "latest" {
		t.Fatalf("unexpected choice strings %q %q", choice.String(), Latest().String())
	}
	if s.Step() != 100 {
		t.Fatalf("expected step 100, got %d", s.Step())
	}
}

func TestSchedulerRatioExtremes(t *testing.T) {
	always := New(&Config{SwapSteps: 1, SaveSteps: 1, PlayAgainstLatestModelRatio: 1, Window: 2}, rand.New(rand.NewSource(1)))
	never := New(&Config{SwapSteps: 1, SaveSteps: 1, PlayAgainstLatestModelRatio: 0, Window: 2}, rand.New(rand.NewSource(1)))
	never.Push("old")
	for step := int64(0); step < 100; step++ {
		if c, ok := always.MaybeSwapOpponent(step); !ok || !c.Latest {
			t.Fatalf("ratio 1 must always pick latest, got %+v", c)
		}
		if c, ok := never.MaybeSwapOpponent(step); !ok || c.Latest || c.Ref != "old" {
			t.Fatalf("ratio 0 must always pick from pool, got %+v", c)
		}
	}
}

func TestSchedulerSeededDecisionsAreReproducible(t *testing.T) {
	cfg := &Config{SwapSteps: 1, SaveSteps: 2, PlayAgainstLatestModelRatio: 0.3, Window: 3}
	run := func() []string {
		s := New(cfg, rand.New(rand.NewSource(42)))
		var out []string
		for step := int64(0); step < 50; step++ {
			s.MaybeSnapshot(step, fmt.Sprintf("m%d", step))
			if c, ok := s.MaybeSwapOpponent(step); ok {
				out = append(out, c.String())
			}
		}
		return out
	}
	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("length differs: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("decision %d differs: %s vs %s", i, a[i], b[i])
		}
	}
}

func TestDisabledScheduler(t *testing.T) {
	var nilScheduler *Scheduler
	for _, s := range []*Scheduler{New(nil, nil), nilScheduler} {
		if _, ok := s.MaybeSwapOpponent(0); ok {
			t.Fatal("disabled scheduler must not swap")
		}
		if s.MaybeSnapshot(0, "x") {
			t.Fatal("disabled scheduler must not snapshot")
		}
		s.Push("x")
		if len(s.Pool()) != 0 {
			t.Fatal("disabled scheduler must keep an empty pool")
		}
	}
}

func TestSchedulerConcurrentSnapshotAndSwap(t *testing.T) {
	s := New(&Config{SwapSteps: 1, SaveSteps: 1, PlayAgainstLatestModelRatio: 0.2, Window: 3}, rand.New(rand.NewSource(9)))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			s.Push(fmt.Sprintf("c%d", i))
		}
	}()
	go func() {
		defer wg.Done()
		for step := int64(0); step < 1000; step++ {
			if c, ok := s.MaybeSwapOpponent(step); ok && !c.Latest && c.Ref == "" {
				t.Errorf("pool choice with empty ref at step %d", step)
				return
			}
			if n := len(s.Pool()); n > 3 {
				t.Errorf("pool size %d exceeds window", n)
				return
			}
		}
	}()
	wg.Wait()
}

func TestConfigValidate(t *testing.T) {
	valid := Config{SwapSteps: 1, SaveSteps: 1, PlayAgainstLatestModelRatio: 0.5, Window: 1}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bad := range []Config{
		{SwapSteps: 0, SaveSteps: 1, Window: 1},
		{SwapSteps: 1, SaveSteps: 0, Window: 1},
		{SwapSteps: 1, SaveSteps: 1, Window: 0},
		{SwapSteps: 1, SaveSteps: 1, Window: 1, PlayAgainstLatestModelRatio: 1.5},
	} {
		if err := bad.Validate(); err == nil {
			t.Fatalf("expected %+v to be rejected", bad)
		}
	}
}

func TestNewFillsDefaultsForMissingFields(t *testing.T) {
	s := New(&Config{Window: 2, PlayAgainstLatestModelRatio: 3}, &scriptedSource{floats: []float64{0.4}})
	cfg, ok := s.Config()
	if !ok {
		t.Fatal("expected enabled scheduler")
	}
	if cfg.SwapSteps != DefaultSwapSteps || cfg.SaveSteps != DefaultSaveSteps {
		t.Fatalf("expected default periods, got %+v", cfg)
	}
	if cfg.Window != 2 || cfg.PlayAgainstLatestModelRatio != DefaultPlayAgainstLatestModelRatio {
		t.Fatalf("unexpected normalized config: %+v", cfg)
	}

	if s.MaybeSnapshot(1, "a") {
		t.Fatal("step 1 is off the default save period")
	}
	if !s.MaybeSnapshot(0, "a") || !s.MaybeSnapshot(DefaultSaveSteps, "b") {
		t.Fatal("expected snapshots on the default save period")
	}
	if _, ok := s.MaybeSwapOpponent(DefaultSwapSteps + 1); ok {
		t.Fatal("swap off the default period")
	}
	if c, ok := s.MaybeSwapOpponent(DefaultSwapSteps); !ok || !c.Latest {
		t.Fatalf("expected latest-model swap, got %+v ok=%t", c, ok)
	}

	zero := New(&Config{}, nil)
	cfg, _ = zero.Config()
	if cfg.Window != DefaultWindow || cfg.PlayAgainstLatestModelRatio != 0 {
		t.Fatalf("unexpected zero-config defaults: %+v", cfg)
	}
}
