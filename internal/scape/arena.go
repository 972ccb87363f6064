package scape

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
)

const (
	BehaviorNoxus = "noxus"
	BehaviorIonia = "ionia"

	ArenaObservationSize = 7
	ArenaActionSize      = 2

	ParamManaDistance = "mana_distance"
	ParamAgentSpeed   = "agent_speed"

	ComponentPickup      = "pickup"
	ComponentDeposit     = "deposit"
	ComponentElimination = "elimination"
)

const (
	arenaPickupRadius      = 0.08
	arenaDepositRadius     = 0.1
	arenaEliminationRadius = 0.06
	arenaTimePenalty       = -0.001
	arenaDepositReward     = 1.0
	arenaEliminationReward = 0.5
	arenaEliminatedReward  = -1.0
)

var arenaComponents = []string{ComponentPickup, ComponentDeposit, ComponentElimination}

// ArenaConfig selects a mode preset. Non-zero fields override the preset.
type ArenaConfig struct {
	Mode            string
	Seed            int64
	AgentsPerTeam   int
	MaxEpisodeSteps int
}

// Arena is a two-population mana-collection game. Each team gathers mana near
// its base and deposits it; agents carrying mana can be eliminated by enemies.
type Arena struct {
	cfg     arenaModeConfig
	rng     *rand.Rand
	params  map[string]float64
	teams   []*arenaTeam
	started bool
	closed  bool
	tick    int64
}

type arenaModeConfig struct {
	mode            string
	agentsPerTeam   int
	maxEpisodeSteps int
	manaDistance    float64
	agentSpeed      float64
}

type arenaAgent struct {
	id       int
	x, y     float64
	carrying bool
	age      int
}

type arenaTeam struct {
	name       string
	baseX      float64
	baseY      float64
	manaX      float64
	manaY      float64
	agents     []*arenaAgent
	activeIDs  []int
	actions    map[int][2]float64
	steps      BehaviorSteps
	components map[string][]float64
}

func arenaConfigForMode(mode string) (arenaModeConfig, error) {
	switch strings.TrimSpace(strings.ToLower(mode)) {
	case "", "gt":
		return arenaModeConfig{mode: "gt", agentsPerTeam: 3, maxEpisodeSteps: 200, manaDistance: 0.3, agentSpeed: 0.05}, nil
	case "validation":
		return arenaModeConfig{mode: "validation", agentsPerTeam: 2, maxEpisodeSteps: 150, manaDistance: 0.5, agentSpeed: 0.05}, nil
	case "test", "benchmark":
		return arenaModeConfig{mode: "test", agentsPerTeam: 4, maxEpisodeSteps: 200, manaDistance: 0.6, agentSpeed: 0.05}, nil
	default:
		return arenaModeConfig{}, fmt.Errorf("unsupported arena mode: %s", mode)
	}
}

func NewArena(cfg ArenaConfig) (*Arena, error) {
	mode, err := arenaConfigForMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	if cfg.AgentsPerTeam < 0 || cfg.MaxEpisodeSteps < 0 {
		return nil, fmt.Errorf("arena agents_per_team and max_episode_steps must be >= 0")
	}
	if cfg.AgentsPerTeam > 0 {
		mode.agentsPerTeam = cfg.AgentsPerTeam
	}
	if cfg.MaxEpisodeSteps > 0 {
		mode.maxEpisodeSteps = cfg.MaxEpisodeSteps
	}
	return &Arena{
		cfg: mode,
		rng: rand.New(rand.NewSource(cfg.Seed)),
		params: map[string]float64{
			ParamManaDistance: mode.manaDistance,
			ParamAgentSpeed:   mode.agentSpeed,
		},
	}, nil
}

func (a *Arena) Name() string {
	return "arena-" + a.cfg.mode
}

func (a *Arena) BehaviorNames() []string {
	return []string{BehaviorIonia, BehaviorNoxus}
}

func (a *Arena) Spec(behavior string) (BehaviorSpec, error) {
	if behavior != BehaviorNoxus && behavior != BehaviorIonia {
		return BehaviorSpec{}, fmt.Errorf("%w: %s", ErrUnknownBehavior, behavior)
	}
	return BehaviorSpec{Name: behavior, ObservationSize: ArenaObservationSize, ActionSize: ArenaActionSize}, nil
}

// Parameters returns the current environment parameters, including keys the
// arena does not interpret.
func (a *Arena) Parameters() map[string]float64 {
	out := make(map[string]float64, len(a.params))
	for k, v := range a.params {
		out[k] = v
	}
	return out
}

// SetParameters merges params; they take effect on the next spawn.
func (a *Arena) SetParameters(params map[string]float64) {
	for k, v := range params {
		a.params[k] = v
	}
}

func (a *Arena) Tick() int64 {
	return a.tick
}

func (a *Arena) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.closed {
		return fmt.Errorf("arena is closed")
	}
	a.teams = []*arenaTeam{
		{name: BehaviorNoxus, baseX: -0.8},
		{name: BehaviorIonia, baseX: 0.8},
	}
	for _, team := range a.teams {
		team.agents = make([]*arenaAgent, a.cfg.agentsPerTeam)
		for i := range team.agents {
			team.agents[i] = &arenaAgent{id: i}
			a.spawnAgent(team, team.agents[i])
		}
		a.spawnMana(team)
		team.actions = make(map[int][2]float64)
		active := make([]*arenaAgent, len(team.agents))
		copy(active, team.agents)
		team.publish(active, nil, make([]float64, len(team.agents)), nil, newComponentSet(len(team.agents)))
	}
	a.started = true
	a.tick = 0
	return nil
}

func (a *Arena) Steps(behavior string) (BehaviorSteps, error) {
	team, err := a.team(behavior)
	if err != nil {
		return BehaviorSteps{}, err
	}
	return team.steps, nil
}

func (a *Arena) RewardComponents(behavior string) map[string][]float64 {
	team, err := a.team(behavior)
	if err != nil {
		return nil
	}
	out := make(map[string][]float64, len(team.components))
	for k, v := range team.components {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

func (a *Arena) SetActions(behavior string, actions [][]float32) error {
	team, err := a.team(behavior)
	if err != nil {
		return err
	}
	if len(actions) != len(team.activeIDs) {
		return fmt.Errorf("behavior %s expects %d actions, got %d", behavior, len(team.activeIDs), len(actions))
	}
	for i, action := range actions {
		if len(action) != ArenaActionSize {
			return fmt.Errorf("behavior %s action %d has size %d, expected %d", behavior, i, len(action), ArenaActionSize)
		}
		team.actions[team.activeIDs[i]] = [2]float64{float64(action[0]), float64(action[1])}
	}
	return nil
}

func (a *Arena) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.started {
		return fmt.Errorf("arena step before reset")
	}
	a.tick++
	speed := a.params[ParamAgentSpeed]

	rewards := make(map[*arenaAgent]float64)
	components := make(map[*arenaAgent]map[string]float64)
	terminal := make(map[*arenaAgent]bool)
	for _, team := range a.teams {
		for _, agent := range team.agents {
			move := team.actions[agent.id]
			agent.x = clamp(agent.x+clamp(move[0], -1, 1)*speed, -1, 1)
			agent.y = clamp(agent.y+clamp(move[1], -1, 1)*speed, -1, 1)
			agent.age++
			rewards[agent] = arenaTimePenalty
			components[agent] = make(map[string]float64, len(arenaComponents))

			switch {
			case !agent.carrying && dist(agent.x, agent.y, team.manaX, team.manaY) < arenaPickupRadius:
				agent.carrying = true
				components[agent][ComponentPickup] = 1
				a.spawnMana(team)
			case agent.carrying && dist(agent.x, agent.y, team.baseX, team.baseY) < arenaDepositRadius:
				agent.carrying = false
				components[agent][ComponentDeposit] = 1
				rewards[agent] += arenaDepositReward
			}
		}
		team.actions = make(map[int][2]float64)
	}

	for _, team := range a.teams {
		for _, hunter := range team.agents {
			for _, enemyTeam := range a.teams {
				if enemyTeam == team {
					continue
				}
				for _, prey := range enemyTeam.agents {
					if terminal[prey] || !prey.carrying {
						continue
					}
					if dist(hunter.x, hunter.y, prey.x, prey.y) < arenaEliminationRadius {
						terminal[prey] = true
						rewards[prey] += arenaEliminatedReward
						rewards[hunter] += arenaEliminationReward
						components[hunter][ComponentElimination]++
					}
				}
			}
		}
	}

	for _, team := range a.teams {
		var active, done []*arenaAgent
		for _, agent := range team.agents {
			if terminal[agent] || agent.age >= a.cfg.maxEpisodeSteps {
				done = append(done, agent)
			} else {
				active = append(active, agent)
			}
		}
		ordered := append(append([]*arenaAgent(nil), active...), done...)
		set := newComponentSet(len(ordered))
		activeRewards := make([]float64, 0, len(active))
		doneRewards := make([]float64, 0, len(done))
		for i, agent := range ordered {
			for key, v := range components[agent] {
				set[key][i] = v
			}
			if i < len(active) {
				activeRewards = append(activeRewards, rewards[agent])
			} else {
				doneRewards = append(doneRewards, rewards[agent])
			}
		}
		team.publish(active, done, activeRewards, doneRewards, set)
		for _, agent := range done {
			a.spawnAgent(team, agent)
		}
	}
	return nil
}

func (a *Arena) Close() error {
	a.closed = true
	a.started = false
	return nil
}

func (a *Arena) team(behavior string) (*arenaTeam, error) {
	if !a.started {
		return nil, fmt.Errorf("arena not reset")
	}
	for _, team := range a.teams {
		if team.name == behavior {
			return team, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownBehavior, behavior)
}

func (a *Arena) spawnAgent(team *arenaTeam, agent *arenaAgent) {
	agent.x = clamp(team.baseX+(a.rng.Float64()-0.5)*0.1, -1, 1)
	agent.y = clamp(team.baseY+(a.rng.Float64()-0.5)*0.1, -1, 1)
	agent.carrying = false
	agent.age = 0
}

func (a *Arena) spawnMana(team *arenaTeam) {
	distance := a.params[ParamManaDistance]
	heading := 0.0
	if team.baseX > 0 {
		heading = math.Pi
	}
	angle := heading + (a.rng.Float64()-0.5)*math.Pi/2
	team.manaX = clamp(team.baseX+distance*math.Cos(angle), -1, 1)
	team.manaY = clamp(team.baseY+distance*math.Sin(angle), -1, 1)
}

func (t *arenaTeam) publish(active, done []*arenaAgent, activeRewards, doneRewards []float64, components map[string][]float64) {
	t.steps = BehaviorSteps{
		Active:   t.batch(active, activeRewards),
		Terminal: t.batch(done, doneRewards),
	}
	t.activeIDs = append([]int(nil), t.steps.Active.AgentIDs...)
	t.components = components
}

func (t *arenaTeam) batch(agents []*arenaAgent, rewards []float64) Batch {
	b := Batch{
		AgentIDs:     make([]int, len(agents)),
		Observations: make([][]float32, len(agents)),
		Rewards:      Floats[float32](rewards),
	}
	for i, agent := range agents {
		b.AgentIDs[i] = agent.id
		b.Observations[i] = t.observe(agent)
	}
	return b
}

func (t *arenaTeam) observe(agent *arenaAgent) []float32 {
	carrying := 0.0
	if agent.carrying {
		carrying = 1
	}
	return Floats[float32]([]float64{
		agent.x,
		agent.y,
		carrying,
		t.manaX - agent.x,
		t.manaY - agent.y,
		t.baseX - agent.x,
		t.baseY - agent.y,
	})
}

func newComponentSet(n int) map[string][]float64 {
	set := make(map[string][]float64, len(arenaComponents))
	for _, key := range arenaComponents {
		set[key] = make([]float64, n)
	}
	return set
}

// ComponentNames lists the auxiliary reward components the arena reports.
func ComponentNames() []string {
	out := append([]string(nil), arenaComponents...)
	sort.Strings(out)
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func dist(x1, y1, x2, y2 float64) float64 {
	return math.Hypot(x1-x2, y1-y2)
}
