package trainer

// episodeTracker accumulates raw per-agent returns and keeps the most recent
// finished episodes for the rolling performance metric.
type episodeTracker struct {
	window   int
	running  map[int]float64
	finished []float64
	next     int
	total    int
}

func newEpisodeTracker(window int) *episodeTracker {
	if window <= 0 {
		window = 1
	}
	return &episodeTracker{window: window, running: make(map[int]float64)}
}

func (t *episodeTracker) observe(agentIDs []int, rewards []float32, done bool) {
	for i, r := range rewards {
		id := i
		if i < len(agentIDs) {
			id = agentIDs[i]
		}
		t.running[id] += float64(r)
		if !done {
			continue
		}
		t.finish(t.running[id])
		delete(t.running, id)
	}
}

func (t *episodeTracker) finish(ret float64) {
	t.total++
	if len(t.finished) < t.window {
		t.finished = append(t.finished, ret)
		return
	}
	t.finished[t.next] = ret
	t.next = (t.next + 1) % t.window
}

// mean reports false until at least one episode has finished.
func (t *episodeTracker) mean() (float64, bool) {
	if len(t.finished) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, v := range t.finished {
		sum += v
	}
	return sum / float64(len(t.finished)), true
}

func (t *episodeTracker) episodes() int {
	return t.total
}
