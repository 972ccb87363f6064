package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"adaptrl/internal/model"
)

type SeriesPoint struct {
	Step  int64   `json:"step"`
	Value float64 `json:"value"`
}

type SeriesSummary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Last  float64 `json:"last"`
}

// RewardSeries extracts one behavior's mean reward from a metric history.
// Records that did not log the behavior are skipped.
func RewardSeries(metrics []model.MetricRecord, behavior string) []SeriesPoint {
	points := make([]SeriesPoint, 0, len(metrics))
	for _, m := range metrics {
		v, ok := m.MeanReward[behavior]
		if !ok {
			continue
		}
		points = append(points, SeriesPoint{Step: m.Step, Value: v})
	}
	return points
}

func PerformanceSeries(metrics []model.MetricRecord) []SeriesPoint {
	points := make([]SeriesPoint, 0, len(metrics))
	for _, m := range metrics {
		points = append(points, SeriesPoint{Step: m.Step, Value: m.Performance})
	}
	return points
}

// Behaviors lists every behavior that appears in a metric history, sorted.
func Behaviors(metrics []model.MetricRecord) []string {
	seen := map[string]struct{}{}
	for _, m := range metrics {
		for name := range m.MeanReward {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Summarize(points []SeriesPoint) SeriesSummary {
	if len(points) == 0 {
		return SeriesSummary{}
	}
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	summary := SeriesSummary{
		Count: len(values),
		Min:   floats.Min(values),
		Max:   floats.Max(values),
		Last:  values[len(values)-1],
	}
	if len(values) == 1 {
		summary.Mean = values[0]
		return summary
	}
	summary.Mean, summary.Std = stat.MeanStdDev(values, nil)
	return summary
}

// AverageAcrossRuns averages several runs' series position by position.
// Runs shorter than the longest one stop contributing once exhausted; the
// step of each point is taken from the first run that still has a value.
func AverageAcrossRuns(runs [][]SeriesPoint) []SeriesPoint {
	longest := 0
	for _, run := range runs {
		if len(run) > longest {
			longest = len(run)
		}
	}
	points := make([]SeriesPoint, 0, longest)
	for i := 0; i < longest; i++ {
		var (
			sum   float64
			n     int
			step  int64
			found bool
		)
		for _, run := range runs {
			if i >= len(run) {
				continue
			}
			if !found {
				step = run[i].Step
				found = true
			}
			sum += run[i].Value
			n++
		}
		points = append(points, SeriesPoint{Step: step, Value: sum / float64(n)})
	}
	return points
}

// MaxAcrossRuns reports the best value reached by each run.
func MaxAcrossRuns(runs [][]SeriesPoint) []float64 {
	out := make([]float64, 0, len(runs))
	for _, run := range runs {
		if len(run) == 0 {
			continue
		}
		best := math.Inf(-1)
		for _, p := range run {
			if p.Value > best {
				best = p.Value
			}
		}
		out = append(out, best)
	}
	return out
}
