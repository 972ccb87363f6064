package stats

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-strftime"

	"adaptrl/internal/model"
)

const (
	runIndexFile    = "run_index.json"
	configFile      = "config.json"
	metricsFile     = "metrics.jsonl"
	checkpointsFile = "checkpoints.jsonl"
	summaryFile     = "summary.json"
)

var ErrRunIDRequired = errors.New("run id is required")

// NewRunID returns a sortable run identifier: UTC timestamp plus a short
// random suffix so runs started within the same second do not collide.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return strftime.Format("%Y%m%d_%H%M%S", now.UTC()) + "_" + suffix
}

type CheckpointEntry struct {
	Ref          string `json:"ref"`
	Step         int64  `json:"step"`
	Behavior     string `json:"behavior"`
	CreatedAtUTC string `json:"created_at_utc"`
}

type Summary struct {
	RunID          string   `json:"run_id"`
	Environment    string   `json:"environment"`
	Ticks          int64    `json:"ticks"`
	Lesson         int      `json:"lesson"`
	Score          float64  `json:"score"`
	Pool           []string `json:"pool"`
	Snapshots      int      `json:"snapshots"`
	Swaps          int      `json:"swaps"`
	Cancelled      bool     `json:"cancelled,omitempty"`
	StartedAtUTC   string   `json:"started_at_utc"`
	CompletedAtUTC string   `json:"completed_at_utc"`
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Environment  string  `json:"environment"`
	Seed         int64   `json:"seed"`
	MaxSteps     int64   `json:"max_steps"`
	Workers      int     `json:"workers"`
	Ticks        int64   `json:"ticks"`
	Lesson       int     `json:"lesson"`
	Score        float64 `json:"score"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// RunWriter owns the artifact directory of one run. Metric and checkpoint
// lines are appended as they happen so a crashed run still leaves a usable
// history behind.
type RunWriter struct {
	dir string

	mu          sync.Mutex
	metrics     *os.File
	checkpoints *os.File
}

func OpenRun(baseDir, runID string, config any) (*RunWriter, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, ErrRunIDRequired
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(runDir, configFile), config); err != nil {
		return nil, err
	}

	metrics, err := os.OpenFile(filepath.Join(runDir, metricsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	checkpoints, err := os.OpenFile(filepath.Join(runDir, checkpointsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = metrics.Close()
		return nil, err
	}
	return &RunWriter{dir: runDir, metrics: metrics, checkpoints: checkpoints}, nil
}

func (w *RunWriter) Dir() string {
	return w.dir
}

func (w *RunWriter) AppendMetric(record model.MetricRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.metrics == nil {
		return errors.New("run writer is closed")
	}
	return json.NewEncoder(w.metrics).Encode(record)
}

func (w *RunWriter) AppendCheckpoint(entry CheckpointEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.checkpoints == nil {
		return errors.New("run writer is closed")
	}
	return json.NewEncoder(w.checkpoints).Encode(entry)
}

func (w *RunWriter) WriteSummary(summary Summary) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return writeJSON(filepath.Join(w.dir, summaryFile), summary)
}

func (w *RunWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	if w.metrics != nil {
		errs = append(errs, w.metrics.Close())
		w.metrics = nil
	}
	if w.checkpoints != nil {
		errs = append(errs, w.checkpoints.Close())
		w.checkpoints = nil
	}
	return errors.Join(errs...)
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return ErrRunIDRequired
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := readRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the run index newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	entries, err := readRunIndex(baseDir)
	if err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func readRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}
	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", runIndexFile, err)
	}
	return entries, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", ErrRunIDRequired
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	if err := copyFile(filepath.Join(src, configFile), filepath.Join(dst, configFile)); err != nil {
		return "", err
	}
	// A run that was interrupted may not have written every file.
	for _, file := range []string{metricsFile, checkpointsFile, summaryFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		if err := copyFile(path, filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (json.RawMessage, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !json.Valid(data) {
		return nil, false, fmt.Errorf("%s for run %s is not valid json", configFile, runID)
	}
	return json.RawMessage(data), true, nil
}

func ReadSummary(baseDir, runID string) (Summary, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, summaryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{}, false, nil
		}
		return Summary{}, false, err
	}
	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return Summary{}, false, err
	}
	return summary, true, nil
}

func ReadMetrics(baseDir, runID string) ([]model.MetricRecord, bool, error) {
	var out []model.MetricRecord
	ok, err := readJSONLines(filepath.Join(baseDir, runID, metricsFile), func(line []byte) error {
		var record model.MetricRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return err
		}
		out = append(out, record)
		return nil
	})
	return out, ok, err
}

func ReadCheckpoints(baseDir, runID string) ([]CheckpointEntry, bool, error) {
	var out []CheckpointEntry
	ok, err := readJSONLines(filepath.Join(baseDir, runID, checkpointsFile), func(line []byte) error {
		var entry CheckpointEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return err
		}
		out = append(out, entry)
		return nil
	})
	return out, ok, err
}

func readJSONLines(path string, fn func([]byte) error) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return false, fmt.Errorf("%s line %d: %w", filepath.Base(path), lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
