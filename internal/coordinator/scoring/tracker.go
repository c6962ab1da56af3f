package scoring

import (
	"sync"
	"time"
)

const (
	// rollingWindowSize bounds the per-worker completion history used for
	// the recency bonus and the speed score.
	rollingWindowSize = 50

	// referenceDuration is the processing time that maps to a speed score
	// of zero. Instant completion maps to one.
	referenceDuration = 30 * time.Second

	// minSpecializationSamples is how many completions of a task type a
	// worker needs before its per-type success rate earns a bonus.
	minSpecializationSamples = 3

	// newWorkerScore is the neutral score for workers with no history.
	newWorkerScore = 0.5
)

type completion struct {
	success  bool
	duration time.Duration
}

type typeStats struct {
	total   int
	success int
}

type workerStats struct {
	total   int
	success int
	window  []completion
	perType map[string]*typeStats
}

// Tracker accumulates task completion outcomes per worker and derives a
// performance score from them. All methods are safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	stats map[string]*workerStats
}

func NewTracker() *Tracker {
	return &Tracker{stats: make(map[string]*workerStats)}
}

// RecordCompletion records the outcome of one task execution on a worker.
func (t *Tracker) RecordCompletion(workerID, taskType string, success bool, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ws, ok := t.stats[workerID]
	if !ok {
		ws = &workerStats{perType: make(map[string]*typeStats)}
		t.stats[workerID] = ws
	}

	ws.total++
	if success {
		ws.success++
	}

	ws.window = append(ws.window, completion{success: success, duration: duration})
	if len(ws.window) > rollingWindowSize {
		ws.window = ws.window[len(ws.window)-rollingWindowSize:]
	}

	if taskType != "" {
		ts, ok := ws.perType[taskType]
		if !ok {
			ts = &typeStats{}
			ws.perType[taskType] = ts
		}
		ts.total++
		if success {
			ts.success++
		}
	}
}

// PerformanceScore derives the worker's score in [0,1] for the given task
// type under the given load. Workers with no recorded history score the
// neutral default so newcomers are neither favored nor starved.
func (t *Tracker) PerformanceScore(workerID, taskType string, load, capacity int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ws, ok := t.stats[workerID]
	if !ok || ws.total == 0 {
		return newWorkerScore
	}

	successRate := float64(ws.success) / float64(ws.total)

	var (
		recentSuccess int
		totalDuration time.Duration
	)
	for _, c := range ws.window {
		if c.success {
			recentSuccess++
		}
		totalDuration += c.duration
	}
	avgDuration := totalDuration / time.Duration(len(ws.window))
	speedScore := clamp01(1.0 - avgDuration.Seconds()/referenceDuration.Seconds())
	recentRate := float64(recentSuccess) / float64(len(ws.window))

	score := successRate*0.4 + speedScore*0.3 + recentRate*0.2

	if taskType != "" {
		if ts, ok := ws.perType[taskType]; ok && ts.total >= minSpecializationSamples {
			score += (float64(ts.success) / float64(ts.total)) * 0.1
		}
	}

	// Zero capacity counts as fully loaded, same as the composite score.
	if capacity > 0 {
		score -= (float64(load) / float64(capacity)) * 0.1
	} else {
		score -= 0.1
	}

	return clamp01(score)
}

// CompletionCount returns how many completions have been recorded for the
// worker, across all task types.
func (t *Tracker) CompletionCount(workerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	ws, ok := t.stats[workerID]
	if !ok {
		return 0
	}
	return ws.total
}
