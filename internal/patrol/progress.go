package patrol

import (
	"time"

	"go.uber.org/atomic"
)

// Progress is a point-in-time view of a running controller.
type Progress struct {
	State       string        `json:"state"`
	RunID       string        `json:"run_id,omitempty"`
	Target      string        `json:"target,omitempty"`
	TargetIndex int           `json:"target_index"`
	TargetCount int           `json:"target_count,omitempty"`
	Page        int           `json:"page"`
	Processed   int           `json:"processed"`
	Total       int           `json:"total"`
	Batches     int           `json:"batches"`
	ETA         time.Duration `json:"eta"`
	ETASeconds  float64       `json:"eta_seconds"`
	LastError   string        `json:"last_error,omitempty"`
}

// tracker holds counters written by the loop and read by Progress callers.
type tracker struct {
	page      atomic.Int64
	processed atomic.Int64
	total     atomic.Int64
	batches   atomic.Int64
	target    atomic.String
	targetIdx atomic.Int64

	startedAt      atomic.Int64 // unix nanos of the current leg
	processedStart atomic.Int64
}

// begin marks the start of a run leg; throughput is measured from here so a
// resumed run does not count earlier legs as instantaneous.
func (t *tracker) begin(processed int) {
	t.processed.Store(int64(processed))
	t.processedStart.Store(int64(processed))
	t.startedAt.Store(time.Now().UnixNano())
	t.batches.Store(0)
}

// reset clears every counter before a new target or run is loaded.
func (t *tracker) reset(target string, index int) {
	t.page.Store(0)
	t.processed.Store(0)
	t.total.Store(0)
	t.batches.Store(0)
	t.target.Store(target)
	t.targetIdx.Store(int64(index))
	t.startedAt.Store(0)
	t.processedStart.Store(0)
}

func (t *tracker) observe(c cursor) {
	t.page.Store(int64(c.Page))
	t.processed.Store(int64(c.Processed))
	t.total.Store(int64(c.Total))
}

// eta is remaining / throughput, zero while throughput is unknown.
func (t *tracker) eta() time.Duration {
	started := t.startedAt.Load()
	if started == 0 {
		return 0
	}
	done := t.processed.Load() - t.processedStart.Load()
	remaining := t.total.Load() - t.processed.Load()
	elapsed := time.Since(time.Unix(0, started))
	if done <= 0 || remaining <= 0 || elapsed <= 0 {
		return 0
	}
	perItem := elapsed / time.Duration(done)
	return perItem * time.Duration(remaining)
}

func (t *tracker) snapshot(state string) Progress {
	eta := t.eta()
	return Progress{
		State:       state,
		Target:      t.target.Load(),
		TargetIndex: int(t.targetIdx.Load()),
		Page:        int(t.page.Load()),
		Processed:   int(t.processed.Load()),
		Total:       int(t.total.Load()),
		Batches:     int(t.batches.Load()),
		ETA:         eta,
		ETASeconds:  eta.Seconds(),
	}
}
