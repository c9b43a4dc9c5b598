package patrol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/digimosa/shop-patrol/internal/logger"
	"github.com/digimosa/shop-patrol/internal/metrics"
	"github.com/digimosa/shop-patrol/internal/models"
	"github.com/digimosa/shop-patrol/internal/reporting"
	"github.com/digimosa/shop-patrol/internal/storage"
)

// Fleet patrols an ordered list of targets as one resumable run.
type Fleet struct {
	eng     *engine
	running atomic.Bool

	mu       sync.Mutex
	state    State
	runID    string
	count    int
	lastErr  error
	retained *reporting.Aggregator
	summary  models.Summary
}

// NewFleet validates the session and builds an idle fleet controller.
func NewFleet(settings Settings, deps Deps) (*Fleet, error) {
	if err := settings.validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Fleet{
		eng:      newEngine(settings, deps, "fleet", true),
		state:    StateIdle,
		retained: reporting.NewAggregator(),
	}, nil
}

func (f *Fleet) BatchSize() int {
	return f.eng.batchSize
}

// Pause asks the running fleet to stop at the next batch or page boundary.
func (f *Fleet) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running.Load() {
		return fmt.Errorf("fleet is not running: %w", ErrInvalidState)
	}
	f.eng.stop.Store(true)
	return nil
}

// acquire claims the controller for one run and clears any stale stop
// request. Pause shares the lock, so a request made once acquire returned
// is never lost.
func (f *Fleet) acquire() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running.Load() {
		return fmt.Errorf("fleet already running: %w", ErrInvalidState)
	}
	f.running.Store(true)
	f.eng.stop.Store(false)
	return nil
}

// Items returns the items retained by the current or most recent run.
// They are available even when the store rejected every write.
func (f *Fleet) Items() []models.ScannedItem {
	f.mu.Lock()
	agg := f.retained
	f.mu.Unlock()
	return agg.Items()
}

// Summary returns the totals of the most recent finished or paused run.
func (f *Fleet) Summary() models.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summary
}

func (f *Fleet) Progress() Progress {
	f.mu.Lock()
	state, runID, count, lastErr := f.state, f.runID, f.count, f.lastErr
	f.mu.Unlock()

	p := f.eng.prog.snapshot(string(state))
	p.RunID = runID
	p.TargetCount = count
	if lastErr != nil {
		p.LastError = lastErr.Error()
	}
	return p
}

// Run creates a FLEET run over targets, all WAITING, and processes it. It
// blocks until the run completes or stops; the run id is returned either way.
func (f *Fleet) Run(ctx context.Context, targets []string) (string, error) {
	list := dedupeTargets(targets)
	if len(list) == 0 {
		return "", errors.New("fleet: no targets")
	}
	if err := f.acquire(); err != nil {
		return "", err
	}
	defer f.running.Store(false)

	run := &models.PatrolRun{
		Mode:    models.ModeFleet,
		Label:   fmt.Sprintf("%s (+%d)", list[0].URL, len(list)-1),
		Targets: list,
		Status:  models.RunProcessing,
	}
	if len(list) == 1 {
		run.Label = list[0].URL
	}
	id, err := f.eng.deps.Store.Create(context.WithoutCancel(ctx), run)
	if err != nil {
		metrics.CheckpointWrites.WithLabelValues("error").Inc()
		f.eng.log.Errorf(ctx, "[Storage] could not create fleet run, continuing in memory: %v", err)
		id = ""
	} else {
		f.eng.log.Infof(logger.WithRun(ctx, id), "[Fleet] created run with %d targets", len(list))
	}
	run.ID = id
	return id, f.process(ctx, run)
}

// Resume reloads a stored fleet run and continues it. COMPLETED and ERROR
// targets are skipped; an interrupted target continues from its checkpoint.
func (f *Fleet) Resume(ctx context.Context, runID string) error {
	if err := f.acquire(); err != nil {
		return err
	}
	defer f.running.Store(false)

	run, err := f.load(ctx, runID)
	if err != nil {
		return err
	}
	return f.process(ctx, run)
}

// RetryTarget resets the ERROR target at index to WAITING and resumes the
// run. Targets in any other status are rejected.
func (f *Fleet) RetryTarget(ctx context.Context, runID string, index int) error {
	if err := f.acquire(); err != nil {
		return err
	}
	defer f.running.Store(false)

	run, err := f.load(ctx, runID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(run.Targets) {
		return fmt.Errorf("target index %d out of range [0,%d): %w", index, len(run.Targets), ErrInvalidState)
	}
	t := &run.Targets[index]
	if t.Status != models.TargetError {
		return fmt.Errorf("target %d is %s, only ERROR targets can be retried: %w", index, t.Status, ErrInvalidState)
	}
	t.Status = models.TargetWaiting
	t.Error = ""
	t.Processed = 0
	f.eng.log.Infof(logger.WithTarget(logger.WithRun(ctx, runID), t.URL), "[Fleet] target %d reset for retry", index)
	return f.process(ctx, run)
}

// load fetches a fleet run and opens a new attempt when it already ended.
func (f *Fleet) load(ctx context.Context, runID string) (*models.PatrolRun, error) {
	run, err := f.eng.deps.Store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Mode != models.ModeFleet {
		return nil, fmt.Errorf("run %s is a %s run: %w", runID, run.Mode, ErrInvalidState)
	}
	if !models.CanTransition(run.Status, models.RunProcessing, false) {
		run.Attempt++
	}
	return run, nil
}

// process walks the targets of run in order. Each completed or failed
// target is written together with the summary, the checkpoint and the
// retained items, so a replay after a crash cannot duplicate or lose work.
func (f *Fleet) process(ctx context.Context, run *models.PatrolRun) error {
	ctx = logger.WithRun(ctx, run.ID)
	st := newFleetState(run, f.eng.settings.PersistAllItems)

	f.mu.Lock()
	f.state = StateRunning
	f.runID = run.ID
	f.count = len(run.Targets)
	f.lastErr = nil
	f.retained = st.retained
	f.mu.Unlock()

	f.eng.persist(ctx, run.ID, storage.Patch{
		Status:  storage.StatusPtr(models.RunProcessing),
		Targets: st.targetList(),
		Summary: storage.SummaryPtr(st.summary()),
		Attempt: storage.IntPtr(run.Attempt),
	})

	stopped := false
	started := 0
	for i := range st.targets {
		t := &st.targets[i]
		if t.Status == models.TargetCompleted || t.Status == models.TargetError {
			continue
		}
		if f.eng.stopRequested(ctx) {
			stopped = true
			break
		}
		if started > 0 && !f.cooldown(ctx) {
			stopped = true
			break
		}
		started++

		cur := cursor{Page: 1}
		if t.Status == models.TargetProcessing && run.Checkpoint.TargetIndex == i {
			cur = cursorFrom(run.Checkpoint)
		}
		t.Processed = cur.Processed
		t.Status = models.TargetProcessing
		t.Error = ""

		result, err := f.processTarget(ctx, st, i, &cur)
		switch result {
		case outcomeStopped:
			stopped = true
			st.flush(ctx, f.eng, i, cur, nil)
		case outcomeFailed:
			t.Status = models.TargetError
			t.Error = err.Error()
			f.mu.Lock()
			f.lastErr = err
			f.mu.Unlock()
			f.eng.log.Warnf(logger.WithTarget(ctx, t.URL), "[Fleet] target %d failed: %v", i, err)
			st.flush(ctx, f.eng, i+1, cursor{Page: 1}, nil)
		default:
			t.Status = models.TargetCompleted
			f.eng.log.Infof(logger.WithTarget(ctx, t.URL), "[Fleet] target %d completed: %d processed, %d retained",
				i, t.Processed, t.ItemCount)
			st.flush(ctx, f.eng, i+1, cursor{Page: 1}, nil)
		}
		if stopped {
			break
		}
	}

	final := models.RunCompleted
	state := StateCompleted
	if stopped {
		final = models.RunPaused
		state = StatePaused
	}
	st.flush(ctx, f.eng, st.lastIndex, st.lastCursor, &final)

	sum := st.summary()
	f.mu.Lock()
	f.state = state
	f.summary = sum
	f.mu.Unlock()
	f.eng.log.Infof(ctx, "[Fleet] run %s: %+v", strings.ToLower(string(final)), sum)
	return nil
}

func (f *Fleet) processTarget(ctx context.Context, st *fleetState, i int, cur *cursor) (outcome, error) {
	t := &st.targets[i]
	tctx := logger.WithTarget(ctx, t.URL)
	f.eng.prog.reset(t.URL, i)
	f.eng.prog.begin(cur.Processed)
	f.eng.prog.observe(*cur)
	st.flush(tctx, f.eng, i, *cur, nil)
	f.eng.log.Infof(tctx, "[Fleet] target %d/%d from page %d", i+1, len(st.targets), cur.Page)

	pages := 0
	result, err := f.eng.runTarget(tctx, t.URL, cur, hooks{
		onBatch: func(items []models.ScannedItem) {
			st.keep(items)
			t.Processed = cur.Processed
			t.TotalCount = cur.Total
		},
		onPage: func(c cursor) {
			t.Processed = c.Processed
			t.TotalCount = c.Total
			pages++
			if pages%f.eng.settings.CheckpointEvery == 0 {
				st.flush(tctx, f.eng, i, c, nil)
			}
		},
	})
	t.Processed = cur.Processed
	t.TotalCount = cur.Total
	return result, err
}

// cooldown waits between targets; it reports false when interrupted.
func (f *Fleet) cooldown(ctx context.Context) bool {
	d := f.eng.settings.TargetCooldown
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !f.eng.stop.Load()
	case <-ctx.Done():
		return false
	}
}

// fleetState is the loop's view of one fleet run. Only the loop goroutine
// touches it.
type fleetState struct {
	runID    string
	targets  []models.PatrolTarget
	retained *reporting.Aggregator
	seen     map[string]bool
	perURL   map[string]int
	keepAll  bool
	flushed  int

	lastIndex  int
	lastCursor cursor
}

func newFleetState(run *models.PatrolRun, keepAll bool) *fleetState {
	st := &fleetState{
		runID:      run.ID,
		targets:    append([]models.PatrolTarget(nil), run.Targets...),
		retained:   reporting.NewAggregator(),
		seen:       make(map[string]bool, len(run.Items)),
		perURL:     make(map[string]int),
		keepAll:    keepAll,
		lastIndex:  run.Checkpoint.TargetIndex,
		lastCursor: cursorFrom(run.Checkpoint),
	}
	st.retained.Reset(run.Items)
	for _, it := range run.Items {
		st.seen[it.Key()] = true
		st.perURL[it.TargetURL]++
	}
	st.flushed = st.retained.Len()
	return st
}

// keep retains the items worth storing. Items already retained by an
// earlier leg are ignored.
func (st *fleetState) keep(items []models.ScannedItem) {
	for _, it := range items {
		if !st.keepAll && !it.Level.IsRiskBearing() {
			continue
		}
		k := it.Key()
		if st.seen[k] {
			continue
		}
		st.seen[k] = true
		st.perURL[it.TargetURL]++
		st.retained.Append(it)
	}
}

// summary counts every processed product, while the risk counters come
// from the retained set, which always holds every HIGH and CRITICAL item.
func (st *fleetState) summary() models.Summary {
	s := st.retained.Summary()
	s.Total = 0
	for _, t := range st.targets {
		s.Total += t.Processed
	}
	return s
}

func (st *fleetState) targetList() []models.PatrolTarget {
	out := make([]models.PatrolTarget, len(st.targets))
	for i, t := range st.targets {
		t.ItemCount = st.perURL[t.URL]
		out[i] = t
	}
	return out
}

// flush writes targets, summary, checkpoint and the items retained since
// the previous successful flush in one patch.
func (st *fleetState) flush(ctx context.Context, e *engine, index int, c cursor, status *models.RunStatus) {
	st.lastIndex = index
	st.lastCursor = c
	items := st.retained.Items()
	targets := st.targetList()
	copy(st.targets, targets)
	cp := c.checkpoint(index)
	ok := e.persist(ctx, st.runID, storage.Patch{
		Status:      status,
		Targets:     targets,
		Summary:     storage.SummaryPtr(st.summary()),
		Checkpoint:  &cp,
		AppendItems: items[st.flushed:],
	})
	if ok {
		st.flushed = len(items)
	}
}

func dedupeTargets(in []string) []models.PatrolTarget {
	seen := make(map[string]bool, len(in))
	out := make([]models.PatrolTarget, 0, len(in))
	for _, raw := range in {
		u := strings.TrimSpace(raw)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, models.PatrolTarget{URL: u, Status: models.TargetWaiting})
	}
	return out
}
