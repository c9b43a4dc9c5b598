package patrol

import (
	"context"
	"fmt"
	"sync"

	"github.com/digimosa/shop-patrol/internal/catalog"
	"github.com/digimosa/shop-patrol/internal/logger"
	"github.com/digimosa/shop-patrol/internal/models"
	"github.com/digimosa/shop-patrol/internal/reporting"
	"github.com/digimosa/shop-patrol/internal/storage"
)

// State is the single-target controller state.
type State string

const (
	StateIdle      State = "IDLE"
	StateChecking  State = "CHECKING"
	StateReady     State = "READY"
	StateRunning   State = "RUNNING"
	StatePaused    State = "PAUSED"
	StateCompleted State = "COMPLETED"
)

// Probe is the result of Inspect.
type Probe struct {
	Target     string                 `json:"target"`
	ShopCode   string                 `json:"shop_code"`
	TotalCount int                    `json:"total_count"`
	PageCount  int                    `json:"page_count"`
	Sample     []models.ProductRecord `json:"sample"`
}

// Single patrols one catalog target with pause, resume and retry.
type Single struct {
	eng *engine
	agg *reporting.Aggregator

	mu         sync.Mutex
	state      State
	target     string
	runID      string
	attempt    int
	newAttempt bool
	cur        cursor
	flushed    int
	lastErr    error
}

// NewSingle validates the session and builds an idle controller.
func NewSingle(settings Settings, deps Deps) (*Single, error) {
	if err := settings.validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Single{
		eng:   newEngine(settings, deps, "single", false),
		agg:   reporting.NewAggregator(),
		state: StateIdle,
	}, nil
}

// BatchSize is min(|pool| * fanout, cap).
func (s *Single) BatchSize() int {
	return s.eng.batchSize
}

func (s *Single) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Single) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Items returns a copy of the accumulated results.
func (s *Single) Items() []models.ScannedItem {
	return s.agg.Items()
}

// Aggregator exposes the result set for exports.
func (s *Single) Aggregator() *reporting.Aggregator {
	return s.agg
}

func (s *Single) Progress() Progress {
	s.mu.Lock()
	state, runID, target, lastErr := s.state, s.runID, s.target, s.lastErr
	s.mu.Unlock()

	p := s.eng.prog.snapshot(string(state))
	p.RunID = runID
	p.Target = target
	p.TargetCount = 1
	if lastErr != nil {
		p.LastError = lastErr.Error()
	}
	return p
}

// Inspect probes page 1 of target: IDLE -> CHECKING -> READY, or back to
// IDLE when the catalog cannot be read.
func (s *Single) Inspect(ctx context.Context, target string) (*Probe, error) {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateReady {
		s.mu.Unlock()
		return nil, fmt.Errorf("inspect in state %s: %w", s.state, ErrInvalidState)
	}
	s.state = StateChecking
	s.lastErr = nil
	s.mu.Unlock()

	ctx = logger.WithTarget(ctx, target)
	page, err := s.eng.deps.Catalog.FetchPage(ctx, target, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateIdle
		s.lastErr = err
		s.eng.log.Warnf(ctx, "[Patrol] inspect failed: %v", err)
		return nil, err
	}

	s.target = target
	s.runID = ""
	s.attempt = 0
	s.newAttempt = false
	s.cur = cursor{Page: 1, Total: page.TotalCount}
	s.flushed = 0
	s.agg.Reset(nil)
	s.eng.prog.reset(target, 0)
	s.eng.prog.total.Store(int64(page.TotalCount))
	s.state = StateReady

	sample := page.Products
	if len(sample) > 5 {
		sample = sample[:5]
	}
	s.eng.log.Infof(ctx, "[Patrol] inspected: %d products over %d pages", page.TotalCount, page.PageCount)
	return &Probe{
		Target:     target,
		ShopCode:   catalog.ShopCode(target),
		TotalCount: page.TotalCount,
		PageCount:  page.PageCount,
		Sample:     sample,
	}, nil
}

// Start runs (or resumes) the loop until completion or a stop. It blocks;
// callers that need a handle run it on a goroutine and use Pause.
func (s *Single) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateReady && s.state != StatePaused {
		s.mu.Unlock()
		return fmt.Errorf("start in state %s: %w", s.state, ErrInvalidState)
	}
	s.state = StateRunning
	s.lastErr = nil
	s.eng.stop.Store(false)
	cur := s.cur
	target := s.target
	s.mu.Unlock()

	if err := s.ensureRun(ctx); err != nil {
		s.eng.log.Errorf(ctx, "[Storage] could not create run record, continuing in memory: %v", err)
	}
	runID := s.RunID()
	ctx = logger.WithTarget(logger.WithRun(ctx, runID), target)

	s.eng.prog.begin(cur.Processed)
	s.eng.prog.observe(cur)
	s.eng.log.Infof(ctx, "[Patrol] running from page %d (offset %d, processed %d), batch size %d",
		cur.Page, cur.Offset, cur.Processed, s.eng.batchSize)

	pages := 0
	result, err := s.eng.runTarget(ctx, target, &cur, hooks{
		onBatch: func(items []models.ScannedItem) {
			if n := s.agg.AppendUnique(items...); n > 0 {
				s.eng.log.Warnf(ctx, "[Patrol] %d repeated items dropped", n)
			}
		},
		onPage: func(c cursor) {
			s.mu.Lock()
			s.cur = c
			s.mu.Unlock()
			pages++
			if pages%s.eng.settings.CheckpointEvery == 0 {
				s.checkpoint(ctx, nil)
			}
		},
	})

	s.mu.Lock()
	s.cur = cur
	s.mu.Unlock()

	switch result {
	case outcomeStopped:
		s.setState(StatePaused)
		s.checkpoint(ctx, storage.StatusPtr(models.RunPaused))
		s.eng.log.Infof(ctx, "[Patrol] paused at page %d offset %d, %d items", cur.Page, cur.Offset, s.agg.Len())
	case outcomeCompleted:
		s.setState(StateCompleted)
		s.checkpoint(ctx, storage.StatusPtr(models.RunCompleted))
		s.eng.log.Infof(ctx, "[Patrol] completed: %d items", s.agg.Len())
	default:
		s.mu.Lock()
		s.state = StateIdle
		s.lastErr = err
		s.mu.Unlock()
		s.checkpoint(ctx, storage.StatusPtr(models.RunError))
		s.eng.log.Errorf(ctx, "[Patrol] aborted: %v", err)
	}
	return nil
}

// Pause asks the loop to stop at the next batch or page boundary.
func (s *Single) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return fmt.Errorf("pause in state %s: %w", s.state, ErrInvalidState)
	}
	s.eng.stop.Store(true)
	return nil
}

// Finish flushes the session to the store and returns to IDLE. The run
// stays in the store; a paused run can be picked up again with Load.
func (s *Single) Finish(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state != StatePaused && s.state != StateCompleted {
		s.mu.Unlock()
		return "", fmt.Errorf("finish in state %s: %w", s.state, ErrInvalidState)
	}
	s.mu.Unlock()

	s.checkpoint(ctx, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	runID := s.runID
	s.state = StateIdle
	s.target = ""
	s.runID = ""
	s.cur = cursor{}
	s.flushed = 0
	s.agg.Reset(nil)
	return runID, nil
}

// RetryFailed re-classifies every ERROR item in place and returns how many
// now carry a real judgment.
func (s *Single) RetryFailed(ctx context.Context) (int, error) {
	s.mu.Lock()
	prev := s.state
	if prev != StatePaused && prev != StateCompleted {
		s.mu.Unlock()
		return 0, fmt.Errorf("retry in state %s: %w", prev, ErrInvalidState)
	}
	s.state = StateRunning
	s.eng.stop.Store(false)
	runID := s.runID
	s.mu.Unlock()
	defer s.setState(prev)

	ctx = logger.WithRun(ctx, runID)
	failed := s.agg.FailedIndexes()
	s.eng.log.Infof(ctx, "[Patrol] retrying %d failed items", len(failed))

	fixed := 0
	for start := 0; start < len(failed); start += s.eng.batchSize {
		if s.eng.stopRequested(ctx) {
			break
		}
		end := start + s.eng.batchSize
		if end > len(failed) {
			end = len(failed)
		}
		idx := failed[start:end]

		batch := make([]models.ProductRecord, 0, len(idx))
		olds := make([]models.ScannedItem, 0, len(idx))
		for _, i := range idx {
			it, _ := s.agg.Get(i)
			olds = append(olds, it)
			batch = append(batch, it.ProductRecord)
		}

		assessments := s.eng.classifyBatch(ctx, batch)
		var upserts []models.ScannedItem
		for j, a := range assessments {
			it := olds[j]
			it.RiskAssessment = a
			if s.agg.Replace(idx[j], it) {
				upserts = append(upserts, it)
				if a.Level != models.RiskError {
					fixed++
				}
			}
		}
		s.eng.persist(ctx, runID, storage.Patch{UpsertItems: upserts})
	}

	s.eng.persist(ctx, runID, storage.Patch{Summary: storage.SummaryPtr(s.agg.Summary())})
	return fixed, nil
}

// Load rebuilds a stored single-target run so it can be resumed with Start
// or retried; runs that already completed load as COMPLETED.
func (s *Single) Load(ctx context.Context, runID string) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateReady {
		s.mu.Unlock()
		return fmt.Errorf("load in state %s: %w", s.state, ErrInvalidState)
	}
	s.mu.Unlock()

	run, err := s.eng.deps.Store.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Mode != models.ModeSingle {
		return fmt.Errorf("run %s is a %s run: %w", runID, run.Mode, ErrInvalidState)
	}

	target := run.Label
	if len(run.Targets) > 0 {
		target = run.Targets[0].URL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.agg.Reset(run.Items)
	s.target = target
	s.runID = run.ID
	s.attempt = run.Attempt
	s.cur = cursorFrom(run.Checkpoint)
	if s.cur.Processed < len(run.Items) {
		s.cur.Processed = len(run.Items)
	}
	s.flushed = len(run.Items)
	s.lastErr = nil
	s.eng.prog.reset(target, 0)
	s.eng.prog.observe(s.cur)

	switch run.Status {
	case models.RunCompleted:
		s.state = StateCompleted
	case models.RunError:
		s.state = StatePaused
		s.newAttempt = true
	default:
		s.state = StatePaused
	}
	s.eng.log.Infof(logger.WithRun(ctx, run.ID), "[Patrol] loaded %d items, resume at page %d", len(run.Items), s.cur.Page)
	return nil
}

func (s *Single) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ensureRun creates the run record on first start, or flips a loaded run
// back to PROCESSING.
func (s *Single) ensureRun(ctx context.Context) error {
	s.mu.Lock()
	runID, target, newAttempt, attempt := s.runID, s.target, s.newAttempt, s.attempt
	s.mu.Unlock()

	if runID != "" {
		patch := storage.Patch{Status: storage.StatusPtr(models.RunProcessing)}
		if newAttempt {
			patch.Attempt = storage.IntPtr(attempt + 1)
		}
		if !s.eng.persist(ctx, runID, patch) {
			return nil
		}
		s.mu.Lock()
		if newAttempt {
			s.attempt++
			s.newAttempt = false
		}
		s.mu.Unlock()
		return nil
	}

	run := &models.PatrolRun{
		Mode:    models.ModeSingle,
		Label:   target,
		Targets: []models.PatrolTarget{{URL: target, Status: models.TargetProcessing}},
		Status:  models.RunProcessing,
	}
	id, err := s.eng.deps.Store.Create(context.WithoutCancel(ctx), run)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.runID = id
	s.attempt = run.Attempt
	s.mu.Unlock()
	return nil
}

// checkpoint writes the items accumulated since the last flush together
// with the cursor and summary, plus an optional status change.
func (s *Single) checkpoint(ctx context.Context, status *models.RunStatus) {
	s.mu.Lock()
	runID, cur, flushed, target := s.runID, s.cur, s.flushed, s.target
	s.mu.Unlock()
	if runID == "" {
		return
	}

	items := s.agg.Items()
	summary := reporting.Summarize(items)
	cp := cur.checkpoint(0)
	patch := storage.Patch{
		Status:      status,
		Summary:     &summary,
		Checkpoint:  &cp,
		AppendItems: items[flushed:],
	}
	if status != nil {
		ts := models.TargetProcessing
		switch *status {
		case models.RunCompleted:
			ts = models.TargetCompleted
		case models.RunError:
			ts = models.TargetError
		}
		patch.Targets = []models.PatrolTarget{{URL: target, Status: ts, ItemCount: len(items), TotalCount: cur.Total}}
	}
	if s.eng.persist(ctx, runID, patch) {
		s.mu.Lock()
		s.flushed = len(items)
		s.mu.Unlock()
	}
}
