package patrol

import (
	"context"
	"fmt"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/digimosa/shop-patrol/internal/logger"
	"github.com/digimosa/shop-patrol/internal/metrics"
	"github.com/digimosa/shop-patrol/internal/models"
	"github.com/digimosa/shop-patrol/internal/storage"
)

// cursor is the loop position inside one target.
type cursor struct {
	Page      int
	Offset    int
	Processed int
	Total     int
}

func cursorFrom(cp models.Checkpoint) cursor {
	c := cursor{Page: cp.NextPage, Offset: cp.ItemOffset, Processed: cp.ProcessedCount, Total: cp.TotalCount}
	if c.Page < 1 {
		c = cursor{Page: 1}
	}
	return c
}

func (c cursor) checkpoint(targetIndex int) models.Checkpoint {
	return models.Checkpoint{
		TargetIndex:    targetIndex,
		NextPage:       c.Page,
		ItemOffset:     c.Offset,
		ProcessedCount: c.Processed,
		TotalCount:     c.Total,
	}
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeStopped
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeCompleted:
		return "completed"
	case outcomeStopped:
		return "stopped"
	default:
		return "failed"
	}
}

// hooks receive the loop's results. onBatch gets each classified batch in
// catalog order; onPage fires after the cursor moves to the next page.
type hooks struct {
	onBatch func(items []models.ScannedItem)
	onPage  func(c cursor)
}

// engine is the page/batch loop shared by both controllers.
type engine struct {
	settings  Settings
	deps      Deps
	log       logger.Logger
	mode      string
	batchSize int
	failFast  bool

	stop atomic.Bool
	prog tracker
}

func newEngine(settings Settings, deps Deps, mode string, failFast bool) *engine {
	return &engine{
		settings:  settings,
		deps:      deps,
		log:       deps.Logger,
		mode:      mode,
		batchSize: settings.Session.BatchSize(deps.PoolSize),
		failFast:  failFast,
	}
}

// stopRequested is polled at page and batch boundaries only.
func (e *engine) stopRequested(ctx context.Context) bool {
	return e.stop.Load() || ctx.Err() != nil
}

// runTarget processes pages of target from c until the listing ends, the
// page ceiling is reached, a stop is requested, or (failFast only) the
// target is declared failed.
func (e *engine) runTarget(ctx context.Context, target string, c *cursor, h hooks) (outcome, error) {
	consecutive := 0
	for {
		if e.stopRequested(ctx) {
			return outcomeStopped, nil
		}
		if c.Page > e.settings.MaxPages {
			e.log.Infof(ctx, "[Patrol] page ceiling %d reached", e.settings.MaxPages)
			return outcomeCompleted, nil
		}

		pageCtx := logger.WithPage(ctx, c.Page)
		e.prog.observe(*c)
		page, err := e.deps.Catalog.FetchPage(pageCtx, target, c.Page)
		if err != nil {
			if e.stopRequested(ctx) {
				return outcomeStopped, nil
			}
			consecutive++
			e.log.Warnf(pageCtx, "[Patrol] fetch failed (%d in a row): %v", consecutive, err)
			if e.failFast {
				if c.Page == 1 && c.Processed == 0 {
					return outcomeFailed, fmt.Errorf("first page: %w", err)
				}
				if e.settings.MaxConsecutiveFailures > 0 && consecutive >= e.settings.MaxConsecutiveFailures {
					return outcomeFailed, fmt.Errorf("%d consecutive page failures: %w", consecutive, err)
				}
			}
			c.Page++
			c.Offset = 0
			if h.onPage != nil {
				h.onPage(*c)
			}
			continue
		}
		consecutive = 0

		if page.TotalCount > 0 {
			c.Total = page.TotalCount
		}
		if len(page.Products) == 0 {
			e.log.Infof(pageCtx, "[Patrol] empty page, listing exhausted")
			return outcomeCompleted, nil
		}
		if page.Skipped > 0 {
			e.log.Warnf(pageCtx, "[Patrol] %d nameless items skipped", page.Skipped)
		}

		products := page.Products
		if c.Offset > 0 {
			if c.Offset >= len(products) {
				products = nil
			} else {
				products = products[c.Offset:]
			}
		}

		for _, batch := range splitBatches(products, e.batchSize) {
			if e.stopRequested(ctx) {
				return outcomeStopped, nil
			}
			assessments := e.classifyBatch(pageCtx, batch)
			items := make([]models.ScannedItem, len(batch))
			for i := range batch {
				items[i] = models.ScannedItem{
					ProductRecord:  batch[i],
					RiskAssessment: assessments[i],
					TargetURL:      target,
				}
			}
			c.Offset += len(batch)
			c.Processed += len(batch)
			if h.onBatch != nil {
				h.onBatch(items)
			}
			metrics.ItemsProcessed.WithLabelValues(e.mode).Add(float64(len(batch)))
			e.prog.batches.Inc()
			e.prog.observe(*c)
		}

		e.log.Debugf(pageCtx, "[Patrol] page done, processed %d/%d", c.Processed, c.Total)
		c.Page++
		c.Offset = 0
		e.prog.observe(*c)
		if h.onPage != nil {
			h.onPage(*c)
		}
		if c.Total > 0 && c.Processed >= c.Total {
			return outcomeCompleted, nil
		}
	}
}

// classifyBatch runs every call of the batch concurrently and returns the
// assessments by position. Calls detach from cancellation so a stop never
// abandons a request mid-flight.
func (e *engine) classifyBatch(ctx context.Context, batch []models.ProductRecord) []models.RiskAssessment {
	callCtx := context.WithoutCancel(ctx)
	out := make([]models.RiskAssessment, len(batch))

	var g errgroup.Group
	g.SetLimit(e.batchSize)
	for i := range batch {
		g.Go(func() error {
			out[i] = e.deps.Classifier.Classify(callCtx, batch[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func splitBatches(products []models.ProductRecord, size int) [][]models.ProductRecord {
	if size < 1 {
		size = 1
	}
	var out [][]models.ProductRecord
	for i := 0; i < len(products); i += size {
		end := i + size
		if end > len(products) {
			end = len(products)
		}
		out = append(out, products[i:end])
	}
	return out
}

// persist writes a patch detached from cancellation. Failures are logged
// and never abort the run.
func (e *engine) persist(ctx context.Context, id string, patch storage.Patch) bool {
	if id == "" {
		return false
	}
	if err := e.deps.Store.Update(context.WithoutCancel(ctx), id, patch); err != nil {
		metrics.CheckpointWrites.WithLabelValues("error").Inc()
		e.log.Errorf(ctx, "[Storage] checkpoint write failed: %v", err)
		return false
	}
	metrics.CheckpointWrites.WithLabelValues("ok").Inc()
	return true
}
