// Package storage persists patrol runs so they can be listed, exported and
// resumed across sessions.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/digimosa/shop-patrol/internal/config"
	"github.com/digimosa/shop-patrol/internal/logger"
	"github.com/digimosa/shop-patrol/internal/models"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("patrol run not found")

// Gateway is the session store used by the patrol controllers.
type Gateway interface {
	Create(ctx context.Context, run *models.PatrolRun) (string, error)
	Update(ctx context.Context, id string, patch Patch) error
	Get(ctx context.Context, id string) (*models.PatrolRun, error)
	List(ctx context.Context, filter ListFilter) ([]models.PatrolRun, error)
	Subscribe(ctx context.Context, filter ListFilter) (<-chan []models.PatrolRun, error)
	Close() error
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status     *models.RunStatus
	Targets    []models.PatrolTarget
	Summary    *models.Summary
	Checkpoint *models.Checkpoint
	Attempt    *int

	// AppendItems is a union: items whose key already exists are ignored,
	// so overlapping writers cannot duplicate or lose items.
	AppendItems []models.ScannedItem
	// UpsertItems replaces items by key.
	UpsertItems []models.ScannedItem
}

// ListFilter narrows List and Subscribe. Zero values match everything.
type ListFilter struct {
	Mode   models.RunMode
	Status models.RunStatus
	Limit  int
}

func (f ListFilter) match(r *models.PatrolRun) bool {
	if f.Mode != "" && r.Mode != f.Mode {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// StatusPtr and friends keep call sites short.
func StatusPtr(s models.RunStatus) *models.RunStatus { return &s }

func SummaryPtr(s models.Summary) *models.Summary { return &s }

func CheckpointPtr(c models.Checkpoint) *models.Checkpoint { return &c }

func IntPtr(n int) *int { return &n }

// Open returns the gateway selected by cfg.Driver.
func Open(cfg config.StorageConfig, log logger.Logger) (Gateway, error) {
	if log == nil {
		log = logger.NewNop()
	}
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = "patrol.db"
		}
		return NewSQLStore(path, cfg.PollInterval, log)
	case "redis":
		return NewRedisStore(cfg.Redis, log)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// prepareNew fills the identity fields of a run about to be created.
func prepareNew(run *models.PatrolRun) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Attempt == 0 {
		run.Attempt = 1
	}
}

// applyPatch mutates run in memory. It is shared by the stores that keep
// whole-run documents.
func applyPatch(run *models.PatrolRun, p Patch) {
	if p.Status != nil {
		run.Status = *p.Status
	}
	if p.Targets != nil {
		run.Targets = append([]models.PatrolTarget(nil), p.Targets...)
	}
	if p.Summary != nil {
		run.Summary = *p.Summary
	}
	if p.Checkpoint != nil {
		run.Checkpoint = *p.Checkpoint
	}
	if p.Attempt != nil {
		run.Attempt = *p.Attempt
	}
	if len(p.AppendItems) > 0 || len(p.UpsertItems) > 0 {
		index := make(map[string]int, len(run.Items))
		for i, it := range run.Items {
			index[it.Key()] = i
		}
		for _, it := range p.AppendItems {
			if _, ok := index[it.Key()]; ok {
				continue
			}
			index[it.Key()] = len(run.Items)
			run.Items = append(run.Items, it)
		}
		for _, it := range p.UpsertItems {
			if i, ok := index[it.Key()]; ok {
				run.Items[i] = it
				continue
			}
			index[it.Key()] = len(run.Items)
			run.Items = append(run.Items, it)
		}
	}
	run.UpdatedAt = time.Now().UTC()
}

func sortRuns(runs []models.PatrolRun, limit int) []models.PatrolRun {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}

func sortItems(items []models.ScannedItem) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
}

func cloneRun(r *models.PatrolRun) *models.PatrolRun {
	c := *r
	c.Targets = append([]models.PatrolTarget(nil), r.Targets...)
	c.Items = append([]models.ScannedItem(nil), r.Items...)
	return &c
}

// fingerprint changes whenever any listed run changes.
func fingerprint(runs []models.PatrolRun) string {
	fp := make([]byte, 0, len(runs)*48)
	for _, r := range runs {
		fp = append(fp, r.ID...)
		fp = append(fp, r.UpdatedAt.Format(time.RFC3339Nano)...)
		fp = append(fp, string(r.Status)...)
	}
	return string(fp)
}
