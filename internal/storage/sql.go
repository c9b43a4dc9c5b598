package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/digimosa/shop-patrol/internal/logger"
	"github.com/digimosa/shop-patrol/internal/models"
)

// RunModel is the persisted row of a patrol run.
type RunModel struct {
	ID             string                `gorm:"primaryKey;size:36" json:"id"`
	Mode           string                `gorm:"index" json:"mode"`
	Label          string                `json:"label"`
	Status         string                `gorm:"index" json:"status"`
	Targets        []models.PatrolTarget `gorm:"serializer:json" json:"targets"`
	Total          int                   `json:"total"`
	HighRiskCount  int                   `json:"high_risk_count"`
	CriticalCount  int                   `json:"critical_count"`
	TargetIndex    int                   `json:"target_index"`
	NextPage       int                   `json:"next_page"`
	ItemOffset     int                   `json:"item_offset"`
	ProcessedCount int                   `json:"processed_count"`
	TotalCount     int                   `json:"total_count"`
	Attempt        int                   `json:"attempt"`
	CreatedAt      time.Time             `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	Items          []ItemModel           `gorm:"foreignKey:RunID" json:"items"`
}

// ItemModel is one scanned item, unique per (run, key).
type ItemModel struct {
	RunID        string `gorm:"primaryKey;size:36" json:"run_id"`
	ItemKey      string `gorm:"primaryKey" json:"item_key"`
	Seq          int    `gorm:"index" json:"seq"`
	TargetURL    string `json:"target_url"`
	Name         string `json:"name"`
	ImageURL     string `json:"image_url"`
	CanonicalURL string `json:"canonical_url"`
	Price        *int64 `json:"price"`
	SourceItemID string `json:"source_item_id"`
	Level        string `json:"risk_level"`
	IsCritical   bool   `json:"is_critical"`
	Reason       string `json:"reason"`
	RawLabel     string `json:"raw_label"`
}

func (RunModel) TableName() string { return "patrol_runs" }
func (ItemModel) TableName() string { return "patrol_items" }

// SQLStore is the gorm-backed gateway.
type SQLStore struct {
	db           *gorm.DB
	pollInterval time.Duration
	log          logger.Logger
}

// NewSQLStore opens (and migrates) a sqlite database at path.
func NewSQLStore(path string, pollInterval time.Duration, log logger.Logger) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if sqlDB, err := db.DB(); err == nil {
		// sqlite allows a single writer; serialize through one connection.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&RunModel{}, &ItemModel{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &SQLStore{db: db, pollInterval: pollInterval, log: log}, nil
}

func (s *SQLStore) Create(ctx context.Context, run *models.PatrolRun) (string, error) {
	prepareNew(run)
	m := toRunModel(run)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Items").Create(&m).Error; err != nil {
			return err
		}
		return insertItems(tx, run.ID, run.Items, false)
	})
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

func (s *SQLStore) Update(ctx context.Context, id string, patch Patch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing RunModel
		if err := tx.Select("id").First(&existing, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		fields := map[string]interface{}{"updated_at": time.Now().UTC()}
		if patch.Status != nil {
			fields["status"] = string(*patch.Status)
		}
		if patch.Summary != nil {
			fields["total"] = patch.Summary.Total
			fields["high_risk_count"] = patch.Summary.HighRiskCount
			fields["critical_count"] = patch.Summary.CriticalCount
		}
		if patch.Checkpoint != nil {
			fields["target_index"] = patch.Checkpoint.TargetIndex
			fields["next_page"] = patch.Checkpoint.NextPage
			fields["item_offset"] = patch.Checkpoint.ItemOffset
			fields["processed_count"] = patch.Checkpoint.ProcessedCount
			fields["total_count"] = patch.Checkpoint.TotalCount
		}
		if patch.Attempt != nil {
			fields["attempt"] = *patch.Attempt
		}
		if err := tx.Model(&RunModel{}).Where("id = ?", id).Updates(fields).Error; err != nil {
			return err
		}
		if patch.Targets != nil {
			// Serializer fields go through the model, not a raw map.
			if err := tx.Model(&RunModel{ID: id}).Select("Targets").Updates(&RunModel{Targets: patch.Targets}).Error; err != nil {
				return err
			}
		}
		if err := insertItems(tx, id, patch.AppendItems, false); err != nil {
			return err
		}
		return insertItems(tx, id, patch.UpsertItems, true)
	})
}

func insertItems(tx *gorm.DB, runID string, items []models.ScannedItem, upsert bool) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]ItemModel, 0, len(items))
	for _, it := range items {
		rows = append(rows, toItemModel(runID, it))
	}
	conflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "item_key"}},
		DoNothing: true,
	}
	if upsert {
		conflict.DoNothing = false
		conflict.UpdateAll = true
	}
	return tx.Clauses(conflict).CreateInBatches(&rows, 200).Error
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.PatrolRun, error) {
	var m RunModel
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("seq asc") }).
		First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRunModel(&m), nil
}

// List returns matching runs without their items, newest first.
func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]models.PatrolRun, error) {
	q := s.db.WithContext(ctx).Model(&RunModel{}).Order("created_at desc")
	if filter.Mode != "" {
		q = q.Where("mode = ?", string(filter.Mode))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []RunModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.PatrolRun, 0, len(rows))
	for i := range rows {
		out = append(out, *fromRunModel(&rows[i]))
	}
	return out, nil
}

// Subscribe polls List and emits whenever the result changes.
func (s *SQLStore) Subscribe(ctx context.Context, filter ListFilter) (<-chan []models.PatrolRun, error) {
	first, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make(chan []models.PatrolRun, 1)
	out <- first
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		last := fingerprint(first)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			runs, err := s.List(ctx, filter)
			if err != nil {
				s.log.Warnf(ctx, "[Storage] subscription poll failed: %v", err)
				continue
			}
			if fp := fingerprint(runs); fp != last {
				last = fp
				select {
				case out <- runs:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRunModel(r *models.PatrolRun) RunModel {
	return RunModel{
		ID:             r.ID,
		Mode:           string(r.Mode),
		Label:          r.Label,
		Status:         string(r.Status),
		Targets:        r.Targets,
		Total:          r.Summary.Total,
		HighRiskCount:  r.Summary.HighRiskCount,
		CriticalCount:  r.Summary.CriticalCount,
		TargetIndex:    r.Checkpoint.TargetIndex,
		NextPage:       r.Checkpoint.NextPage,
		ItemOffset:     r.Checkpoint.ItemOffset,
		ProcessedCount: r.Checkpoint.ProcessedCount,
		TotalCount:     r.Checkpoint.TotalCount,
		Attempt:        r.Attempt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func fromRunModel(m *RunModel) *models.PatrolRun {
	r := &models.PatrolRun{
		ID:      m.ID,
		Mode:    models.RunMode(m.Mode),
		Label:   m.Label,
		Status:  models.RunStatus(m.Status),
		Targets: m.Targets,
		Summary: models.Summary{
			Total:         m.Total,
			HighRiskCount: m.HighRiskCount,
			CriticalCount: m.CriticalCount,
		},
		Checkpoint: models.Checkpoint{
			TargetIndex:    m.TargetIndex,
			NextPage:       m.NextPage,
			ItemOffset:     m.ItemOffset,
			ProcessedCount: m.ProcessedCount,
			TotalCount:     m.TotalCount,
		},
		Attempt:   m.Attempt,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if len(m.Items) > 0 {
		r.Items = make([]models.ScannedItem, 0, len(m.Items))
		for _, it := range m.Items {
			r.Items = append(r.Items, fromItemModel(it))
		}
	}
	return r
}

func toItemModel(runID string, it models.ScannedItem) ItemModel {
	return ItemModel{
		RunID:        runID,
		ItemKey:      it.Key(),
		Seq:          it.Seq,
		TargetURL:    it.TargetURL,
		Name:         it.Name,
		ImageURL:     it.ImageURL,
		CanonicalURL: it.CanonicalURL,
		Price:        it.Price,
		SourceItemID: it.SourceItemID,
		Level:        string(it.Level),
		IsCritical:   it.IsCritical,
		Reason:       it.Reason,
		RawLabel:     it.RawLabel,
	}
}

func fromItemModel(m ItemModel) models.ScannedItem {
	return models.ScannedItem{
		ProductRecord: models.ProductRecord{
			Name:         m.Name,
			ImageURL:     m.ImageURL,
			CanonicalURL: m.CanonicalURL,
			Price:        m.Price,
			SourceItemID: m.SourceItemID,
		},
		RiskAssessment: models.RiskAssessment{
			Level:      models.RiskLevel(m.Level),
			IsCritical: m.IsCritical,
			Reason:     m.Reason,
			RawLabel:   m.RawLabel,
		},
		TargetURL: m.TargetURL,
		Seq:       m.Seq,
	}
}
