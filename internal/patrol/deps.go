// Package patrol drives the fetch, classify, accumulate and checkpoint loop
// over one catalog target (Single) or an ordered list of targets (Fleet).
package patrol

import (
	"context"
	"errors"
	"time"

	"github.com/digimosa/shop-patrol/internal/catalog"
	"github.com/digimosa/shop-patrol/internal/config"
	"github.com/digimosa/shop-patrol/internal/logger"
	"github.com/digimosa/shop-patrol/internal/models"
	"github.com/digimosa/shop-patrol/internal/storage"
)

// ErrInvalidState is returned when an operation is not allowed in the
// controller's current state.
var ErrInvalidState = errors.New("operation not allowed in current state")

// Classifier assesses one product. Implementations never fail; problems
// come back as ERROR assessments.
type Classifier interface {
	Classify(ctx context.Context, p models.ProductRecord) models.RiskAssessment
}

// PageFetcher returns one 1-based catalog page of a target.
type PageFetcher interface {
	FetchPage(ctx context.Context, target string, page int) (catalog.Page, error)
}

// Deps are the collaborators shared by both controllers.
type Deps struct {
	Classifier Classifier
	Catalog    PageFetcher
	Store      storage.Gateway
	Logger     logger.Logger
	// PoolSize is the number of classification credentials; it sizes batches.
	PoolSize int
}

func (d *Deps) validate() error {
	if d.Classifier == nil {
		return errors.New("patrol: classifier is required")
	}
	if d.Catalog == nil {
		return errors.New("patrol: catalog fetcher is required")
	}
	if d.Store == nil {
		return errors.New("patrol: session store is required")
	}
	if d.PoolSize < 1 {
		return config.ErrNoCredentials
	}
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	return nil
}

// Settings are the loop limits handed to a controller at construction.
type Settings struct {
	Session config.SessionConfig
	// MaxPages is the page ceiling per target.
	MaxPages int
	// CheckpointEvery is the number of pages between incremental writes.
	CheckpointEvery int
	// MaxConsecutiveFailures marks a fleet target ERROR after that many
	// failed page fetches in a row.
	MaxConsecutiveFailures int
	TargetCooldown         time.Duration
	// PersistAllItems keeps NONE/LOW items in fleet runs too.
	PersistAllItems bool
}

// SingleSettings derives single-target limits from the loaded config.
func SingleSettings(cfg *config.Config) Settings {
	return Settings{
		Session:         cfg.Session,
		MaxPages:        cfg.Catalog.MaxPagesSingle,
		CheckpointEvery: cfg.Fleet.CheckpointEveryPages,
		PersistAllItems: true,
	}
}

// FleetSettings derives fleet limits from the loaded config.
func FleetSettings(cfg *config.Config) Settings {
	return Settings{
		Session:                cfg.Session,
		MaxPages:               cfg.Catalog.MaxPagesFleet,
		CheckpointEvery:        cfg.Fleet.CheckpointEveryPages,
		MaxConsecutiveFailures: cfg.Catalog.MaxConsecutiveFailures,
		TargetCooldown:         cfg.Fleet.TargetCooldown,
		PersistAllItems:        cfg.Fleet.PersistAllItems,
	}
}

func (s *Settings) validate() error {
	if err := s.Session.Validate(); err != nil {
		return err
	}
	if s.MaxPages < 1 {
		return errors.New("patrol: page ceiling must be >= 1")
	}
	if s.CheckpointEvery < 1 {
		s.CheckpointEvery = 1
	}
	return nil
}
