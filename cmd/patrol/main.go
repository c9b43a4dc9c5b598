package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/digimosa/shop-patrol/internal/ai"
	"github.com/digimosa/shop-patrol/internal/allowlist"
	"github.com/digimosa/shop-patrol/internal/catalog"
	"github.com/digimosa/shop-patrol/internal/config"
	"github.com/digimosa/shop-patrol/internal/credentials"
	"github.com/digimosa/shop-patrol/internal/detectors"
	"github.com/digimosa/shop-patrol/internal/logger"
	"github.com/digimosa/shop-patrol/internal/patrol"
	"github.com/digimosa/shop-patrol/internal/storage"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:           "patrol",
		Short:         "Scan marketplace shops for risky listings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the YAML config (env PATROL_* overrides)")
	registerCommands(rootCmd)

	// SIGINT/SIGTERM cancel the context; running patrols stop at the next
	// batch boundary and are saved as PAUSED.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		stop()
		os.Exit(1)
	}
}

// app holds the collaborators built from the config.
type app struct {
	cfg   *config.Config
	log   logger.Logger
	store storage.Gateway
	allow *allowlist.Allowlist

	pool    *credentials.Pool
	client  *ai.Client
	fetcher *catalog.Fetcher
}

// loadApp reads the config and opens the session store.
func loadApp() (*app, error) {
	path := configPath
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log, err := logger.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	store, err := storage.Open(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	allow, err := allowlist.New(cfg.Screening.AllowlistPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load allowlist: %w", err)
	}
	return &app{cfg: cfg, log: log, store: store, allow: allow}, nil
}

// wireClassifier builds the credential pool and the oracle client.
func (a *app) wireClassifier() error {
	if a.client != nil {
		return nil
	}
	pool, err := credentials.New(a.cfg.Session.Credentials)
	if err != nil {
		return config.ErrNoCredentials
	}
	ds, err := detectors.Defaults(a.cfg.Screening.RestrictedKeywords, a.cfg.Screening.CounterfeitPatterns)
	if err != nil {
		return fmt.Errorf("screening patterns: %w", err)
	}
	client, err := ai.NewClient(ai.Options{
		Endpoint:    a.cfg.Classifier.Endpoint,
		Pool:        pool,
		RetryLimit:  a.cfg.Session.RetryLimit,
		Timeout:     a.cfg.Session.RequestTimeout(),
		BackoffBase: a.cfg.Session.BackoffBase(),
		Detectors:   ds,
		Allowlist:   a.allow,
		Logger:      a.log,
	})
	if err != nil {
		return err
	}
	a.pool = pool
	a.client = client
	return nil
}

// wirePatrol validates the full config and builds everything a run needs.
func (a *app) wirePatrol() (patrol.Deps, error) {
	if err := a.cfg.Validate(); err != nil {
		return patrol.Deps{}, err
	}
	if err := a.wireClassifier(); err != nil {
		return patrol.Deps{}, err
	}
	if a.fetcher == nil {
		f, err := catalog.NewFetcher(catalog.Options{
			Endpoint:      a.cfg.Catalog.Endpoint,
			AuthToken:     a.cfg.Session.CatalogAuthToken,
			PageSize:      a.cfg.Catalog.PageSize,
			RatePerSecond: a.cfg.Catalog.RatePerSecond,
			Burst:         a.cfg.Catalog.Burst,
			Logger:        a.log,
		})
		if err != nil {
			return patrol.Deps{}, err
		}
		a.fetcher = f
	}
	return patrol.Deps{
		Classifier: a.client,
		Catalog:    a.fetcher,
		Store:      a.store,
		Logger:     a.log,
		PoolSize:   a.pool.Size(),
	}, nil
}

func (a *app) newSingle() (*patrol.Single, error) {
	deps, err := a.wirePatrol()
	if err != nil {
		return nil, err
	}
	return patrol.NewSingle(patrol.SingleSettings(a.cfg), deps)
}

func (a *app) newFleet() (*patrol.Fleet, error) {
	deps, err := a.wirePatrol()
	if err != nil {
		return nil, err
	}
	return patrol.NewFleet(patrol.FleetSettings(a.cfg), deps)
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warnf(context.Background(), "[Storage] close failed: %v", err)
	}
	_ = a.log.Sync()
}

// withApp runs fn with a loaded app and always releases it.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd, a, args)
	}
}
