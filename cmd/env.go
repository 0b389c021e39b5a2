package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/reelhouse/catalog-cli/internal/factcheck"
	"github.com/reelhouse/catalog-cli/internal/franchise"
	"github.com/reelhouse/catalog-cli/internal/ingest"
	"github.com/reelhouse/catalog-cli/internal/match"
	"github.com/reelhouse/catalog-cli/internal/merge"
	"github.com/reelhouse/catalog-cli/internal/store"
)

// catalogEnv holds the store and the pipeline built on top of it.
type catalogEnv struct {
	Store  store.Store
	Engine *merge.Engine
	Runner *ingest.Runner
}

// Close releases the store.
func (e *catalogEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initCatalog validates the config for mode, opens and migrates the store
// and wires the pipeline. Callers should defer env.Close().
func initCatalog(ctx context.Context, mode string) (*catalogEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env, err := newCatalogEnv(st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

func newCatalogEnv(st store.Store) (*catalogEnv, error) {
	checker := factcheck.New(cfg.FactCheck.Thresholds())
	matcher := match.New(st, checker, match.Options{
		MaxCandidates: cfg.Match.MaxCandidates,
	})

	var table *franchise.Table
	if cfg.Franchise.TablePath != "" {
		t, err := franchise.LoadTable(cfg.Franchise.TablePath)
		if err != nil {
			return nil, eris.Wrap(err, "load franchise table")
		}
		table = t
	}
	linker := franchise.NewTableLinker(table, st)

	engine := merge.New(st, matcher, linker, merge.Options{})
	runner := ingest.NewRunner(engine, st, ingest.Options{
		BatchSize:   cfg.Ingest.BatchSize,
		BatchDelay:  cfg.Ingest.BatchDelay(),
		Concurrency: cfg.Ingest.Concurrency,
		DeadLetter:  cfg.Ingest.DeadLetter,
		MaxRetries:  cfg.Ingest.MaxRetries,
		RetryBase:   cfg.Ingest.RetryBase(),
		Retry:       cfg.Retry.Policy(),
		Circuit:     cfg.Circuit.Breaker(),
	})

	zap.L().Debug("catalog pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.Any("factcheck", checker.Thresholds()),
		zap.Bool("franchise_table", cfg.Franchise.TablePath != ""),
	)
	return &catalogEnv{Store: st, Engine: engine, Runner: runner}, nil
}
