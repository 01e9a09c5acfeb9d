package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/photosync/client/internal/config"
	"github.com/photosync/client/internal/handlers"
	"github.com/photosync/client/internal/observability"
	"github.com/photosync/client/internal/remote"
	"github.com/photosync/client/internal/repository"
	"github.com/photosync/client/internal/services"
)

// runtime holds the stores and engines of every configured source
type runtime struct {
	cfg     *config.Config
	log     *observability.Logger
	hub     *services.WebSocketHub
	thumbs  *services.ThumbnailService
	labels  *repository.LabelRepository
	pending *repository.PendingDeleteRepository
	states  *repository.SyncStateRepository
	sources map[string]*sourceStack
	closers []io.Closer
}

// sourceStack is the wiring of one source
type sourceStack struct {
	name  string
	props config.SourceProperties
	items *repository.ItemRepository
	orch  *services.SyncOrchestrator
}

type runtimeOptions struct {
	names    []string
	progress bool
	hub      bool
	readOnly bool
}

// openRuntime opens the stores of the selected sources, every source when
// names is empty. Read-only runtimes get no remote client or orchestrators.
func openRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{
		cfg:     cfg,
		log:     observability.GetLogger().WithField("component", "runtime"),
		thumbs:  services.NewThumbnailService(cfg.ThumbnailDir()),
		sources: make(map[string]*sourceStack),
	}
	if opts.hub {
		rt.hub = services.NewWebSocketHub()
	}

	names, err := selectSources(cfg, opts.names)
	if err != nil {
		return nil, err
	}

	if err := rt.openShared(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	var (
		client  remote.Client
		storage *services.LocalStorageService
		streams services.StreamProvider
		metrics *observability.SyncMetrics
	)
	if !opts.readOnly {
		if client, err = remote.NewHTTPClient(cfg); err != nil {
			rt.Close()
			return nil, err
		}
		if storage, err = services.NewLocalStorageService(cfg.SpoolDir()); err != nil {
			rt.Close()
			return nil, err
		}
		var observers []services.ObserverFactory
		if opts.progress {
			observers = append(observers, services.TerminalProgress(os.Stderr))
		}
		if rt.hub != nil {
			observers = append(observers, services.HubProgress(rt.hub))
		}
		streams = services.NewFileStreamProvider(observers...)
		if metrics, err = observability.NewSyncMetrics(); err != nil {
			rt.log.Warnf("Sync metrics disabled: %v", err)
		}
	}

	for _, name := range names {
		props := cfg.Sources[name]
		items, err := repository.OpenSQLiteItemRepository(ctx, cfg.ItemStorePath(name), name)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, items)
		if rt.hub != nil {
			items.SetListener(services.ItemEvents(rt.hub, name))
		}

		stack := &sourceStack{name: name, props: props, items: items}
		if !opts.readOnly {
			stack.orch, err = services.NewSyncOrchestrator(name, props, services.SyncDeps{
				Items:    items,
				Labels:   rt.labels,
				Pending:  rt.pending,
				States:   rt.states,
				Client:   client,
				Storage:  storage,
				Streams:  streams,
				Thumbs:   rt.thumbs,
				Hub:      rt.hub,
				Metrics:  metrics,
				Transfer: cfg.Transfer,
			})
			if err != nil {
				rt.Close()
				return nil, fmt.Errorf("source %s: %w", name, err)
			}
		}
		rt.sources[name] = stack
	}
	return rt, nil
}

// openShared opens the label, pending delete and sync state stores
func (rt *runtime) openShared(ctx context.Context) error {
	var (
		labelDB, stateDB *sql.DB
		dialect          = repository.SQLite
		err              error
	)
	if rt.cfg.UsePostgres() {
		rt.log.Info("Using PostgreSQL for labels and sync state")
		dialect = repository.Postgres
		if labelDB, err = repository.NewPostgresDB(rt.cfg.DatabaseURL); err != nil {
			return fmt.Errorf("failed to initialize PostgreSQL database: %w", err)
		}
		stateDB = labelDB
	} else {
		if labelDB, err = repository.NewSQLiteDB(rt.cfg.LabelStorePath()); err != nil {
			return fmt.Errorf("open label store: %w", err)
		}
		if stateDB, err = repository.NewSQLiteDB(rt.cfg.StatePath()); err != nil {
			labelDB.Close()
			return fmt.Errorf("open state store: %w", err)
		}
		rt.closers = append(rt.closers, stateDB)
	}
	rt.closers = append(rt.closers, labelDB)

	rt.labels = repository.NewLabelRepository(ctx, labelDB, dialect)
	rt.pending = repository.NewPendingDeleteRepository(ctx, stateDB, dialect)
	rt.states = repository.NewSyncStateRepository(ctx, stateDB, dialect)
	return nil
}

// names returns the opened sources in name order
func (rt *runtime) names() []string {
	out := make([]string, 0, len(rt.sources))
	for name := range rt.sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// statusSources exposes the opened sources to the status handler
func (rt *runtime) statusSources() map[string]handlers.SourceRuntime {
	out := make(map[string]handlers.SourceRuntime, len(rt.sources))
	for name, s := range rt.sources {
		out[name] = handlers.SourceRuntime{Items: s.items, States: rt.states, Orchestrator: s.orch}
	}
	return out
}

// abortAll asks every running session to stop
func (rt *runtime) abortAll() {
	for _, s := range rt.sources {
		if s.orch != nil && s.orch.Running() {
			s.orch.Abort()
		}
	}
}

// Close closes every store in reverse opening order
func (rt *runtime) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}

func selectSources(cfg *config.Config, names []string) ([]string, error) {
	if len(names) == 0 {
		for name := range cfg.Sources {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no source configured")
	}
	for _, name := range names {
		if _, err := cfg.Source(name); err != nil {
			return nil, err
		}
	}
	return names, nil
}
