package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/urfave/cli/v2"

	"github.com/photosync/client/internal/config"
	"github.com/photosync/client/internal/handlers"
	custommw "github.com/photosync/client/internal/middleware"
	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/observability"
	"github.com/photosync/client/internal/services"
)

// Version information injected at build time
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	sourceFlag := &cli.StringSliceFlag{
		Name:    "source",
		Aliases: []string{"s"},
		Usage:   "source to work on, repeatable; every configured source when omitted",
	}

	app := &cli.App{
		Name:    "photosync-client",
		Usage:   "two-way sync of local photo folders with a PhotoSync server",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the JSON configuration file",
				Value:   "config.json",
				EnvVars: []string{"CONFIG_PATH"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			observability.GetLogger().SetLevel(observability.ParseLevel(c.String("log-level")))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", Version)
					fmt.Printf("Git commit: %s\n", GitCommit)
					fmt.Printf("Built:      %s\n", BuildTime)
					return nil
				},
			},
			{
				Name:  "sync",
				Usage: "Run one sync session per source",
				Flags: []cli.Flag{
					sourceFlag,
					&cli.BoolFlag{
						Name:  "full",
						Usage: "forget the sync anchors and run a full metadata pass",
					},
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "show a progress bar per transfer",
					},
				},
				Action: runSync,
			},
			{
				Name:   "status",
				Usage:  "Show the cached item counts and last session of each source",
				Flags:  []cli.Flag{sourceFlag},
				Action: showStatus,
			},
			{
				Name:  "serve",
				Usage: "Serve the status API and sync periodically",
				Flags: []cli.Flag{
					sourceFlag,
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "time between two sessions of a source, 0 to only sync on request",
						Value: 15 * time.Minute,
					},
				},
				Action: serve,
			},
			{
				Name:  "watch",
				Usage: "Sync whenever the upload folders change",
				Flags: []cli.Flag{
					sourceFlag,
					&cli.BoolFlag{
						Name:  "status",
						Usage: "also serve the status API",
					},
				},
				Action: watch,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadFile(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// signalContext is canceled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// startTelemetry initializes OpenTelemetry; the returned func flushes it
func startTelemetry(ctx context.Context, cfg *config.Config) func() {
	sources := make([]string, 0, len(cfg.Sources))
	for name := range cfg.Sources {
		sources = append(sources, name)
	}
	tel, err := observability.Initialize(ctx, observability.NewConfig("photosync-client", Version, cfg.DataDir, sources))
	if err != nil {
		observability.Warnf("Telemetry unavailable: %v", err)
		return func() {}
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			observability.Warnf("Telemetry shutdown: %v", err)
		}
	}
}

func runSync(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(c.Context)
	defer stop()
	defer startTelemetry(ctx, cfg)()

	rt, err := openRuntime(ctx, cfg, runtimeOptions{
		names:    c.StringSlice("source"),
		progress: c.Bool("progress"),
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	failed := 0
	for _, name := range rt.names() {
		if ctx.Err() != nil {
			break
		}
		if c.Bool("full") {
			if err := rt.states.Reset(ctx, name); err != nil {
				return fmt.Errorf("reset %s: %w", name, err)
			}
		}
		report, err := rt.sources[name].orch.Sync(ctx)
		if err != nil {
			return err
		}
		printReport(report.Summary())
		switch report.Result {
		case models.ResultSuccess, models.ResultNoLocalChanges:
		default:
			failed++
		}
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d source(s) did not sync cleanly", failed), 2)
	}
	return nil
}

func printReport(s models.Summary) {
	mode := "incremental"
	if s.Full {
		mode = "full"
	}
	fmt.Printf("%s: %s (%s sync, session %s)\n", s.SourceName, s.Result, mode, s.SessionID)
	for _, side := range []models.SyncSide{models.SideClient, models.SideServer} {
		for _, op := range []models.SyncOperation{models.OpAdd, models.OpUpdate, models.OpDelete} {
			if c, ok := s.Items[side][op]; ok {
				fmt.Printf("  %-6s %-6s ok=%d failed=%d\n", side, op, c.Succeeded, c.Failed)
			}
		}
	}
	fmt.Printf("  bytes up=%d down=%d retries=%d quota-skipped=%d\n", s.BytesUp, s.BytesDown, s.Retries, s.SkippedQuota)
	if s.LastError != "" {
		fmt.Printf("  last error: %s: %s\n", s.LastError, s.LastMessage)
	}
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	rt, err := openRuntime(c.Context, cfg, runtimeOptions{
		names:    c.StringSlice("source"),
		readOnly: true,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	for _, name := range rt.names() {
		counts := rt.sources[name].items.CountByStatus(c.Context)
		fmt.Printf("%s:\n", name)
		for _, status := range models.AllStatuses() {
			if n := counts[status]; n > 0 {
				fmt.Printf("  %-24s %d\n", status, n)
			}
		}
		state, err := rt.states.Get(c.Context, name)
		if err != nil {
			return err
		}
		if state == nil || state.NeverSynced() {
			fmt.Println("  never synced")
			continue
		}
		fmt.Printf("  last result %s (session %s)\n", state.LastResult, state.LastSessionID)
		fmt.Printf("  local anchor %s, remote anchor %d, clock drift %dms\n",
			time.UnixMilli(state.LastLocalSync).Format(time.RFC3339), state.LastRemoteSync, state.ClockDriftMS)
	}
	return nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(c.Context)
	defer stop()
	defer startTelemetry(ctx, cfg)()

	rt, err := openRuntime(ctx, cfg, runtimeOptions{names: c.StringSlice("source"), hub: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	var wg sync.WaitGroup
	if interval := c.Duration("interval"); interval > 0 {
		for _, name := range rt.names() {
			wg.Add(1)
			go func(s *sourceStack) {
				defer wg.Done()
				syncEvery(ctx, s, interval)
			}(rt.sources[name])
		}
	}

	err = runStatusServer(ctx, rt)
	rt.abortAll()
	wg.Wait()
	return err
}

// syncEvery runs a session right away and then every interval until ctx is done
func syncEvery(ctx context.Context, s *sourceStack, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.orch.Sync(ctx); err != nil && !errors.Is(err, services.ErrSyncInProgress) {
			observability.GetLogger().WithSource(s.name).Warnf("Scheduled sync failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func watch(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(c.Context)
	defer stop()
	defer startTelemetry(ctx, cfg)()

	withStatus := c.Bool("status")
	rt, err := openRuntime(ctx, cfg, runtimeOptions{names: c.StringSlice("source"), hub: withStatus})
	if err != nil {
		return err
	}
	defer rt.Close()

	var wg sync.WaitGroup
	errs := make(chan error, len(rt.sources)+1)
	for _, name := range rt.names() {
		s := rt.sources[name]
		fw, err := services.NewFolderWatcher(name, s.props, cfg.Watch.Debounce())
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("source %s: %w", name, err)
		}
		observability.GetLogger().WithSource(name).Infof("Watching %d folders", fw.WatchedDirs())

		wg.Add(1)
		go func() {
			defer wg.Done()
			// catch up with what changed while nobody was watching
			s.orch.Sync(ctx)
			errs <- fw.Run(ctx, func(ctx context.Context) {
				if _, err := s.orch.Sync(ctx); err != nil && !errors.Is(err, services.ErrSyncInProgress) {
					observability.GetLogger().WithSource(name).Warnf("Watched sync failed: %v", err)
				}
			})
		}()
	}

	if withStatus {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- runStatusServer(ctx, rt)
		}()
	}

	<-ctx.Done()
	rt.abortAll()
	wg.Wait()
	close(errs)

	var joined []error
	for err := range errs {
		if err != nil {
			joined = append(joined, err)
		}
	}
	return errors.Join(joined...)
}

// runStatusServer serves the status API until ctx is done
func runStatusServer(ctx context.Context, rt *runtime) error {
	go rt.hub.Run(ctx)

	statusHandler := handlers.NewStatusHandler(ctx, rt.statusSources(), rt.thumbs)
	healthHandler := handlers.NewHealthHandler(Version, len(rt.sources), rt.hub)
	wsHandler := handlers.NewWebSocketHandler(rt.hub)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		observability.Warnf("Status server metrics disabled: %v", err)
	}
	r.Use(observability.Instrument(httpMetrics))
	r.Use(custommw.TokenAuth(rt.cfg.StatusToken, custommw.DefaultTokenHeader))

	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/api/health", healthHandler.HealthCheck)
	r.Get("/api/ws", wsHandler.HandleConnection)
	r.Route("/api/sources", statusHandler.Routes)

	srv := &http.Server{
		Addr:              rt.cfg.StatusAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		observability.Infof("Status server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	return nil
}
