package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openvariant/variant/pkg/checkpoint"
	"github.com/openvariant/variant/pkg/config"
	"github.com/openvariant/variant/pkg/eventbus"
	"github.com/openvariant/variant/pkg/explorer"
	"github.com/openvariant/variant/pkg/graph"
	"github.com/openvariant/variant/pkg/machine"
	"github.com/openvariant/variant/pkg/stores"
	"github.com/openvariant/variant/pkg/telemetry"
	"github.com/openvariant/variant/pkg/uci"
)

// runtime holds the collaborators of one exploration command.
type runtime struct {
	cfg    *config.Config
	logger zerolog.Logger
	tel    *telemetry.Telemetry
	store  *stores.SQLiteStore
	bus    *eventbus.Bus
	engine *uci.Engine
	graph  *graph.Graph

	closers []func() error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore opens the SQLite store without the rest of the runtime.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	return openStoreWithLogger(ctx, cfg, log.Logger)
}

func openStoreWithLogger(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores.SQLiteStore, error) {
	store, err := stores.Open(ctx, cfg.Storage, stores.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", cfg.Storage.Path, err)
	}
	return store, nil
}

// newRuntime opens the store, starts the engine and loads the graph.
func newRuntime(ctx context.Context, cfg *config.Config) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, logger: log.Logger}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	rt.tel = tel
	rt.logger = tel.Logger.Zerolog()
	rt.closers = append(rt.closers, func() error { return tel.Shutdown(context.Background()) })

	store, err := openStoreWithLogger(ctx, cfg, rt.logger)
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)

	rt.bus = eventbus.New(cfg.Events.Bus, rt.logger)
	if cfg.Events.Persist {
		if _, err := rt.bus.SubscribeAll(store.EventSink(), nil); err != nil {
			return nil, fmt.Errorf("failed to subscribe event log: %w", err)
		}
	}

	g, err := graph.Load(cfg.Graph.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load graph: %w", err)
	}
	rt.graph = g

	engine := uci.New(cfg.Engine, tel.Logger.WithEngine(cfg.Engine.Slug, cfg.Engine.Path).Zerolog())
	if err := engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start engine %s: %w", cfg.Engine.Path, err)
	}
	rt.engine = engine
	rt.closers = append(rt.closers, engine.Close)

	log.Info().
		Str("engine", engine.Name()).
		Str("slug", engine.Slug()).
		Str("db", cfg.Storage.Path).
		Str("graph", cfg.Graph.Path).
		Msg("Runtime ready")
	return rt, nil
}

// explorer builds an exploration over the runtime's collaborators.
func (rt *runtime) explorer(cfg explorer.Config, opts explorer.Options) (*explorer.Explorer, error) {
	if opts.EngineSlug == "" {
		opts.EngineSlug = rt.engine.Slug()
	}

	var persistence checkpoint.Persistence
	if rt.cfg.Checkpoint.Enabled {
		persistence = rt.store
	}

	return explorer.New(cfg, opts, explorer.Deps{
		Engine:      rt.engine,
		Graph:       rt.graph,
		Store:       rt.store,
		Progress:    explorer.NewReporter(rt.logger, rt.store, cfg.RootFEN, opts.Strategy),
		Persistence: persistence,
		Logger:      rt.logger,
		Bus:         rt.bus,
		Metrics:     rt.tel.Metrics,
		Tracer:      rt.tel.Tracer,
	})
}

// serveMetrics starts the metrics endpoint until ctx is done.
func (rt *runtime) serveMetrics(ctx context.Context) error {
	log.Info().
		Str("address", rt.cfg.Telemetry.Metrics.ListenAddress).
		Str("path", rt.cfg.Telemetry.Metrics.Path).
		Msg("Serving metrics")
	return rt.tel.Metrics.StartMetricsServer(ctx, func(err error) {
		log.Error().Err(err).Msg("Metrics server failed")
	})
}

// Close releases the runtime in reverse order of acquisition.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// run drives exp and prints its summary. Cancellation is reported, not failed.
func run(ctx context.Context, exp *explorer.Explorer) error {
	stop, err := exp.OnStateChange(func(c machine.StateChange) {
		log.Debug().
			Str("from", string(c.From)).
			Str("to", string(c.To)).
			Str("event", string(c.Event)).
			Msg("State changed")
	})
	if err != nil {
		return err
	}
	defer stop()

	log.Info().Str("session_id", exp.SessionID()).Str("state", string(exp.State())).Msg("Exploration started")
	summary, err := exp.Run(ctx)
	if summary != nil {
		if perr := printSummary(summary); perr != nil {
			return perr
		}
	}
	if errors.Is(err, explorer.ErrCancelled) {
		log.Warn().Str("session_id", exp.SessionID()).Msg("Exploration cancelled, resume with: variant resume " + exp.SessionID())
		return nil
	}
	return err
}

func printSummary(s *explorer.Summary) error {
	if jsonOutput {
		return printJSON(s)
	}
	fmt.Printf("Session:     %s\n", s.SessionID)
	fmt.Printf("Final state: %s\n", s.FinalState)
	fmt.Printf("Analysed:    %d (cache hits: %d)\n", s.Stats.TotalAnalyzed, s.Stats.CacheHits)
	fmt.Printf("Discovered:  %d\n", s.Stats.TotalDiscovered)
	fmt.Printf("Retries:     %d, errors: %d\n", s.Stats.RetryCount, s.Stats.Errors)
	fmt.Printf("Graph:       %d positions, %d moves, max depth %d\n", s.Graph.TotalPositions, s.Graph.TotalMoves, s.Graph.MaxDepth)
	fmt.Printf("Duration:    %s\n", s.Duration)
	if s.LastError != "" {
		fmt.Printf("Last error:  %s\n", s.LastError)
	}
	return nil
}
