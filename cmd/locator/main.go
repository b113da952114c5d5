// Package main runs the locator: ranging ingest, fusion, events and the
// consumer API in one process
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agile-defense/minetrack/pkg/anchors"
	"github.com/agile-defense/minetrack/pkg/config"
	"github.com/agile-defense/minetrack/pkg/events"
	"github.com/agile-defense/minetrack/pkg/fusion"
	"github.com/agile-defense/minetrack/pkg/handler"
	"github.com/agile-defense/minetrack/pkg/ingest"
	"github.com/agile-defense/minetrack/pkg/messages"
	"github.com/agile-defense/minetrack/pkg/natsutil"
	"github.com/agile-defense/minetrack/pkg/persist"
	"github.com/agile-defense/minetrack/pkg/postgres"
	"github.com/agile-defense/minetrack/pkg/service"
	"github.com/agile-defense/minetrack/pkg/simulation"
	"github.com/agile-defense/minetrack/pkg/sqlite"
	"github.com/agile-defense/minetrack/pkg/stats"
	"github.com/agile-defense/minetrack/pkg/tags"
	"github.com/agile-defense/minetrack/pkg/zones"
)

const version = "1.0.0"

// Exit codes
const (
	exitOK      = 0
	exitConfig  = 1
	exitBind    = 2
	exitRuntime = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	// .env is optional
	_ = godotenv.Load()

	configPath := flag.String("config", getEnv("LOCATOR_CONFIG", "locator.json"), "path to the JSON configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitConfig
	}

	setupLogging(cfg)

	log.Info().
		Str("mode", string(cfg.Mode)).
		Str("config", *configPath).
		Int("anchors", len(cfg.Anchors)).
		Int("zones", len(cfg.Zones)).
		Int("tags", len(cfg.Tags)).
		Msg("Starting locator")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	code, err := serve(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Locator stopped with error")
	}
	log.Info().Msg("Locator shutdown complete")
	return code
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogJSON {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
}

// serve builds every component and runs them until ctx is cancelled
func serve(ctx context.Context, cfg *config.Config) (int, error) {
	logger := log.Logger
	started := time.Now()

	base := service.NewBase("locator", logger)
	reg := base.Metrics()

	registry, err := anchors.NewRegistry(cfg.AnchorList())
	if err != nil {
		return exitConfig, fmt.Errorf("failed to build anchor registry: %w", err)
	}
	classifier, err := zones.NewClassifier(cfg.Zones)
	if err != nil {
		return exitConfig, fmt.Errorf("failed to build zone classifier: %w", err)
	}

	store := tags.NewStore(cfg.StoreConfig())
	bus := events.NewBus(logger)
	defer bus.Close()
	reg.MustRegister(events.NewCollector(bus))

	queue := fusion.NewQueue(cfg.QueueCapacity)
	engine, err := fusion.NewEngine(cfg.FusionConfig(), fusion.Deps{
		Anchors: registry,
		Tags:    store,
		Zones:   classifier,
		Bus:     bus,
		Metrics: fusion.NewMetrics(reg, queue),
	}, logger)
	if err != nil {
		return exitConfig, fmt.Errorf("failed to create fusion engine: %w", err)
	}

	// Bind both endpoints before anything runs so a taken port stops startup
	httpLn, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return exitBind, fmt.Errorf("failed to bind HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpLn.Close()

	var server *ingest.Server
	if cfg.Mode.UsesTCP() {
		server = ingest.NewServer(cfg.ServerConfig(), queue, logger)
		if err := server.Listen(); err != nil {
			return exitBind, err
		}
		ingest.RegisterMetrics(reg, server)
	}

	var source *simulation.Source
	if cfg.Mode.UsesSimulation() {
		settings := simulation.NewSettings(time.Duration(cfg.SimIntervalMS)*time.Millisecond, cfg.SimStepM)
		source, err = simulation.NewSource(cfg.SimulationOptions(), settings, registry, store, queue, logger)
		if err != nil {
			return exitConfig, fmt.Errorf("failed to create simulation source: %w", err)
		}
	}

	checks := make(map[string]handler.HealthChecker)
	recorder, closeRecorder, err := openRecorder(ctx, cfg, checks)
	if err != nil {
		// Persistence is a collaborator; the core keeps running without it
		logger.Warn().Err(err).Msg("Location persistence disabled")
	}
	defer closeRecorder()

	if cfg.NATSURL != "" {
		if err := connectNATS(ctx, base, cfg.NATSURL); err != nil {
			logger.Warn().Err(err).Msg("Continuing without NATS event export")
		}
	}
	defer base.Close()

	// Every consumer subscribes before the first TagCreated is published
	subs := subscribeConsumers(bus, cfg.SubscriberCapacity, base.JetStream() != nil, recorder != nil)
	hub := handler.NewWebSocketHub(logger)

	for _, d := range cfg.TagDescriptors() {
		if err := engine.RegisterTag(d, time.Now().UTC()); err != nil {
			return exitConfig, fmt.Errorf("failed to register tag %s: %w", d.ID, err)
		}
	}

	statsFn := func() stats.Summary {
		in := stats.Input{
			Anchors:     registry.All(),
			Tags:        store.Snapshot(),
			Ingest:      ingest.Counters{StartedAt: started},
			Fusion:      engine.Stats(),
			Queue:       queue.Stats(),
			Published:   bus.Published(),
			Dropped:     bus.Dropped(),
			Subscribers: bus.Stats(),
			Now:         time.Now(),
		}
		if server != nil {
			in.Ingest = server.Stats()
		}
		if source != nil {
			_, in.Simulated = source.Counters()
		}
		return stats.Aggregate(in)
	}

	deps := handler.RouterDeps{
		Tags:          store,
		TagUpdater:    engine,
		Anchors:       registry,
		AnchorUpdater: engine,
		Zones:         classifier,
		Stats:         statsFn,
		Hub:           hub,
		Health:        handler.NewHealthHandler(base, version, checks),
		Registry:      reg,
		Logger:        logger,
	}
	if source != nil {
		deps.Simulation = source
	}

	httpServer := &http.Server{
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gCtx, queue)
	})

	g.Go(func() error {
		hub.Run(gCtx, subs.websocket.C())
		return nil
	})

	if server != nil {
		g.Go(func() error {
			return server.Serve(gCtx)
		})
	}

	if source != nil {
		g.Go(func() error {
			return source.Run(gCtx)
		})
	}

	if subs.nats != nil {
		bridge := natsutil.NewBridge(base.JetStream(), base, logger)
		g.Go(func() error {
			return bridge.Run(gCtx, subs.nats.C())
		})
	}

	if subs.persist != nil {
		writer := persist.NewWriter(recorder, persist.Config{
			FlushInterval: time.Duration(cfg.PersistIntervalMS) * time.Millisecond,
		}, base, logger)
		g.Go(func() error {
			return writer.Run(gCtx, subs.persist.C())
		})
	}

	g.Go(func() error {
		log.Info().Str("addr", httpLn.Addr().String()).Msg("HTTP server starting")
		if err := httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("Shutting down HTTP server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	base.SetRunning(true)
	if err := g.Wait(); err != nil {
		return exitRuntime, err
	}
	return exitOK, nil
}

// consumers are the bus subscriptions of the process. nats and persist are
// nil when that collaborator is disabled.
type consumers struct {
	websocket *events.Subscription
	nats      *events.Subscription
	persist   *events.Subscription
}

func subscribeConsumers(bus *events.Bus, capacity int, exportNATS, record bool) consumers {
	c := consumers{websocket: bus.Subscribe("websocket", capacity)}
	if exportNATS {
		c.nats = bus.Subscribe("nats", capacity)
	}
	if record {
		c.persist = bus.Subscribe("persist", capacity, messages.EventPositionUpdated)
	}
	return c
}

// openRecorder opens the configured location store. PostgreSQL wins when
// both are configured. The returned close func is never nil.
func openRecorder(ctx context.Context, cfg *config.Config, checks map[string]handler.HealthChecker) (persist.Recorder, func(), error) {
	switch {
	case cfg.PostgresURL != "":
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		pool, err := postgres.NewPoolFromURL(connectCtx, cfg.PostgresURL)
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		if err := pool.EnsureSchema(connectCtx); err != nil {
			pool.Close()
			return nil, func() {}, err
		}
		log.Info().Str("postgres_url", maskPassword(cfg.PostgresURL)).Msg("Recording locations to PostgreSQL")
		checks["postgres"] = pool.Health
		return pool, pool.Close, nil

	case cfg.SQLitePath != "":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, func() {}, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("Recording locations to SQLite")
		checks["sqlite"] = db.Health
		return db, func() { db.Close() }, nil
	}
	return nil, func() {}, nil
}

func connectNATS(ctx context.Context, base *service.Base, natsURL string) error {
	if err := base.Connect(ctx, natsURL); err != nil {
		return err
	}
	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := natsutil.SetupStreams(setupCtx, base.JetStream()); err != nil {
		base.Close()
		return err
	}
	return nil
}

// maskPassword hides the password of a connection URL for logging
func maskPassword(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
