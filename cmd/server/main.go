package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/TimurManjosov/goautorun/internal/api"
	"github.com/TimurManjosov/goautorun/internal/audit"
	"github.com/TimurManjosov/goautorun/internal/auth"
	"github.com/TimurManjosov/goautorun/internal/autorun"
	"github.com/TimurManjosov/goautorun/internal/config"
	"github.com/TimurManjosov/goautorun/internal/modules"
	"github.com/TimurManjosov/goautorun/internal/scheduler"
	"github.com/TimurManjosov/goautorun/internal/session"
	"github.com/TimurManjosov/goautorun/internal/snapshot"
	"github.com/TimurManjosov/goautorun/internal/store"
	"github.com/TimurManjosov/goautorun/internal/telemetry"
	"github.com/TimurManjosov/goautorun/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("config")
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped with error")
	}
	logger.Info().Msg("stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("env", cfg.AppEnv).Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Init()

	// session journal
	st, err := store.NewStore(ctx, store.Options{
		Type: cfg.SessionStore,
		DSN:  cfg.DatabaseDSN,
		Redis: store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
	})
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info().Str("store", cfg.SessionStore).Msg("session journal ready")

	reg := session.NewRegistry(logger.With().Str("component", "sessions").Logger(), session.Options{
		MaxQueue: cfg.SessionMaxQueue,
		Journal:  st,
	})

	// rules
	rulesStore := snapshot.NewStore()
	source := snapshot.NewSource(cfg.RulesDir, rulesStore, logger.With().Str("component", "rules").Logger())
	if _, err := source.Reload(); err != nil {
		// start with no rules; a later reload can still populate the store
		logger.Warn().Err(err).Msg("initial rule load failed")
	}

	sched := scheduler.Config{
		StepTimeout:        cfg.StepTimeout,
		MaxDispatchRetries: cfg.DispatchMaxRetries,
	}
	if sched.MaxDispatchRetries == 0 {
		sched.MaxDispatchRetries = -1 // configured as "no retries"
	}
	if cfg.ModulesFile != "" {
		catalog, err := modules.LoadCatalog(cfg.ModulesFile)
		if err != nil {
			return err
		}
		sched.Invoker = catalog
		logger.Info().Int("modules", len(catalog.List())).Str("file", cfg.ModulesFile).Msg("module catalog loaded")
	}

	// outcome webhooks
	var notifier autorun.Notifier
	var dispatcher *webhook.Dispatcher
	if len(cfg.WebhookURLs) > 0 {
		endpoints := make([]webhook.Endpoint, 0, len(cfg.WebhookURLs))
		for _, u := range cfg.WebhookURLs {
			endpoints = append(endpoints, webhook.Endpoint{URL: u, Secret: cfg.WebhookSecret})
		}
		maxRetries := cfg.WebhookMaxRetries
		if maxRetries == 0 {
			maxRetries = -1
		}
		dispatcher = webhook.NewDispatcher(endpoints, webhook.Options{MaxRetries: maxRetries},
			logger.With().Str("component", "webhook").Logger())
		dispatcher.Start()
		notifier = dispatcher
		logger.Info().Int("endpoints", len(endpoints)).Msg("webhook dispatcher started")
	}

	eng := autorun.New(rulesStore, reg, sched, notifier, logger.With().Str("component", "autorun").Logger())

	authn := auth.NewAuthenticator(cfg.AdminAPIKey,
		auth.Credential{Hash: cfg.AdminAPIKeyHash, Role: auth.RoleAdmin},
		auth.Credential{Hash: cfg.ViewerAPIKeyHash, Role: auth.RoleReadonly},
	)
	auditSvc := audit.NewService(audit.NewLogSink(logger.With().Str("component", "audit").Logger()),
		nil, nil, nil, 0, logger)

	srvAPI := api.NewServer(eng, api.Options{
		Source:         source,
		Auth:           authn,
		History:        st,
		Audit:          auditSvc,
		Logger:         logger.With().Str("component", "api").Logger(),
		RateLimitPerIP: cfg.RateLimitPerIP,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srvAPI.Router(),
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.RulesWatch {
		g.Go(func() error {
			if err := source.Watch(gctx); err != nil {
				// reloads stay available through the admin API
				logger.Warn().Err(err).Msg("rule watcher unavailable")
			}
			return nil
		})
	}

	// log every rule set swap, whether from the watcher or the admin API
	updates, unsubscribe := rulesStore.Subscribe()
	g.Go(func() error {
		defer unsubscribe()
		for {
			select {
			case <-gctx.Done():
				return nil
			case etag := <-updates:
				logger.Info().Str("etag", etag).Int("rules", rulesStore.Load().Len()).Msg("active rule set swapped")
			}
		}
	})

	// liveness sweep
	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if ids := reg.SweepStale(now, cfg.LivenessTimeout); len(ids) > 0 {
					logger.Info().Int("count", len(ids)).Strs("sessions", ids).Msg("stale sessions disconnected")
				}
			}
		}
	})

	// graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		ctxShut, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = srv.Shutdown(ctxShut)
		_ = metricsSrv.Shutdown(ctxShut)
		eng.Close()
		if err := auditSvc.Close(ctxShut); err != nil {
			logger.Warn().Err(err).Msg("audit queue not fully drained")
		}
		if dispatcher != nil {
			if err := dispatcher.Close(ctxShut); err != nil {
				logger.Warn().Err(err).Msg("webhook queue not fully drained")
			}
		}
		return nil
	})

	return g.Wait()
}
