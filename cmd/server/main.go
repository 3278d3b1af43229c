package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go/client"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/coach-gateway/internal/analysis"
	"github.com/lexiqai/coach-gateway/internal/coaching"
	"github.com/lexiqai/coach-gateway/internal/conference"
	"github.com/lexiqai/coach-gateway/internal/config"
	"github.com/lexiqai/coach-gateway/internal/events"
	"github.com/lexiqai/coach-gateway/internal/observability"
	"github.com/lexiqai/coach-gateway/internal/orchestrator"
	"github.com/lexiqai/coach-gateway/internal/pipeline"
	"github.com/lexiqai/coach-gateway/internal/resilience"
	"github.com/lexiqai/coach-gateway/internal/store"
	"github.com/lexiqai/coach-gateway/internal/stt"
	"github.com/lexiqai/coach-gateway/internal/telephony"
	"github.com/lexiqai/coach-gateway/internal/tts"
	"github.com/lexiqai/coach-gateway/internal/whisper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("version", version).
		Str("port", cfg.Port).
		Str("orchestrator_url", cfg.OrchestratorURL).
		Str("rtp_listen_addr", cfg.RTPListenAddr).
		Bool("conferencing", cfg.ConferencingEnabled()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Coaching gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Coaching gateway failed")
	}
	logger.Info().Msg("Server exited gracefully")
}

// stores holds whichever persistence backends are configured.
type stores struct {
	memory   *store.Memory
	postgres *store.Postgres
	redis    *store.RedisLog
	closers  []func()
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	s := &stores{memory: store.NewMemory(0)}
	if cfg.DatabaseURL != "" {
		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)
		s.postgres = store.NewPostgres(pool)
		if err := s.postgres.Migrate(ctx); err != nil {
			s.close()
			return nil, err
		}
		logger.Info().Msg("PostgreSQL persistence enabled")
	}
	if cfg.RedisAddr != "" {
		client, err := store.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, func() { client.Close() })
		s.redis = store.NewRedisLog(client, "", 0)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis activation log enabled")
	}
	return s, nil
}

// activationLog reads stats from Redis when available, otherwise from
// PostgreSQL, otherwise from memory. Every other configured backend mirrors
// the writes.
func (s *stores) activationLog() coaching.ActivationLog {
	var tee store.Tee
	if s.redis != nil {
		tee = append(tee, s.redis)
	}
	if s.postgres != nil {
		tee = append(tee, s.postgres)
	}
	if len(tee) == 0 {
		return s.memory
	}
	if len(tee) == 1 {
		return tee[0]
	}
	return tee
}

func (s *stores) snapshots() analysis.SnapshotStore {
	if s.postgres != nil {
		return s.postgres
	}
	return s.memory
}

func (s *stores) conferences() conference.Store {
	if s.postgres != nil {
		return s.postgres
	}
	return s.memory
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	checks := map[string]observability.HealthCheckFunc{}

	// Event fan-out
	bus := events.NewBus(observability.ForComponent("events"))
	defer bus.Close()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.AMQPURL != "" {
		sink, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return err
		}
		defer sink.Close()
		checks["amqp"] = sink.Healthy
		sub := bus.Subscribe(256)
		g.Go(func() error { return sink.Run(ctx, sub) })
	}

	// Persistence
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()
	if st.postgres != nil {
		checks["postgres"] = st.postgres.Healthy
	}
	if st.redis != nil {
		checks["redis"] = st.redis.Healthy
	}

	// Coaching and analysis
	engine := coaching.NewEngine(logger,
		coaching.WithActivationLog(st.activationLog()),
		coaching.WithPersistTimeout(cfg.PersistDeadline()))
	defer engine.Flush()
	if cfg.TriggerRulesFile != "" {
		loaded, ruleErrs, err := engine.LoadRulesFile(cfg.TriggerRulesFile)
		if err != nil {
			return err
		}
		for _, e := range ruleErrs {
			logger.Warn().Err(e).Str("file", cfg.TriggerRulesFile).Msg("Skipping invalid trigger rule")
		}
		logger.Info().Int("loaded", loaded).Str("file", cfg.TriggerRulesFile).Msg("Trigger rules loaded")
	}

	analyzer := analysis.NewAnalyzer(logger, engine, bus,
		analysis.WithSnapshotStore(st.snapshots()),
		analysis.WithHealthInterval(cfg.HealthInterval()),
		analysis.WithPersistTimeout(cfg.PersistDeadline()))
	defer analyzer.Close()

	// Speech services
	synth := tts.NewCartesiaClient(cfg, pipeline.DefaultConfig().SynthesisRate, logger)
	recognizers := func(ctx context.Context) (pipeline.Recognizer, error) {
		rec, err := stt.NewDeepgramRecognizer(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return rec, nil
	}

	deps := telephony.Deps{
		Recognizers: recognizers,
		Synthesizer: synth,
		Publisher:   bus,
		Turns:       analyzer,
		Redial: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		},
	}
	if cfg.OrchestratorURL != "" {
		reasoner, err := orchestrator.NewClient(cfg, logger)
		if err != nil {
			return err
		}
		defer reasoner.Close()
		deps.Reasoner = reasoner
		checks["orchestrator"] = reasoner.Healthy
	}

	// Conferencing
	mux := http.NewServeMux()
	api := &telephony.API{
		Engine:    engine,
		Analyzer:  analyzer,
		PublicURL: cfg.PublicURL,
		Logger:    observability.ForComponent("api"),
	}
	if cfg.ConferencingEnabled() {
		controller := conference.NewController(conference.NewTwilioClient(cfg, logger), logger,
			conference.WithAnalyzer(analyzer),
			conference.WithStore(st.conferences()),
			conference.WithPublicURL(cfg.PublicURL),
			conference.WithDialIn(cfg.CoachDialIn),
			conference.WithPersistTimeout(cfg.PersistDeadline()))
		defer controller.Flush()
		validator := client.NewRequestValidator(cfg.TwilioAuthToken)
		api.Conferences = controller
		api.Signatures = &validator

		if cfg.WhisperMinSeverity != "" {
			w := whisper.New(synth, controller, whisper.Config{
				MinSeverity: coaching.Severity(cfg.WhisperMinSeverity),
				PublicURL:   cfg.PublicURL,
				SampleRate:  pipeline.DefaultConfig().SynthesisRate,
			}, logger)
			api.Advice = w
			sub := bus.Subscribe(64, events.KindCoachingTrigger)
			g.Go(func() error { return w.Run(ctx, sub) })
		}
		logger.Info().Str("public_url", cfg.PublicURL).Msg("Twilio conferencing enabled")
	}

	gateway := telephony.NewGateway(telephony.PipelineConfig(cfg), deps, logger)
	api.Gateway = gateway

	// Create HTTP server
	api.Routes(mux)
	mux.HandleFunc("GET /health", observability.HealthCheckHandler(version))
	mux.HandleFunc("GET /ready", observability.ReadinessHandler(version, checks))
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/twilio", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.RTPListenAddr != "" {
		conn, err := net.ListenPacket("udp", cfg.RTPListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen for RTP on %s: %w", cfg.RTPListenAddr, err)
		}
		listener := gateway.NewRTPListener(conn, telephony.RTPListenerConfig{
			PayloadType: cfg.RTPPayloadType,
			SampleRate:  cfg.RTPSampleRate,
			IdleTimeout: time.Duration(cfg.RTPIdleTimeout) * time.Second,
		})
		g.Go(func() error { return listener.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		gateway.Shutdown(shutdownCtx)
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
