package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nullstream/spopagent/examples/checkclientip"
	"github.com/nullstream/spopagent/internal/adminapi"
	"github.com/nullstream/spopagent/internal/audit"
	"github.com/nullstream/spopagent/internal/audit/kafkasink"
	"github.com/nullstream/spopagent/internal/audit/mongosink"
	"github.com/nullstream/spopagent/internal/config"
	"github.com/nullstream/spopagent/internal/obslog"
	"github.com/nullstream/spopagent/internal/observability"
	"github.com/nullstream/spopagent/internal/spop/engine"
	"github.com/nullstream/spopagent/internal/spop/frame"
	"github.com/nullstream/spopagent/internal/spop/session"
)

func main() {
	configPath := flag.String("config", "cmd/spopagentd/config.toml", "path to spopagentd TOML config")
	flag.Parse()

	logger := obslog.ConfigureFromEnv("spopagentd")

	cfg, err := config.LoadEngineConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load spopagentd config")
	}
	log.Info().Str("path", *configPath).Msg("loaded spopagentd config")

	recorder, err := buildAuditRecorder(cfg.Audit, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build audit sink")
	}

	idleTimeout, err := time.ParseDuration(cfg.IdleTimeout)
	if err != nil {
		log.Fatal().Err(err).Str("idle_timeout", cfg.IdleTimeout).Msg("invalid idle_timeout")
	}
	drainTimeout, err := time.ParseDuration(cfg.DrainTimeout)
	if err != nil {
		log.Fatal().Err(err).Str("drain_timeout", cfg.DrainTimeout).Msg("invalid drain_timeout")
	}

	eng, err := engine.New(engine.Config{
		Port:           cfg.Port,
		Handler:        checkclientip.New(nil),
		MaxFrameSize:   cfg.MaxFrameSize,
		IdleTimeout:    idleTimeout,
		Pipelining:     &cfg.Pipelining,
		DrainTimeout:   drainTimeout,
		Logger:         logger,
		Hooks:          buildHooks(recorder),
		OnConnAccepted: observability.ConnectionsActive.Inc,
		OnConnClosed:   observability.ConnectionsActive.Dec,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct engine")
	}

	router := adminapi.NewRouter(eng, logger, nil)
	go func() {
		if err := router.Run(cfg.AdminAddr); err != nil {
			log.Error().Err(err).Msg("admin http server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info().Msg("spopagentd shutting down")
		eng.Stop()
		if recorder != nil {
			_ = recorder.Close()
		}
	}()

	log.Info().Int("port", cfg.Port).Str("admin_addr", cfg.AdminAddr).Msg("spopagentd starting")
	if err := eng.Start(); err != nil {
		log.Fatal().Err(err).Msg("spop engine stopped")
	}
}

// buildAuditRecorder constructs the configured audit backend, if any,
// and wraps it in a Recorder so connection tasks never block on it.
func buildAuditRecorder(cfg config.AuditConfig, logger zerolog.Logger) (*audit.Recorder, error) {
	var sink audit.Sink
	var err error

	switch cfg.Kind {
	case config.AuditNone:
		return nil, nil
	case config.AuditKafka:
		sink, err = kafkasink.New(cfg.KafkaBrokers, cfg.KafkaTopic)
	case config.AuditMongo:
		sink, err = mongosink.New(cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
	}
	if err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, nil
	}

	onDrop := func() { logger.Warn().Msg("audit event dropped, queue full") }
	return audit.NewRecorder(sink, logger, 1024, onDrop), nil
}

// buildHooks wires session-level events into prometheus metrics and,
// if configured, the audit trail. A nil recorder simply skips the
// audit enqueue.
func buildHooks(recorder *audit.Recorder) session.Hooks {
	return session.Hooks{
		OnFrame: func(kind frame.Kind) {
			observability.RecordFrame(kind.String())
		},
		OnMessage: func(name string) {
			observability.RecordMessage(name)
		},
		OnHandlerDuration: func(name string, d time.Duration) {
			observability.RecordHandlerDuration(name, d)
		},
		OnHandlerError: func(name string) {
			observability.RecordHandlerError(name)
		},
		OnNotify: func(connID, streamID, frameID uint64, messageNames []string, actionCount int) {
			if recorder == nil {
				return
			}
			recorder.Enqueue(audit.Event{
				ConnID:      connID,
				StreamID:    streamID,
				FrameID:     frameID,
				Messages:    messageNames,
				ActionCount: actionCount,
				Timestamp:   time.Now(),
			})
		},
	}
}
