package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cortexscore/evalengine/internal/broker"
	"github.com/cortexscore/evalengine/internal/config"
	"github.com/cortexscore/evalengine/internal/logging"
	"github.com/cortexscore/evalengine/internal/observability"
	"github.com/cortexscore/evalengine/internal/orchestrator"
	"github.com/cortexscore/evalengine/internal/store"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// pidFilePath is where `start` records its own PID so `stop` can signal
// it. The orchestrator keeps no durable process state of its own, so
// this file is purely operator convenience for the foreground-process
// CLI.
const pidFilePath = ".evalengine.pid"

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Connect to the broker and store and run the three orchestrator loops",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Setup(cfg.Env, cfg.LogLevel)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Environment: cfg.Env}); err != nil {
			log.Warn().Err(err).Msg("failed to initialise sentry, continuing without it")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	b, err := broker.NewRedisBroker(cfg.BrokerAddr, cfg.BrokerPassword, cfg.BrokerDB)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer b.Close()

	s, err := store.NewPostgresStore(store.PoolConfig{
		DatabaseURL:  cfg.DatabaseURL,
		MaxOpenConns: 20,
		MaxIdleConns: 5,
	})
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer s.Close()

	if err := s.Migrate(); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	metrics, err := observability.New(ctx)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	metrics.ServeMetrics(ctx, cfg.MetricsAddr, map[string]observability.HealthCheck{
		"broker": func(checkCtx context.Context) error {
			_, err := b.Length(checkCtx, broker.MainQueue)
			return err
		},
		"store": s.Ping,
	})

	o := orchestrator.New(b, s, cfg, metrics)
	o.Start(ctx)

	if err := writePIDFile(); err != nil {
		log.Warn().Err(err).Msg("failed to write pid file; `stop` will be unable to signal this process")
	}
	defer os.Remove(pidFilePath)

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	<-stopSignal

	log.Info().Msg("shutdown signal received")
	o.Stop()
	return metrics.Shutdown(ctx)
}

func writePIDFile() error {
	return os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
