package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"meridian/internal/config"
	"meridian/internal/engine"
	"meridian/internal/forward"
	"meridian/internal/journal"
	"meridian/internal/metrics"
	"meridian/internal/server"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a meridian.yaml")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	setupLogging(cfg.Log)

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engineCfg, err := cfg.EngineConfig(metrics.New(reg))
	if err != nil {
		return err
	}
	eng, err := engine.New(engineCfg)
	if err != nil {
		return err
	}

	// Collaborators observe trades; they are registered before the engine
	// starts so none are missed.
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Dir)
		if err != nil {
			return err
		}
		defer j.Close()
		eng.RegisterObserver(j)
		log.Info().Str("dir", cfg.Journal.Dir).Msg("trade journal enabled")
	}
	if cfg.Kafka.Enabled {
		f := forward.NewKafkaForwarder(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer f.Close()
		eng.RegisterObserver(f)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka forwarding enabled")
	}

	if err := eng.Start(); err != nil {
		return err
	}
	go consumeEgress(ctx, eng)

	var gatherer prometheus.Gatherer
	if cfg.HTTP.Metrics {
		gatherer = reg
	}
	srv := server.NewServer(eng, cfg.HTTP.Address, cfg.HTTP.Port, gatherer)

	// Block on running the gateway.
	serveErr := srv.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("engine did not stop cleanly")
	}
	stats := eng.Stats()
	log.Info().
		Uint64("processed", stats.OrdersProcessed).
		Uint64("trades", stats.TradesExecuted).
		Uint64("rejected", stats.OrdersRejected).
		Msg("final stats")
	return serveErr
}

// consumeEgress stands in for the ledger collaborator reading the trade
// stream, so the stream never backs up.
func consumeEgress(ctx context.Context, eng *engine.Engine) {
	for {
		t, err := eng.NextTrade(ctx)
		if err != nil {
			return
		}
		log.Trace().Str("trade", t.ID).Str("symbol", t.Symbol).Msg("egress")
	}
}
