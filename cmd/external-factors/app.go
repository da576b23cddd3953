package main

import (
	"net/http"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	httpapi "github.com/i474232898/external-factors/internal/api/http"
	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/collect/providers"
	"github.com/i474232898/external-factors/internal/config"
	"github.com/i474232898/external-factors/internal/credentials"
	"github.com/i474232898/external-factors/internal/logger"
	"github.com/i474232898/external-factors/internal/sink"
)

// tableSink is a sink tables can also be read back from.
type tableSink interface {
	collect.Sink
	httpapi.TableLoader
}

// app holds the services shared by every command.
type app struct {
	cfg     *config.AppConfig
	log     *zap.SugaredLogger
	gate    *credentials.Gate
	sink    tableSink
	orch    *collect.Orchestrator
	closers []func()
}

// newApp loads configuration and wires the collector. workers overrides the
// configured worker count when positive.
func newApp(workers int) (*app, error) {
	boot, err := logger.New(false, false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build logger")
	}
	cfg, err := config.Load(boot)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if workers > 0 {
		cfg.Workers = workers
	}

	log, err := logger.New(cfg.LogJSON, cfg.LogVerbose)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build logger")
	}

	a := &app{cfg: cfg, log: log}

	codec, err := sink.NewCodec()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create codec")
	}
	a.closers = append(a.closers, codec.Close)

	switch cfg.Sink {
	case config.SinkBadger:
		b, err := sink.OpenBadger(filepath.Join(cfg.DataDir, "badger"), codec)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := b.Close(); err != nil {
				log.Warnw("failed to close badger sink", logger.FieldError, err.Error())
			}
		})
		a.sink = b
	default:
		f, err := sink.NewFile(cfg.DataDir, codec, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.sink = f
	}

	a.gate = credentials.New(cfg.Credentials(), credentials.WithLogger(log))

	// Shared HTTP client for outbound provider calls; deadlines are per attempt.
	httpClient := &http.Client{}

	registry, err := providers.DefaultRegistry(providers.Settings{
		HTTP:                 httpClient,
		FastTimeout:          cfg.FastTimeout,
		ArchiveTimeout:       cfg.ArchiveTimeout,
		QuandlAPIKey:         cfg.QuandlAPIKey,
		INMETStation:         cfg.INMETStation,
		INMETFallbackStation: cfg.INMETFallbackStation,
		ANAStation:           cfg.ANAStation,
		Logger:               log,
	}, a.gate)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orch = collect.NewOrchestrator(registry, a.gate, a.sink,
		collect.WithWorkers(cfg.Workers),
		collect.WithLogger(log),
	)
	return a, nil
}

// Close releases the sink and codec in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.log.Sync()
}
