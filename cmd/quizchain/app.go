package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/mohammad-safakhou/quizchain/config"
	"github.com/mohammad-safakhou/quizchain/internal/agent/core"
	"github.com/mohammad-safakhou/quizchain/internal/capability"
	"github.com/mohammad-safakhou/quizchain/internal/policy"
	"github.com/mohammad-safakhou/quizchain/internal/runs"
	"github.com/mohammad-safakhou/quizchain/internal/runs/inmemory"
	redis_runs "github.com/mohammad-safakhou/quizchain/internal/runs/redis"
	"github.com/mohammad-safakhou/quizchain/internal/telemetry"
	"github.com/mohammad-safakhou/quizchain/provider"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// app holds everything built from configuration.
type app struct {
	cfg     *config.Config
	orch    *core.Orchestrator
	runs    runs.Store
	metrics *prometheus.Registry
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stderr, prefix, log.LstdFlags)
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: prometheus.NewRegistry()}
	a.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(a.metrics)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	sec, err := policy.LoadSecurityPolicy(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("security policy: %w", err)
	}

	deps := core.NewCapabilityDeps(cfg.Capabilities, sec, newLogger("[SUBMIT] "))
	registry, err := capability.NewRegistry(core.BuildCapabilities(deps),
		capability.WithLogger(newLogger("[TOOLS] ")),
		capability.WithObserver(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("capabilities: %w", err)
	}

	reasoner, err := provider.NewReasoner(cfg.LLM, newLogger("[LLM] "))
	if err != nil {
		return nil, fmt.Errorf("reasoner: %w", err)
	}

	switch cfg.Runs.Backend {
	case "redis":
		client, err := redis_runs.NewClient(ctx, cfg.Runs.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.runs = redis_runs.New(client, cfg.Runs.TTL)
	default:
		a.runs = inmemory.New(cfg.Runs.TTL, cfg.Runs.Limit)
	}

	orch, err := core.NewOrchestrator(core.Deps{
		Registry: registry,
		Reasoner: reasoner,
		Logger:   newLogger("[ORCH] "),
		Metrics:  metrics,
		Runs:     a.runs,
	}, core.Options{
		MaxHops:       cfg.Chain.MaxHops,
		TimeBudget:    cfg.Chain.TimeBudget,
		MaxConcurrent: cfg.Chain.MaxConcurrent,
		DownloadsDir:  cfg.Capabilities.DownloadsDir,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	a.orch = orch
	a.closers = append(a.closers, orch.Close)
	return a, nil
}
