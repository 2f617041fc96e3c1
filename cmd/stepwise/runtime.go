package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stepwise-analytics/stepwise/pkg/catalog"
	"github.com/stepwise-analytics/stepwise/pkg/cmd"
	"github.com/stepwise-analytics/stepwise/pkg/config"
	"github.com/stepwise-analytics/stepwise/pkg/eventbus"
	"github.com/stepwise-analytics/stepwise/pkg/gateway"
	"github.com/stepwise-analytics/stepwise/pkg/orchestrator"
	"github.com/stepwise-analytics/stepwise/pkg/otelhelper"
	"github.com/stepwise-analytics/stepwise/pkg/persistence"
	"github.com/stepwise-analytics/stepwise/pkg/session"
)

// runtime owns everything one CLI invocation opens.
type runtime struct {
	logger       *slog.Logger
	orchestrator *orchestrator.Orchestrator
	cache        persistence.LocalCache
	eventBus     eventbus.EventBus
	closers      []func(context.Context) error
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	r := &runtime{logger: logger}

	gatewayOpts := []gateway.Option{
		gateway.WithConfig(cfg.Persistence.Gateway()),
		gateway.WithLogger(logger),
	}

	if cfg.Tracing.Enabled {
		tracer, shutdown, err := otelhelper.NewTracer(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}

		r.closers = append(r.closers, shutdown)
		gatewayOpts = append(gatewayOpts, gateway.WithTracer(tracer))
	}

	cache, err := cmd.NewLocalCache(ctx, logger, cfg.Persistence.LocalCacheURL, cfg.Persistence.CacheTTL.Std())
	if err != nil {
		return nil, r.abort(ctx, err)
	}

	r.cache = cache

	transport, closeTransport, err := cmd.NewTransport(ctx, logger, cfg.Persistence.RemoteURL)
	if err != nil {
		return nil, r.abort(ctx, err)
	}

	r.closers = append(r.closers, closeTransport)

	eventBus, err := cmd.NewEventBus(cfg.Events.Bus, cfg.Events.KafkaBrokers, cfg.Tracing.ServiceName, logger)
	if err != nil {
		return nil, r.abort(ctx, err)
	}

	r.eventBus = eventBus

	orchestratorOpts := []orchestrator.Option{
		orchestrator.WithDebounce(cfg.Orchestrator.Debounce.Std()),
		orchestrator.WithLogger(logger),
	}

	if eventBus != nil {
		orchestratorOpts = append(orchestratorOpts, orchestrator.WithPublisher(eventBus))
	}

	store := session.NewStore(catalog.Default(), session.WithLogger(logger))
	r.orchestrator = orchestrator.New(store, gateway.New(cache, transport, gatewayOpts...), orchestratorOpts...)

	return r, nil
}

// abort releases what was opened before err and returns err.
func (r *runtime) abort(ctx context.Context, err error) error {
	return errors.Join(err, r.Close(ctx))
}

// Close flushes pending saves and releases every resource in reverse order of opening.
func (r *runtime) Close(ctx context.Context) error {
	var errs []error

	if r.orchestrator != nil {
		errs = append(errs, r.orchestrator.Close(ctx))
	}

	if r.eventBus != nil {
		errs = append(errs, r.eventBus.Close())
	}

	if r.cache != nil {
		errs = append(errs, r.cache.Close())
	}

	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i](ctx))
	}

	return errors.Join(errs...)
}
