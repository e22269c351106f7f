// Command aggregator runs the bucketing/dedup stage: it consumes parsed
// events, collapses repetitions within a time window into a single counted
// event, and publishes the result under the aggregated routing-state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cert-padua/n6pipe/internal/admin"
	"github.com/cert-padua/n6pipe/internal/aggregator"
	"github.com/cert-padua/n6pipe/internal/broker"
	"github.com/cert-padua/n6pipe/internal/component"
	"github.com/cert-padua/n6pipe/internal/config"
	"github.com/cert-padua/n6pipe/internal/event"
	"github.com/cert-padua/n6pipe/internal/obs/logging"
	"github.com/cert-padua/n6pipe/internal/obs/metrics"
	"github.com/cert-padua/n6pipe/internal/perr"
	"github.com/cert-padua/n6pipe/internal/routing"
	"github.com/cert-padua/n6pipe/internal/state"
)

func main() {
	iniPath := flag.String("config", "/etc/n6/n6.ini", "path to n6.ini")
	adminAddr := flag.String("admin-addr", ":8081", "admin health/ready listen address")
	flag.Parse()

	config.LoadDotEnvIfPresent("")
	logger := logging.NewFromEnv("aggregator")

	cfg, err := config.Load("aggregator", *iniPath)
	if err != nil {
		logger.WithError(err).Fatal("configuration error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	br, err := broker.Open(ctx, cfg.Broker.DSN)
	if err != nil {
		logger.WithError(err).Fatal("failed to open broker")
	}
	defer br.Close()

	backend, err := state.NewFileBackend(cfg.Aggregator.DBPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to open aggregator state backend")
	}

	agg := aggregator.New(aggregator.Config{
		Window: 24 * time.Hour,
		Grace:  cfg.Aggregator.GraceWindow,
	}, backend)

	m := metrics.New("aggregator")

	handler := func(hctx context.Context, d broker.Delivery) (component.Outcome, error) {
		var e event.Event
		if err := json.Unmarshal(d.Body, &e); err != nil {
			return component.Outcome{}, perr.UndecodableBody(err)
		}
		if err := e.Validate(time.Now(), 5*time.Minute); err != nil {
			return component.Outcome{}, perr.SchemaViolation("event", err.Error())
		}

		emitted, err := agg.Ingest(hctx, &e)
		if err != nil {
			return component.Outcome{}, err
		}
		if emitted == nil {
			return component.Outcome{}, nil
		}
		return publishEvent(emitted)
	}

	rt := component.New(component.Config{
		Name:          "aggregator",
		Bindings:      cfg.Bindings(),
		PrefetchCount: cfg.Broker.PrefetchCount,
		Logger:        logger,
		Metrics:       m,
	}, br, handler)

	rt.WithHydrate(func(hctx context.Context) error {
		return agg.Load(hctx)
	})

	rt.AddTickerWorker(cfg.Aggregator.TickInterval, func(hctx context.Context) error {
		emitted, err := agg.Flush(hctx, time.Now())
		if err != nil {
			return err
		}
		for _, e := range emitted {
			out, pubErr := publishEvent(e)
			if pubErr != nil {
				return pubErr
			}
			for _, msg := range out.Publishes {
				if _, err := br.Publish(hctx, nil, msg.RoutingKey, msg.Headers, msg.Body); err != nil {
					return err
				}
			}
		}
		return nil
	}, "aggregator-flush")

	adminServer := admin.New("aggregator", rt)
	httpSrv := &http.Server{Addr: *adminAddr, Handler: adminServer.Handler()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Warn("admin server stopped")
		}
	}()

	defer func() {
		if exit, fatalErr := component.RecoverFatalResource(); exit {
			logger.WithError(fatalErr).Error("exiting after fatal resource condition")
			httpSrv.Close()
			os.Exit(1)
		}
	}()

	if err := rt.Run(ctx); err != nil {
		logger.WithError(err).Error("runtime stopped with error")
	}
	httpSrv.Close()
}

func publishEvent(e *event.Event) (component.Outcome, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return component.Outcome{}, perr.UndecodableBody(err)
	}
	rk := routing.Key(routing.StateAggregated, string(e.Category), e.Provider(), e.Channel())
	return component.Outcome{Publishes: []component.OutputMessage{
		{RoutingKey: rk, Body: body},
	}}, nil
}
