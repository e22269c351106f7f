// Command comparator runs the blacklist delta stage: it buffers a
// source's full-snapshot series until its end marker, diffs it against the
// last persisted snapshot, and publishes bl-new/bl-update/bl-change/
// bl-delist deltas under the compared routing-state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cert-padua/n6pipe/internal/admin"
	"github.com/cert-padua/n6pipe/internal/broker"
	"github.com/cert-padua/n6pipe/internal/comparator"
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
	adminAddr := flag.String("admin-addr", ":8082", "admin health/ready listen address")
	flag.Parse()

	config.LoadDotEnvIfPresent("")
	logger := logging.NewFromEnv("comparator")

	cfg, err := config.Load("comparator", *iniPath)
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

	backend, err := state.NewFileBackend(cfg.Comparator.DBPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to open comparator state backend")
	}

	resolver := func(source string) []string { return cfg.Comparator.SourceChangeFields[source] }
	cmp := comparator.New(backend, cfg.Comparator.RetentionAfterDelisting, resolver)
	m := metrics.New("comparator")

	handler := func(hctx context.Context, d broker.Delivery) (component.Outcome, error) {
		var e event.Event
		if err := json.Unmarshal(d.Body, &e); err != nil {
			return component.Outcome{}, perr.UndecodableBody(err)
		}

		key := d.Headers["entry_key"]
		if key == "" {
			key = e.ID
		}
		seriesID := d.Headers["series_id"]
		seriesEnd, _ := strconv.ParseBool(d.Headers["series_end"])

		entry := comparator.Entry{EventSnapshot: e, Expires: e.Expires}
		cmp.BufferMessage(e.Source, seriesID, time.Now(), seriesEnd, key, entry)

		if !seriesEnd {
			return component.Outcome{}, nil
		}

		deltas, err := cmp.Finalize(hctx, e.Source, time.Now())
		if err != nil {
			return component.Outcome{}, err
		}

		var outcome component.Outcome
		for _, delta := range deltas {
			out := delta.Entry.EventSnapshot
			out.BLTag = delta.Tag
			body, err := json.Marshal(out)
			if err != nil {
				return component.Outcome{}, perr.UndecodableBody(err)
			}
			rk := routing.Key(routing.StateCompared, string(out.Category), out.Provider(), out.Channel())
			outcome.Publishes = append(outcome.Publishes, component.OutputMessage{RoutingKey: rk, Body: body})
		}
		return outcome, nil
	}

	rt := component.New(component.Config{
		Name:          "comparator",
		Bindings:      cfg.Bindings(),
		PrefetchCount: cfg.Broker.PrefetchCount,
		Logger:        logger,
		Metrics:       m,
	}, br, handler)

	adminServer := admin.New("comparator", rt)
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
