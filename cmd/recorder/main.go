// Command recorder runs the terminal persistence stage: it idempotently
// writes each (event, client, zone) delivery into the long-term event
// store, classifying fatal database conditions (disk-full) so a
// supervisor can restart it after intervention rather than losing data.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cert-padua/n6pipe/internal/admin"
	"github.com/cert-padua/n6pipe/internal/broker"
	"github.com/cert-padua/n6pipe/internal/component"
	"github.com/cert-padua/n6pipe/internal/config"
	"github.com/cert-padua/n6pipe/internal/event"
	"github.com/cert-padua/n6pipe/internal/obs/logging"
	"github.com/cert-padua/n6pipe/internal/obs/metrics"
	"github.com/cert-padua/n6pipe/internal/perr"
	"github.com/cert-padua/n6pipe/internal/recorder"
)

func main() {
	iniPath := flag.String("config", "/etc/n6/n6.ini", "path to n6.ini")
	adminAddr := flag.String("admin-addr", ":8085", "admin health/ready listen address")
	flag.Parse()

	config.LoadDotEnvIfPresent("")
	logger := logging.NewFromEnv("recorder")

	cfg, err := config.Load("recorder", *iniPath)
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

	store, err := recorder.Open(ctx, cfg.Recorder.URI, cfg.Recorder.FatalDBAPIErrorCodes)
	if err != nil {
		logger.WithError(err).Fatal("failed to open event store")
	}
	defer store.Close()

	m := metrics.New("recorder")

	handler := func(hctx context.Context, d broker.Delivery) (component.Outcome, error) {
		var e event.Event
		if err := json.Unmarshal(d.Body, &e); err != nil {
			return component.Outcome{}, perr.UndecodableBody(err)
		}
		client := d.Headers["org"]
		zone := d.Headers["zone"]
		if client == "" || zone == "" {
			return component.Outcome{}, perr.SchemaViolation("headers", "recorder requires org and zone headers")
		}

		if err := store.Record(hctx, recorder.Record{Event: e, Client: client, Zone: zone}); err != nil {
			return component.Outcome{}, err
		}
		return component.Outcome{}, nil
	}

	rt := component.New(component.Config{
		Name:          "recorder",
		Bindings:      cfg.Bindings(),
		PrefetchCount: cfg.Broker.PrefetchCount,
		Logger:        logger,
		Metrics:       m,
	}, br, handler)

	adminServer := admin.New("recorder", rt)
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
