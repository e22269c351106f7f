// Command anonymizer runs the last pre-publication stage: it masks or
// strips fields per subsource agreement and republishes otherwise
// unchanged filtered records.
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
	"github.com/cert-padua/n6pipe/internal/anonymizer"
	"github.com/cert-padua/n6pipe/internal/broker"
	"github.com/cert-padua/n6pipe/internal/component"
	"github.com/cert-padua/n6pipe/internal/config"
	"github.com/cert-padua/n6pipe/internal/event"
	"github.com/cert-padua/n6pipe/internal/obs/logging"
	"github.com/cert-padua/n6pipe/internal/obs/metrics"
	"github.com/cert-padua/n6pipe/internal/perr"
	"github.com/cert-padua/n6pipe/internal/routing"
)

func main() {
	iniPath := flag.String("config", "/etc/n6/n6.ini", "path to n6.ini")
	adminAddr := flag.String("admin-addr", ":8084", "admin health/ready listen address")
	rulesPath := flag.String("rules", "", "optional path to an anonymization rules YAML/JSON file")
	flag.Parse()

	config.LoadDotEnvIfPresent("")
	logger := logging.NewFromEnv("anonymizer")

	cfg, err := config.Load("anonymizer", *iniPath)
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

	rules := anonymizer.Rules{}
	if *rulesPath != "" {
		loaded, err := loadRules(*rulesPath)
		if err != nil {
			logger.WithError(err).Fatal("failed to load anonymization rules")
		}
		rules = loaded
	}
	anon := anonymizer.New(rules)
	m := metrics.New("anonymizer")

	handler := func(hctx context.Context, d broker.Delivery) (component.Outcome, error) {
		var e event.Event
		if err := json.Unmarshal(d.Body, &e); err != nil {
			return component.Outcome{}, perr.UndecodableBody(err)
		}
		out := anon.Apply(&e, d.Headers["org"])
		body, err := json.Marshal(out)
		if err != nil {
			return component.Outcome{}, perr.UndecodableBody(err)
		}
		rk := routing.Key(routing.StateFiltered, string(out.Category), out.Provider(), out.Channel())
		return component.Outcome{Publishes: []component.OutputMessage{
			{RoutingKey: rk, Headers: d.Headers, Body: body},
		}}, nil
	}

	rt := component.New(component.Config{
		Name:          "anonymizer",
		Bindings:      cfg.Bindings(),
		PrefetchCount: cfg.Broker.PrefetchCount,
		Logger:        logger,
		Metrics:       m,
	}, br, handler)

	adminServer := admin.New("anonymizer", rt)
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
