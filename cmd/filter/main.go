// Command filter runs the per-organization visibility fan-out stage: each
// enriched/compared record is expanded into every (org, zone) delivery its
// authorization snapshot entitles it to, using a background-refreshed
// in-memory auth snapshot.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"

	"github.com/cert-padua/n6pipe/internal/admin"
	"github.com/cert-padua/n6pipe/internal/authsnapshot"
	"github.com/cert-padua/n6pipe/internal/broker"
	"github.com/cert-padua/n6pipe/internal/component"
	"github.com/cert-padua/n6pipe/internal/config"
	"github.com/cert-padua/n6pipe/internal/event"
	"github.com/cert-padua/n6pipe/internal/filter"
	"github.com/cert-padua/n6pipe/internal/obs/logging"
	"github.com/cert-padua/n6pipe/internal/obs/metrics"
	"github.com/cert-padua/n6pipe/internal/perr"
	"github.com/cert-padua/n6pipe/internal/routing"
)

func main() {
	iniPath := flag.String("config", "/etc/n6/n6.ini", "path to n6.ini")
	adminAddr := flag.String("admin-addr", ":8083", "admin health/ready listen address")
	flag.Parse()

	config.LoadDotEnvIfPresent("")
	logger := logging.NewFromEnv("filter")

	cfg, err := config.Load("filter", *iniPath)
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

	authDB, err := sqlx.ConnectContext(ctx, "postgres", cfg.Broker.DSN)
	if err != nil {
		logger.WithError(err).Fatal("failed to open auth data connection")
	}
	defer authDB.Close()

	authMgr, err := authsnapshot.New(authsnapshot.Config{
		MaxSleepBetweenRuns:         cfg.AuthPrefetch.MaxSleepBetweenRuns,
		ToleranceForOutdated:        cfg.AuthPrefetch.ToleranceForOutdated,
		ToleranceForOutdatedOnError: cfg.AuthPrefetch.ToleranceForOutdatedOnError,
		PickleCacheDir:              cfg.AuthPrefetch.PickleCacheDir,
		PickleCacheSignatureSecret:  cfg.AuthPrefetch.PickleCacheSignatureSecret,
		RefreshSchedule:             cfg.AuthPrefetch.RefreshSchedule,
	}, authsnapshot.PostgresFetcher(authDB), logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize auth snapshot manager")
	}
	go authMgr.Run(ctx)

	flt := filter.New(filter.NewConfig(cfg.Filter.CategoriesFilteredThroughFQDNOnly))
	m := metrics.New("filter")

	handler := func(hctx context.Context, d broker.Delivery) (component.Outcome, error) {
		var e event.Event
		if err := json.Unmarshal(d.Body, &e); err != nil {
			return component.Outcome{}, perr.UndecodableBody(err)
		}

		snap := authMgr.Current()
		if snap == nil {
			return component.Outcome{}, perr.DownstreamUnavailable("auth_snapshot", errNoSnapshot)
		}

		recipients := flt.Expand(&e, snap)
		var outcome component.Outcome
		for _, r := range recipients {
			out := r.Event
			body, err := json.Marshal(out)
			if err != nil {
				return component.Outcome{}, perr.UndecodableBody(err)
			}
			headers := map[string]string{"org": r.OrgID, "zone": string(r.Zone)}
			rk := routing.Key(routing.StateFiltered, string(out.Category), out.Provider(), out.Channel())
			outcome.Publishes = append(outcome.Publishes, component.OutputMessage{
				RoutingKey: rk, Headers: headers, Body: body,
			})
		}
		return outcome, nil
	}

	rt := component.New(component.Config{
		Name:          "filter",
		Bindings:      cfg.Bindings(),
		PrefetchCount: cfg.Broker.PrefetchCount,
		Logger:        logger,
		Metrics:       m,
	}, br, handler)

	adminServer := admin.New("filter", rt)
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

var errNoSnapshot = &snapshotNotLoadedError{}

type snapshotNotLoadedError struct{}

func (e *snapshotNotLoadedError) Error() string { return "auth snapshot not yet loaded" }
