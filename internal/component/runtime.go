// Package component provides the queued-component runtime shared by every
// pipeline stage: connect, declare bindings, run a single-threaded
// cooperative consume/publish/ack loop, and drain gracefully on shutdown.
// Adapted from a TEE-service lifecycle pattern (hydrate hook, background
// workers, idempotent Stop via sync.Once, health aggregation) generalized
// from a marble/enclave-specific service wrapper to a broker-connection-
// backed one.
package component

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cert-padua/n6pipe/internal/broker"
	"github.com/cert-padua/n6pipe/internal/obs/logging"
	"github.com/cert-padua/n6pipe/internal/obs/metrics"
	"github.com/cert-padua/n6pipe/internal/perr"
	"github.com/cert-padua/n6pipe/internal/routing"
)

// Handler processes one claimed delivery and returns the messages to
// publish plus a classification outcome. A nil error with a non-empty
// Publishes list is the common success path; a non-nil error is classified
// via perr.ClassifyOrDefault to decide the loop's requeue/quarantine/exit
// action.
type Handler func(ctx context.Context, d broker.Delivery) (Outcome, error)

// Outcome is the set of messages a handler wants published before its
// input is ack'd.
type Outcome struct {
	Publishes []OutputMessage
}

// OutputMessage is one message a handler wants the runtime to publish.
type OutputMessage struct {
	RoutingKey string
	Headers    map[string]string
	Body       []byte
}

// Config configures a Runtime.
type Config struct {
	Name          string
	Bindings      []string
	PrefetchCount int
	MaxAttempts   int
	PollInterval  time.Duration
	DrainTimeout  time.Duration
	Logger        *logging.Logger
	Metrics       *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 16
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.NewFromEnv(c.Name)
	}
}

// Runtime is the per-component run loop: consume, handle, publish, ack.
type Runtime struct {
	cfg    Config
	br     *broker.Broker
	handle Handler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	hydrate func(context.Context) error
	workers []func(context.Context)

	healthMu    sync.RWMutex
	lastTick    time.Time
	brokerAlive bool
}

// New constructs a Runtime bound to br, consuming routing keys matching
// cfg.Bindings and dispatching each delivery to handle.
func New(cfg Config, br *broker.Broker, handle Handler) *Runtime {
	cfg.setDefaults()
	return &Runtime{
		cfg:         cfg,
		br:          br,
		handle:      handle,
		stopCh:      make(chan struct{}),
		brokerAlive: true,
	}
}

// WithHydrate registers a hook run once before the consume loop and any
// background workers start, for loading persisted aggregator/comparator
// state.
func (r *Runtime) WithHydrate(fn func(context.Context) error) *Runtime {
	r.hydrate = fn
	return r
}

// AddTickerWorker registers a periodic background worker — the home for the
// aggregator's tick-based flush.
func (r *Runtime) AddTickerWorker(interval time.Duration, fn func(context.Context) error, name string) *Runtime {
	worker := func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					r.cfg.Logger.WithContext(ctx).WithError(err).WithField("worker", name).Warn("ticker worker error")
				}
				r.healthMu.Lock()
				r.lastTick = time.Now()
				r.healthMu.Unlock()
			}
		}
	}
	r.workers = append(r.workers, worker)
	return r
}

// StopChan exposes the stop signal for custom workers.
func (r *Runtime) StopChan() <-chan struct{} {
	return r.stopCh
}

// Run starts the runtime: hydrate, background workers, then the
// consume/handle/publish/ack loop, blocking until ctx is cancelled or Stop
// is called.
func (r *Runtime) Run(ctx context.Context) error {
	if r.hydrate != nil {
		if err := r.hydrate(ctx); err != nil {
			return fmt.Errorf("component %s: hydrate: %w", r.cfg.Name, err)
		}
	}

	for _, w := range r.workers {
		worker := w
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			worker(ctx)
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx)
	}()

	select {
	case <-ctx.Done():
	case <-r.stopCh:
	}
	return r.Stop()
}

func (r *Runtime) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-r.br.Wakeup():
			r.drainOnce(ctx)
		case <-ticker.C:
			r.drainOnce(ctx)
		}
	}
}

func (r *Runtime) drainOnce(ctx context.Context) {
	deliveries, err := r.br.Claim(ctx, r.cfg.Name, r.cfg.Bindings, r.cfg.PrefetchCount)
	if err != nil {
		r.healthMu.Lock()
		r.brokerAlive = false
		r.healthMu.Unlock()
		r.cfg.Logger.WithContext(ctx).WithError(err).Warn("claim failed")
		return
	}
	r.healthMu.Lock()
	r.brokerAlive = true
	r.healthMu.Unlock()

	for _, d := range deliveries {
		r.handleOne(ctx, d)
	}
}

func (r *Runtime) handleOne(ctx context.Context, d broker.Delivery) {
	hctx := logging.WithRoutingKey(logging.WithMessageID(ctx, d.ID), d.RoutingKey)
	r.cfg.Logger.LogDelivery(hctx, d.RoutingKey, len(d.Body))

	outcome, err := r.handle(hctx, d)
	if err != nil {
		r.handleError(hctx, d, err)
		return
	}

	// Publisher confirms: every output must be confirmed before the input
	// is ack'd. A failure here nacks the input for redelivery (quarantined
	// once its attempt budget is spent), and downstream sinks tolerate the
	// resulting duplicate deliveries because every sink is idempotent keyed
	// on id.
	for _, m := range outcome.Publishes {
		if _, err := r.br.Publish(hctx, nil, m.RoutingKey, m.Headers, m.Body); err != nil {
			r.cfg.Logger.WithContext(hctx).WithError(err).Warn("publish failed, input left pending for redelivery")
			_ = r.br.Nack(hctx, d, r.cfg.MaxAttempts, false)
			return
		}
		r.cfg.Logger.LogPublish(hctx, m.RoutingKey, true)
	}

	if err := r.br.Ack(hctx, d); err != nil {
		r.cfg.Logger.WithContext(hctx).WithError(err).Warn("ack failed")
	}
}

func (r *Runtime) handleError(ctx context.Context, d broker.Delivery, err error) {
	kind := perr.ClassifyOrDefault(err)
	switch kind {
	case perr.FatalResource:
		r.cfg.Logger.LogFatalResource(ctx, "FATAL", err)
		_ = r.br.RequeueForExit(ctx, d)
		panic(fatalResourceExit{err: err})
	case perr.PermanentInput:
		r.cfg.Logger.LogQuarantine(ctx, d.RoutingKey, "permanent input error", err)
		_ = r.br.Nack(ctx, d, r.cfg.MaxAttempts, true)
	default:
		r.cfg.Logger.WithContext(ctx).WithError(err).Warn("handler error, requeuing or quarantining")
		_ = r.br.Nack(ctx, d, r.cfg.MaxAttempts, false)
	}
}

// fatalResourceExit is recovered by cmd/* mains to turn a FatalResource
// classification into a clean os.Exit(1) instead of an unwound panic.
type fatalResourceExit struct{ err error }

// RecoverFatalResource should be deferred by every component's main. It
// reports whether a FatalResource exit was requested and, if so, the
// triggering error.
func RecoverFatalResource() (exit bool, err error) {
	if rec := recover(); rec != nil {
		if fre, ok := rec.(fatalResourceExit); ok {
			return true, fre.err
		}
		panic(rec)
	}
	return false, nil
}

// Stop drains in-flight work within DrainTimeout, then halts the loop. Safe
// to call more than once.
func (r *Runtime) Stop() error {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(r.cfg.DrainTimeout):
		return fmt.Errorf("component %s: drain timeout exceeded", r.cfg.Name)
	}
}

// HealthDetails reports the runtime's current liveness for the ambient
// admin surface.
func (r *Runtime) HealthDetails() map[string]any {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	return map[string]any{
		"broker_alive": r.brokerAlive,
		"last_tick":    r.lastTick,
	}
}

// ValidateBindings rejects a runtime configuration whose bindings were
// derived from an unvalidated topology, matching the eager-validation rule
// for pipeline configuration.
func ValidateBindings(bindings []string) error {
	if len(bindings) == 0 {
		return perr.MissingConfig("pipeline.<component> bindings")
	}
	for _, b := range bindings {
		if !routing.Match(b, b) {
			return perr.InvalidBinding(b, "binding pattern does not self-match")
		}
	}
	return nil
}
