// Package broker implements the pipeline's message transport. No AMQP 0.9.1
// client exists anywhere in the reference corpus this module was built
// from, so the wire-level leg is built on PostgreSQL LISTEN/NOTIFY (grounded
// on the pack's own pgnotify event bus) paired with a durable table: NOTIFY
// alone is a wake-up signal, not a durable queue, so persistence,
// at-least-once redelivery, per-routing-key FIFO and quarantine all live in
// the broker_messages table instead.
package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/cert-padua/n6pipe/internal/perr"
	"github.com/cert-padua/n6pipe/internal/resilience"
	"github.com/cert-padua/n6pipe/internal/routing"
)

// Status is the lifecycle state of a row in broker_messages.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDelivered  Status = "delivered"
	StatusQuarantine Status = "quarantine"
)

// Message is one unit of transport: a routing key, headers, and a raw body.
type Message struct {
	ID         string
	RoutingKey string
	Headers    map[string]string
	Body       []byte
	Attempts   int
	CreatedAt  time.Time
}

// Delivery is a Message claimed by a specific consumer (component) awaiting
// ack/nack.
type Delivery struct {
	Message
	consumer string
}

const notifyChannel = "n6pipe_wakeup"

// Broker owns the durable-table leg and the LISTEN/NOTIFY wake-up leg of the
// transport. A single Broker is shared (via a thread-safe publish path) by
// a component's run loop and any worker goroutines that need to publish.
type Broker struct {
	db       *sql.DB
	listener *pq.Listener
	dsn      string
	wakeup   chan struct{}
}

// Open connects to Postgres and starts the LISTEN/NOTIFY wake-up leg.
func Open(ctx context.Context, dsn string) (*Broker, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, perr.BrokerLost(fmt.Errorf("open: %w", err))
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, perr.BrokerLost(fmt.Errorf("ping: %w", err))
	}

	reportProblem := func(ev pq.ListenerEventType, err error) {
		// The listener reconnects on its own; transient events are expected.
		_ = ev
		_ = err
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		db.Close()
		return nil, perr.BrokerLost(fmt.Errorf("listen: %w", err))
	}

	b := &Broker{db: db, listener: listener, dsn: dsn, wakeup: make(chan struct{}, 1)}
	go b.pump()
	return b, nil
}

func (b *Broker) pump() {
	for range b.listener.Notify {
		select {
		case b.wakeup <- struct{}{}:
		default:
		}
	}
}

// Close releases the listener and connection.
func (b *Broker) Close() error {
	if err := b.listener.Close(); err != nil {
		return err
	}
	return b.db.Close()
}

// Publish durably inserts a message and notifies waiting consumers. Publish
// is committed as part of the caller's transaction when tx is non-nil, so a
// handler's output publishes and its input's ack can be made atomic with
// the handler's own side effects.
func (b *Broker) Publish(ctx context.Context, tx *sql.Tx, routingKey string, headers map[string]string, body []byte) (string, error) {
	id := uuid.NewString()
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return "", perr.UndecodableBody(err)
	}

	exec := func(q string, args ...interface{}) error {
		var execErr error
		if tx != nil {
			_, execErr = tx.ExecContext(ctx, q, args...)
		} else {
			_, execErr = b.db.ExecContext(ctx, q, args...)
		}
		return execErr
	}

	err = exec(
		`INSERT INTO broker_messages (id, routing_key, headers, body, status, attempts, created_at)
		 VALUES ($1, $2, $3, $4, 'pending', 0, now())`,
		id, routingKey, headersJSON, body,
	)
	if err != nil {
		return "", perr.DownstreamUnavailable("publish", err)
	}

	// Publisher confirm: the insert succeeding under ExecContext is the
	// confirm. Notify is best-effort wake-up only; a missed NOTIFY is
	// recovered by each consumer's own poll loop, so it never causes loss.
	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel, routingKey); err != nil {
		// Not fatal: the message is already durable. Polling will find it.
		return id, nil
	}
	return id, nil
}

// Wakeup returns the channel that fires whenever a NOTIFY is observed,
// letting a consumer avoid a pure busy-poll loop.
func (b *Broker) Wakeup() <-chan struct{} {
	return b.wakeup
}

// Claim atomically claims up to limit pending messages whose routing key
// matches one of bindings, ordered by (routing_key, created_at) so that
// per-routing-key FIFO is preserved even under concurrent claims across
// components, then marks them delivered-pending-ack under the given
// consumer name.
func (b *Broker) Claim(ctx context.Context, consumer string, bindings []string, limit int) ([]Delivery, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, routing_key, headers, body, attempts, created_at
		 FROM broker_messages
		 WHERE status = 'pending'
		 ORDER BY routing_key, created_at
		 LIMIT $1`, limit*4) // overfetch; binding match happens in Go
	if err != nil {
		return nil, perr.DownstreamUnavailable("claim_query", err)
	}
	defer rows.Close()

	var candidates []Message
	for rows.Next() {
		var m Message
		var headersJSON []byte
		if err := rows.Scan(&m.ID, &m.RoutingKey, &headersJSON, &m.Body, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, perr.DownstreamUnavailable("claim_scan", err)
		}
		_ = json.Unmarshal(headersJSON, &m.Headers)
		candidates = append(candidates, m)
	}

	var claimed []Delivery
	for _, m := range candidates {
		if len(claimed) >= limit {
			break
		}
		if !anyBindingMatches(bindings, m.RoutingKey) {
			continue
		}
		res, err := b.db.ExecContext(ctx,
			`UPDATE broker_messages SET status = 'claimed', consumer = $1, attempts = attempts + 1
			 WHERE id = $2 AND status = 'pending'`, consumer, m.ID)
		if err != nil {
			return nil, perr.DownstreamUnavailable("claim_update", err)
		}
		n, _ := res.RowsAffected()
		if n == 1 {
			m.Attempts++
			claimed = append(claimed, Delivery{Message: m, consumer: consumer})
		}
	}
	return claimed, nil
}

func anyBindingMatches(bindings []string, routingKey string) bool {
	for _, b := range bindings {
		if routing.Match(b, routingKey) {
			return true
		}
	}
	return false
}

// Ack marks a delivery durably delivered. Per the publisher-confirms
// discipline, a component must have already confirmed (via Publish
// returning without error) all of a delivery's outputs before calling Ack.
func (b *Broker) Ack(ctx context.Context, d Delivery) error {
	_, err := b.db.ExecContext(ctx, `UPDATE broker_messages SET status = 'delivered' WHERE id = $1`, d.ID)
	if err != nil {
		return perr.DownstreamUnavailable("ack", err)
	}
	return nil
}

// Nack returns a delivery to pending for redelivery (requeue), or moves it
// to quarantine once its retry budget (maxAttempts) is exhausted, or
// unconditionally when permanent is true.
func (b *Broker) Nack(ctx context.Context, d Delivery, maxAttempts int, permanent bool) error {
	if permanent || d.Attempts >= maxAttempts {
		_, err := b.db.ExecContext(ctx, `UPDATE broker_messages SET status = 'quarantine' WHERE id = $1`, d.ID)
		if err != nil {
			return perr.DownstreamUnavailable("quarantine", err)
		}
		return nil
	}
	_, err := b.db.ExecContext(ctx, `UPDATE broker_messages SET status = 'pending', consumer = NULL WHERE id = $1`, d.ID)
	if err != nil {
		return perr.DownstreamUnavailable("nack_requeue", err)
	}
	return nil
}

// RequeueForExit unconditionally returns a delivery to pending, used by the
// FatalResource exit path: the input is redelivered after supervisor
// restart, not retried in-process.
func (b *Broker) RequeueForExit(ctx context.Context, d Delivery) error {
	_, err := b.db.ExecContext(ctx, `UPDATE broker_messages SET status = 'pending', consumer = NULL WHERE id = $1`, d.ID)
	return err
}

// ReconnectPolicy returns the exponential backoff policy an Open caller
// should retry with on TransientBroker failure.
func ReconnectPolicy() resilience.RetryConfig {
	return resilience.ReconnectConfig()
}
