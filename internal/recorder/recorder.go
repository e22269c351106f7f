// Package recorder persists incoming records into the long-term event
// store, idempotently on (event id, client, zone), detecting fatal
// database conditions (disk-full class SQLSTATEs) and surfacing them as
// perr.FatalResource so the component runtime requeues and exits rather
// than quarantining real data loss.
package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cert-padua/n6pipe/internal/event"
	"github.com/cert-padua/n6pipe/internal/perr"
)

// Record is one (event, client, zone) delivery to persist. Recorder does
// not deduplicate across (client, zone) pairs for the same event id: per
// the resolved Open Question #2, each org's delivery is recorded as a
// separate row and each is independently idempotent.
type Record struct {
	Event  event.Event
	Client string
	Zone   string
}

// Store persists records into Postgres via two tables: events (one row per
// distinct event id, upserted idempotently) and client_to_event (one row
// per (event, client, zone) delivery).
type Store struct {
	db         *sqlx.DB
	fatalCodes map[string]struct{}
}

// Open connects to uri and wraps it for idempotent recording. fatalCodes
// are Postgres SQLSTATE codes (e.g. "53100" disk full) that should be
// classified as perr.FatalResource rather than retried.
func Open(ctx context.Context, uri string, fatalCodes []string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", uri)
	if err != nil {
		return nil, perr.BrokerLost(err)
	}
	codes := make(map[string]struct{}, len(fatalCodes))
	for _, c := range fatalCodes {
		codes[c] = struct{}{}
	}
	return &Store{db: db, fatalCodes: codes}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record idempotently persists one delivery. Calling Record twice with the
// same (Event.ID, Client, Zone) is a no-op the second time; a re-delivered
// event with a different (Client, Zone) produces a second row rather than
// being treated as a duplicate, per spec.md's retained "separate messages"
// semantics.
func (s *Store) Record(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec.Event)
	if err != nil {
		return perr.UndecodableBody(err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.classify(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, time, source, category, confidence, restriction, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, rec.Event.ID, rec.Event.Time, rec.Event.Source, string(rec.Event.Category),
		string(rec.Event.Confidence), string(rec.Event.Restriction), payload)
	if err != nil {
		return s.classify(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO client_to_event (event_id, client, zone)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id, client, zone) DO NOTHING
	`, rec.Event.ID, rec.Client, rec.Zone)
	if err != nil {
		return s.classify(err)
	}

	if err := tx.Commit(); err != nil {
		return s.classify(err)
	}
	return nil
}

// classify turns a raw database error into the pipeline's taxonomy,
// distinguishing fatal resource conditions (configured SQLSTATEs) from
// ordinary transient failures that should be retried.
func (s *Store) classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		if _, fatal := s.fatalCodes[code]; fatal {
			return perr.DiskFull(code, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return perr.DownstreamTimeout("event_store", err)
	}
	return perr.DownstreamUnavailable("event_store", err)
}

// Exists reports whether (eventID, client, zone) has already been
// recorded, for tests and diagnostics; normal operation relies on the
// idempotent ON CONFLICT DO NOTHING instead of a pre-check.
func (s *Store) Exists(ctx context.Context, eventID, client, zone string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT count(*) FROM client_to_event WHERE event_id = $1 AND client = $2 AND zone = $3
	`, eventID, client, zone)
	if err != nil {
		return false, s.classify(err)
	}
	return count > 0, nil
}
