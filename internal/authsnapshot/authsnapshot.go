// Package authsnapshot maintains a background-refreshed, in-memory snapshot
// of the organization/subsource authorization data the filter stage needs,
// with an on-disk signed cache so a restart doesn't need a synchronous
// fetch before traffic can flow again.
package authsnapshot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/hkdf"

	"github.com/cert-padua/n6pipe/internal/event"
	"github.com/cert-padua/n6pipe/internal/obs/logging"
)

// InsideCriterion is one condition under which a record is considered
// "inside" an organization's network, per spec.md §4.5.
type InsideCriterion struct {
	ASN        *int   `json:"asn,omitempty"`
	CC         string `json:"cc,omitempty"`
	FQDNSuffix string `json:"fqdn_suffix,omitempty"`
	URLSubstring string `json:"url_substring,omitempty"`
	IPNetwork  string `json:"ip_network,omitempty"` // CIDR
}

// AccessZone names a destination zone family a subsource grant applies to.
type AccessZone string

const (
	ZoneInside  AccessZone = "inside"
	ZoneThreats AccessZone = "threats"
	ZoneSearch  AccessZone = "search"
)

// Subsource describes one named subsource's visibility grant within an
// organization's agreement, per spec.md §3: a binding of a source to an
// organization under one or more access zones, with inclusion/exclusion
// predicates (category allow/deny, confidence floor) layered on top of the
// inside-criteria ASN/CC/FQDN/URL/CIDR matching.
type Subsource struct {
	Name       string `json:"name"`
	FullAccess bool   `json:"full_access"`
	Excluded   bool   `json:"excluded"`

	// AccessZones restricts the grant to these zones; an empty set imposes
	// no restriction (all zones), so data with no zone list configured keeps
	// the unrestricted default rather than silently losing access.
	AccessZones map[AccessZone]struct{} `json:"access_zones,omitempty"`

	// CategoryAllow, when non-empty, admits only these categories.
	// CategoryDeny, checked first, rejects these categories outright even
	// if also present in CategoryAllow.
	CategoryAllow map[event.Category]struct{} `json:"category_allow,omitempty"`
	CategoryDeny  map[event.Category]struct{} `json:"category_deny,omitempty"`

	// ConfidenceFloor rejects records below this confidence level; empty
	// imposes no floor.
	ConfidenceFloor event.Confidence `json:"confidence_floor,omitempty"`
}

// Passes reports whether e satisfies this subsource's category and
// confidence predicates. It does not consider AccessZones or Excluded,
// which the caller applies separately.
func (s Subsource) Passes(e *event.Event) bool {
	if len(s.CategoryDeny) > 0 {
		if _, denied := s.CategoryDeny[e.Category]; denied {
			return false
		}
	}
	if len(s.CategoryAllow) > 0 {
		if _, allowed := s.CategoryAllow[e.Category]; !allowed {
			return false
		}
	}
	return e.Confidence.MeetsFloor(s.ConfidenceFloor)
}

// AllowsZone reports whether this grant authorizes z. An empty AccessZones
// set is unrestricted.
func (s Subsource) AllowsZone(z AccessZone) bool {
	if len(s.AccessZones) == 0 {
		return true
	}
	_, ok := s.AccessZones[z]
	return ok
}

// Org is one client organization's full authorization record.
type Org struct {
	ID               string            `json:"id"`
	InsideCriteria   []InsideCriterion `json:"inside_criteria"`
	Subsources       map[string]Subsource `json:"subsources"` // keyed by source
	FullAccess       bool              `json:"full_access"`
}

// Snapshot is the full authorization dataset as of RefreshedAt.
type Snapshot struct {
	Orgs       map[string]Org `json:"orgs"`
	RefreshedAt time.Time     `json:"refreshed_at"`
}

// Fetcher retrieves a fresh Snapshot from the authorization source of
// record. PostgresFetcher (fetch_postgres.go) is the direct-DB
// implementation; the snapshot manager itself only needs this contract.
type Fetcher func(ctx context.Context) (*Snapshot, error)

// Config controls refresh cadence and staleness tolerance, bound from
// config.AuthPrefetchConfig.
type Config struct {
	MaxSleepBetweenRuns         time.Duration
	ToleranceForOutdated        time.Duration
	ToleranceForOutdatedOnError time.Duration
	PickleCacheDir              string
	PickleCacheSignatureSecret  string
	// RefreshSchedule, when set, is a standard 5-field cron expression
	// driving refreshes instead of the fixed MaxSleepBetweenRuns interval —
	// for operators who want refreshes pinned to off-peak minutes rather
	// than a free-running ticker.
	RefreshSchedule string
}

// Manager owns a single atomically-swapped Snapshot pointer, refreshed on
// a background ticker and readable without locking by any number of filter
// goroutines.
type Manager struct {
	cfg     Config
	fetch   Fetcher
	logger  *logging.Logger
	current atomic.Pointer[Snapshot]

	mu       sync.Mutex
	lastOK   time.Time
	lastErr  error
}

// New constructs a Manager. An initial snapshot is loaded synchronously
// from the on-disk cache (if present and signature-valid), so Current is
// non-nil from the start when such a cache exists; otherwise Current
// returns nil until the first successful refresh.
func New(cfg Config, fetch Fetcher, logger *logging.Logger) (*Manager, error) {
	m := &Manager{cfg: cfg, fetch: fetch, logger: logger}
	if cfg.PickleCacheDir != "" {
		if snap, err := m.loadCache(); err == nil {
			m.current.Store(snap)
		}
	}
	return m, nil
}

// Current returns the most recently successfully loaded snapshot, or nil
// if none has ever loaded.
func (m *Manager) Current() *Snapshot {
	return m.current.Load()
}

// IsStale reports whether the current snapshot has exceeded its staleness
// tolerance. withError selects the (longer) error-path tolerance, used
// when the most recent refresh attempt failed.
func (m *Manager) IsStale(now time.Time, withError bool) bool {
	snap := m.current.Load()
	if snap == nil {
		return true
	}
	tol := m.cfg.ToleranceForOutdated
	if withError {
		tol = m.cfg.ToleranceForOutdatedOnError
	}
	return now.Sub(snap.RefreshedAt) > tol
}

// Run blocks, refreshing on cfg.MaxSleepBetweenRuns (or cfg.RefreshSchedule,
// if set) until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.RefreshSchedule != "" {
		m.runScheduled(ctx)
		return
	}

	interval := m.cfg.MaxSleepBetweenRuns
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.refreshOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshOnce(ctx)
		}
	}
}

// runScheduled drives refreshes from a cron expression instead of a fixed
// ticker, for operators who want refreshes pinned to specific minutes.
func (m *Manager) runScheduled(ctx context.Context) {
	c := cron.New()
	id, err := c.AddFunc(m.cfg.RefreshSchedule, func() { m.refreshOnce(ctx) })
	if err != nil {
		if m.logger != nil {
			m.logger.WithError(err).Error("invalid auth snapshot refresh schedule, falling back to fixed interval")
		}
		m.cfg.RefreshSchedule = ""
		m.Run(ctx)
		return
	}
	_ = id
	m.refreshOnce(ctx)
	c.Start()
	defer c.Stop()
	<-ctx.Done()
}

func (m *Manager) refreshOnce(ctx context.Context) {
	snap, err := m.fetch(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.lastErr = err
		if m.logger != nil {
			m.logger.WithError(err).Warn("auth snapshot refresh failed, serving stale data")
		}
		return
	}
	m.lastErr = nil
	m.lastOK = snap.RefreshedAt
	m.current.Store(snap)
	if m.cfg.PickleCacheDir != "" {
		if err := m.saveCache(snap); err != nil && m.logger != nil {
			m.logger.WithError(err).Warn("failed to persist auth snapshot cache")
		}
	}
}

const cacheFileName = "auth-snapshot.cache"

// signingKey derives a fixed-length HMAC key from the configured secret via
// HKDF, so an arbitrary-length operator-supplied passphrase is safe to use
// directly as an HMAC key.
func (m *Manager) signingKey() ([]byte, error) {
	if m.cfg.PickleCacheSignatureSecret == "" {
		return nil, errors.New("authsnapshot: no cache signature secret configured")
	}
	kdf := hkdf.New(sha256.New, []byte(m.cfg.PickleCacheSignatureSecret), nil, []byte("n6pipe-auth-cache"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// saveCache writes an HMAC-signed snapshot to disk atomically (write to
// temp, then rename), so a crash mid-write never leaves a truncated cache
// that would be mistaken for a valid one.
func (m *Manager) saveCache(snap *Snapshot) error {
	key, err := m.signingKey()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	sig := mac.Sum(nil)

	envelope := struct {
		Payload   []byte `json:"payload"`
		Signature []byte `json:"signature"`
	}{Payload: payload, Signature: sig}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(m.cfg.PickleCacheDir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(m.cfg.PickleCacheDir, cacheFileName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// loadCache reads and verifies the on-disk cache, refusing to load it if
// the signature does not match — a tampered or foreign-written cache must
// never silently become the live authorization snapshot.
func (m *Manager) loadCache() (*Snapshot, error) {
	key, err := m.signingKey()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(m.cfg.PickleCacheDir, cacheFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Payload   []byte `json:"payload"`
		Signature []byte `json:"signature"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(envelope.Payload)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, envelope.Signature) {
		return nil, fmt.Errorf("authsnapshot: cache signature verification failed")
	}
	var snap Snapshot
	if err := json.Unmarshal(envelope.Payload, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
