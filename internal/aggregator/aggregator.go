// Package aggregator collapses high-frequency repetitions of "the same
// event" into a single downstream message per bucket window, preserving
// total counts across the collapse.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cert-padua/n6pipe/internal/event"
	"github.com/cert-padua/n6pipe/internal/state"
)

// GroupAcc is the accumulated state for one (source, group) bucket.
type GroupAcc struct {
	Source       string       `json:"source"`
	GroupKey     string       `json:"group_key"`
	First        time.Time    `json:"first"`
	Last         time.Time    `json:"last"`
	Count        int          `json:"count"`
	Representative event.Event `json:"representative"`
}

func (g *GroupAcc) windowEnd(window time.Duration) time.Time {
	return g.First.Add(window)
}

// Config controls window sizing and tick behavior.
type Config struct {
	// Window is the bucket duration; events within [first, first+window]
	// merge into the same group.
	Window time.Duration
	// Grace is how long past last-seen a group may sit idle before a tick
	// force-closes it.
	Grace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.Grace <= 0 {
		c.Grace = 1 * time.Hour
	}
	return c
}

// Aggregator owns the in-memory + persisted group state for one component
// process. State is owned exclusively by this process; it is persisted to
// FileBackend after every emit-batch and loaded once at startup.
type Aggregator struct {
	cfg     Config
	backend state.PersistenceBackend

	mu     sync.Mutex
	groups map[string]*GroupAcc
}

// New constructs an Aggregator backed by backend.
func New(cfg Config, backend state.PersistenceBackend) *Aggregator {
	return &Aggregator{cfg: cfg.withDefaults(), backend: backend, groups: map[string]*GroupAcc{}}
}

func groupKey(source, group string) string {
	return source + "|" + group
}

// Load restores persisted group state at startup.
func (a *Aggregator) Load(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys, err := a.backend.List(ctx, "")
	if err != nil {
		return err
	}
	for _, k := range keys {
		data, err := a.backend.Load(ctx, k)
		if err != nil {
			continue
		}
		var acc GroupAcc
		if err := json.Unmarshal(data, &acc); err != nil {
			continue
		}
		a.groups[k] = &acc
	}
	return nil
}

func (a *Aggregator) persist(ctx context.Context, key string, acc *GroupAcc) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	return a.backend.Save(ctx, key, data)
}

func (a *Aggregator) delete(ctx context.Context, key string) error {
	delete(a.groups, key)
	return a.backend.Delete(ctx, key)
}

// Ingest processes one parsed event. It returns a non-nil emitted event
// when the input closes a prior window (the prior window's accumulated
// event), or when the input is older than any retained group (emitted
// immediately as a single-count event per the out-of-order edge case).
func (a *Aggregator) Ingest(ctx context.Context, e *event.Event) (*event.Event, error) {
	if e.Group == "" {
		return nil, fmt.Errorf("aggregator: event has no group key")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	key := groupKey(e.Source, e.Group)
	acc, ok := a.groups[key]

	if !ok {
		acc = &GroupAcc{
			Source:         e.Source,
			GroupKey:       e.Group,
			First:          e.Time,
			Last:           e.Time,
			Count:          1,
			Representative: *e,
		}
		a.groups[key] = acc
		if err := a.persist(ctx, key, acc); err != nil {
			return nil, err
		}
		return nil, nil
	}

	// Out-of-order input older than the open window merges into the
	// current window; input older than retained state entirely (the group
	// already rolled to a new window with a later First) is emitted
	// immediately as a single-count event instead of corrupting counts.
	if e.Time.Before(acc.First) && e.Time.Before(acc.First.Add(-a.cfg.Window)) {
		single := *e
		single.Count = 1
		return &single, nil
	}

	if e.Time.After(acc.windowEnd(a.cfg.Window)) {
		closed := acc.Representative
		closed.Count = acc.Count
		closed.Time = acc.First

		newAcc := &GroupAcc{
			Source:         e.Source,
			GroupKey:       e.Group,
			First:          e.Time,
			Last:           e.Time,
			Count:          1,
			Representative: *e,
		}
		a.groups[key] = newAcc
		if err := a.persist(ctx, key, newAcc); err != nil {
			return nil, err
		}
		return &closed, nil
	}

	acc.Count++
	if e.Time.After(acc.Last) {
		acc.Last = e.Time
		firstID := acc.Representative.ID
		acc.Representative = *e
		acc.Representative.ID = firstID // the bucket's first event id is retained, not the latest writer's
	}
	if err := a.persist(ctx, key, acc); err != nil {
		return nil, err
	}
	return nil, nil
}

// Flush closes and emits every group whose Last+Grace has passed now,
// called from the tick-based worker. sum(count) across everything Flush
// and Ingest ever emit for a group equals sum(count) of every input that
// group received — nothing is dropped on flush.
func (a *Aggregator) Flush(ctx context.Context, now time.Time) ([]*event.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var emitted []*event.Event
	for key, acc := range a.groups {
		if acc.Last.Add(a.cfg.Grace).Before(now) {
			closed := acc.Representative
			closed.Count = acc.Count
			closed.Time = acc.First
			emitted = append(emitted, &closed)
			if err := a.delete(ctx, key); err != nil {
				return emitted, err
			}
		}
	}
	return emitted, nil
}

// GroupCount reports the number of open groups, for tests and health details.
func (a *Aggregator) GroupCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}
