// Package comparator converts periodic full-snapshot blacklist feeds into
// deltas: bl-new, bl-update, bl-change, bl-delist.
package comparator

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/cert-padua/n6pipe/internal/event"
	"github.com/cert-padua/n6pipe/internal/state"
)

// Entry is one blacklist entry tracked in a source's snapshot.
type Entry struct {
	Key             string       `json:"key"`
	LastSeenSeries  string       `json:"last_seen_series"`
	EventSnapshot   event.Event  `json:"event_snapshot"`
	Expires         time.Time    `json:"expires"`
}

// Snapshot is the per-source mapping from stable entry key to Entry.
type Snapshot map[string]Entry

// ChangeFieldsResolver returns the list of fields (other than Expires) that
// participate in a source's "changed" equality check. Resolves Open
// Question #1: a nil/empty result means "all fields except Expires".
type ChangeFieldsResolver func(source string) []string

// Comparator holds per-source snapshot state, persisted after every
// series-replace.
type Comparator struct {
	backend  state.PersistenceBackend
	retention time.Duration
	resolver ChangeFieldsResolver

	seriesBuffers map[string]*seriesBuffer
}

type seriesBuffer struct {
	seriesID   string
	endTime    time.Time
	ended      bool
	entries    Snapshot
}

// New constructs a Comparator. resolver may be nil, in which case all
// fields except Expires are compared.
func New(backend state.PersistenceBackend, retention time.Duration, resolver ChangeFieldsResolver) *Comparator {
	return &Comparator{
		backend:       backend,
		retention:     retention,
		resolver:      resolver,
		seriesBuffers: map[string]*seriesBuffer{},
	}
}

func snapshotKey(source string) string { return "snapshot|" + source }

// LoadSnapshot returns the persisted snapshot for source, or an empty one.
func (c *Comparator) LoadSnapshot(ctx context.Context, source string) (Snapshot, error) {
	data, err := c.backend.Load(ctx, snapshotKey(source))
	if err != nil {
		if err == state.ErrNotFound {
			return Snapshot{}, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *Comparator) saveSnapshot(ctx context.Context, source string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.backend.Save(ctx, snapshotKey(source), data)
}

// BufferMessage adds one message's entry to the in-flight series for
// source, keyed by seriesID (the collector run). Pass seriesEnd=true when
// this message carries the series-end marker.
func (c *Comparator) BufferMessage(source, seriesID string, seriesEndTime time.Time, seriesEnd bool, key string, entry Entry) {
	bufKey := source
	buf, ok := c.seriesBuffers[bufKey]
	if !ok || buf.seriesID != seriesID {
		// A later series-end timestamp supersedes an unfinished earlier
		// series; its deltas are discarded by simply being replaced here.
		if ok && !buf.ended && buf.endTime.After(seriesEndTime) {
			return
		}
		buf = &seriesBuffer{seriesID: seriesID, entries: Snapshot{}}
		c.seriesBuffers[bufKey] = buf
	}
	buf.entries[key] = entry
	if seriesEnd {
		buf.ended = true
		buf.endTime = seriesEndTime
	}
}

// Delta is one computed lifecycle change for an entry.
type Delta struct {
	Key   string
	Tag   event.BLTag
	Entry Entry
}

// Finalize computes the delta for source's buffered series against the
// prior snapshot, replaces the snapshot, persists it, and clears the
// buffer. It is a no-op (returns nil, nil) if the series has not yet
// received its end marker.
func (c *Comparator) Finalize(ctx context.Context, source string, now time.Time) ([]Delta, error) {
	buf, ok := c.seriesBuffers[source]
	if !ok || !buf.ended {
		return nil, nil
	}

	prior, err := c.LoadSnapshot(ctx, source)
	if err != nil {
		return nil, err
	}

	fields := c.changeFields(source)
	var deltas []Delta

	for key, newEntry := range buf.entries {
		oldEntry, existed := prior[key]
		switch {
		case !existed:
			deltas = append(deltas, Delta{Key: key, Tag: event.BLNew, Entry: newEntry})
		case sameExceptFields(oldEntry.EventSnapshot, newEntry.EventSnapshot, fields):
			if !oldEntry.Expires.Equal(newEntry.Expires) {
				deltas = append(deltas, Delta{Key: key, Tag: event.BLUpdate, Entry: newEntry})
			}
		default:
			deltas = append(deltas, Delta{Key: key, Tag: event.BLChange, Entry: newEntry})
		}
	}

	for key, oldEntry := range prior {
		if _, stillPresent := buf.entries[key]; stillPresent {
			continue
		}
		if now.Sub(oldEntry.Expires) <= c.retention {
			deltas = append(deltas, Delta{Key: key, Tag: event.BLDelist, Entry: oldEntry})
		}
	}

	if err := c.saveSnapshot(ctx, source, buf.entries); err != nil {
		return nil, err
	}
	delete(c.seriesBuffers, source)

	return deltas, nil
}

func (c *Comparator) changeFields(source string) []string {
	if c.resolver == nil {
		return nil
	}
	return c.resolver(source)
}

// sameExceptFields reports whether a and b are equal on every field named
// in fields (or, if fields is empty, on every field except Expires/BLTag).
func sameExceptFields(a, b event.Event, fields []string) bool {
	if len(fields) == 0 {
		ac, bc := a, b
		ac.Expires, bc.Expires = time.Time{}, time.Time{}
		ac.BLTag, bc.BLTag = "", ""
		return reflect.DeepEqual(ac, bc)
	}
	av, bv := fieldValues(a, fields), fieldValues(b, fields)
	return reflect.DeepEqual(av, bv)
}

func fieldValues(e event.Event, fields []string) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		switch f {
		case "id":
			out[f] = e.ID
		case "source":
			out[f] = e.Source
		case "restriction":
			out[f] = e.Restriction
		case "confidence":
			out[f] = e.Confidence
		case "category":
			out[f] = e.Category
		case "time":
			out[f] = e.Time
		case "fqdn", "url", "proto", "name", "target", "md5", "sha1":
			if e.Extra != nil {
				out[f] = e.Extra[f]
			}
		default:
			if e.Extra != nil {
				out[f] = e.Extra[f]
			}
		}
	}
	return out
}
