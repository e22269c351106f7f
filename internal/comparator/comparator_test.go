package comparator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cert-padua/n6pipe/internal/event"
	"github.com/cert-padua/n6pipe/internal/state"
)

func mkEntry(fqdn string, expires time.Time) Entry {
	return Entry{
		EventSnapshot: event.Event{
			ID:          "deadbeefdeadbeefdeadbeefdeadbeef",
			Source:      "example.blacklist",
			Restriction: event.RestrictionPublic,
			Confidence:  event.ConfidenceHigh,
			Category:    event.CategoryMalurl,
			Extra:       map[string]interface{}{"fqdn": fqdn},
		},
		Expires: expires,
	}
}

func TestComparatorScenario(t *testing.T) {
	// spec.md scenario 3: prior {k1:{expires:2025-01-01}, k2:{...}} vs new
	// series {k1:{expires:2025-02-01}, k3:{...}} -> bl-update(k1), bl-new(k3),
	// bl-delist(k2).
	backend := state.NewMemoryBackend()
	c := New(backend, 365*24*time.Hour, nil)
	ctx := context.Background()

	jan1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	feb1 := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	// Seed prior snapshot directly.
	prior := Snapshot{
		"k1": mkEntry("k1.example.com", jan1),
		"k2": mkEntry("k2.example.com", jan1),
	}
	require.NoError(t, c.saveSnapshot(ctx, "example.blacklist", prior))

	now := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

	c.BufferMessage("example.blacklist", "run-1", now, false, "k1", mkEntry("k1.example.com", feb1))
	c.BufferMessage("example.blacklist", "run-1", now, true, "k3", mkEntry("k3.example.com", feb1))

	deltas, err := c.Finalize(ctx, "example.blacklist", now)
	require.NoError(t, err)

	byKey := map[string]event.BLTag{}
	for _, d := range deltas {
		byKey[d.Key] = d.Tag
	}
	assert.Equal(t, event.BLUpdate, byKey["k1"])
	assert.Equal(t, event.BLNew, byKey["k3"])
	assert.Equal(t, event.BLDelist, byKey["k2"])
}

func TestComparatorDelistSkippedOnceRetentionExpires(t *testing.T) {
	backend := state.NewMemoryBackend()
	c := New(backend, 10*24*time.Hour, nil)
	ctx := context.Background()

	jan1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	prior := Snapshot{"k2": mkEntry("k2.example.com", jan1)}
	require.NoError(t, c.saveSnapshot(ctx, "example.blacklist", prior))

	farFuture := jan1.Add(365 * 24 * time.Hour)
	c.BufferMessage("example.blacklist", "run-1", farFuture, true, "k1", mkEntry("k1.example.com", farFuture))

	deltas, err := c.Finalize(ctx, "example.blacklist", farFuture)
	require.NoError(t, err)
	for _, d := range deltas {
		assert.NotEqual(t, "k2", d.Key, "delisting beyond retention window should not re-emit")
	}
}

func TestComparatorChangeVsUpdateClassification(t *testing.T) {
	backend := state.NewMemoryBackend()
	resolver := func(source string) []string { return []string{"fqdn"} }
	c := New(backend, 365*24*time.Hour, resolver)
	ctx := context.Background()

	jan1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	feb1 := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	prior := Snapshot{"k1": mkEntry("same.example.com", jan1)}
	require.NoError(t, c.saveSnapshot(ctx, "example.blacklist", prior))

	// Only expires differs on a tracked-field match -> bl-update.
	c.BufferMessage("example.blacklist", "run-1", feb1, true, "k1", mkEntry("same.example.com", feb1))
	deltas, err := c.Finalize(ctx, "example.blacklist", feb1)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, event.BLUpdate, deltas[0].Tag)

	// A changed tracked field (fqdn) -> bl-change, even with the same expires.
	prior2 := Snapshot{"k1": mkEntry("same.example.com", feb1)}
	require.NoError(t, c.saveSnapshot(ctx, "example.blacklist", prior2))
	mar1 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	c.BufferMessage("example.blacklist", "run-2", mar1, true, "k1", mkEntry("different.example.com", feb1))
	deltas2, err := c.Finalize(ctx, "example.blacklist", mar1)
	require.NoError(t, err)
	require.Len(t, deltas2, 1)
	assert.Equal(t, event.BLChange, deltas2[0].Tag)
}

func TestComparatorFinalizeNoopBeforeSeriesEnd(t *testing.T) {
	backend := state.NewMemoryBackend()
	c := New(backend, 365*24*time.Hour, nil)
	ctx := context.Background()

	now := time.Now
	_ = now
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.BufferMessage("example.blacklist", "run-1", ts, false, "k1", mkEntry("k1.example.com", ts))

	deltas, err := c.Finalize(ctx, "example.blacklist", ts)
	require.NoError(t, err)
	assert.Nil(t, deltas)
}

// applySnapshot replays deltas onto prior the way a downstream consumer of
// the comparator's output would reconstruct next, to validate the
// apply(prior, deltas(prior,next)) == next invariant from spec.md §8.
func applySnapshot(prior Snapshot, deltas []Delta) Snapshot {
	out := Snapshot{}
	for k, v := range prior {
		out[k] = v
	}
	for _, d := range deltas {
		switch d.Tag {
		case event.BLDelist:
			delete(out, d.Key)
		default:
			out[d.Key] = d.Entry
		}
	}
	return out
}

func TestComparatorApplyDeltasReconstructsNext(t *testing.T) {
	backend := state.NewMemoryBackend()
	c := New(backend, 365*24*time.Hour, nil)
	ctx := context.Background()

	jan1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	feb1 := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	prior := Snapshot{
		"k1": mkEntry("k1.example.com", jan1),
		"k2": mkEntry("k2.example.com", jan1),
	}
	require.NoError(t, c.saveSnapshot(ctx, "example.blacklist", prior))

	next := Snapshot{
		"k1": mkEntry("k1.example.com", feb1),
		"k3": mkEntry("k3.example.com", feb1),
	}
	for k, e := range next {
		c.BufferMessage("example.blacklist", "run-1", feb1, false, k, e)
	}
	c.BufferMessage("example.blacklist", "run-1", feb1, true, "k3", next["k3"])

	deltas, err := c.Finalize(ctx, "example.blacklist", feb1)
	require.NoError(t, err)

	reconstructed := applySnapshot(prior, deltas)
	assert.Equal(t, next, reconstructed)
}
