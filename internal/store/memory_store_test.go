package store

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreEntries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("mqtt.0", nil)

	_, err := s.GetEntry(ctx, "a.b")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.CreateEntry(ctx, "mqtt.0.a.b", TypeNumber, Metadata{Name: "a/b"})
	require.NoError(t, err)

	entry, err := s.GetEntry(ctx, "a.b")
	require.NoError(t, err)
	assert.Equal(t, "mqtt.0.a.b", entry.ID)
	assert.Equal(t, TypeNumber, entry.Type)

	entry, err = s.GetEntryAnywhere(ctx, "mqtt.0.a.b")
	require.NoError(t, err)
	assert.Equal(t, "a/b", entry.Name)

	require.NoError(t, s.SetEntryType(ctx, "mqtt.0.a.b", TypeMixed))
	entry, _ = s.GetEntryAnywhere(ctx, "mqtt.0.a.b")
	assert.Equal(t, TypeMixed, entry.Type)

	_, _ = s.CreateEntry(ctx, "mqtt.0.a.c", TypeString, Metadata{})
	_, _ = s.CreateEntry(ctx, "other.0.x", TypeString, Metadata{})
	list, err := s.ListEntriesByPrefix(ctx, "mqtt.0.")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "mqtt.0.a.b", list[0].ID)

	require.NoError(t, s.DeleteEntry(ctx, "mqtt.0.a.c"))
	require.ErrorIs(t, s.DeleteEntry(ctx, "mqtt.0.a.c"), ErrNotFound)
}

func TestMemoryStoreValuesAndChanges(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1000))
	s := NewMemoryStore("mqtt.0", clock)

	require.ErrorIs(t, s.WriteValue(ctx, "mqtt.0.x", State{Value: 1.0}), ErrNotFound)
	_, _ = s.CreateEntry(ctx, "mqtt.0.x", TypeNumber, Metadata{})

	var changes []Change
	cancel := s.OnChange(func(c Change) { changes = append(changes, c) })

	require.NoError(t, s.WriteValue(ctx, "mqtt.0.x", State{Value: 1.0, Acknowledged: true}))
	clock.Advance(time.Second)
	require.NoError(t, s.WriteValue(ctx, "mqtt.0.x", State{Value: 1.0, Acknowledged: true}))

	state, err := s.GetValue(ctx, "mqtt.0.x")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), state.Timestamp)
	assert.Equal(t, int64(1000), state.LastChange)

	require.Len(t, changes, 2)
	cancel()
	require.NoError(t, s.DeleteEntry(ctx, "mqtt.0.x"))
	require.Len(t, changes, 2)
}
