package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1_700_000_000, 0)

func msg(topic string, id uint16, ts int64) PendingMessage {
	return PendingMessage{Topic: topic, QoS: 1, MessageID: id, Timestamp: ts, EnqueuedAt: epoch, SentAt: epoch}
}

func TestEnqueueReplacement(t *testing.T) {
	tests := []struct {
		name      string
		second    int64
		wantID    uint16
		wantAdded bool
	}{
		{"newer replaces", 20, 2, true},
		{"equal keeps first", 10, 1, false},
		{"older keeps first", 5, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New()
			added, _ := q.Enqueue(msg("a/b", 1, 10))
			require.True(t, added)
			added, replaced := q.Enqueue(msg("a/b", 2, tt.second))
			assert.Equal(t, tt.wantAdded, added)
			if tt.wantAdded {
				require.NotNil(t, replaced)
				assert.Equal(t, uint16(1), replaced.MessageID)
			}
			all := q.All()
			require.Len(t, all, 1)
			assert.Equal(t, tt.wantID, all[0].MessageID)
		})
	}
}

func TestEnqueueSkipsQoS0AndPubRel(t *testing.T) {
	q := New()
	added, _ := q.Enqueue(PendingMessage{Topic: "a", QoS: 0})
	assert.False(t, added)
	assert.Equal(t, 0, q.Len())

	q.Enqueue(msg("a", 1, 1))
	require.True(t, q.Release(1, epoch))
	added, replaced := q.Enqueue(msg("a", 2, 2))
	assert.True(t, added)
	assert.Nil(t, replaced)
	assert.Equal(t, 2, q.Len())
}

func TestAckAndRelease(t *testing.T) {
	q := New()
	q.Enqueue(msg("a", 1, 1))
	q.Enqueue(msg("b", 2, 1))

	m, ok := q.Ack(1)
	require.True(t, ok)
	assert.Equal(t, "a", m.Topic)
	_, ok = q.Ack(1)
	assert.False(t, ok)

	assert.True(t, q.Release(2, epoch.Add(time.Second)))
	m, _ = q.Get(2)
	assert.Equal(t, StagePubRel, m.Stage)
	assert.False(t, q.Release(9, epoch))
}

func TestRetryCeiling(t *testing.T) {
	const ceiling = 3
	interval := time.Second
	q := New()
	q.Enqueue(msg("a", 1, 1))

	now := epoch
	resends := 0
	for i := 0; i < 10; i++ {
		now = now.Add(interval)
		resend, dropped := q.DrainDue(now, interval, ceiling)
		resends += len(resend)
		if len(dropped) > 0 {
			assert.Equal(t, uint16(1), dropped[0].MessageID)
			break
		}
		require.Len(t, resend, 1)
		assert.True(t, resend[0].Dup)
	}
	assert.Equal(t, ceiling+1, resends)
	assert.Equal(t, 0, q.Len())

	resend, dropped := q.DrainDue(now.Add(time.Hour), interval, ceiling)
	assert.Empty(t, resend)
	assert.Empty(t, dropped)
}

func TestDrainDueRespectsInterval(t *testing.T) {
	q := New()
	q.Enqueue(msg("a", 1, 1))
	resend, _ := q.DrainDue(epoch.Add(500*time.Millisecond), time.Second, 5)
	assert.Empty(t, resend)
	resend, _ = q.DrainDue(epoch.Add(time.Second), time.Second, 5)
	assert.Len(t, resend, 1)
}

func TestDropOlderThanAndDuplicate(t *testing.T) {
	q := New()
	old := msg("a", 1, 1)
	fresh := msg("b", 2, 1)
	fresh.EnqueuedAt = epoch.Add(time.Hour)
	q.Enqueue(old)
	q.Enqueue(fresh)

	dropped := q.DropOlderThan(epoch.Add(time.Minute))
	require.Len(t, dropped, 1)
	assert.Equal(t, "a", dropped[0].Topic)

	q.MarkDuplicate()
	all := q.All()
	require.Len(t, all, 1)
	assert.True(t, all[0].Dup)

	restored := Restore(all)
	assert.Equal(t, 1, restored.Len())
}
