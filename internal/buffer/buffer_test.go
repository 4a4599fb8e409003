package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Capacity = 4
	cfg.MaxMessageSize = 16
	cfg.CleanupInterval = time.Hour // tests drive Cleanup() explicitly
	return cfg
}

func TestPublishRejectsOversizedPayload(t *testing.T) {
	b := New(testConfig())
	defer b.Close()

	msg := NewMessage(make([]byte, 32), Low, 3)
	err := b.Publish(msg)
	require.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Equal(t, 0, b.Len())
}

func TestPublishRejectsWhenFull(t *testing.T) {
	b := New(testConfig())
	defer b.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(NewMessage([]byte("x"), Low, 3)))
	}
	err := b.Publish(NewMessage([]byte("x"), Low, 3))
	require.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, 4, b.Len())
}

func TestPopAnyPreemptsByPriority(t *testing.T) {
	b := New(testConfig())
	defer b.Close()

	low := NewMessage([]byte("low"), Low, 3)
	crit := NewMessage([]byte("crit"), Critical, 3)
	require.NoError(t, b.Publish(low))
	require.NoError(t, b.Publish(crit))

	first, ok := b.PopAny()
	require.True(t, ok)
	assert.Equal(t, crit.ID, first.ID)

	second, ok := b.PopAny()
	require.True(t, ok)
	assert.Equal(t, low.ID, second.ID)

	_, ok = b.PopAny()
	assert.False(t, ok)
}

func TestPopReadsSinglePriorityQueue(t *testing.T) {
	b := New(testConfig())
	defer b.Close()

	msg := NewMessage([]byte("x"), High, 3)
	require.NoError(t, b.Publish(msg))

	_, ok := b.Pop(Normal)
	assert.False(t, ok)

	got, ok := b.Pop(High)
	require.True(t, ok)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, 0, b.Len())
}

func TestCleanupRemovesExpiredAndLeavesFreshMessages(t *testing.T) {
	b := New(testConfig())
	defer b.Close()

	stale := NewMessage([]byte("x"), Normal, 3)
	stale.CreatedAt = time.Now().Add(-time.Hour)
	fresh := NewMessage([]byte("x"), Normal, 3)

	b.mu.Lock()
	b.queues[Normal] = append(b.queues[Normal], stale, fresh)
	b.size = 2
	b.mu.Unlock()

	removed := b.Cleanup()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, b.Len())

	got, ok := b.Pop(Normal)
	require.True(t, ok)
	assert.Equal(t, fresh.ID, got.ID)
}

func TestCleanupNoExpiredIsNoop(t *testing.T) {
	b := New(testConfig())
	defer b.Close()

	require.NoError(t, b.Publish(NewMessage([]byte("x"), Low, 3)))
	before := b.Len()

	removed := b.Cleanup()
	assert.Equal(t, 0, removed)
	assert.Equal(t, before, b.Len())
}

func TestSubscribeObservesPublishedMessages(t *testing.T) {
	b := New(testConfig())
	defer b.Close()

	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	msg := NewMessage([]byte("x"), Low, 3)
	require.NoError(t, b.Publish(msg))

	select {
	case got := <-ch:
		assert.Equal(t, msg.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestQueueLengthsMatchesSize(t *testing.T) {
	b := New(testConfig())
	defer b.Close()

	require.NoError(t, b.Publish(NewMessage([]byte("x"), Low, 3)))
	require.NoError(t, b.Publish(NewMessage([]byte("x"), Critical, 3)))

	lengths := b.QueueLengths()
	total := 0
	for _, n := range lengths {
		total += n
	}
	assert.Equal(t, b.Len(), total)
}
