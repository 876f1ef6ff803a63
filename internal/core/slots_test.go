package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veltchat/voicegate/internal/domain"
)

func TestSlotQueueGrantsUpToCapacity(t *testing.T) {
	q := NewVideoSlotQueue(4)

	for _, user := range []domain.UserID{"u1", "u2", "u3", "u4"} {
		grant := q.TryAcquire(user, domain.SourceCamera)
		require.True(t, grant.Granted, "user %s should get a slot", user)
	}
	assert.Equal(t, 4, q.ActiveCount())

	grant := q.TryAcquire("u5", domain.SourceCamera)
	require.False(t, grant.Granted)
	assert.Equal(t, 1, grant.QueuePosition)
}

func TestSlotQueueDuplicateAcquireDoesNotConsumeSecondSlot(t *testing.T) {
	q := NewVideoSlotQueue(2)

	require.True(t, q.TryAcquire("u1", domain.SourceCamera).Granted)
	require.True(t, q.TryAcquire("u1", domain.SourceCamera).Granted)
	assert.Equal(t, 1, q.ActiveCount())
}

func TestSlotQueueUserNeverInBothSets(t *testing.T) {
	q := NewVideoSlotQueue(1)

	require.True(t, q.TryAcquire("u1", domain.SourceCamera).Granted)
	require.False(t, q.TryAcquire("u2", domain.SourceCamera).Granted)
	require.False(t, q.TryAcquire("u2", domain.SourceCamera).Granted, "re-queueing must not duplicate")
	assert.Equal(t, 1, q.WaitingCount())
	assert.False(t, q.HasActive("u2"))
}

func TestSlotQueueFinalizeRekeysPendingReservation(t *testing.T) {
	q := NewVideoSlotQueue(2)

	require.True(t, q.TryAcquire("u1", domain.SourceCamera).Granted)
	q.Finalize("u1", "prod-1", domain.SourceCamera)

	// Release by the real producer id must now work.
	_, promoted := q.ReleaseByProducer("u1", "prod-1")
	assert.False(t, promoted)
	assert.Equal(t, 0, q.ActiveCount())
}

func TestSlotQueueFinalizeWithoutReservationIsNoop(t *testing.T) {
	q := NewVideoSlotQueue(2)
	q.Finalize("u1", "prod-1", domain.SourceCamera)
	assert.Equal(t, 0, q.ActiveCount())
}

func TestSlotQueueReleaseRequiresOwnership(t *testing.T) {
	q := NewVideoSlotQueue(2)

	require.True(t, q.TryAcquire("u1", domain.SourceCamera).Granted)
	q.Finalize("u1", "prod-1", domain.SourceCamera)

	_, ok := q.ReleaseByProducer("u2", "prod-1")
	assert.False(t, ok, "u2 must not release u1's slot")
	assert.Equal(t, 1, q.ActiveCount())
}

func TestSlotQueueFIFOPromotion(t *testing.T) {
	q := NewVideoSlotQueue(1)

	require.True(t, q.TryAcquire("u1", domain.SourceCamera).Granted)
	q.Finalize("u1", "prod-1", domain.SourceCamera)
	require.False(t, q.TryAcquire("u2", domain.SourceCamera).Granted)
	require.False(t, q.TryAcquire("u3", domain.SourceCamera).Granted)

	promoted, ok := q.ReleaseByProducer("u1", "prod-1")
	require.True(t, ok)
	assert.Equal(t, domain.UserID("u2"), promoted, "u2 queued first, promotes first")
	assert.Equal(t, 1, q.WaitingCount())
}

func TestSlotQueueFullScenario(t *testing.T) {
	// Four free-tier users fill the room, a fifth queues, user one closes
	// its producer, the fifth is promoted and re-acquires.
	q := NewVideoSlotQueue(4)

	users := []domain.UserID{"u1", "u2", "u3", "u4"}
	for i, user := range users {
		require.True(t, q.TryAcquire(user, domain.SourceCamera).Granted)
		q.Finalize(user, "prod-"+string(rune('1'+i)), domain.SourceCamera)
	}

	grant := q.TryAcquire("u5", domain.SourceCamera)
	require.False(t, grant.Granted)
	require.Equal(t, 1, grant.QueuePosition)

	promoted, ok := q.ReleaseByProducer("u1", "prod-1")
	require.True(t, ok)
	require.Equal(t, domain.UserID("u5"), promoted)

	retry := q.TryAcquire("u5", domain.SourceCamera)
	assert.True(t, retry.Granted)
}

func TestSlotQueueReleaseUserFreesEverything(t *testing.T) {
	q := NewVideoSlotQueue(2)

	require.True(t, q.TryAcquire("u1", domain.SourceCamera).Granted)
	require.True(t, q.TryAcquire("u1", domain.SourceScreenshare).Granted, "second source re-grants without reservation")
	q.Finalize("u1", "prod-cam", domain.SourceCamera)
	require.True(t, q.TryAcquire("u2", domain.SourceCamera).Granted)
	require.False(t, q.TryAcquire("u3", domain.SourceCamera).Granted)

	promoted := q.ReleaseUser("u1")
	require.Len(t, promoted, 1)
	assert.Equal(t, domain.UserID("u3"), promoted[0])
	assert.Equal(t, 1, q.ActiveCount())
	assert.Equal(t, 0, q.WaitingCount())
}

func TestSlotQueueConservationUnderChurn(t *testing.T) {
	q := NewVideoSlotQueue(3)

	users := []domain.UserID{"a", "b", "c", "d", "e", "f"}
	for _, u := range users {
		q.TryAcquire(u, domain.SourceCamera)
		require.LessOrEqual(t, q.ActiveCount(), 3)
	}
	for _, u := range users {
		q.ReleaseUser(u)
		require.LessOrEqual(t, q.ActiveCount(), 3)
	}
	assert.Equal(t, 0, q.ActiveCount())
	assert.Equal(t, 0, q.WaitingCount())
}
