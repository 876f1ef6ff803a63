package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veltchat/voicegate/internal/core"
)

func TestMemorySetGetDel(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, m.Del(ctx, "k"))
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 10*time.Millisecond))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	time.Sleep(20 * time.Millisecond)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemoryOverwriteResetsTTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v1", 10*time.Millisecond))
	require.NoError(t, m.Set(ctx, "k", "v2", 0))

	time.Sleep(20 * time.Millisecond)
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", got, "zero ttl means no expiry")
}
