package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfcast/internal/core/domain"
)

func newSession(id, host string) *domain.StreamSession {
	return &domain.StreamSession{
		ID:        domain.StreamID(id),
		Host:      domain.ConnID(host),
		StartedAt: time.Now(),
	}
}

func TestMemorySessionRegistry_CreateDuplicate(t *testing.T) {
	reg := NewMemorySessionRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, newSession("stream-1", "host-a")))

	err := reg.Create(ctx, newSession("stream-1", "host-b"))
	assert.ErrorIs(t, err, domain.ErrStreamExists)

	got, err := reg.Get(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnID("host-a"), got.Host)
}

func TestMemorySessionRegistry_GetMissing(t *testing.T) {
	reg := NewMemorySessionRegistry()

	_, err := reg.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func TestMemorySessionRegistry_RemoveIsIdempotent(t *testing.T) {
	reg := NewMemorySessionRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, newSession("stream-1", "host-a")))
	require.NoError(t, reg.Remove(ctx, "stream-1"))
	assert.NoError(t, reg.Remove(ctx, "stream-1"))

	_, err := reg.Get(ctx, "stream-1")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func TestMemorySessionRegistry_AddViewerDedup(t *testing.T) {
	reg := NewMemorySessionRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, newSession("stream-1", "host-a")))

	count, err := reg.AddViewer(ctx, "stream-1", "viewer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = reg.AddViewer(ctx, "stream-1", "viewer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "duplicate join must not inflate the count")

	count, err = reg.AddViewer(ctx, "stream-1", "viewer-2")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMemorySessionRegistry_RemoveViewer(t *testing.T) {
	reg := NewMemorySessionRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, newSession("stream-1", "host-a")))
	_, err := reg.AddViewer(ctx, "stream-1", "viewer-1")
	require.NoError(t, err)
	_, err = reg.AddViewer(ctx, "stream-1", "viewer-2")
	require.NoError(t, err)

	count, err := reg.RemoveViewer(ctx, "stream-1", "viewer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = reg.RemoveViewer(ctx, "stream-1", "viewer-unknown")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := reg.Get(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.ConnID{"viewer-2"}, got.Viewers)
}

func TestMemorySessionRegistry_ViewerOrderPreserved(t *testing.T) {
	reg := NewMemorySessionRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, newSession("stream-1", "host-a")))
	for _, v := range []domain.ConnID{"v1", "v2", "v3"} {
		_, err := reg.AddViewer(ctx, "stream-1", v)
		require.NoError(t, err)
	}

	got, err := reg.Get(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.ConnID{"v1", "v2", "v3"}, got.Viewers)
}

func TestMemorySessionRegistry_ReplaceHost(t *testing.T) {
	reg := NewMemorySessionRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, newSession("stream-1", "host-a")))
	require.NoError(t, reg.ReplaceHost(ctx, "stream-1", "host-b"))

	got, err := reg.Get(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnID("host-b"), got.Host)

	err = reg.ReplaceHost(ctx, "missing", "host-c")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func TestMemorySessionRegistry_FindByHost(t *testing.T) {
	reg := NewMemorySessionRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, newSession("stream-1", "host-a")))
	require.NoError(t, reg.Create(ctx, newSession("stream-2", "host-b")))

	got, err := reg.FindByHost(ctx, "host-b")
	require.NoError(t, err)
	assert.Equal(t, domain.StreamID("stream-2"), got.ID)

	_, err = reg.FindByHost(ctx, "host-z")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func TestMemorySessionRegistry_FindByViewer(t *testing.T) {
	reg := NewMemorySessionRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, newSession("stream-1", "host-a")))
	require.NoError(t, reg.Create(ctx, newSession("stream-2", "host-b")))
	_, err := reg.AddViewer(ctx, "stream-1", "viewer-1")
	require.NoError(t, err)
	_, err = reg.AddViewer(ctx, "stream-2", "viewer-1")
	require.NoError(t, err)

	sessions, err := reg.FindByViewer(ctx, "viewer-1")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	sessions, err = reg.FindByViewer(ctx, "viewer-9")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestMemorySessionRegistry_SnapshotIsolation(t *testing.T) {
	reg := NewMemorySessionRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, newSession("stream-1", "host-a")))
	_, err := reg.AddViewer(ctx, "stream-1", "viewer-1")
	require.NoError(t, err)

	got, err := reg.Get(ctx, "stream-1")
	require.NoError(t, err)
	got.Viewers[0] = "mutated"

	again, err := reg.Get(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.ConnID{"viewer-1"}, again.Viewers)
}

func TestMemorySessionRegistry_ConcurrentViewers(t *testing.T) {
	reg := NewMemorySessionRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, newSession("stream-1", "host-a")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reg.AddViewer(ctx, "stream-1", domain.ConnID(fmt.Sprintf("viewer-%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := reg.Get(ctx, "stream-1")
	require.NoError(t, err)
	assert.NotEmpty(t, got.Viewers)
}
