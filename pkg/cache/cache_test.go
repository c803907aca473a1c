package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheSetGet(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Close()

	c.Set("k", "v")
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestCacheGetMissing(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Close()

	got, ok := c.Get("absent")
	assert.False(t, ok)
	assert.Zero(t, got)
}

func TestCacheExpiry(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Close()

	c.SetWithTTL("k", "v", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCacheDelete(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Close()

	c.Set("k", "v")
	c.Delete("k")

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestGetOrLoadCachesResult(t *testing.T) {
	c := New[[]string](time.Minute)
	defer c.Close()

	loads := 0
	load := func() ([]string, error) {
		loads++
		return []string{"a", "b"}, nil
	}

	first, err := c.GetOrLoad("streams", load)
	require.NoError(t, err)
	second, err := c.GetOrLoad("streams", load)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, loads)
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Close()

	boom := errors.New("backend down")
	_, err := c.GetOrLoad("k", func() (string, error) { return "", boom })
	require.ErrorIs(t, err, boom)

	got, err := c.GetOrLoad("k", func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestCacheCloseIsIdempotent(t *testing.T) {
	c := New[string](time.Minute)
	c.Close()
	c.Close()
}
