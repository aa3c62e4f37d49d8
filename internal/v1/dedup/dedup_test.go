package dedup

import (
	"testing"
	"time"

	"github.com/planningpoker/core/internal/v1/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGet(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	c := NewCache(256, int64(60*time.Second), fake)

	c.Put("req-1", Result{Envelope: []byte("ok")})

	got, ok := c.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, []byte("ok"), got.Envelope)
}

func TestCache_MissingKey(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	c := NewCache(256, int64(60*time.Second), fake)

	_, ok := c.Get("nope")
	assert.False(t, ok)
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	c := NewCache(256, int64(60*time.Second), fake)

	c.Put("req-1", Result{Envelope: []byte("ok")})

	fake.Advance(61 * time.Second)

	_, ok := c.Get("req-1")
	assert.False(t, ok)
}

func TestCache_StrictLRUEviction(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	c := NewCache(2, int64(60*time.Second), fake)

	c.Put("a", Result{Envelope: []byte("a")})
	c.Put("b", Result{Envelope: []byte("b")})

	// Touch "a" so "b" becomes the least-recently-used.
	_, _ = c.Get("a")

	c.Put("c", Result{Envelope: []byte("c")})

	_, aOK := c.Get("a")
	_, bOK := c.Get("b")
	_, cOK := c.Get("c")

	assert.True(t, aOK)
	assert.False(t, bOK, "b should have been evicted as least-recently-used")
	assert.True(t, cOK)
	assert.Equal(t, 2, c.Len())
}

func TestCache_PutOverwritesExisting(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	c := NewCache(256, int64(60*time.Second), fake)

	c.Put("req-1", Result{Envelope: []byte("first")})
	c.Put("req-1", Result{Envelope: []byte("second")})

	got, ok := c.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, []byte("second"), got.Envelope)
	assert.Equal(t, 1, c.Len())
}
