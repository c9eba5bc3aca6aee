package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestCache(t *testing.T) (*InMemoryCache[string, int], *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := New[string, int](time.Minute, 0)
	c.now = clk.now
	t.Cleanup(c.Close)
	return c, clk
}

func TestCache_Expiry(t *testing.T) {
	c, clk := newTestCache(t)
	c.Set("a", 1, 0)
	c.Set("b", 2, 10*time.Second)

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	clk.t = clk.t.Add(11 * time.Second)
	_, ok = c.Get("b")
	require.False(t, ok)
	_, ok = c.Get("a")
	require.True(t, ok)

	clk.t = clk.t.Add(time.Minute)
	c.sweep()
	require.Equal(t, 0, c.Size())
}

func TestCache_GetOrCreateSlides(t *testing.T) {
	c, clk := newTestCache(t)
	calls := 0
	mk := func() int { calls++; return calls }

	require.Equal(t, 1, c.GetOrCreate("k", 0, mk))
	clk.t = clk.t.Add(50 * time.Second)
	require.Equal(t, 1, c.GetOrCreate("k", 0, mk))
	// refreshed above, so still alive 50s later
	clk.t = clk.t.Add(50 * time.Second)
	require.Equal(t, 1, c.GetOrCreate("k", 0, mk))

	clk.t = clk.t.Add(2 * time.Minute)
	require.Equal(t, 2, c.GetOrCreate("k", 0, mk))
}
