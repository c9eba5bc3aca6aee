package shutdown

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManager_RunsAllCallbacks(t *testing.T) {
	m := NewManager()
	var n atomic.Int32
	m.OnShutdown("a", func(ctx context.Context) error { n.Add(1); return nil })
	m.OnShutdown("b", func(ctx context.Context) error { n.Add(1); return errors.New("boom") })

	require.True(t, m.Shutdown(context.Background()))
	require.EqualValues(t, 2, n.Load())

	// second call is a no-op
	require.True(t, m.Shutdown(context.Background()))
	require.EqualValues(t, 2, n.Load())
}

func TestManager_Deadline(t *testing.T) {
	m := NewManager()
	release := make(chan struct{})
	defer close(release)
	m.OnShutdown("slow", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.False(t, m.Shutdown(ctx))
}
