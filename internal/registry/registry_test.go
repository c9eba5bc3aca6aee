package registry

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopHandle struct{}

func (nopHandle) Kill(os.Signal) error { return nil }

func TestTryInsert_ConcurrentSingleWinner(t *testing.T) {
	r := New()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryInsert(NewInstance("b1", "u1", TierFree, StrategyEmbedded)) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
	require.Equal(t, 1, r.Len())
}

func TestRemoveInstance_IdentityAndIdempotence(t *testing.T) {
	r := New()
	old := NewInstance("b1", "u1", TierFree, StrategySubprocess)
	require.True(t, r.TryInsert(old))
	require.True(t, r.RemoveInstance(old))
	require.False(t, r.RemoveInstance(old))

	fresh := NewInstance("b1", "u1", TierFree, StrategySubprocess)
	require.True(t, r.TryInsert(fresh))
	// a stale callback for the old launch must not remove the new one
	require.False(t, r.RemoveInstance(old))
	require.True(t, r.IsCurrent(fresh))
	require.False(t, r.IsCurrent(old))

	owner, ok := r.OwnerOf("b1")
	require.True(t, ok)
	require.Equal(t, "u1", owner)

	r.Remove("b1")
	r.Remove("b1")
	_, ok = r.Get("b1")
	require.False(t, ok)
}

func TestTryInsertBounded_OwnerLimit(t *testing.T) {
	r := New()
	for i := 0; i < 3; i++ {
		ok, err := r.TryInsertBounded(NewInstance(fmt.Sprintf("b%d", i), "u1", TierFree, StrategyEmbedded), 3)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := r.TryInsertBounded(NewInstance("b9", "u1", TierFree, StrategyEmbedded), 3)
	require.ErrorIs(t, err, ErrOwnerLimit)
	require.False(t, ok)

	// already-registered bot reports "exists", not the limit
	ok, err = r.TryInsertBounded(NewInstance("b0", "u1", TierFree, StrategyEmbedded), 3)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = r.TryInsertBounded(NewInstance("x", "u2", TierFree, StrategyEmbedded), 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, r.CountByOwner("u1"))
	assert.Len(t, r.List(), 4)
}

func TestInstance_AttachAfterCancel(t *testing.T) {
	inst := NewInstance("b1", "u1", TierPremium, StrategyEmbedded)
	require.Equal(t, StateStarting, inst.State())
	require.Nil(t, inst.Cancel())
	require.False(t, inst.Attach(nopHandle{}))
	require.Equal(t, StateStopped, inst.State())

	inst2 := NewInstance("b1", "u1", TierPremium, StrategyEmbedded)
	require.True(t, inst2.Attach(nopHandle{}))
	require.Equal(t, StateRunning, inst2.Snapshot().State)
	require.NotNil(t, inst2.Cancel())
	require.NotEqual(t, inst.ID, inst2.ID)
}
