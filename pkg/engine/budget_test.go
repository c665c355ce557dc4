package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBudgeterReserveCommitRelease(t *testing.T) {
	b := NewTokenBudgeter(100, 80)
	b.RegisterAgent("a1", 100)

	r, err := b.TryReserve(context.Background(), "a1", 40)
	require.NoError(t, err)
	require.NotNil(t, r)

	warn := b.Commit(r, 30)
	assert.Nil(t, warn)

	usage := b.Usage()
	assert.Equal(t, 30, usage.Used)
	assert.Equal(t, 70, usage.Remaining)
}

func TestTokenBudgeterWarningFiresOncePerThreshold(t *testing.T) {
	b := NewTokenBudgeter(0, 50)
	b.RegisterAgent("a1", 100)

	r, err := b.TryReserve(context.Background(), "a1", 60)
	require.NoError(t, err)
	warn := b.Commit(r, 60)
	require.NotNil(t, warn)
	assert.Equal(t, "a1", warn.AgentID)
	assert.Equal(t, 60, warn.PercentUsed)

	r2, err := b.TryReserve(context.Background(), "a1", 10)
	require.NoError(t, err)
	warn2 := b.Commit(r2, 10)
	assert.Nil(t, warn2, "threshold crossing should only report once per agent")
}

func TestTokenBudgeterReleaseFreesReservation(t *testing.T) {
	b := NewTokenBudgeter(10, 0)
	b.RegisterAgent("a1", 0)

	r, err := b.TryReserve(context.Background(), "a1", 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = b.TryReserve(ctx, "a1", 1)
	require.Error(t, err, "budget fully reserved, second reserve should block then fail on ctx cancel")

	b.Release(r)
	r2, err := b.TryReserve(context.Background(), "a1", 10)
	require.NoError(t, err)
	require.NotNil(t, r2)
}

func TestTokenBudgeterFIFOWaiters(t *testing.T) {
	b := NewTokenBudgeter(10, 0)
	b.RegisterAgent("a1", 0)
	b.RegisterAgent("a2", 0)

	first, err := b.TryReserve(context.Background(), "a1", 10)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	for _, id := range []string{"a1", "a2"} {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			r, err := b.TryReserve(context.Background(), agent, 10)
			if err == nil {
				mu.Lock()
				order = append(order, agent)
				mu.Unlock()
				b.Release(r)
			}
		}(id)
		time.Sleep(5 * time.Millisecond) // ensure queue order is deterministic
	}

	b.Release(first)
	wg.Wait()

	require.Equal(t, []string{"a1", "a2"}, order, "only one waiter fits at a time, so each is admitted in arrival order as the previous one releases")
}

func TestTokenBudgeterReserveCtxCancel(t *testing.T) {
	b := NewTokenBudgeter(1, 0)
	b.RegisterAgent("a1", 0)

	_, err := b.TryReserve(context.Background(), "a1", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = b.TryReserve(ctx, "a1", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
