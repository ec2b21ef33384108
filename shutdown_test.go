package grpcloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestShutdown_forceCompletesRegistrations(t *testing.T) {
	const n = 50

	e := testEngine(t)
	counts := make([]atomic.Int32, n)
	values := make([]bool, n)
	for i := 0; i < n; i++ {
		cc := NewCallContext(context.Background())
		e.NotifyWhenDone(cc, Callback[bool](func(v bool) {
			counts[i].Add(1)
			values[i] = v
		}))
	}

	require.NoError(t, e.Shutdown(testContext(t)))
	for i := 0; i < n; i++ {
		assert.Equal(t, int32(1), counts[i].Load(), `registration %d must fire exactly once`, i)
		assert.False(t, values[i], `shutdown force-completion reports not done`)
	}
	require.NoError(t, e.Close())
}

func TestShutdown_idempotent(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.Shutdown(testContext(t)))
	require.NoError(t, e.Shutdown(testContext(t)))
	assert.ErrorIs(t, e.Submit(func() {}), ErrEngineShutdown)
	require.NoError(t, e.Close())
}

func TestNotifyWhenDone_firesOnCallDone(t *testing.T) {
	e := testEngine(t)
	cc := NewCallContext(context.Background())

	var count int
	var value bool
	e.NotifyWhenDone(cc, Callback[bool](func(v bool) {
		count++
		value = v
	}))

	e.callDone(cc)
	e.callDone(cc) // no effect
	require.NoError(t, e.Run(testContext(t)))
	assert.Equal(t, 1, count)
	assert.True(t, value)
}

func TestNotifyWhenDone_afterCallDone(t *testing.T) {
	e := testEngine(t)
	cc := NewCallContext(context.Background())
	e.callDone(cc)

	var value bool
	e.NotifyWhenDone(cc, Callback[bool](func(v bool) { value = v }))
	require.NoError(t, e.Run(testContext(t)))
	assert.True(t, value, `already-done call completes immediately with true`)
}

func TestNotifyWhenDone_afterShutdown(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.Shutdown(testContext(t)))

	cc := NewCallContext(context.Background())
	var count int
	var value bool
	e.NotifyWhenDone(cc, Callback[bool](func(v bool) {
		count++
		value = v
	}))

	// drain the posted completion
	for e.outstanding.Load() != 0 {
		e.Poll()
	}
	assert.Equal(t, 1, count)
	assert.False(t, value)
}

// Races call completion against shutdown finalization: every registration
// must complete exactly once regardless of which side fires it.
func TestShutdown_finishRaceStress(t *testing.T) {
	const calls = 200

	e := testEngine(t)
	ccs := make([]*CallContext, calls)
	counts := make([]atomic.Int32, calls)
	for i := range ccs {
		ccs[i] = NewCallContext(context.Background())
		e.NotifyWhenDone(ccs[i], Callback[bool](func(bool) {
			counts[i].Add(1)
		}))
	}

	var g errgroup.Group
	g.Go(func() error {
		return e.Shutdown(testContext(t))
	})
	for i := range ccs {
		g.Go(func() error {
			e.callDone(ccs[i])
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// completions posted after the shutdown drain returned still need a pass
	deadline := time.Now().Add(5 * time.Second)
	for e.outstanding.Load() != 0 {
		require.False(t, time.Now().After(deadline), `timed out draining residue`)
		e.Poll()
	}

	for i := range counts {
		assert.Equal(t, int32(1), counts[i].Load(), `registration %d`, i)
	}
}
