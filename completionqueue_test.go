package grpcloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_postNext(t *testing.T) {
	q := NewMemoryQueue()
	q.Post(`a`, true)
	q.Post(`b`, false)

	tag, ok, st := q.Next(time.Time{})
	require.Equal(t, NextEvent, st)
	assert.Equal(t, `a`, tag)
	assert.True(t, ok)

	tag, ok, st = q.Next(time.Time{})
	require.Equal(t, NextEvent, st)
	assert.Equal(t, `b`, tag)
	assert.False(t, ok)

	_, _, st = q.Next(time.Time{})
	assert.Equal(t, NextTimeout, st)
}

func TestMemoryQueue_nextBlocksUntilPost(t *testing.T) {
	q := NewMemoryQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Post(`late`, true)
	}()
	tag, ok, st := q.Next(time.Now().Add(5 * time.Second))
	require.Equal(t, NextEvent, st)
	assert.Equal(t, `late`, tag)
	assert.True(t, ok)
}

func TestMemoryQueue_nextDeadline(t *testing.T) {
	q := NewMemoryQueue()
	start := time.Now()
	_, _, st := q.Next(start.Add(30 * time.Millisecond))
	assert.Equal(t, NextTimeout, st)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestMemoryQueue_shutdownDrains(t *testing.T) {
	q := NewMemoryQueue()
	q.Post(`before`, true)
	q.Shutdown()
	// events in flight still post and drain after shutdown
	q.Post(`after`, true)

	tag, _, st := q.Next(time.Time{})
	require.Equal(t, NextEvent, st)
	assert.Equal(t, `before`, tag)

	tag, _, st = q.Next(time.Time{})
	require.Equal(t, NextEvent, st)
	assert.Equal(t, `after`, tag)

	_, _, st = q.Next(time.Now().Add(time.Second))
	assert.Equal(t, NextShutdown, st)
}

func TestMemoryQueue_shutdownWakesBlockedNext(t *testing.T) {
	q := NewMemoryQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Shutdown()
	}()
	_, _, st := q.Next(time.Now().Add(5 * time.Second))
	assert.Equal(t, NextShutdown, st)
}

func TestMemoryQueue_alarm(t *testing.T) {
	q := NewMemoryQueue()
	start := time.Now()
	q.Alarm(`deadline`, start.Add(30*time.Millisecond))

	tag, ok, st := q.Next(start.Add(5 * time.Second))
	require.Equal(t, NextEvent, st)
	assert.Equal(t, `deadline`, tag)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestMemoryQueue_alarmZeroDeadline(t *testing.T) {
	q := NewMemoryQueue()
	q.Alarm(`now`, time.Time{})
	tag, ok, st := q.Next(time.Time{})
	require.Equal(t, NextEvent, st)
	assert.Equal(t, `now`, tag)
	assert.True(t, ok)
}

func TestMemoryQueue_alarmCancel(t *testing.T) {
	q := NewMemoryQueue()
	cancel := q.Alarm(`never`, time.Now().Add(time.Hour))
	cancel()
	cancel() // idempotent

	tag, ok, st := q.Next(time.Now().Add(time.Second))
	require.Equal(t, NextEvent, st)
	assert.Equal(t, `never`, tag)
	assert.False(t, ok, `cancelled alarm completes not-ok`)

	_, _, st = q.Next(time.Time{})
	assert.Equal(t, NextTimeout, st)
}
