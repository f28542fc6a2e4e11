package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func runMachine(t *testing.T, m *Machine) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	return done
}

func waitForState(t *testing.T, m *Machine, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Current() == want },
		2*time.Second, 5*time.Millisecond, "expected state %s", want)
}

func TestMachine_FrameConfirmsPlayback(t *testing.T) {
	m := NewMachine(nil, zap.NewNop().Sugar())
	assert.Equal(t, StateCreated, m.Current())

	done := runMachine(t, m)
	m.Deliver(Event{Kind: EventFrame})
	waitForState(t, m, StatePlaying)

	m.Deliver(Event{Kind: EventStop})
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, m.Current())
}

func TestMachine_EndOfStreamLoopsAndRestarts(t *testing.T) {
	var restarts atomic.Int32
	restart := func(context.Context) error {
		restarts.Add(1)
		return nil
	}
	m := NewMachine(restart, zap.NewNop().Sugar())
	done := runMachine(t, m)

	m.Deliver(Event{Kind: EventFrame})
	waitForState(t, m, StatePlaying)

	m.Deliver(Event{Kind: EventEndOfStream})
	waitForState(t, m, StateLooping)
	require.Eventually(t, func() bool { return restarts.Load() == 1 },
		2*time.Second, 5*time.Millisecond)

	// The first frame after the rewind confirms playback again.
	m.Deliver(Event{Kind: EventFrame})
	waitForState(t, m, StatePlaying)

	m.Deliver(Event{Kind: EventStop})
	require.NoError(t, <-done)
}

func TestMachine_RepeatedLooping(t *testing.T) {
	var restarts atomic.Int32
	m := NewMachine(func(context.Context) error {
		restarts.Add(1)
		return nil
	}, zap.NewNop().Sugar())
	done := runMachine(t, m)

	for i := 0; i < 3; i++ {
		m.Deliver(Event{Kind: EventFrame})
		waitForState(t, m, StatePlaying)
		m.Deliver(Event{Kind: EventEndOfStream})
		waitForState(t, m, StateLooping)
	}
	require.Eventually(t, func() bool { return restarts.Load() == 3 },
		2*time.Second, 5*time.Millisecond)

	m.Deliver(Event{Kind: EventStop})
	require.NoError(t, <-done)
}

func TestMachine_PipelineErrorIsTerminal(t *testing.T) {
	m := NewMachine(nil, zap.NewNop().Sugar())
	done := runMachine(t, m)

	m.Deliver(Event{Kind: EventFrame})
	m.Deliver(Event{Kind: EventPipelineError, Detail: "decoder crashed"})

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoder crashed")
	assert.Equal(t, StateFailed, m.Current())
}

func TestMachine_RestartFailureIsTerminal(t *testing.T) {
	m := NewMachine(func(context.Context) error {
		return assert.AnError
	}, zap.NewNop().Sugar())
	done := runMachine(t, m)

	m.Deliver(Event{Kind: EventEndOfStream})

	err := <-done
	require.Error(t, err)
	assert.Equal(t, StateFailed, m.Current())
}

func TestMachine_ContextCancelStops(t *testing.T) {
	m := NewMachine(nil, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateStopped, m.Current())
}

func TestMachine_DeliverNeverBlocks(t *testing.T) {
	// No Run loop draining: the buffer fills and extra events are dropped,
	// not deadlocked on.
	m := NewMachine(nil, zap.NewNop().Sugar())
	for i := 0; i < 200; i++ {
		m.Deliver(Event{Kind: EventFrame})
	}
}
