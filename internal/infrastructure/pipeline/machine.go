// Package pipeline models the lifecycle of the external media pipeline as an
// explicit state machine. The pipeline itself (capture, encode, transport)
// runs out of process; what arrives here is its event stream, and the
// machine's job is to keep the stream playing for the whole phase, looping
// on end-of-stream instead of letting short test clips run out.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// State of the external media pipeline as far as the event stream shows.
type State int

const (
	StateCreated State = iota
	StatePlaying
	StateLooping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePlaying:
		return "playing"
	case StateLooping:
		return "looping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind identifies one pipeline event. Each kind maps to exactly one
// transition in the machine.
type EventKind int

const (
	EventFrame EventKind = iota
	EventStateChanged
	EventEndOfStream
	EventPipelineError
	EventStop
)

// Event is one observation from the media pipeline.
type Event struct {
	Kind   EventKind
	Detail string
}

// RestartFunc rewinds the external pipeline to the beginning of the clip.
// It runs from the machine's event loop, so it must not block for long.
type RestartFunc func(ctx context.Context) error

// Machine consumes pipeline events on a single loop and tracks the derived
// state. End-of-stream enters Looping and triggers the restart hook; the
// next frame confirms playback and returns to Playing. A pipeline error is
// terminal.
type Machine struct {
	events  chan Event
	state   chan State
	restart RestartFunc
	log     *zap.SugaredLogger
}

func NewMachine(restart RestartFunc, log *zap.SugaredLogger) *Machine {
	m := &Machine{
		events:  make(chan Event, 64),
		state:   make(chan State, 1),
		restart: restart,
		log:     log,
	}
	m.state <- StateCreated
	return m
}

// Deliver hands an event to the machine. It never blocks: if the loop has
// fallen behind, the event is dropped, which is acceptable because frames
// are also counted by the monitor and state transitions are level-based.
func (m *Machine) Deliver(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Debugw("pipeline event dropped", "kind", ev.Kind)
	}
}

// Current returns the machine's state without disturbing the loop.
func (m *Machine) Current() State {
	s := <-m.state
	m.state <- s
	return s
}

func (m *Machine) setState(s State) {
	<-m.state
	m.state <- s
}

// Run processes events until a Stop event, a terminal error, or context
// cancellation. It returns nil on a clean stop and the pipeline error when
// the stream failed.
func (m *Machine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.setState(StateStopped)
			return ctx.Err()

		case ev := <-m.events:
			switch ev.Kind {
			case EventFrame:
				if m.Current() != StatePlaying {
					m.log.Debugw("playback confirmed", "previous_state", m.Current().String())
				}
				m.setState(StatePlaying)

			case EventStateChanged:
				m.log.Debugw("pipeline state changed", "detail", ev.Detail)

			case EventEndOfStream:
				m.setState(StateLooping)
				m.log.Infow("end of stream, restarting clip")
				if m.restart != nil {
					if err := m.restart(ctx); err != nil {
						m.setState(StateFailed)
						return fmt.Errorf("restart after end of stream: %w", err)
					}
				}

			case EventPipelineError:
				m.setState(StateFailed)
				return fmt.Errorf("pipeline error: %s", ev.Detail)

			case EventStop:
				m.setState(StateStopped)
				m.log.Infow("pipeline stopped")
				return nil
			}
		}
	}
}
