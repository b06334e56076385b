package runevent

import (
	"errors"
	"sync"
)

var (
	ErrClosed     = errors.New("run event stream closed")
	ErrOutOfOrder = errors.New("interpretation and validation errors must precede instructions")
	ErrReserved   = errors.New("run finished is published by Finish")
)

const defaultBufferSize = 64

// Multiplexer serializes the events of one run into a Sink.
// Any number of goroutines publish; a single goroutine writes to the sink.
type Multiplexer struct {
	sink Sink // required

	mu              sync.Mutex
	closed          bool
	instructionSeen bool
	events          chan *Event

	done    chan struct{}
	sinkErr error
}

func NewMultiplexer(sink Sink) *Multiplexer {
	m := &Multiplexer{
		sink:   sink,
		events: make(chan *Event, defaultBufferSize),
		done:   make(chan struct{}),
	}
	go m.drain()
	return m
}

// drain keeps consuming after a sink error so publishers never block on a dead client.
func (m *Multiplexer) drain() {
	defer close(m.done)
	for e := range m.events {
		if m.sinkErr != nil {
			continue
		}
		if err := m.sink.Send(e); err != nil {
			m.sinkErr = err
		}
	}
}

// Publish enqueues e. RunFinished is reserved for Finish.
func (m *Multiplexer) Publish(e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.RunFinished != nil {
		return ErrReserved
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if e.IsPreExecutionError() && m.instructionSeen {
		return ErrOutOfOrder
	}
	if e.Instruction != nil {
		m.instructionSeen = true
	}
	m.events <- e
	return nil
}

// Finish enqueues RunFinished and closes the stream. Calls after the first are no-ops.
func (m *Multiplexer) Finish(success bool, output string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.events <- &Event{RunFinished: &RunFinished{IsRunSuccessful: success, SerializedOutput: output}}
	close(m.events)
}

// Wait blocks until every event reached the sink and returns the first sink error.
func (m *Multiplexer) Wait() error {
	<-m.done
	return m.sinkErr
}
