// Package stage runs one pipeline stage: connect, consume one delivery at a
// time, acknowledge, and shut down on request.
package stage

import (
	"fmt"
	"sync"
)

// State is a stage lifecycle state
type State string

const (
	StateIdle       State = "idle"
	StateConnected  State = "connected"
	StateConsuming  State = "consuming"
	StateProcessing State = "processing"
	StateStopping   State = "stopping"
	StateClosed     State = "closed"
)

// AllStates lists every state in lifecycle order
var AllStates = []State{StateIdle, StateConnected, StateConsuming, StateProcessing, StateStopping, StateClosed}

var transitions = map[State][]State{
	StateIdle:       {StateConnected, StateStopping},
	StateConnected:  {StateConsuming, StateStopping},
	StateConsuming:  {StateProcessing, StateStopping},
	StateProcessing: {StateConsuming, StateStopping},
	StateStopping:   {StateClosed},
	StateClosed:     {},
}

// Lifecycle guards state changes for one stage
type Lifecycle struct {
	mu       sync.RWMutex
	state    State
	observer func(State)
}

// NewLifecycle starts in StateIdle. observer, if set, is called after every
// successful transition.
func NewLifecycle(observer func(State)) *Lifecycle {
	l := &Lifecycle{state: StateIdle, observer: observer}
	if observer != nil {
		observer(StateIdle)
	}
	return l
}

// State returns the current state
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Transition moves to next or returns an error for an illegal move
func (l *Lifecycle) Transition(next State) error {
	l.mu.Lock()
	cur := l.state
	allowed := false
	for _, s := range transitions[cur] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		l.mu.Unlock()
		return fmt.Errorf("illegal stage transition %s -> %s", cur, next)
	}
	l.state = next
	l.mu.Unlock()

	if l.observer != nil {
		l.observer(next)
	}
	return nil
}

// Stop moves to StateStopping unless already stopping or closed
func (l *Lifecycle) Stop() {
	switch l.State() {
	case StateStopping, StateClosed:
		return
	}
	_ = l.Transition(StateStopping)
}

// Close finishes the lifecycle from any state
func (l *Lifecycle) Close() {
	l.Stop()
	if l.State() == StateStopping {
		_ = l.Transition(StateClosed)
	}
}
