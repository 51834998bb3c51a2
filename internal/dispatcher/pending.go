package dispatcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/hypnos-tgbot-go/internal/services/ai"
)

// State of a PendingRequest
type State int

const (
	StateCreated State = iota
	StateReserved
	StateInFlight
	StateSucceeded
	StateFailed
	StateTimedOut
	StateCancelled
	StateReleased
)

var stateNames = [...]string{"created", "reserved", "in_flight", "succeeded", "failed", "timed_out", "cancelled", "released"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s is an outcome, one step before Released
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut || s == StateCancelled
}

var transitions = map[State][]State{
	StateCreated:   {StateReserved, StateTimedOut, StateCancelled},
	StateReserved:  {StateInFlight, StateFailed, StateCancelled},
	StateInFlight:  {StateSucceeded, StateFailed, StateTimedOut, StateCancelled},
	StateSucceeded: {StateReleased},
	StateFailed:    {StateReleased},
	StateTimedOut:  {StateReleased},
	StateCancelled: {StateReleased},
}

// PendingRequest tracks one command that needs an external call, from its
// arrival until its slot is given back
type PendingRequest struct {
	ID        string
	Key       models.ConversationKey
	Kind      ai.Kind
	CreatedAt time.Time
	Deadline  time.Time

	mu       sync.Mutex
	state    State
	history  []State
	attempts int
}

func newPendingRequest(id string, key models.ConversationKey, kind ai.Kind, now time.Time, deadline time.Duration) *PendingRequest {
	return &PendingRequest{
		ID:        id,
		Key:       key,
		Kind:      kind,
		CreatedAt: now,
		Deadline:  now.Add(deadline),
		state:     StateCreated,
		history:   []State{StateCreated},
	}
}

// State returns the current state
func (p *PendingRequest) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Attempts returns the number of provider calls made for the request
func (p *PendingRequest) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// SetAttempts records the number of provider calls made
func (p *PendingRequest) SetAttempts(n int) {
	p.mu.Lock()
	p.attempts = n
	p.mu.Unlock()
}

// History returns every state visited, in order
func (p *PendingRequest) History() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]State, len(p.history))
	copy(out, p.history)
	return out
}

// Transition moves to next, rejecting moves the lifecycle does not allow
func (p *PendingRequest) Transition(next State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, allowed := range transitions[p.state] {
		if allowed == next {
			p.state = next
			p.history = append(p.history, next)
			return nil
		}
	}
	return fmt.Errorf("request %s: invalid transition %s -> %s", p.ID, p.state, next)
}

// Outcome returns the terminal state reached, or the current state when
// none was reached yet
func (p *PendingRequest) Outcome() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.history) - 1; i >= 0; i-- {
		if p.history[i].Terminal() {
			return p.history[i]
		}
	}
	return p.state
}
