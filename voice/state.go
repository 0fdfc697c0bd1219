package voice

import (
	"context"
	"fmt"
)

// State is the protocol state of a voice session.
type State int

const (
	StateDisconnected State = iota
	StateAwaitingEndpoint
	StateAuthenticating
	StateAuthenticated
	StateConnecting
	StateConnected
	StateReconnecting

	// Reserved for ICE based transports. No handler enters these yet.
	StateVoiceDisconnected
	StateVoiceConnecting
	StateVoiceConnected
	StateNoRoute
	StateICEChecking
)

var stateNames = [...]string{
	StateDisconnected:      "DISCONNECTED",
	StateAwaitingEndpoint:  "AWAITING_ENDPOINT",
	StateAuthenticating:    "AUTHENTICATING",
	StateAuthenticated:     "AUTHENTICATED",
	StateConnecting:        "CONNECTING",
	StateConnected:         "CONNECTED",
	StateReconnecting:      "RECONNECTING",
	StateVoiceDisconnected: "VOICE_DISCONNECTED",
	StateVoiceConnecting:   "VOICE_CONNECTING",
	StateVoiceConnected:    "VOICE_CONNECTED",
	StateNoRoute:           "NO_ROUTE",
	StateICEChecking:       "ICE_CHECKING",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateHandler is called after every state change of a session.
type StateHandler func(s *Session, state, prev State)

type stateHandlerEntry struct {
	id uint64
	fn StateHandler
}

// AddStateHandler registers h for state changes and returns a function
// removing it again.
func (s *Session) AddStateHandler(h StateHandler) (remove func()) {
	s.mu.Lock()
	s.handlerSeq++
	id := s.handlerSeq
	s.stateHandlers = append(s.stateHandlers, stateHandlerEntry{id: id, fn: h})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.stateHandlers {
			if e.id == id {
				s.stateHandlers = append(s.stateHandlers[:i:i], s.stateHandlers[i+1:]...)
				return
			}
		}
	}
}

// setState must be called without s.mu held.
func (s *Session) setState(state State) {
	s.changeState(state, nil)
}

// changeState moves to state if guard, evaluated under s.mu, allows it and
// then notifies the state handlers. guard may update other fields as part of
// the same transition.
func (s *Session) changeState(state State, guard func() bool) bool {
	s.mu.Lock()
	if guard != nil && !guard() {
		s.mu.Unlock()
		return false
	}
	prev := s.state
	s.state = state
	handlers := make([]stateHandlerEntry, len(s.stateHandlers))
	copy(handlers, s.stateHandlers)
	s.mu.Unlock()

	s.log.Debugf("state %s -> %s", prev, state)

	for _, h := range handlers {
		h.fn(s, state, prev)
	}
	return true
}

// waitForConnected blocks until the session enters StateConnected, leaves
// for StateDisconnected, or ctx is done. The returned bool is false when the
// session was torn down instead.
func waitForConnected(ctx context.Context, ready <-chan bool) (bool, error) {
	select {
	case ok := <-ready:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// connectedWaiter registers a one-shot handler reporting entry into
// StateConnected (true) or StateDisconnected (false).
func (s *Session) connectedWaiter() (<-chan bool, func()) {
	ready := make(chan bool, 1)
	remove := s.AddStateHandler(func(_ *Session, state, _ State) {
		var v bool
		switch state {
		case StateConnected:
			v = true
		case StateDisconnected:
			v = false
		default:
			return
		}
		select {
		case ready <- v:
		default:
		}
	})
	return ready, remove
}
