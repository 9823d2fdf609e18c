// Package generation tracks the lifecycle of in-flight generation attempts.
//
// A Session is a small state machine: idle until started, processing while the
// pipeline drives it, and exactly one terminal phase afterward. Observers see
// every transition in order; late progress callbacks after a terminal
// transition are silently dropped so a cancelled generation cannot corrupt
// state when its upstream call finally returns.
package generation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is the lifecycle state of a session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseProcessing Phase = "processing"
	PhaseComplete   Phase = "complete"
	PhaseError      Phase = "error"
	PhaseCancelled  Phase = "cancelled"
)

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseComplete, PhaseError, PhaseCancelled:
		return true
	default:
		return false
	}
}

// Event is one observed session transition.
type Event struct {
	SessionID string
	Title     string
	Phase     Phase
	Progress  int
	Message   string

	// Result carries the generated payload on a complete transition.
	Result map[string]any
}

// Observer receives session transitions. Implementations may read session
// state but must not drive further transitions from OnEvent.
type Observer interface {
	OnEvent(event Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(event Event)

// OnEvent invokes the function.
func (f ObserverFunc) OnEvent(event Event) { f(event) }

// Snapshot is a point-in-time copy of session state.
type Snapshot struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Phase     Phase          `json:"phase"`
	Progress  int            `json:"progress"`
	Message   string         `json:"message"`
	Result    map[string]any `json:"result,omitempty"`
	StartTime time.Time      `json:"startTime"`
	EndTime   time.Time      `json:"endTime,omitempty"`
}

// Session tracks one generation attempt.
//
// emitMu is held across a state mutation and the delivery of its event, so
// observers see transitions in the exact order they occur. mu alone guards
// the fields, letting observers read snapshots during delivery.
type Session struct {
	emitMu sync.Mutex

	mu        sync.Mutex
	id        string
	title     string
	phase     Phase
	progress  int
	message   string
	result    map[string]any
	startTime time.Time
	endTime   time.Time
	observers []Observer
	now       func() time.Time
}

// SessionOption configures a session.
type SessionOption func(*Session)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) SessionOption {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSession creates an idle session with a fresh id.
func NewSession(title string, opts ...SessionOption) *Session {
	s := &Session{
		id:    uuid.NewString(),
		title: title,
		phase: PhaseIdle,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Title returns the human label for the request.
func (s *Session) Title() string { return s.title }

// Subscribe registers an observer. Observers are notified in registration
// order for every subsequent transition.
func (s *Session) Subscribe(o Observer) {
	if o == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// Start moves the session from idle to processing.
func (s *Session) Start() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.phase != PhaseIdle {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseProcessing
	s.progress = 0
	s.startTime = s.now()
	event, observers := s.eventLocked()
	s.mu.Unlock()

	deliver(event, observers)
}

// Advance records a progress update. It clamps progress to [0,100], never
// lets it decrease, and silently ignores calls on sessions that are not
// processing.
func (s *Session) Advance(progress int, message string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.phase != PhaseProcessing {
		s.mu.Unlock()
		return
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if progress > s.progress {
		s.progress = progress
	}
	s.message = message
	event, observers := s.eventLocked()
	s.mu.Unlock()

	deliver(event, observers)
}

// Complete records the successful terminal transition. A second terminal call
// of any kind is ignored.
func (s *Session) Complete(message string, result map[string]any) {
	s.terminate(PhaseComplete, message, result)
}

// Fail records the failure terminal transition.
func (s *Session) Fail(message string) {
	s.terminate(PhaseError, message, nil)
}

// Cancel records the cancelled terminal transition.
func (s *Session) Cancel(message string) {
	s.terminate(PhaseCancelled, message, nil)
}

func (s *Session) terminate(phase Phase, message string, result map[string]any) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.phase.Terminal() {
		s.mu.Unlock()
		return
	}
	s.phase = phase
	s.message = message
	s.result = result
	s.endTime = s.now()
	if phase == PhaseComplete {
		s.progress = 100
	}
	event, observers := s.eventLocked()
	s.mu.Unlock()

	deliver(event, observers)
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:        s.id,
		Title:     s.title,
		Phase:     s.phase,
		Progress:  s.progress,
		Message:   s.message,
		Result:    s.result,
		StartTime: s.startTime,
		EndTime:   s.endTime,
	}
}

func (s *Session) eventLocked() (Event, []Observer) {
	event := Event{
		SessionID: s.id,
		Title:     s.title,
		Phase:     s.phase,
		Progress:  s.progress,
		Message:   s.message,
		Result:    s.result,
	}
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	return event, observers
}

func deliver(event Event, observers []Observer) {
	for _, o := range observers {
		o.OnEvent(event)
	}
}
