package generation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrSessionNotFound is returned for ids the registry does not hold.
var ErrSessionNotFound = errors.New("session not found")

const defaultHistoryLimit = 20

// PanelPosition is the persisted UI affordance position. The pipeline itself
// never reads it.
type PanelPosition struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// PositionStore persists the panel position across reloads.
type PositionStore interface {
	Load() (PanelPosition, bool)
	Save(pos PanelPosition)
}

// MemoryPositionStore keeps the position in memory.
type MemoryPositionStore struct {
	mu  sync.Mutex
	pos PanelPosition
	set bool
}

// Load returns the stored position.
func (s *MemoryPositionStore) Load() (PanelPosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, s.set
}

// Save stores the position.
func (s *MemoryPositionStore) Save(pos PanelPosition) {
	s.mu.Lock()
	s.pos = pos
	s.set = true
	s.mu.Unlock()
}

type registryEntry struct {
	session *Session
	cancel  context.CancelFunc
	live    Observer
}

// Registry tracks concurrently active sessions. It enforces one visible
// "current" session, retains a bounded history of terminal outcomes, and owns
// each session's cancellation function.
type Registry struct {
	mu           sync.Mutex
	entries      map[string]*registryEntry
	current      string
	history      []Snapshot
	historyLimit int
	positions    PositionStore
	logger       *slog.Logger
}

// RegistryOption configures a registry.
type RegistryOption func(*Registry)

// WithHistoryLimit bounds the terminal-session history.
func WithHistoryLimit(limit int) RegistryOption {
	return func(r *Registry) {
		if limit > 0 {
			r.historyLimit = limit
		}
	}
}

// WithLogger configures the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPositionStore overrides the panel position store.
func WithPositionStore(store PositionStore) RegistryOption {
	return func(r *Registry) {
		if store != nil {
			r.positions = store
		}
	}
}

// NewRegistry creates an empty session registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:      make(map[string]*registryEntry),
		historyLimit: defaultHistoryLimit,
		positions:    &MemoryPositionStore{},
		logger:       slog.Default().With("component", "session-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartSession creates and starts a session, makes it the current one, and
// returns it with a context cancelled by CancelSession. Starting a new
// session supersedes the previous current session for display purposes but
// does not cancel it.
func (r *Registry) StartSession(ctx context.Context, title string) (*Session, context.Context) {
	session := NewSession(title)
	sessCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.entries[session.ID()] = &registryEntry{session: session, cancel: cancel}
	r.current = session.ID()
	r.mu.Unlock()

	// The registry's own observer records terminal outcomes into history.
	session.Subscribe(ObserverFunc(func(event Event) {
		if event.Phase.Terminal() {
			r.recordTerminal(event.SessionID)
		}
	}))
	session.Start()

	r.logger.Debug("session started", "id", session.ID(), "title", title)
	return session, sessCtx
}

// AttachStream sets the single live observer for a session, replacing any
// previous one.
func (r *Registry) AttachStream(id string, o Observer) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	replaced := entry.live != nil
	entry.live = o
	r.mu.Unlock()

	if replaced {
		r.logger.Debug("live observer replaced", "id", id)
	}
	entry.session.Subscribe(ObserverFunc(func(event Event) {
		r.mu.Lock()
		live := entry.live
		r.mu.Unlock()
		if live == o && o != nil {
			o.OnEvent(event)
		}
	}))
	return nil
}

// UpdateProgress forwards a progress update to a session.
func (r *Registry) UpdateProgress(id string, progress int, message string) error {
	session, err := r.lookup(id)
	if err != nil {
		return err
	}
	session.Advance(progress, message)
	return nil
}

// Complete drives a session to its successful terminal state.
func (r *Registry) Complete(id, message string, result map[string]any) error {
	session, err := r.lookup(id)
	if err != nil {
		return err
	}
	session.Complete(message, result)
	return nil
}

// Fail drives a session to its failure terminal state.
func (r *Registry) Fail(id, message string) error {
	session, err := r.lookup(id)
	if err != nil {
		return err
	}
	session.Fail(message)
	return nil
}

// CancelSession aborts a session: its context is cancelled and the session
// transitions to the cancelled terminal state.
func (r *Registry) CancelSession(id string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	entry.cancel()
	entry.session.Cancel("generation cancelled")
	return nil
}

// Current returns the snapshot of the current session, if any.
func (r *Registry) Current() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[r.current]
	if !ok {
		return Snapshot{}, false
	}
	return entry.session.Snapshot(), true
}

// History returns terminal session snapshots, most recent first.
func (r *Registry) History() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, len(r.history))
	copy(out, r.history)
	return out
}

// PanelPosition returns the persisted UI affordance position.
func (r *Registry) PanelPosition() (PanelPosition, bool) {
	return r.positions.Load()
}

// SetPanelPosition stores the UI affordance position.
func (r *Registry) SetPanelPosition(pos PanelPosition) {
	r.positions.Save(pos)
}

func (r *Registry) lookup(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return entry.session, nil
}

// recordTerminal moves a finished session into history and releases its
// cancellation resources. The entry stays resolvable until evicted from
// history so late readers still find the outcome.
func (r *Registry) recordTerminal(id string) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	snapshot := entry.session.Snapshot()
	r.history = append([]Snapshot{snapshot}, r.history...)
	for len(r.history) > r.historyLimit {
		evicted := r.history[len(r.history)-1]
		r.history = r.history[:len(r.history)-1]
		delete(r.entries, evicted.ID)
	}
	cancel := entry.cancel
	r.mu.Unlock()

	cancel()
}
