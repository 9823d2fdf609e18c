// Package stream adapts session events onto a server-sent event channel.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/stratagem-ai/stratagem/internal/generation"
)

// Frame type discriminators.
const (
	FrameProgress = "progress"
	FrameComplete = "complete"
	FrameError    = "error"
)

// Responder serializes session transitions as discrete SSE frames on an
// outbound channel the caller consumes incrementally. After the terminal
// frame the channel is closed exactly once and nothing further is emitted.
type Responder struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	flusher  http.Flusher
	logger   *slog.Logger
	dead     bool
	terminal bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewResponder prepares w for event streaming. It fails when the writer does
// not support incremental flushing.
func NewResponder(w http.ResponseWriter, logger *slog.Logger) (*Responder, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	if logger == nil {
		logger = slog.Default().With("component", "stream")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return &Responder{
		w:       w,
		flusher: flusher,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Done is closed after the terminal frame has been emitted (or the terminal
// transition observed on a dead connection).
func (r *Responder) Done() <-chan struct{} {
	return r.done
}

// OnEvent implements generation.Observer.
func (r *Responder) OnEvent(event generation.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.terminal {
		return
	}

	frame := buildFrame(event)
	if event.Phase.Terminal() {
		r.terminal = true
		defer r.closeLocked()
	}

	// A dead connection stops forwarding; the generation itself keeps
	// running and cancellation stays an explicit, separate operation.
	if r.dead {
		return
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("frame encode failed", "error", err)
		return
	}
	if _, err := fmt.Fprintf(r.w, "data: %s\n\n", payload); err != nil {
		r.dead = true
		r.logger.Debug("stream client disconnected", "session", event.SessionID)
		return
	}
	r.flusher.Flush()
}

func (r *Responder) closeLocked() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
}

func buildFrame(event generation.Event) map[string]any {
	switch event.Phase {
	case generation.PhaseComplete:
		frame := map[string]any{"type": FrameComplete}
		for k, v := range event.Result {
			frame[k] = v
		}
		return frame
	case generation.PhaseError, generation.PhaseCancelled:
		return map[string]any{
			"type":  FrameError,
			"error": event.Message,
		}
	default:
		return map[string]any{
			"type":     FrameProgress,
			"phase":    string(event.Phase),
			"message":  event.Message,
			"progress": event.Progress,
		}
	}
}
