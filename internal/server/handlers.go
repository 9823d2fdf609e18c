package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/stratagem-ai/stratagem/internal/cache"
	"github.com/stratagem-ai/stratagem/internal/generation"
	"github.com/stratagem-ai/stratagem/internal/pipeline"
	"github.com/stratagem-ai/stratagem/internal/stream"
	"github.com/stratagem-ai/stratagem/internal/toolexec"
)

const analyzeTimeout = 60 * time.Second

type generateRequest struct {
	CardID         string         `json:"cardId"`
	BlueprintType  string         `json:"blueprintType"`
	CardTitle      string         `json:"cardTitle"`
	StrategyID     string         `json:"strategyId,omitempty"`
	Transcript     string         `json:"transcript,omitempty"`
	ExistingFields map[string]any `json:"existingFields,omitempty"`
}

func (req *generateRequest) validate(needTranscript bool) string {
	switch {
	case strings.TrimSpace(req.CardID) == "":
		return "cardId is required"
	case strings.TrimSpace(req.BlueprintType) == "":
		return "blueprintType is required"
	case strings.TrimSpace(req.CardTitle) == "":
		return "cardTitle is required"
	case needTranscript && strings.TrimSpace(req.Transcript) == "":
		return "transcript is required"
	}
	return ""
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s.streamGeneration(w, r, false)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	s.streamGeneration(w, r, true)
}

// streamGeneration validates the request, then switches the response to an
// event stream and runs the pipeline inline so progress frames flush as they
// are produced. Validation failures must answer with plain JSON, so they are
// rejected before any stream header is written.
func (s *Server) streamGeneration(w http.ResponseWriter, r *http.Request, needTranscript bool) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := req.validate(needTranscript); msg != "" {
		s.jsonError(w, msg, http.StatusBadRequest)
		return
	}

	// The session outlives the HTTP request: a dropped connection stops
	// frame delivery but not generation, so the run context derives from
	// the registry, not from r.Context.
	session, runCtx := s.registry.StartSession(context.Background(), req.CardTitle)

	responder, err := stream.NewResponder(w, s.logger)
	if err != nil {
		s.registry.CancelSession(session.ID())
		s.jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if err := s.registry.AttachStream(session.ID(), responder); err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if _, err := s.orchestrator.Run(runCtx, session, pipeline.Request{
		CardID:         req.CardID,
		BlueprintType:  req.BlueprintType,
		CardTitle:      req.CardTitle,
		StrategyID:     req.StrategyID,
		Transcript:     req.Transcript,
		ExistingFields: req.ExistingFields,
	}); err != nil {
		s.logger.Warn("generation ended with error", "session", session.ID(), "error", err)
	}
}

type analyzeRequest struct {
	URL      string `json:"url"`
	Context  string `json:"context,omitempty"`
	Category string `json:"category,omitempty"`
}

func (s *Server) handleAnalyzeURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.jsonError(w, "url is required", http.StatusBadRequest)
		return
	}

	caller, err := s.callerID(r)
	if err != nil {
		s.jsonError(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if !s.limiter.Allow(caller) {
		s.metrics.RateLimited()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "rate_limited",
			"message": "analysis limit reached, try again later",
		})
		return
	}

	key := cache.Fingerprint(req.URL, req.Context, req.Category)
	if cached, ok := s.cache.Get(key); ok {
		s.metrics.CacheLookup(true)
		s.jsonResponse(w, cached)
		return
	}
	s.metrics.CacheLookup(false)

	ctx, cancel := context.WithTimeout(r.Context(), analyzeTimeout)
	defer cancel()

	result, err := s.orchestrator.AnalyzeURL(ctx, pipeline.AnalyzeRequest{
		URL:      req.URL,
		Context:  req.Context,
		Category: req.Category,
	})
	if err != nil {
		if toolexec.ReasonOf(err) == toolexec.ReasonTimeout {
			s.jsonError(w, "analysis timed out", http.StatusRequestTimeout)
			return
		}
		s.logger.Warn("url analysis failed", "url", req.URL, "error", err)
		s.jsonError(w, "analysis failed", http.StatusBadGateway)
		return
	}

	// An empty analysis is not worth replaying from cache.
	if result.CardsCreated > 0 {
		s.cache.Set(key, result)
	}
	s.jsonResponse(w, result)
}

type sessionsResponse struct {
	Current *generation.Snapshot  `json:"current"`
	History []generation.Snapshot `json:"history"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := sessionsResponse{History: s.registry.History()}
	if current, ok := s.registry.Current(); ok {
		resp.Current = &current
	}
	if resp.History == nil {
		resp.History = []generation.Snapshot{}
	}
	s.jsonResponse(w, resp)
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.ID) == "" {
		s.jsonError(w, "id is required", http.StatusBadRequest)
		return
	}

	if err := s.registry.CancelSession(req.ID); err != nil {
		s.jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "cancelled"})
}

func (s *Server) handlePanelPosition(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		pos, ok := s.registry.PanelPosition()
		if !ok {
			s.jsonError(w, "no position saved", http.StatusNotFound)
			return
		}
		s.jsonResponse(w, pos)
	case http.MethodPut, http.MethodPost:
		var pos generation.PanelPosition
		if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
			s.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		s.registry.SetPanelPosition(pos)
		s.jsonResponse(w, map[string]string{"status": "saved"})
	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAutomationRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Reject before touching the scheduler so a bad credential has no
	// side effects.
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	secret := s.config.Automation.SharedSecret
	if secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		s.jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	result, err := s.scheduler.Sweep(r.Context())
	if err != nil {
		s.logger.Error("automation sweep failed", "error", err)
		s.jsonError(w, "sweep failed", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]int{
		"processed": result.Processed,
		"succeeded": result.Succeeded,
	})
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

// jsonError writes a JSON error response.
func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
