package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stratagem-ai/stratagem/internal/automation"
	"github.com/stratagem-ai/stratagem/internal/cache"
	"github.com/stratagem-ai/stratagem/internal/config"
	"github.com/stratagem-ai/stratagem/internal/generation"
	"github.com/stratagem-ai/stratagem/internal/pipeline"
	"github.com/stratagem-ai/stratagem/internal/ratelimit"
	"github.com/stratagem-ai/stratagem/internal/toolexec"
)

type stubTools struct {
	payload json.RawMessage
	err     error
}

func (s *stubTools) InvokeTool(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.payload, nil
}

type stubGenerator struct {
	content string
}

func (s *stubGenerator) Generate(ctx context.Context, material toolexec.PromptMaterial) (*toolexec.Generation, error) {
	return &toolexec.Generation{Content: s.content, TokensUsed: 100}, nil
}

func newTestServer(t *testing.T, tools pipeline.ToolInvoker, gen toolexec.Generator) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Automation.SharedSecret = "automation-secret"

	store := automation.NewMemoryStore()
	scheduler := automation.NewScheduler(store, automation.RunnerFunc(
		func(ctx context.Context, rule *automation.Rule) (*automation.RunResult, error) {
			return &automation.RunResult{CardsCreated: 1}, nil
		},
	))

	orchestrator := pipeline.NewOrchestrator(tools, gen)
	srv, err := New(Options{
		Config:       cfg,
		Registry:     generation.NewRegistry(),
		Orchestrator: orchestrator,
		Limiter:      ratelimit.NewLimiter(ratelimit.Config{Enabled: true, RequestsPerWindow: 2, Window: time.Hour}),
		Cache:        cache.NewResultCache(cache.ResultCacheOptions{}),
		Scheduler:    scheduler,
	})
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

func postJSON(t *testing.T, handler http.Handler, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestGenerateStreamsFrames(t *testing.T) {
	tools := &stubTools{payload: json.RawMessage(`{"success":true,"prompts":{"system":"s","user":"u"}}`)}
	srv := newTestServer(t, tools, &stubGenerator{content: `{"fields":{"a":1}}`})

	rec := postJSON(t, srv.Handler(), "/api/ai/generate",
		`{"cardId":"c1","blueprintType":"vision","cardTitle":"North Star"}`, nil)

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}

	frames := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	if len(frames) < 2 {
		t.Fatalf("frames = %d, body = %q", len(frames), rec.Body.String())
	}
	last := frames[len(frames)-1]
	if !strings.HasPrefix(last, "data: ") {
		t.Fatalf("frame = %q", last)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(last, "data: ")), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["type"] != "complete" {
		t.Errorf("final frame type = %v", payload["type"])
	}
}

func TestGenerateValidatesBeforeStreaming(t *testing.T) {
	srv := newTestServer(t, &stubTools{}, &stubGenerator{})

	rec := postJSON(t, srv.Handler(), "/api/ai/generate", `{"cardId":"c1"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("content type = %q", got)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] == "" {
		t.Error("expected error message")
	}
}

func TestTranscriptRequiresTranscript(t *testing.T) {
	srv := newTestServer(t, &stubTools{}, &stubGenerator{})

	rec := postJSON(t, srv.Handler(), "/api/ai/transcript",
		`{"cardId":"c1","blueprintType":"vision","cardTitle":"X"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGenerateUpstreamFailureEmitsErrorFrame(t *testing.T) {
	tools := &stubTools{err: &toolexec.PipelineError{
		Reason: toolexec.ReasonUpstreamHTTP,
		Target: "tool-service",
		Status: 502,
	}}
	srv := newTestServer(t, tools, &stubGenerator{})

	rec := postJSON(t, srv.Handler(), "/api/ai/generate",
		`{"cardId":"c1","blueprintType":"vision","cardTitle":"X"}`, nil)

	body := rec.Body.String()
	if !strings.Contains(body, `"type":"error"`) {
		t.Errorf("body = %q", body)
	}
}

func TestAnalyzeURLCachesResults(t *testing.T) {
	tools := &stubTools{payload: json.RawMessage(`{"success":true,"cardsCreated":2,"summary":"ok"}`)}
	srv := newTestServer(t, tools, &stubGenerator{})
	handler := srv.Handler()

	rec := postJSON(t, handler, "/api/ai/analyze-url", `{"url":"https://example.com"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Second identical request must answer from cache even if the
	// upstream has started failing.
	tools.err = &toolexec.PipelineError{Reason: toolexec.ReasonTransport}
	rec = postJSON(t, handler, "/api/ai/analyze-url", `{"url":"https://example.com"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cached status = %d", rec.Code)
	}
	var result pipeline.AnalysisResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.CardsCreated != 2 {
		t.Errorf("cardsCreated = %d", result.CardsCreated)
	}
}

func TestAnalyzeURLEmptyResultNotCached(t *testing.T) {
	tools := &stubTools{payload: json.RawMessage(`{"success":true,"cardsCreated":0}`)}
	srv := newTestServer(t, tools, &stubGenerator{})
	handler := srv.Handler()

	postJSON(t, handler, "/api/ai/analyze-url", `{"url":"https://example.com"}`, nil)

	tools.err = &toolexec.PipelineError{Reason: toolexec.ReasonTransport}
	rec := postJSON(t, handler, "/api/ai/analyze-url", `{"url":"https://example.com"}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want bad gateway since empty results are not cached", rec.Code)
	}
}

func TestAnalyzeURLRateLimited(t *testing.T) {
	tools := &stubTools{payload: json.RawMessage(`{"success":true,"cardsCreated":0}`)}
	srv := newTestServer(t, tools, &stubGenerator{})
	handler := srv.Handler()

	// Limit is 2 per window; distinct URLs avoid the cache.
	postJSON(t, handler, "/api/ai/analyze-url", `{"url":"https://a.test"}`, nil)
	postJSON(t, handler, "/api/ai/analyze-url", `{"url":"https://b.test"}`, nil)
	rec := postJSON(t, handler, "/api/ai/analyze-url", `{"url":"https://c.test"}`, nil)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "rate_limited" || body["message"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestAnalyzeURLCallerIdentityFromJWT(t *testing.T) {
	tools := &stubTools{payload: json.RawMessage(`{"success":true,"cardsCreated":0}`)}
	srv := newTestServer(t, tools, &stubGenerator{})
	handler := srv.Handler()

	sign := func(subject string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		signed, err := token.SignedString([]byte("test-secret"))
		if err != nil {
			t.Fatal(err)
		}
		return signed
	}

	alice := http.Header{"Authorization": {"Bearer " + sign("alice")}}
	bob := http.Header{"Authorization": {"Bearer " + sign("bob")}}

	postJSON(t, handler, "/api/ai/analyze-url", `{"url":"https://a.test"}`, alice)
	postJSON(t, handler, "/api/ai/analyze-url", `{"url":"https://b.test"}`, alice)
	rec := postJSON(t, handler, "/api/ai/analyze-url", `{"url":"https://c.test"}`, alice)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("alice status = %d", rec.Code)
	}

	// A different subject has its own window.
	rec = postJSON(t, handler, "/api/ai/analyze-url", `{"url":"https://d.test"}`, bob)
	if rec.Code != http.StatusOK {
		t.Errorf("bob status = %d", rec.Code)
	}
}

func TestAnalyzeURLRejectsInvalidToken(t *testing.T) {
	tools := &stubTools{payload: json.RawMessage(`{"success":true,"cardsCreated":1}`)}
	srv := newTestServer(t, tools, &stubGenerator{})

	rec := postJSON(t, srv.Handler(), "/api/ai/analyze-url", `{"url":"https://a.test"}`,
		http.Header{"Authorization": {"Bearer not-a-jwt"}})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for a presented but invalid token", rec.Code)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	tools := &stubTools{payload: json.RawMessage(`{"success":true,"prompts":{"system":"s","user":"u"}}`)}
	srv := newTestServer(t, tools, &stubGenerator{content: `{"fields":{}}`})
	handler := srv.Handler()

	postJSON(t, handler, "/api/ai/generate",
		`{"cardId":"c1","blueprintType":"vision","cardTitle":"X"}`, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/ai/sessions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp sessionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.History) != 1 {
		t.Fatalf("history = %d", len(resp.History))
	}
	if resp.History[0].Phase != generation.PhaseComplete {
		t.Errorf("phase = %v", resp.History[0].Phase)
	}
}

func TestSessionCancelUnknownID(t *testing.T) {
	srv := newTestServer(t, &stubTools{}, &stubGenerator{})

	rec := postJSON(t, srv.Handler(), "/api/ai/sessions/cancel", `{"id":"nope"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestPanelPositionRoundTrip(t *testing.T) {
	srv := newTestServer(t, &stubTools{}, &stubGenerator{})
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/ai/panel-position", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status before save = %d", rec.Code)
	}

	rec = postJSON(t, handler, "/api/ai/panel-position", `{"x":120,"y":40}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("save status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/ai/panel-position", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var pos generation.PanelPosition
	if err := json.Unmarshal(rec.Body.Bytes(), &pos); err != nil {
		t.Fatal(err)
	}
	if pos.X != 120 || pos.Y != 40 {
		t.Errorf("pos = %+v", pos)
	}
}

func TestAutomationRunRequiresSecret(t *testing.T) {
	srv := newTestServer(t, &stubTools{}, &stubGenerator{})
	handler := srv.Handler()

	rec := postJSON(t, handler, "/api/automation/run", `{}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without secret = %d", rec.Code)
	}

	rec = postJSON(t, handler, "/api/automation/run", `{}`,
		http.Header{"Authorization": {"Bearer wrong"}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong secret = %d", rec.Code)
	}

	rec = postJSON(t, handler, "/api/automation/run", `{}`,
		http.Header{"Authorization": {"Bearer automation-secret"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status with secret = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["processed"] != 0 {
		t.Errorf("processed = %d, want 0 with no due rules", body["processed"])
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &stubTools{}, &stubGenerator{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	v := NewJWTVerifier("secret")

	if _, err := v.Verify("not-a-token"); err == nil {
		t.Error("expected error for garbage token")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"})
	signed, err := token.SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(signed); err == nil {
		t.Error("expected error for wrong signature")
	}
}
