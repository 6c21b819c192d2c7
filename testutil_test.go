package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testLogger returns a logger that discards everything.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testTime returns a fixed time for testing
func testTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

// decodeJSON decodes a request body.
func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// mockCompletion builds a provider response with one choice and a usage block.
func mockCompletion(content string, promptTokens, completionTokens int) OpenRouterAPIResponse {
	return OpenRouterAPIResponse{
		Choices: []OpenRouterAPIChoice{
			{Message: OpenRouterAPIMessage{Content: content}},
		},
		Usage: &TokenUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

// mockToolCall builds a provider response requesting one tool call.
func mockToolCall(id, name, arguments string) OpenRouterAPIResponse {
	return OpenRouterAPIResponse{
		Choices: []OpenRouterAPIChoice{
			{Message: OpenRouterAPIMessage{
				ToolCalls: []ToolCall{{
					ID:       id,
					Type:     "function",
					Function: ToolCallFunction{Name: name, Arguments: arguments},
				}},
			}},
		},
		Usage: &TokenUsage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
	}
}

// mockReply answers one decoded chat-completions request with a status and a body.
type mockReply func(req OpenRouterRequest) (int, any)

// MockOpenRouterServer starts a chat-completions server answering with reply.
// Every request is recorded and checked for the JSON and auth headers.
type MockOpenRouterServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []OpenRouterRequest
}

// NewMockOpenRouterServer creates a mock HTTP server for the OpenRouter API.
func NewMockOpenRouterServer(t *testing.T, reply mockReply) *MockOpenRouterServer {
	t.Helper()
	m := &MockOpenRouterServer{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Authorization") == "" {
			t.Errorf("Missing Authorization header")
		}

		var req OpenRouterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.requests = append(m.requests, req)
		m.mu.Unlock()

		status, body := reply(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		switch b := body.(type) {
		case string:
			_, _ = w.Write([]byte(b))
		default:
			_ = json.NewEncoder(w).Encode(b)
		}
	}))
	t.Cleanup(m.Close)
	return m
}

// Requests returns every request received so far.
func (m *MockOpenRouterServer) Requests() []OpenRouterRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OpenRouterRequest(nil), m.requests...)
}

// RequestsFor returns the requests sent for one model.
func (m *MockOpenRouterServer) RequestsFor(model string) []OpenRouterRequest {
	var out []OpenRouterRequest
	for _, r := range m.Requests() {
		if r.Model == model {
			out = append(out, r)
		}
	}
	return out
}

// lastContent returns the content of the final message of a request.
func lastContent(req OpenRouterRequest) string {
	if len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[len(req.Messages)-1].Content
}

// councilReply scripts a whole council run. Stage 1 answers name their model,
// every ranking prefers Response A, the chairman returns a fixed synthesis and
// the utility model returns valid memory and summary JSON. Models listed in
// failing answer with HTTP 500.
func councilReply(failing ...string) mockReply {
	fail := make(map[string]bool, len(failing))
	for _, m := range failing {
		fail[m] = true
	}
	return func(req OpenRouterRequest) (int, any) {
		if fail[req.Model] {
			return http.StatusInternalServerError, `{"error":"upstream unavailable"}`
		}
		content := lastContent(req)
		switch {
		case strings.Contains(content, "Generate a very short title"):
			return http.StatusOK, mockCompletion(`"Go Concurrency Basics"`, 20, 4)
		case strings.Contains(content, "You are evaluating different responses"):
			return http.StatusOK, mockCompletion("Response A is the most complete.\n\nFINAL RANKING:\n1. Response A\n2. Response B\n3. Response C", 100, 30)
		case strings.Contains(content, "You are the Chairman"):
			return http.StatusOK, mockCompletion("Goroutines are lightweight threads managed by the Go runtime.", 200, 50)
		case strings.Contains(content, "You extract durable facts"):
			return http.StatusOK, mockCompletion(`{"extracted": [{"category": "skill", "key": "language", "value": "Writes Go daily", "confidence": 0.9, "action": "add"}]}`, 50, 20)
		case strings.Contains(content, "Summarize the following conversation"):
			return http.StatusOK, mockCompletion(`{"summary": "The user asked about goroutines.", "key_topics": ["go", "concurrency"], "user_intent": "learn", "outcome": "explained"}`, 50, 20)
		default:
			return http.StatusOK, mockCompletion("Answer from "+req.Model, 10, 5)
		}
	}
}

// testProjectConfig returns a three-member council with memory disabled.
func testProjectConfig() ProjectConfig {
	cfg := ProjectConfig{
		CouncilMembers: []CouncilMember{
			{ID: "alpha", Name: "Alpha", Model: "test/alpha"},
			{ID: "beta", Name: "Beta", Model: "test/beta"},
			{ID: "gamma", Name: "Gamma", Model: "test/gamma"},
		},
		Chairman:   CouncilMember{ID: "chairman", Name: "Chairman", Model: "test/chairman"},
		TitleModel: "test/title",
		Tools:      ToolSettings{Enabled: false, MaxIterations: 3},
		MemorySettings: MemorySettings{
			Enabled:            false,
			UtilityModel:       "test/utility",
			MaxSummaries:       5,
			MaxHistoryMessages: 10,
		},
	}
	cfg.Normalize()
	return cfg
}

// newTestStorage creates a storage rooted in a fresh temp dir.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	return NewStorage(t.TempDir(), testLogger())
}

// newTestApp wires a full App against a mock provider. The default project
// uses testProjectConfig. The background queue is started and drained on cleanup.
func newTestApp(t *testing.T, providerURL string) *App {
	t.Helper()
	dir := t.TempDir()
	cfg := &Config{
		OpenRouterAPIKey:  "test-key",
		OpenRouterAPIURL:  providerURL,
		DataDir:           dir,
		Port:              "0",
		JobStore:          "file",
		ModelTimeout:      5 * time.Second,
		TitleTimeout:      5 * time.Second,
		MaxToolIterations: DefaultMaxToolIterations,
		BackgroundWorkers: 1,
	}

	app, err := NewApp(cfg, testLogger())
	require.NoError(t, err)

	_, err = app.Service.SaveProjectConfig(DefaultProjectID, testProjectConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	app.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		app.Close(stopCtx)
		cancel()
	})
	return app
}

// recordingObserver keeps every event it sees.
type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) Observe(ctx context.Context, ev Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
	return nil
}

func (o *recordingObserver) Types() []EventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	types := make([]EventType, 0, len(o.events))
	for _, ev := range o.events {
		types = append(types, ev.Type)
	}
	return types
}

// fakeGateway answers model calls from a function without any HTTP.
type fakeGateway struct {
	mu    sync.Mutex
	calls []string
	reply func(model string, messages []OpenRouterMessage) (*OpenRouterResponse, error)
}

func (g *fakeGateway) QueryModel(ctx context.Context, model string, messages []OpenRouterMessage, opts QueryOptions) (*OpenRouterResponse, error) {
	g.mu.Lock()
	g.calls = append(g.calls, model)
	g.mu.Unlock()
	return g.reply(model, messages)
}

func (g *fakeGateway) QueryModelWithTools(ctx context.Context, model string, messages []OpenRouterMessage, opts QueryOptions, runner ToolRunner, maxIterations int) (*OpenRouterResponse, error) {
	return g.QueryModel(ctx, model, messages, opts)
}

func (g *fakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

// SampleConversation creates a sample conversation for testing
func SampleConversation(id string) *Conversation {
	return &Conversation{
		ID:        id,
		CreatedAt: testTime(),
		Title:     "Test Conversation",
		Messages: []Message{
			{
				Role:    "user",
				Content: "What is Go?",
			},
			{
				Role: "assistant",
				Stage1: []Stage1Response{
					{MemberID: "alpha", Model: "test/model1", Response: "Go is a programming language."},
					{MemberID: "beta", Model: "test/model2", Response: "Go is developed by Google."},
				},
				Stage2: []Stage2Ranking{
					{
						MemberID:      "alpha",
						Model:         "test/model1",
						Ranking:       "FINAL RANKING:\n1. Response B\n2. Response A",
						ParsedRanking: []string{"Response B", "Response A"},
					},
				},
				Stage3: &Stage3Response{
					Model:    "test/chairman",
					Response: "Go is a programming language developed by Google.",
				},
			},
		},
	}
}
