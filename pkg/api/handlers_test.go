package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tannatlabs/lens/pkg/pipeline"
)

// scriptedLLM routes on the prompt heading so one mock serves the whole
// pipeline.
type scriptedLLM struct{}

func (scriptedLLM) Complete(_ context.Context, systemPrompt, _ string) (string, error) {
	switch {
	case strings.Contains(systemPrompt, "# Entity Extraction"):
		return `{"subjects":["acme"],"attributes":["moisture"],"channels":[],"time_window":{"kind":"none"},"comparison":false,"distribution":false,"compound":false}`, nil
	case strings.Contains(systemPrompt, "# SQL Generation"):
		return `{"sql":"SELECT avg(score) FROM review_events","purpose":"avg","estimated_rows":1}`, nil
	case strings.Contains(systemPrompt, "# Question Decomposition"):
		return `{"sub_questions":[{"text":"q","purpose":"p","depends_on":null}]}`, nil
	case strings.Contains(systemPrompt, "# Narrative Synthesis"):
		return "Acme averages 4.2 on moisture.", nil
	case strings.Contains(systemPrompt, "# Follow-up Suggestions"):
		return `["And how about scent?"]`, nil
	}
	return "", nil
}

type staticStore struct{}

func (staticStore) Execute(context.Context, string) (pipeline.QueryResult, error) {
	return pipeline.QueryResult{
		Columns: []string{"avg"},
		Rows:    []map[string]any{{"avg": 4.2}},
		Count:   1,
	}, nil
}

func (staticStore) FetchSchema(context.Context) (string, error) {
	return "## review_events\n- brand (VARCHAR)\n- score (DOUBLE)", nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	prompts, err := pipeline.LoadPrompts()
	require.NoError(t, err)

	orchestrator, err := pipeline.NewOrchestrator(pipeline.Config{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		LLM:     scriptedLLM{},
		Store:   staticStore{},
		Prompts: prompts,
	})
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	srv, err := New(Config{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Orchestrator: orchestrator,
		Listener:     listener,
	})
	require.NoError(t, err)
	return srv
}

func TestAskHandler_AnswersQuestion(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/ask",
		strings.NewReader(`{"question": "How is Acme's moisture score?"}`))
	w := httptest.NewRecorder()
	srv.askHandler(w, req)

	require.Equal(t, 200, w.Code)
	var resp AskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Acme averages 4.2 on moisture.", resp.Answer)
	assert.False(t, resp.Degraded)
	assert.NotEmpty(t, resp.RequestID)
	assert.Empty(t, resp.Error)
}

func TestAskHandler_RejectsEmptyQuestion(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/ask", strings.NewReader(`{"question": "  "}`))
	w := httptest.NewRecorder()
	srv.askHandler(w, req)

	assert.Equal(t, 400, w.Code)
}

func TestAskHandler_RejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/ask", strings.NewReader(`not json`))
	w := httptest.NewRecorder()
	srv.askHandler(w, req)

	assert.Equal(t, 400, w.Code)
}

func TestAskStreamHandler_EmitsProgressThenResult(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/ask/stream",
		strings.NewReader(`{"question": "How is Acme's moisture score?"}`))
	w := httptest.NewRecorder()
	srv.askStreamHandler(w, req)

	require.Equal(t, 200, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var events []string
	var resultData string
	scanner := bufio.NewScanner(w.Body)
	var lastEvent string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			lastEvent = strings.TrimPrefix(line, "event: ")
			events = append(events, lastEvent)
		}
		if strings.HasPrefix(line, "data: ") && lastEvent == "result" {
			resultData = strings.TrimPrefix(line, "data: ")
		}
	}

	require.NotEmpty(t, events)
	assert.Contains(t, events, "progress")
	assert.Equal(t, "result", events[len(events)-1])

	var resp AskResponse
	require.NoError(t, json.Unmarshal([]byte(resultData), &resp))
	assert.Equal(t, "Acme averages 4.2 on moisture.", resp.Answer)
}
