package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// mockLLM scripts responses per prompt kind. Responses are consumed in
// order; the last one repeats once exhausted.
type mockLLM struct {
	mu        sync.Mutex
	prompts   *Prompts
	responses map[string][]string
	errs      map[string]error
	calls     map[string]int
}

func newMockLLM(t *testing.T) *mockLLM {
	t.Helper()
	prompts, err := LoadPrompts()
	require.NoError(t, err)
	return &mockLLM{
		prompts:   prompts,
		responses: make(map[string][]string),
		errs:      make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (m *mockLLM) respond(kind string, responses ...string) { m.responses[kind] = responses }
func (m *mockLLM) fail(kind string, err error)              { m.errs[kind] = err }

func (m *mockLLM) callCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[kind]
}

func (m *mockLLM) Complete(_ context.Context, systemPrompt, _ string) (string, error) {
	kind := m.kindOf(systemPrompt)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[kind]++
	if err := m.errs[kind]; err != nil {
		return "", err
	}
	responses := m.responses[kind]
	if len(responses) == 0 {
		return "", fmt.Errorf("no scripted response for %s prompt", kind)
	}
	i := m.calls[kind] - 1
	if i >= len(responses) {
		i = len(responses) - 1
	}
	return responses[i], nil
}

func (m *mockLLM) kindOf(systemPrompt string) string {
	switch {
	case systemPrompt == m.prompts.Extract:
		return "extract"
	case systemPrompt == m.prompts.Decompose:
		return "decompose"
	case strings.HasPrefix(systemPrompt, m.prompts.Generate):
		return "generate"
	case systemPrompt == m.prompts.Narrative:
		return "narrative"
	case systemPrompt == m.prompts.FollowUp:
		return "followup"
	}
	return "unknown"
}

// mockStore scripts query results by statement. Unscripted statements
// return a single-row default.
type mockStore struct {
	mu        sync.Mutex
	schema    string
	schemaErr error
	results   map[string]QueryResult
	errs      map[string]error
	executed  []string
}

func newMockStore() *mockStore {
	return &mockStore{
		schema:  "## review_events\n- brand (VARCHAR)\n- attribute (VARCHAR)\n- score (DOUBLE)\n- reviewed_at (TIMESTAMP)",
		results: make(map[string]QueryResult),
		errs:    make(map[string]error),
	}
}

func (s *mockStore) Execute(_ context.Context, statement string) (QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, statement)
	if err := s.errs[statement]; err != nil {
		return QueryResult{}, err
	}
	if res, ok := s.results[statement]; ok {
		return res, nil
	}
	return QueryResult{
		Columns: []string{"brand", "avg_score"},
		Rows:    []map[string]any{{"brand": "acme", "avg_score": 4.2}},
		Count:   1,
	}, nil
}

func (s *mockStore) FetchSchema(_ context.Context) (string, error) {
	if s.schemaErr != nil {
		return "", s.schemaErr
	}
	return s.schema, nil
}

func (s *mockStore) executedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executed)
}

func newTestConfig(t *testing.T, llm LLMClient, store Store) *Config {
	t.Helper()
	prompts, err := LoadPrompts()
	require.NoError(t, err)
	cfg := &Config{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		LLM:             llm,
		Store:           store,
		Prompts:         prompts,
		Clock:           clockwork.NewRealClock(),
		BackoffInterval: time.Millisecond,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

// extractResponse builds a scripted extraction payload with every field the
// schema requires.
func extractResponse(subjects, attributes, channels []string, comparison, distribution, compound bool, windowKind string) string {
	quote := func(xs []string) string {
		if len(xs) == 0 {
			return "[]"
		}
		return `["` + strings.Join(xs, `","`) + `"]`
	}
	return fmt.Sprintf(`{"subjects":%s,"attributes":%s,"channels":%s,"time_window":{"kind":"%s"},"comparison":%t,"distribution":%t,"compound":%t}`,
		quote(subjects), quote(attributes), quote(channels), windowKind, comparison, distribution, compound)
}

func planResponse(sql, purpose string, rows int) string {
	return fmt.Sprintf(`{"sql":"%s","purpose":"%s","estimated_rows":%d}`, sql, purpose, rows)
}
