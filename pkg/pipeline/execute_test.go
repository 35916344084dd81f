package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_ResultsAlignWithPlansByIndex(t *testing.T) {
	store := newMockStore()
	store.results["SELECT 1"] = QueryResult{
		Columns: []string{"n"},
		Rows:    []map[string]any{{"n": 1}},
		Count:   1,
	}
	store.errs["SELECT broken"] = fmt.Errorf("syntax error at or near broken")
	store.results["SELECT 2"] = QueryResult{
		Columns: []string{"n"},
		Rows:    []map[string]any{{"n": 2}},
		Count:   1,
	}
	cfg := newTestConfig(t, newMockLLM(t), store)
	e := NewExecutor(cfg)

	rec := &StateRecord{
		RawQuery: RawQuery{Text: "q"},
		Entities: &ExtractedEntities{Subjects: []string{"acme"}, Attributes: []string{}, Channels: []string{}},
		Strategy: &Strategy{Aggregation: AggregationLookup},
		Plans: []QueryPlan{
			{SQL: "SELECT 1", Purpose: "first"},
			{SQL: "SELECT broken", Purpose: "second"},
			{SQL: "SELECT 2", Purpose: "third"},
		},
	}

	require.NoError(t, e.Run(context.Background(), rec))

	require.Len(t, rec.Results, 3)
	assert.True(t, rec.Results[0].Success)
	assert.False(t, rec.Results[1].Success)
	assert.Equal(t, FaultStore, rec.Results[1].ErrKind)
	assert.True(t, rec.Results[2].Success)
	assert.Equal(t, 1, rec.Results[0].Rows[0]["n"])
}

func TestExecute_EmptyPlanFailsWithoutTouchingStore(t *testing.T) {
	store := newMockStore()
	cfg := newTestConfig(t, newMockLLM(t), store)
	e := NewExecutor(cfg)

	rec := &StateRecord{
		RawQuery: RawQuery{Text: "q"},
		Entities: &ExtractedEntities{Subjects: []string{}, Attributes: []string{}, Channels: []string{}},
		Strategy: &Strategy{Aggregation: AggregationLookup},
		Plans:    []QueryPlan{{SQL: "", Purpose: "failed synthesis"}},
	}

	require.NoError(t, e.Run(context.Background(), rec))

	require.Len(t, rec.Results, 1)
	assert.False(t, rec.Results[0].Success)
	assert.Equal(t, FaultPlanGeneration, rec.Results[0].ErrKind)
	assert.Zero(t, store.executedCount())
}

func TestExecute_TransientErrorRetriedWithinBudget(t *testing.T) {
	store := &flakyStore{failures: 2, inner: newMockStore()}
	cfg := newTestConfig(t, newMockLLM(t), store)
	e := NewExecutor(cfg)

	rec := &StateRecord{
		RawQuery: RawQuery{Text: "q"},
		Entities: &ExtractedEntities{Subjects: []string{"acme"}, Attributes: []string{}, Channels: []string{}},
		Strategy: &Strategy{Aggregation: AggregationLookup},
		Plans:    []QueryPlan{{SQL: "SELECT 1", Purpose: "p"}},
	}

	require.NoError(t, e.Run(context.Background(), rec))

	require.Len(t, rec.Results, 1)
	assert.True(t, rec.Results[0].Success)
	assert.Equal(t, 3, rec.Results[0].Attempts)
}

func TestExecute_NonTransientErrorNotRetried(t *testing.T) {
	store := newMockStore()
	store.errs["SELECT bad"] = fmt.Errorf("no such table: reviews_bad")
	cfg := newTestConfig(t, newMockLLM(t), store)
	e := NewExecutor(cfg)

	rec := &StateRecord{
		RawQuery: RawQuery{Text: "q"},
		Entities: &ExtractedEntities{Subjects: []string{}, Attributes: []string{}, Channels: []string{}},
		Strategy: &Strategy{Aggregation: AggregationLookup},
		Plans:    []QueryPlan{{SQL: "SELECT bad", Purpose: "p"}},
	}

	require.NoError(t, e.Run(context.Background(), rec))

	assert.Equal(t, 1, store.executedCount())
	assert.Equal(t, FaultStore, rec.Results[0].ErrKind)
}

func TestCharacterize_TimeSeriesNeedsThreeDistinctPoints(t *testing.T) {
	entities := &ExtractedEntities{Subjects: []string{"acme"}, Attributes: []string{}, Channels: []string{}}
	strategy := &Strategy{Aggregation: AggregationTimeSeries}

	twoPoints := []ExecutionResult{{
		Success: true,
		Columns: []string{"month", "avg_score"},
		Rows: []map[string]any{
			{"month": "2026-06", "avg_score": 4.1},
			{"month": "2026-07", "avg_score": 4.3},
		},
	}}
	assert.False(t, characterize(twoPoints, entities, strategy).TimeSeries)

	threePoints := []ExecutionResult{{
		Success: true,
		Columns: []string{"month", "avg_score"},
		Rows: []map[string]any{
			{"month": "2026-06", "avg_score": 4.1},
			{"month": "2026-07", "avg_score": 4.3},
			{"month": "2026-08", "avg_score": 4.0},
		},
	}}
	data := characterize(threePoints, entities, strategy)
	assert.True(t, data.TimeSeries)
	assert.Equal(t, 3, data.TimePoints)
}

func TestCharacterize_FailedResultsContributeNothing(t *testing.T) {
	entities := &ExtractedEntities{Subjects: []string{"acme", "zenith"}, Attributes: []string{}, Channels: []string{}}
	strategy := &Strategy{Aggregation: AggregationComparison}

	results := []ExecutionResult{
		{Success: false, ErrKind: FaultStore},
		{Success: true, Columns: []string{"brand"}, Rows: []map[string]any{{"brand": "acme"}}},
	}
	data := characterize(results, entities, strategy)

	assert.Equal(t, 1, data.TotalRows)
	assert.True(t, data.MultiEntity)
	assert.False(t, data.LargeResult)
}

// flakyStore fails the first N executions with a transient error.
type flakyStore struct {
	failures int
	inner    *mockStore
}

func (s *flakyStore) Execute(ctx context.Context, statement string) (QueryResult, error) {
	if s.failures > 0 {
		s.failures--
		return QueryResult{}, fmt.Errorf("connection refused")
	}
	return s.inner.Execute(ctx, statement)
}

func (s *flakyStore) FetchSchema(ctx context.Context) (string, error) {
	return s.inner.FetchSchema(ctx)
}
