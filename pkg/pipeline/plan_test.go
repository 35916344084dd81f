package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan_OnePlanPerSubQuestionInOrder(t *testing.T) {
	llm := newMockLLM(t)
	llm.respond("generate", planResponse("SELECT 1", "first", 1))
	cfg := newTestConfig(t, llm, newMockStore())
	s := NewQuerySynthesizer(cfg)

	rec := &StateRecord{
		RawQuery:     RawQuery{Text: "q"},
		Entities:     &ExtractedEntities{Subjects: []string{}, Attributes: []string{}, Channels: []string{}},
		Strategy:     &Strategy{Scope: ScopeRollups, Aggregation: AggregationLookup, Metric: MetricCount},
		SubQuestions: []SubQuestion{{Text: "a"}, {Text: "b"}},
	}

	require.NoError(t, s.Run(context.Background(), rec))

	require.Len(t, rec.Plans, len(rec.SubQuestions))
	require.NoError(t, rec.Validate(StagePlan))
}

func TestPlan_RejectedStatementYieldsEmptyPlan(t *testing.T) {
	llm := newMockLLM(t)
	llm.respond("generate", planResponse("DROP TABLE review_events", "malicious", 0))
	cfg := newTestConfig(t, llm, newMockStore())
	s := NewQuerySynthesizer(cfg)

	rec := &StateRecord{
		RawQuery:     RawQuery{Text: "q"},
		Entities:     &ExtractedEntities{Subjects: []string{}, Attributes: []string{}, Channels: []string{}},
		Strategy:     &Strategy{Scope: ScopeRollups, Aggregation: AggregationLookup, Metric: MetricCount},
		SubQuestions: []SubQuestion{{Text: "a", Purpose: "p"}},
	}

	require.NoError(t, s.Run(context.Background(), rec))

	require.Len(t, rec.Plans, 1)
	assert.Empty(t, rec.Plans[0].SQL)
	assert.Equal(t, "p", rec.Plans[0].Purpose)
	require.NotNil(t, rec.Fault)
	assert.Equal(t, FaultPlanGeneration, rec.Fault.Kind)
	assert.True(t, rec.Fault.Recoverable)
}

func TestPlan_SchemaFetchFailureIsUnrecoverable(t *testing.T) {
	store := newMockStore()
	store.schemaErr = assert.AnError
	cfg := newTestConfig(t, newMockLLM(t), store)
	s := NewQuerySynthesizer(cfg)

	rec := &StateRecord{
		RawQuery:     RawQuery{Text: "q"},
		Entities:     &ExtractedEntities{Subjects: []string{}, Attributes: []string{}, Channels: []string{}},
		Strategy:     &Strategy{Scope: ScopeRollups, Aggregation: AggregationLookup, Metric: MetricCount},
		SubQuestions: []SubQuestion{{Text: "a"}},
	}

	err := s.Run(context.Background(), rec)
	require.Error(t, err)
}

func TestCheckStatement(t *testing.T) {
	assert.NoError(t, checkStatement("SELECT 1"))
	assert.NoError(t, checkStatement("WITH t AS (SELECT 1) SELECT * FROM t"))
	assert.Error(t, checkStatement(""))
	assert.Error(t, checkStatement("UPDATE review_events SET score = 5"))
	assert.Error(t, checkStatement("SELECT 1; DROP TABLE review_events"))
	assert.Error(t, checkStatement("EXPLAIN SELECT 1"))
}
