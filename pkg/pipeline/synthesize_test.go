package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesize_AssemblesNarrativeAndArtifacts(t *testing.T) {
	cfg := newTestConfig(t, newMockLLM(t), newMockStore())
	s := NewSynthesizer(cfg)

	rec := &StateRecord{
		RequestID: "req-1",
		StartedAt: cfg.Clock.Now().Add(-2 * time.Second),
		RawQuery:  RawQuery{Text: "q"},
		Results: []ExecutionResult{
			{Success: true},
			{Success: true},
		},
		Response: &ResponsePlan{
			Confidence: 0.8,
			Required:   []ArtifactKind{ArtifactNarrative, ArtifactLineChart},
		},
		Artifacts: map[ArtifactKind]Artifact{
			ArtifactNarrative: {Kind: ArtifactNarrative, Text: "the answer"},
			ArtifactLineChart: {Kind: ArtifactLineChart, Chart: &ChartSpec{Kind: ArtifactLineChart}},
		},
	}

	require.NoError(t, s.Run(context.Background(), rec))

	require.NotNil(t, rec.Final)
	assert.Equal(t, "the answer", rec.Final.Text)
	require.Len(t, rec.Final.Artifacts, 2)
	assert.Equal(t, ArtifactNarrative, rec.Final.Artifacts[0].Kind)
	assert.Equal(t, ArtifactLineChart, rec.Final.Artifacts[1].Kind)
	assert.Equal(t, "req-1", rec.Final.Metadata.RequestID)
	assert.Equal(t, 2, rec.Final.Metadata.SuccessfulQueries)
	assert.False(t, rec.Final.Metadata.Degraded)
	assert.Equal(t, 0.8, rec.Final.Metadata.Confidence)
}

func TestSynthesize_TextNeverEmpty(t *testing.T) {
	cfg := newTestConfig(t, newMockLLM(t), newMockStore())
	s := NewSynthesizer(cfg)

	records := []*StateRecord{
		{RawQuery: RawQuery{Text: "q"}}, // nothing ran at all
		{RawQuery: RawQuery{Text: "q"}, Fault: NewFault(FaultGeneration, StageIntent, false, fmt.Errorf("down"))},
		{RawQuery: RawQuery{Text: "q"}, Fault: NewFault(FaultDeadline, StageExecute, false, context.DeadlineExceeded)},
		{RawQuery: RawQuery{Text: "q"}, Fault: NewFault(FaultStoreTransient, StageExecute, false, fmt.Errorf("refused"))},
		{RawQuery: RawQuery{Text: "q"}, Results: []ExecutionResult{{Success: false, ErrKind: FaultStore}}},
	}
	for i, rec := range records {
		rec.StartedAt = cfg.Clock.Now()
		require.NoError(t, s.Run(context.Background(), rec), "record %d", i)
		require.NotNil(t, rec.Final, "record %d", i)
		assert.NotEmpty(t, rec.Final.Text, "record %d", i)
	}
}

func TestSynthesize_SuggestedKindsTravelAsNamesOnly(t *testing.T) {
	cfg := newTestConfig(t, newMockLLM(t), newMockStore())
	s := NewSynthesizer(cfg)

	rec := &StateRecord{
		RequestID: "req-2",
		StartedAt: cfg.Clock.Now(),
		RawQuery:  RawQuery{Text: "q"},
		Results:   []ExecutionResult{{Success: true}},
		Response: &ResponsePlan{
			Confidence:  0.5,
			Composition: CompositionSuggestion,
			Required:    []ArtifactKind{ArtifactNarrative},
			Suggested:   []ArtifactKind{ArtifactLineChart, ArtifactTable},
		},
		Artifacts: map[ArtifactKind]Artifact{
			ArtifactNarrative: {Kind: ArtifactNarrative, Text: "the answer"},
		},
	}

	require.NoError(t, s.Run(context.Background(), rec))

	assert.Equal(t, []ArtifactKind{ArtifactLineChart, ArtifactTable}, rec.Final.Suggested)
	require.Len(t, rec.Final.Artifacts, 1)
	assert.Equal(t, ArtifactNarrative, rec.Final.Artifacts[0].Kind)
}

func TestSynthesize_FaultMarksDegraded(t *testing.T) {
	cfg := newTestConfig(t, newMockLLM(t), newMockStore())
	s := NewSynthesizer(cfg)

	rec := &StateRecord{
		RawQuery:  RawQuery{Text: "q"},
		StartedAt: cfg.Clock.Now(),
		Fault:     NewFault(FaultContract, StageDecompose, true, fmt.Errorf("bad json")),
		Artifacts: map[ArtifactKind]Artifact{
			ArtifactNarrative: {Kind: ArtifactNarrative, Text: "partial answer"},
		},
		Response: &ResponsePlan{Required: []ArtifactKind{ArtifactNarrative}},
	}

	require.NoError(t, s.Run(context.Background(), rec))

	assert.True(t, rec.Final.Metadata.Degraded)
	assert.Equal(t, "partial answer", rec.Final.Text)
}

func TestSynthesize_PartialQueryFailureMarksDegraded(t *testing.T) {
	cfg := newTestConfig(t, newMockLLM(t), newMockStore())
	s := NewSynthesizer(cfg)

	rec := &StateRecord{
		RawQuery:  RawQuery{Text: "q"},
		StartedAt: cfg.Clock.Now(),
		Results: []ExecutionResult{
			{Success: true},
			{Success: false, ErrKind: FaultStore},
		},
		Artifacts: map[ArtifactKind]Artifact{
			ArtifactNarrative: {Kind: ArtifactNarrative, Text: "most of the answer"},
		},
		Response: &ResponsePlan{Required: []ArtifactKind{ArtifactNarrative}},
	}

	require.NoError(t, s.Run(context.Background(), rec))

	assert.True(t, rec.Final.Metadata.Degraded)
	assert.Equal(t, 1, rec.Final.Metadata.SuccessfulQueries)
	assert.Equal(t, 1, rec.Final.Metadata.FailedQueries)
}
