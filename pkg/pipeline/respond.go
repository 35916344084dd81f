package pipeline

// Confidence weights for visual-worthiness signals. The sum is clipped to
// [0, 1] before banding.
const (
	confTimeSeries   = 0.3
	confMultiEntity  = 0.25
	confDistribution = 0.2
	confKeywords     = 0.15
	confLargeResult  = 0.1

	keywordCardinalityMin = 5
)

// PlanResponse decides the output composition from the aggregate data shape
// and the thresholds. Pure function; the same data always yields the same
// plan.
func PlanResponse(data *DataCharacteristics, strategy *Strategy, suggestThreshold, autoThreshold float64) *ResponsePlan {
	confidence := 0.0
	if data.TimeSeries {
		confidence += confTimeSeries
	}
	if data.MultiEntity {
		confidence += confMultiEntity
	}
	if data.Distribution {
		confidence += confDistribution
	}
	if data.KeywordCardinality >= keywordCardinalityMin {
		confidence += confKeywords
	}
	if data.LargeResult {
		confidence += confLargeResult
	}
	if confidence > 1 {
		confidence = 1
	}

	plan := &ResponsePlan{
		Confidence: confidence,
		Required:   []ArtifactKind{ArtifactNarrative},
		Suggested:  []ArtifactKind{},
	}

	visuals := chooseVisuals(data, strategy)
	switch {
	case data.TotalRows == 0 || confidence < suggestThreshold:
		plan.Composition = CompositionNarrative
	case confidence < autoThreshold:
		plan.Composition = CompositionSuggestion
		plan.Suggested = visuals
	default:
		plan.Composition = CompositionVisual
		plan.Required = append(plan.Required, visuals...)
	}

	// A table with no chart-worthy shape still beats prose for wide results.
	if plan.Composition == CompositionNarrative && data.LargeResult {
		plan.Composition = CompositionTable
		plan.Required = append(plan.Required, ArtifactTable)
	}
	return plan
}

// chooseVisuals ranks artifact kinds for the data shape, most specific
// first.
func chooseVisuals(data *DataCharacteristics, strategy *Strategy) []ArtifactKind {
	var kinds []ArtifactKind
	switch {
	case data.Distribution:
		kinds = append(kinds, ArtifactPieChart)
	case data.TimeSeries:
		kinds = append(kinds, ArtifactLineChart)
	case data.MultiEntity || strategy.Aggregation == AggregationComparison:
		kinds = append(kinds, ArtifactBarChart)
	}
	kinds = append(kinds, ArtifactTable)
	return kinds
}
