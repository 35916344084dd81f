package pipeline

// Complexity score weights. The bands are calibrated so that a single
// subject-attribute lookup stays simple and a multi-entity, cross-source,
// compound question lands in the complex band.
const (
	scoreSimpleMax = 2
	scoreMediumMax = 5

	weightCompound     = 2
	weightCrossSource  = 2
	weightTimeWindow   = 1
	weightSourceFilter = 1
)

// ScoreComplexity scores a question's difficulty and selects its execution
// path. Deterministic function of entities and strategy; no port calls.
func ScoreComplexity(entities *ExtractedEntities, strategy *Strategy) *Complexity {
	score := entityBand(len(entities.Subjects)) +
		entityBand(len(entities.Attributes)) +
		entityBand(len(entities.Channels))

	score += aggregationWeight(strategy.Aggregation)

	// Raw events joined against a channel filter is a cross-source shape.
	if strategy.Scope == ScopeEvents && len(entities.Channels) > 0 {
		score += weightCrossSource
	}
	if entities.Compound {
		score += weightCompound
	}
	if entities.TimeWindow.Present() {
		score += weightTimeWindow
	}
	if len(entities.Channels) > 0 {
		score += weightSourceFilter
	}

	level := LevelSimple
	switch {
	case score > scoreMediumMax:
		level = LevelComplex
	case score > scoreSimpleMax:
		level = LevelMedium
	}

	path := PathDirect
	if level != LevelSimple {
		path = PathDecomposed
	}

	return &Complexity{Level: level, Score: score, Path: path}
}

// entityBand maps an entity count to its score contribution.
func entityBand(n int) int {
	switch {
	case n >= 3:
		return 2
	case n == 2:
		return 1
	default:
		return 0
	}
}

func aggregationWeight(agg Aggregation) int {
	switch agg {
	case AggregationTimeSeries, AggregationDistribution:
		return 2
	case AggregationComparison:
		return 1
	default:
		return 0
	}
}
