package pipeline

// SelectStrategy decides the data scope and aggregation shape for a
// question. Pure function of entity shape over a fixed decision table; it
// must stay free of port calls so routing is testable in isolation.
func SelectStrategy(entities *ExtractedEntities) *Strategy {
	s := &Strategy{
		Scope:       ScopeRollups,
		Aggregation: AggregationLookup,
		GroupKey:    GroupNone,
		Depth:       DepthBasic,
		Metric:      MetricCount,
	}

	// Per-review measures live only in the raw event store.
	for _, attr := range entities.Attributes {
		switch attr {
		case "rating", "sensitivity":
			s.Scope = ScopeEvents
			s.Metric = MetricRating
		case "moisture", "scent", "texture", "longevity", "coverage", "packaging":
			if s.Metric == MetricCount {
				s.Metric = MetricAverage
			}
		}
	}

	switch {
	case entities.Distribution:
		s.Aggregation = AggregationDistribution
		s.Metric = MetricShare
		s.GroupKey = GroupSubject
	case len(entities.Subjects) >= 2 || entities.Comparison:
		s.Aggregation = AggregationComparison
		s.GroupKey = GroupSubject
	case entities.TimeWindow.Present():
		s.Aggregation = AggregationTimeSeries
		s.GroupKey = GroupPeriod
	}

	// A time window on top of a comparison or distribution still means the
	// narrative should go deeper than a single number.
	if entities.TimeWindow.Present() && s.Aggregation != AggregationLookup {
		s.Depth = DepthExtended
	}

	if len(entities.Channels) >= 2 && s.GroupKey == GroupNone {
		s.GroupKey = GroupChannel
	}

	return s
}
