package pipeline

import (
	"fmt"
	"time"
)

// Stage identifies one step of the pipeline. Stage names appear in progress
// events, run logs, and fault attribution.
type Stage string

const (
	StageIntent     Stage = "intent"
	StageStrategy   Stage = "strategy"
	StageComplexity Stage = "complexity"
	StageDecompose  Stage = "decompose"
	StagePlan       Stage = "plan"
	StageExecute    Stage = "execute"
	StageRepair     Stage = "repair"
	StageRespond    Stage = "respond"
	StageRender     Stage = "render"
	StageSynthesize Stage = "synthesize"
)

// Turn is one message of a prior conversation.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// RawQuery is the original question plus any prior-turn transcript.
// Immutable once set.
type RawQuery struct {
	Text    string
	History []Turn
}

// TimeWindowKind is the closed set of time window descriptors.
type TimeWindowKind string

const (
	TimeWindowNone     TimeWindowKind = "none"
	TimeWindowRelative TimeWindowKind = "relative"
	TimeWindowAbsolute TimeWindowKind = "absolute"
)

// TimeWindow describes the temporal constraint of a question.
type TimeWindow struct {
	Kind  TimeWindowKind `json:"kind"`
	Start time.Time      `json:"start,omitzero"`
	End   time.Time      `json:"end,omitzero"`
	Raw   string         `json:"raw,omitempty"`
}

// Present reports whether the question carries a time constraint. The zero
// value and the explicit "none" kind both mean no window.
func (w TimeWindow) Present() bool {
	return w.Kind == TimeWindowRelative || w.Kind == TimeWindowAbsolute
}

// ExtractedEntities holds the structured entities pulled from the question.
// All slice fields are non-nil once extraction completes, empty meaning
// "none mentioned".
type ExtractedEntities struct {
	Subjects   []string
	Attributes []string
	Channels   []string
	TimeWindow TimeWindow

	// Intent flags set by the extractor from the question text.
	Comparison   bool
	Distribution bool
	Compound     bool
}

// Scope selects which datastore surface a question is answered from.
type Scope string

const (
	ScopeEvents  Scope = "events"  // raw review events
	ScopeRollups Scope = "rollups" // pre-aggregated rollups
)

// Aggregation is the shape of the answer the strategy targets.
type Aggregation string

const (
	AggregationLookup       Aggregation = "lookup"
	AggregationTimeSeries   Aggregation = "timeseries"
	AggregationComparison   Aggregation = "comparison"
	AggregationDistribution Aggregation = "distribution"
)

// GroupKey is the dimension results are grouped by.
type GroupKey string

const (
	GroupNone    GroupKey = "none"
	GroupSubject GroupKey = "subject"
	GroupChannel GroupKey = "channel"
	GroupPeriod  GroupKey = "period"
)

// Depth selects how much analysis the narrative should carry.
type Depth string

const (
	DepthBasic    Depth = "basic"
	DepthExtended Depth = "extended"
)

// Metric is the measure the question asks about.
type Metric string

const (
	MetricCount   Metric = "count"
	MetricAverage Metric = "average"
	MetricRating  Metric = "rating"
	MetricShare   Metric = "share"
)

// Strategy is the data scope and aggregation shape chosen for a question.
type Strategy struct {
	Scope       Scope
	Aggregation Aggregation
	GroupKey    GroupKey
	Depth       Depth
	Metric      Metric
}

// Level bands the complexity score.
type Level string

const (
	LevelSimple  Level = "simple"
	LevelMedium  Level = "medium"
	LevelComplex Level = "complex"
)

// Path selects the execution path for a question.
type Path string

const (
	PathDirect     Path = "direct"
	PathDecomposed Path = "decomposed"
)

// Complexity is the scored difficulty of a question and the chosen path.
type Complexity struct {
	Level Level
	Score int
	Path  Path
}

// SubQuestion is one atomic, independently executable unit of the question.
// DependsOn, when set, indexes the sub-question whose result this one
// narrates.
type SubQuestion struct {
	Text      string
	Purpose   string
	DependsOn *int
}

// QueryPlan is one executable statement with its purpose and row estimate.
// An empty SQL marks a plan that failed synthesis and will fail fast in the
// executor.
type QueryPlan struct {
	SQL           string
	Purpose       string
	EstimatedRows int
}

// ExecutionResult is the outcome of running one query plan. Results always
// align with plans by index.
type ExecutionResult struct {
	Columns   []string
	Rows      []map[string]any
	Success   bool
	ErrKind   FaultKind
	ErrDetail string
	Elapsed   time.Duration
	Attempts  int
}

// DataCharacteristics is the aggregate shape of all execution results, the
// sole input (besides strategy) to response planning.
type DataCharacteristics struct {
	TotalRows          int
	TimePoints         int
	TimeSeries         bool
	EntityCount        int
	MultiEntity        bool
	Distribution       bool
	KeywordCardinality int
	LargeResult        bool
}

// Composition is the output shape of the final response.
type Composition string

const (
	CompositionNarrative  Composition = "narrative"
	CompositionTable      Composition = "narrative_table"
	CompositionVisual     Composition = "narrative_visual"
	CompositionSuggestion Composition = "narrative_suggested"
)

// ArtifactKind names one renderable artifact.
type ArtifactKind string

const (
	ArtifactNarrative ArtifactKind = "narrative"
	ArtifactTable     ArtifactKind = "table"
	ArtifactLineChart ArtifactKind = "line_chart"
	ArtifactBarChart  ArtifactKind = "bar_chart"
	ArtifactPieChart  ArtifactKind = "pie_chart"
)

// ResponsePlan is the chosen output composition with its confidence score.
type ResponsePlan struct {
	Confidence  float64
	Composition Composition
	Required    []ArtifactKind
	Suggested   []ArtifactKind
}

// TableData is a rendered tabular extract.
type TableData struct {
	Columns  []string
	Rows     [][]string
	Rendered string
}

// ChartSeries is one named series of a chart.
type ChartSeries struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// ChartSpec is a declarative chart description consumed by the UI.
type ChartSpec struct {
	Kind    ArtifactKind  `json:"kind"`
	Title   string        `json:"title"`
	XColumn string        `json:"xColumn"`
	XValues []string      `json:"xValues"`
	Series  []ChartSeries `json:"series"`
}

// Artifact is one rendered output unit.
type Artifact struct {
	Kind  ArtifactKind
	Text  string
	Table *TableData
	Chart *ChartSpec
}

// RunMetadata summarizes one pipeline run for the caller and the run log.
type RunMetadata struct {
	RequestID         string        `json:"requestId"`
	Elapsed           time.Duration `json:"elapsed"`
	Stages            int           `json:"stages"`
	SuccessfulQueries int           `json:"successfulQueries"`
	FailedQueries     int           `json:"failedQueries"`
	Confidence        float64       `json:"confidence"`
	Degraded          bool          `json:"degraded"`
}

// FinalResponse is the terminal value returned to the caller. Suggested
// lists visual kinds worth rendering on request; they are names only, never
// rendered artifacts.
type FinalResponse struct {
	Text      string
	Artifacts []Artifact
	Suggested []ArtifactKind
	FollowUps []string
	Metadata  RunMetadata
}

// StateRecord is the per-request record threaded through every stage. Each
// stage writes exactly its own field and never removes fields written by an
// earlier stage, so the set of populated fields always matches the set of
// completed stages.
type StateRecord struct {
	RequestID string
	StartedAt time.Time

	RawQuery     RawQuery
	Entities     *ExtractedEntities
	Strategy     *Strategy
	Complexity   *Complexity
	SubQuestions []SubQuestion
	Plans        []QueryPlan
	Results      []ExecutionResult
	Data         *DataCharacteristics
	Response     *ResponsePlan
	Artifacts    map[ArtifactKind]Artifact
	Final        *FinalResponse

	// Fault, when set, short-circuits remaining stages except synthesis.
	Fault *Fault
}

// Validate checks the populated-fields invariant after the given stage has
// completed. A violation is an internal contract breach, not a user error.
func (r *StateRecord) Validate(after Stage) error {
	fail := func(field string) error {
		return NewFault(FaultValidation, after, false,
			fmt.Errorf("state record missing %s after %s stage", field, after))
	}

	if r.RawQuery.Text == "" {
		return fail("raw query")
	}

	switch after {
	case StageIntent:
		if r.Entities == nil {
			return fail("entities")
		}
		if r.Entities.Subjects == nil || r.Entities.Attributes == nil || r.Entities.Channels == nil {
			return NewFault(FaultValidation, after, false,
				fmt.Errorf("entity sequences must be non-nil after extraction"))
		}
	case StageStrategy:
		if r.Strategy == nil {
			return fail("strategy")
		}
	case StageComplexity:
		if r.Complexity == nil {
			return fail("complexity")
		}
	case StageDecompose:
		if len(r.SubQuestions) == 0 {
			return fail("sub-questions")
		}
	case StagePlan:
		if len(r.Plans) != len(r.SubQuestions) {
			return NewFault(FaultValidation, after, false,
				fmt.Errorf("plan count %d does not match sub-question count %d", len(r.Plans), len(r.SubQuestions)))
		}
	case StageExecute, StageRepair:
		if len(r.Results) != len(r.Plans) {
			return NewFault(FaultValidation, after, false,
				fmt.Errorf("result count %d does not match plan count %d", len(r.Results), len(r.Plans)))
		}
		if after == StageExecute && r.Data == nil {
			return fail("data characteristics")
		}
	case StageRespond:
		if r.Response == nil {
			return fail("response plan")
		}
	case StageRender:
		if r.Artifacts == nil {
			return fail("artifacts")
		}
	case StageSynthesize:
		if r.Final == nil {
			return fail("final response")
		}
	}
	return nil
}
