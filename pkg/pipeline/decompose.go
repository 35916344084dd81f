package pipeline

import (
	"context"
	"fmt"
	"log/slog"
)

type decomposePayload struct {
	SubQuestions []struct {
		Text      string `json:"text"`
		Purpose   string `json:"purpose"`
		DependsOn *int   `json:"depends_on"`
	} `json:"sub_questions"`
}

// QueryDecomposer splits one question into an ordered list of
// sub-questions. Invoked only on the decomposed path.
type QueryDecomposer struct {
	log     *slog.Logger
	cfg     *Config
	prompts *Prompts
}

func NewQueryDecomposer(cfg *Config) *QueryDecomposer {
	return &QueryDecomposer{log: cfg.Logger, cfg: cfg, prompts: cfg.Prompts}
}

// Run populates rec.SubQuestions. Multi-subject comparisons expand
// deterministically, one leg per subject; everything else is split by the
// model. Any model failure falls back to a single sub-question equal to the
// original text with a recoverable fault, never aborting the request.
func (d *QueryDecomposer) Run(ctx context.Context, rec *StateRecord) error {
	entities := rec.Entities

	if (entities.Comparison || rec.Strategy.Aggregation == AggregationComparison) && len(entities.Subjects) >= 2 {
		rec.SubQuestions = comparisonLegs(rec.RawQuery.Text, entities.Subjects)
		d.log.Debug("decompose: expanded comparison", "legs", len(rec.SubQuestions))
		return nil
	}

	userPrompt := fmt.Sprintf("Question to decompose: %s", rec.RawQuery.Text)
	response, attempts, err := retryLLM(ctx, d.cfg, func() (string, error) {
		return d.cfg.LLM.Complete(ctx, d.prompts.Decompose, userPrompt)
	})
	if err != nil {
		d.log.Warn("decompose: model unreachable, keeping original question",
			"attempts", attempts, "error", err)
		rec.Fault = NewFault(FaultGeneration, StageDecompose, true, err)
		rec.SubQuestions = singleSubQuestion(rec.RawQuery.Text)
		return nil
	}

	payload, err := decodeStrict[decomposePayload](response)
	if err == nil {
		err = validateDependencies(payload)
	}
	if err != nil {
		d.log.Warn("decompose: model output failed contract, keeping original question", "error", err)
		rec.Fault = NewFault(FaultContract, StageDecompose, true, err)
		rec.SubQuestions = singleSubQuestion(rec.RawQuery.Text)
		return nil
	}

	subs := make([]SubQuestion, 0, len(payload.SubQuestions))
	for _, sq := range payload.SubQuestions {
		if sq.Text == "" {
			continue
		}
		subs = append(subs, SubQuestion{Text: sq.Text, Purpose: sq.Purpose, DependsOn: sq.DependsOn})
	}
	if len(subs) == 0 {
		subs = singleSubQuestion(rec.RawQuery.Text)
	}
	rec.SubQuestions = subs

	d.log.Debug("decompose: question split", "subQuestions", len(subs))
	return nil
}

func validateDependencies(p decomposePayload) error {
	for i, sq := range p.SubQuestions {
		if sq.DependsOn == nil {
			continue
		}
		if *sq.DependsOn < 0 || *sq.DependsOn >= len(p.SubQuestions) || *sq.DependsOn == i {
			return fmt.Errorf("sub-question %d has invalid dependency index %d", i, *sq.DependsOn)
		}
	}
	return nil
}

// comparisonLegs builds one independent sub-question per compared subject.
func comparisonLegs(text string, subjects []string) []SubQuestion {
	legs := make([]SubQuestion, 0, len(subjects))
	for _, subject := range subjects {
		legs = append(legs, SubQuestion{
			Text:    fmt.Sprintf("%s (only for %s)", text, subject),
			Purpose: fmt.Sprintf("comparison leg for %s", subject),
		})
	}
	return legs
}

func singleSubQuestion(text string) []SubQuestion {
	return []SubQuestion{{Text: text, Purpose: "answer the question directly"}}
}
