package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

const maxFollowUps = 3

// FollowUpSuggester proposes next questions after a completed answer. Purely
// additive; any failure leaves the response without suggestions.
type FollowUpSuggester struct {
	log     *slog.Logger
	cfg     *Config
	prompts *Prompts
}

func NewFollowUpSuggester(cfg *Config) *FollowUpSuggester {
	return &FollowUpSuggester{log: cfg.Logger, cfg: cfg, prompts: cfg.Prompts}
}

func (f *FollowUpSuggester) Run(ctx context.Context, rec *StateRecord) error {
	if rec.Final == nil || rec.Final.Metadata.Degraded {
		return nil
	}

	userPrompt := fmt.Sprintf("Question: %s\n\nAnswer: %s", rec.RawQuery.Text, rec.Final.Text)
	response, _, err := retryLLM(ctx, f.cfg, func() (string, error) {
		return f.cfg.LLM.Complete(ctx, f.prompts.FollowUp, userPrompt)
	})
	if err != nil {
		f.log.Debug("followup: generation failed", "error", err)
		return nil
	}

	raw := extractJSONArray(response)
	if raw == "" {
		f.log.Debug("followup: no JSON array in model response")
		return nil
	}
	var suggestions []string
	if err := json.Unmarshal([]byte(raw), &suggestions); err != nil {
		f.log.Debug("followup: model output failed contract", "error", err)
		return nil
	}
	if len(suggestions) > maxFollowUps {
		suggestions = suggestions[:maxFollowUps]
	}
	rec.Final.FollowUps = suggestions
	return nil
}
