package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// canonicalNames maps known aliases to their canonical identifier. Applied
// to every subject and channel before it is stored; unknown names pass
// through with whitespace normalization only.
var canonicalNames = map[string]string{
	"website":      "web",
	"web shop":     "web",
	"online store": "web",
	"mobile":       "app",
	"mobile app":   "app",
	"amazon":       "marketplace",
	"marketplaces": "marketplace",
	"sns":          "social",
	"instagram":    "social",
}

// attributeVocabulary is the fixed set of review attributes recognized for
// prior-turn carry-forward.
var attributeVocabulary = []string{
	"moisture", "scent", "rating", "price", "texture", "longevity",
	"packaging", "sensitivity", "coverage",
}

// compoundConnectives mark questions that chain several requests together.
var compoundConnectives = []string{
	" and also ", " as well as ", "; ", " then ", " plus ",
}

type extractPayload struct {
	Subjects   []string `json:"subjects"`
	Attributes []string `json:"attributes"`
	Channels   []string `json:"channels"`
	TimeWindow struct {
		Kind  string `json:"kind"`
		Raw   string `json:"raw,omitempty"`
		Start string `json:"start,omitempty"`
		End   string `json:"end,omitempty"`
	} `json:"time_window"`
	Comparison   bool `json:"comparison"`
	Distribution bool `json:"distribution"`
	Compound     bool `json:"compound"`
}

// IntentExtractor turns raw question text plus optional prior turns into
// structured entities.
type IntentExtractor struct {
	log     *slog.Logger
	cfg     *Config
	prompts *Prompts
}

func NewIntentExtractor(cfg *Config) *IntentExtractor {
	return &IntentExtractor{log: cfg.Logger, cfg: cfg, prompts: cfg.Prompts}
}

// Run extracts entities into rec.Entities. A schema violation falls back to
// heuristic extraction and records a recoverable fault; an unreachable
// model after the retry bound is unrecoverable.
func (e *IntentExtractor) Run(ctx context.Context, rec *StateRecord) error {
	userPrompt := buildExtractUserPrompt(rec.RawQuery)

	response, attempts, err := retryLLM(ctx, e.cfg, func() (string, error) {
		return e.cfg.LLM.Complete(ctx, e.prompts.Extract, userPrompt)
	})
	if err != nil {
		return NewFault(FaultGeneration, StageIntent, false,
			fmt.Errorf("entity extraction failed after %d attempts: %w", attempts, err))
	}

	payload, err := decodeStrict[extractPayload](response)
	if err == nil {
		err = validateTimeWindowKind(payload.TimeWindow.Kind)
	}
	if err != nil {
		e.log.Warn("intent: model output failed contract, falling back to heuristics", "error", err)
		rec.Fault = NewFault(FaultContract, StageIntent, true, err)
		rec.Entities = heuristicEntities(rec.RawQuery)
		carryForward(rec.Entities, rec.RawQuery.History)
		return nil
	}

	entities := &ExtractedEntities{
		Subjects:     normalizeAll(payload.Subjects),
		Attributes:   normalizeAll(payload.Attributes),
		Channels:     normalizeAll(payload.Channels),
		TimeWindow:   parseTimeWindow(payload.TimeWindow.Kind, payload.TimeWindow.Raw, payload.TimeWindow.Start, payload.TimeWindow.End),
		Comparison:   payload.Comparison,
		Distribution: payload.Distribution,
		Compound:     payload.Compound || hasCompoundConnective(rec.RawQuery.Text),
	}
	carryForward(entities, rec.RawQuery.History)
	rec.Entities = entities

	e.log.Debug("intent: entities extracted",
		"subjects", entities.Subjects,
		"attributes", entities.Attributes,
		"channels", entities.Channels,
		"timeWindow", string(entities.TimeWindow.Kind))
	return nil
}

func validateTimeWindowKind(kind string) error {
	switch TimeWindowKind(kind) {
	case TimeWindowNone, TimeWindowRelative, TimeWindowAbsolute:
		return nil
	default:
		return fmt.Errorf("invalid time window kind: %q", kind)
	}
}

func parseTimeWindow(kind, raw, start, end string) TimeWindow {
	tw := TimeWindow{Kind: TimeWindowKind(kind), Raw: raw}
	if t, err := time.Parse(time.RFC3339, start); err == nil {
		tw.Start = t
	}
	if t, err := time.Parse(time.RFC3339, end); err == nil {
		tw.End = t
	}
	return tw
}

// normalize maps one identifier through the canonical table.
func normalize(name string) string {
	key := strings.ToLower(strings.Join(strings.Fields(name), " "))
	if canonical, ok := canonicalNames[key]; ok {
		return canonical
	}
	return key
}

func normalizeAll(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		out = append(out, normalize(n))
	}
	return out
}

// carryForward fills subjects and attributes elided in the current question
// from the most recent prior turn that mentions one. Required behavior, not
// a heuristic: a follow-up like "and last month?" keeps its subject.
func carryForward(entities *ExtractedEntities, history []Turn) {
	if len(history) == 0 {
		return
	}
	if len(entities.Subjects) == 0 {
		entities.Subjects = latestMention(history, nil)
	}
	if len(entities.Attributes) == 0 {
		entities.Attributes = latestMention(history, attributeVocabulary)
	}
}

// latestMention scans turns newest-first. With a vocabulary it returns the
// first vocabulary word found; without one it returns capitalized tokens
// (likely brand names) of the most recent user turn that has any.
func latestMention(history []Turn, vocabulary []string) []string {
	for i := len(history) - 1; i >= 0; i-- {
		text := history[i].Content
		if vocabulary != nil {
			lower := strings.ToLower(text)
			for _, word := range vocabulary {
				if strings.Contains(lower, word) {
					return []string{word}
				}
			}
			continue
		}
		if history[i].Role != "user" {
			continue
		}
		if names := properNouns(text); len(names) > 0 {
			return names
		}
	}
	return []string{}
}

// properNouns returns normalized mid-sentence capitalized tokens.
func properNouns(text string) []string {
	var out []string
	words := strings.Fields(text)
	for i, w := range words {
		trimmed := strings.Trim(w, ".,!?\"'()")
		if len(trimmed) < 2 || i == 0 {
			continue
		}
		if trimmed[0] >= 'A' && trimmed[0] <= 'Z' {
			out = append(out, normalize(trimmed))
		}
	}
	return out
}

func hasCompoundConnective(text string) bool {
	lower := strings.ToLower(text)
	for _, conn := range compoundConnectives {
		if strings.Contains(lower, conn) {
			return true
		}
	}
	return false
}

// heuristicEntities is the safe default when model output fails the schema
// check: empty sequences plus connective detection over the raw text.
func heuristicEntities(q RawQuery) *ExtractedEntities {
	lower := strings.ToLower(q.Text)
	var attrs []string
	for _, word := range attributeVocabulary {
		if strings.Contains(lower, word) {
			attrs = append(attrs, word)
		}
	}
	if attrs == nil {
		attrs = []string{}
	}
	return &ExtractedEntities{
		Subjects:   properNounsOrEmpty(q.Text),
		Attributes: attrs,
		Channels:   []string{},
		TimeWindow: TimeWindow{Kind: TimeWindowNone},
		Compound:   hasCompoundConnective(q.Text),
	}
}

func properNounsOrEmpty(text string) []string {
	if names := properNouns(text); names != nil {
		return names
	}
	return []string{}
}

func buildExtractUserPrompt(q RawQuery) string {
	var sb strings.Builder
	if len(q.History) > 0 {
		sb.WriteString("Previous conversation:\n")
		for _, turn := range q.History {
			if turn.Role == "user" {
				fmt.Fprintf(&sb, "User: %s\n", turn.Content)
				continue
			}
			content := turn.Content
			if len(content) > 500 {
				content = content[:500] + "..."
			}
			fmt.Fprintf(&sb, "Assistant: %s\n", content)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Question: %s", q.Text)
	return sb.String()
}
