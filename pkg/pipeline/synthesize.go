package pipeline

import (
	"context"
	"fmt"
	"log/slog"
)

// Synthesizer assembles the terminal response. It is the one stage that
// always runs, even after an unrecoverable fault, so every request produces
// a non-empty answer.
type Synthesizer struct {
	log *slog.Logger
	cfg *Config
}

func NewSynthesizer(cfg *Config) *Synthesizer {
	return &Synthesizer{log: cfg.Logger, cfg: cfg}
}

// Run populates rec.Final from whatever the earlier stages produced.
func (s *Synthesizer) Run(ctx context.Context, rec *StateRecord) error {
	final := &FinalResponse{
		Metadata: RunMetadata{
			RequestID: rec.RequestID,
			Elapsed:   s.cfg.Clock.Since(rec.StartedAt),
		},
	}

	succeeded, failed := countOutcomes(rec.Results)
	final.Metadata.SuccessfulQueries = succeeded
	final.Metadata.FailedQueries = failed
	final.Metadata.Degraded = rec.Fault != nil || failed > 0
	if rec.Response != nil {
		final.Metadata.Confidence = rec.Response.Confidence
		final.Suggested = rec.Response.Suggested
	}

	if narrative, ok := rec.Artifacts[ArtifactNarrative]; ok && narrative.Text != "" {
		final.Text = narrative.Text
	} else {
		final.Text = faultText(rec)
	}
	final.Artifacts = orderedArtifacts(rec)
	final.Metadata.Stages = completedStages(rec)

	rec.Final = final
	return nil
}

// faultText is the answer of last resort when no narrative was rendered.
func faultText(rec *StateRecord) string {
	if rec.Fault != nil {
		switch rec.Fault.Kind {
		case FaultDeadline:
			return "The request ran out of time before an answer could be produced. Try a narrower question or a shorter time range."
		case FaultStoreTransient, FaultStore:
			return "The review datastore could not be reached. Please try again shortly."
		case FaultGeneration:
			return "The analysis service is currently unavailable. Please try again shortly."
		}
		return fmt.Sprintf("The question could not be answered (%s). Please rephrase and try again.", rec.Fault.Kind)
	}
	return fallbackNarrative(rec)
}

// orderedArtifacts lists rendered artifacts in presentation order, narrative
// first. Suggested kinds travel on FinalResponse.Suggested as names only.
func orderedArtifacts(rec *StateRecord) []Artifact {
	if rec.Artifacts == nil {
		return nil
	}
	var out []Artifact
	seen := map[ArtifactKind]bool{}
	appendKinds := func(kinds []ArtifactKind) {
		for _, kind := range kinds {
			if seen[kind] {
				continue
			}
			if a, ok := rec.Artifacts[kind]; ok {
				out = append(out, a)
				seen[kind] = true
			}
		}
	}
	appendKinds([]ArtifactKind{ArtifactNarrative})
	if rec.Response != nil {
		appendKinds(rec.Response.Required)
	}
	return out
}

func completedStages(rec *StateRecord) int {
	n := 0
	for _, done := range []bool{
		rec.Entities != nil,
		rec.Strategy != nil,
		rec.Complexity != nil,
		len(rec.SubQuestions) > 0,
		len(rec.Plans) > 0,
		rec.Results != nil,
		rec.Response != nil,
		rec.Artifacts != nil,
		rec.Final != nil,
	} {
		if done {
			n++
		}
	}
	return n + 1 // synthesis itself completes after this count is taken
}
