package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alitto/pond/v2"
)

type planPayload struct {
	SQL           string `json:"sql"`
	Purpose       string `json:"purpose"`
	EstimatedRows int    `json:"estimated_rows"`
}

// QuerySynthesizer turns sub-questions into executable statements. One plan
// is produced per sub-question, in the same order; a sub-question whose
// synthesis fails yields a plan with empty SQL so downstream indexes stay
// aligned.
type QuerySynthesizer struct {
	log     *slog.Logger
	cfg     *Config
	prompts *Prompts
}

func NewQuerySynthesizer(cfg *Config) *QuerySynthesizer {
	return &QuerySynthesizer{log: cfg.Logger, cfg: cfg, prompts: cfg.Prompts}
}

// Run populates rec.Plans. Sub-questions are synthesized concurrently; the
// schema is fetched once and shared across the batch.
func (s *QuerySynthesizer) Run(ctx context.Context, rec *StateRecord) error {
	schema, err := s.cfg.Store.FetchSchema(ctx)
	if err != nil {
		return NewFault(ClassifyStoreError(err), StagePlan, false,
			fmt.Errorf("failed to fetch schema: %w", err))
	}
	systemPrompt := buildGeneratePrompt(s.prompts.Generate, schema)

	pool := pond.NewResultPool[QueryPlan](s.cfg.PoolSize)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)

	plans := make([]QueryPlan, len(rec.SubQuestions))
	for i, sq := range rec.SubQuestions {
		idx, sub := i, sq
		group.SubmitErr(func() (QueryPlan, error) {
			plan := s.synthesizeOne(ctx, systemPrompt, rec, sub)
			plans[idx] = plan
			return plan, nil
		})
	}
	if _, err := group.Wait(); err != nil {
		return NewFault(FaultGeneration, StagePlan, false, err)
	}
	rec.Plans = plans

	failed := 0
	for _, p := range plans {
		if p.SQL == "" {
			failed++
		}
	}
	if failed > 0 {
		s.log.Warn("plan: some statements failed synthesis", "failed", failed, "total", len(plans))
		if rec.Fault == nil {
			rec.Fault = NewFault(FaultPlanGeneration, StagePlan, true,
				fmt.Errorf("%d of %d statements failed synthesis", failed, len(plans)))
		}
	}
	return nil
}

// synthesizeOne never returns an error; failures produce an empty-SQL plan
// that the executor marks failed without touching the datastore.
func (s *QuerySynthesizer) synthesizeOne(ctx context.Context, systemPrompt string, rec *StateRecord, sub SubQuestion) QueryPlan {
	userPrompt := buildPlanUserPrompt(rec, sub)

	response, attempts, err := retryLLM(ctx, s.cfg, func() (string, error) {
		return s.cfg.LLM.Complete(ctx, systemPrompt, userPrompt)
	})
	if err != nil {
		s.log.Warn("plan: generation failed", "subQuestion", sub.Text, "attempts", attempts, "error", err)
		return QueryPlan{Purpose: sub.Purpose}
	}

	payload, err := decodeStrict[planPayload](response)
	if err != nil {
		s.log.Warn("plan: model output failed contract", "subQuestion", sub.Text, "error", err)
		return QueryPlan{Purpose: sub.Purpose}
	}

	sql := strings.TrimSpace(payload.SQL)
	if err := checkStatement(sql); err != nil {
		s.log.Warn("plan: statement rejected", "subQuestion", sub.Text, "error", err)
		return QueryPlan{Purpose: sub.Purpose}
	}

	purpose := payload.Purpose
	if purpose == "" {
		purpose = sub.Purpose
	}
	return QueryPlan{SQL: sql, Purpose: purpose, EstimatedRows: payload.EstimatedRows}
}

// checkStatement is a syntactic gate, not a parser. Only read statements
// pass; anything that could mutate the datastore is rejected before it ever
// reaches the executor.
func checkStatement(sql string) error {
	if sql == "" {
		return fmt.Errorf("empty statement")
	}
	upper := strings.ToUpper(sql)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("statement must start with SELECT or WITH")
	}
	for _, keyword := range []string{"INSERT ", "UPDATE ", "DELETE ", "DROP ", "ALTER ", "TRUNCATE ", "CREATE "} {
		if strings.Contains(upper, keyword) {
			return fmt.Errorf("statement contains forbidden keyword %s", strings.TrimSpace(keyword))
		}
	}
	return nil
}

func buildPlanUserPrompt(rec *StateRecord, sub SubQuestion) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sub-question: %s\n", sub.Text)
	if sub.Purpose != "" {
		fmt.Fprintf(&sb, "Purpose: %s\n", sub.Purpose)
	}
	fmt.Fprintf(&sb, "Scope: %s\n", rec.Strategy.Scope)
	fmt.Fprintf(&sb, "Aggregation: %s\n", rec.Strategy.Aggregation)
	fmt.Fprintf(&sb, "Group by: %s\n", rec.Strategy.GroupKey)
	fmt.Fprintf(&sb, "Metric: %s\n", rec.Strategy.Metric)
	if tw := rec.Entities.TimeWindow; tw.Present() {
		fmt.Fprintf(&sb, "Time window: %s", tw.Kind)
		if tw.Raw != "" {
			fmt.Fprintf(&sb, " (%s)", tw.Raw)
		}
		if !tw.Start.IsZero() {
			fmt.Fprintf(&sb, " from %s", tw.Start.Format("2006-01-02"))
		}
		if !tw.End.IsZero() {
			fmt.Fprintf(&sb, " to %s", tw.End.Format("2006-01-02"))
		}
		sb.WriteString("\n")
	}
	if len(rec.Entities.Channels) > 0 {
		fmt.Fprintf(&sb, "Channels: %s\n", strings.Join(rec.Entities.Channels, ", "))
	}
	return sb.String()
}
