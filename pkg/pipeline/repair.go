package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alitto/pond/v2"
)

// SelfCorrector rewrites failed statements with the error text as context
// and re-executes them. Successful results are never touched and a result
// that stays failed after the rewrite bound keeps its last error.
type SelfCorrector struct {
	log     *slog.Logger
	cfg     *Config
	prompts *Prompts
	exec    *Executor
}

func NewSelfCorrector(cfg *Config) *SelfCorrector {
	return &SelfCorrector{log: cfg.Logger, cfg: cfg, prompts: cfg.Prompts, exec: NewExecutor(cfg)}
}

// Run repairs rec.Results in place. Failed items are repaired concurrently;
// indexes never move.
func (c *SelfCorrector) Run(ctx context.Context, rec *StateRecord) error {
	var failed []int
	for i, res := range rec.Results {
		if !res.Success && repairable(res.ErrKind) {
			failed = append(failed, i)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	schema, err := c.cfg.Store.FetchSchema(ctx)
	if err != nil {
		c.log.Warn("repair: schema fetch failed, keeping failed results", "error", err)
		return nil
	}
	systemPrompt := buildGeneratePrompt(c.prompts.Generate, schema)

	pool := pond.NewResultPool[ExecutionResult](c.cfg.PoolSize)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)

	for _, i := range failed {
		idx := i
		group.SubmitErr(func() (ExecutionResult, error) {
			res := c.repairOne(ctx, systemPrompt, rec, idx)
			rec.Results[idx] = res
			return res, nil
		})
	}
	if _, err := group.Wait(); err != nil {
		c.log.Warn("repair: batch aborted", "error", err)
		return nil
	}

	recomputeAfterRepair(rec)

	succeeded, stillFailed := countOutcomes(rec.Results)
	c.log.Debug("repair: batch finished", "repaired", len(failed)-stillFailedOf(failed, rec.Results),
		"succeeded", succeeded, "failed", stillFailed)
	return nil
}

// repairable reports whether a rewrite could plausibly fix the failure. A
// deadline or a transient outage is not a statement problem.
func repairable(kind FaultKind) bool {
	switch kind {
	case FaultStore, FaultPlanGeneration, FaultGeneration:
		return true
	default:
		return false
	}
}

// repairOne runs up to RepairMaxAttempts rewrite-and-execute rounds for the
// plan at idx. Each round feeds the previous statement and its error back to
// the model.
func (c *SelfCorrector) repairOne(ctx context.Context, systemPrompt string, rec *StateRecord, idx int) ExecutionResult {
	plan := rec.Plans[idx]
	last := rec.Results[idx]
	sub := subQuestionFor(rec, idx)

	for attempt := 1; attempt <= c.cfg.RepairMaxAttempts; attempt++ {
		userPrompt := buildRepairUserPrompt(sub, plan, last)
		response, _, err := retryLLM(ctx, c.cfg, func() (string, error) {
			return c.cfg.LLM.Complete(ctx, systemPrompt, userPrompt)
		})
		if err != nil {
			c.log.Warn("repair: rewrite failed", "plan", idx, "attempt", attempt, "error", err)
			return last
		}

		payload, err := decodeStrict[planPayload](response)
		if err == nil {
			err = checkStatement(strings.TrimSpace(payload.SQL))
		}
		if err != nil {
			last.ErrKind = FaultContract
			last.ErrDetail = err.Error()
			continue
		}

		plan.SQL = strings.TrimSpace(payload.SQL)
		rec.Plans[idx] = plan

		res := c.exec.executeOne(ctx, plan)
		res.Attempts = last.Attempts + res.Attempts
		if res.Success {
			c.log.Debug("repair: statement fixed", "plan", idx, "rounds", attempt)
			return res
		}
		last = res
	}
	return last
}

func subQuestionFor(rec *StateRecord, idx int) SubQuestion {
	if idx < len(rec.SubQuestions) {
		return rec.SubQuestions[idx]
	}
	return SubQuestion{Text: rec.RawQuery.Text}
}

func buildRepairUserPrompt(sub SubQuestion, plan QueryPlan, last ExecutionResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sub-question: %s\n\n", sub.Text)
	if plan.SQL != "" {
		fmt.Fprintf(&sb, "The previous statement failed:\n```sql\n%s\n```\n\n", plan.SQL)
	} else {
		sb.WriteString("No statement was produced on the previous attempt.\n\n")
	}
	fmt.Fprintf(&sb, "Error: %s\n\n", last.ErrDetail)
	sb.WriteString("Write a corrected statement that answers the sub-question.")
	return sb.String()
}

// recomputeAfterRepair refreshes the aggregate data shape once repaired
// results are in place.
func recomputeAfterRepair(rec *StateRecord) {
	rec.Data = characterize(rec.Results, rec.Entities, rec.Strategy)
	if _, failed := countOutcomes(rec.Results); failed == 0 && rec.Fault != nil &&
		rec.Fault.Recoverable && rec.Fault.Stage == StageExecute {
		rec.Fault = nil
	}
}

func stillFailedOf(indexes []int, results []ExecutionResult) int {
	n := 0
	for _, i := range indexes {
		if !results[i].Success {
			n++
		}
	}
	return n
}
