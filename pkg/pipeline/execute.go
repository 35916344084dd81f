package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alitto/pond/v2"
)

const largeResultRows = 50

// Executor runs query plans against the datastore. Plans execute
// concurrently and every result lands at the index of its plan, so a batch
// with failures still lines up with the plan list.
type Executor struct {
	log *slog.Logger
	cfg *Config
}

func NewExecutor(cfg *Config) *Executor {
	return &Executor{log: cfg.Logger, cfg: cfg}
}

// Run populates rec.Results and rec.Data. Individual plan failures never
// fail the stage; they surface as unsuccessful results for the repair stage
// to pick up.
func (e *Executor) Run(ctx context.Context, rec *StateRecord) error {
	pool := pond.NewResultPool[ExecutionResult](e.cfg.PoolSize)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)

	results := make([]ExecutionResult, len(rec.Plans))
	for i, plan := range rec.Plans {
		idx, p := i, plan
		group.SubmitErr(func() (ExecutionResult, error) {
			res := e.executeOne(ctx, p)
			results[idx] = res
			return res, nil
		})
	}
	if _, err := group.Wait(); err != nil {
		return NewFault(ClassifyStoreError(err), StageExecute, false, err)
	}
	rec.Results = results
	rec.Data = characterize(results, rec.Entities, rec.Strategy)

	succeeded, failed := countOutcomes(results)
	e.log.Debug("execute: batch finished", "succeeded", succeeded, "failed", failed)
	if failed > 0 && rec.Fault == nil {
		rec.Fault = NewFault(FaultStore, StageExecute, true,
			fmt.Errorf("%d of %d queries failed", failed, len(results)))
	}
	return nil
}

// executeOne runs a single plan with bounded retries on transient store
// faults. A plan that arrived without SQL fails immediately; it already
// failed synthesis and there is nothing to run.
func (e *Executor) executeOne(ctx context.Context, plan QueryPlan) ExecutionResult {
	if plan.SQL == "" {
		return ExecutionResult{
			ErrKind:   FaultPlanGeneration,
			ErrDetail: "no statement was generated for this sub-question",
			Attempts:  0,
		}
	}

	start := e.cfg.Clock.Now()
	result, attempts, err := retry(ctx, e.cfg.ExecMaxAttempts, e.cfg.BackoffInterval,
		func(err error) bool { return ClassifyStoreError(err) == FaultStoreTransient },
		func() (QueryResult, error) { return e.cfg.Store.Execute(ctx, plan.SQL) },
	)
	elapsed := e.cfg.Clock.Since(start)

	if err != nil {
		kind := ClassifyStoreError(err)
		if errors.Is(err, context.DeadlineExceeded) {
			kind = FaultDeadline
		}
		e.log.Warn("execute: query failed", "kind", string(kind), "attempts", attempts, "error", err)
		return ExecutionResult{
			ErrKind:   kind,
			ErrDetail: err.Error(),
			Elapsed:   elapsed,
			Attempts:  attempts,
		}
	}

	return ExecutionResult{
		Columns:  result.Columns,
		Rows:     result.Rows,
		Success:  true,
		Elapsed:  elapsed,
		Attempts: attempts,
	}
}

func countOutcomes(results []ExecutionResult) (succeeded, failed int) {
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// characterize reduces all successful results to the shape signals that
// drive response planning. Failed results contribute nothing.
func characterize(results []ExecutionResult, entities *ExtractedEntities, strategy *Strategy) *DataCharacteristics {
	data := &DataCharacteristics{
		EntityCount:  len(entities.Subjects),
		MultiEntity:  len(entities.Subjects) >= 2,
		Distribution: strategy.Aggregation == AggregationDistribution,
	}

	timeValues := map[string]struct{}{}
	keywords := map[string]struct{}{}
	for _, res := range results {
		if !res.Success {
			continue
		}
		data.TotalRows += len(res.Rows)
		timeCol := timeLikeColumn(res.Columns)
		for _, row := range res.Rows {
			if timeCol != "" {
				if v, ok := row[timeCol]; ok {
					timeValues[fmt.Sprint(v)] = struct{}{}
				}
			}
			for col, v := range row {
				if col == timeCol {
					continue
				}
				if s, ok := v.(string); ok {
					keywords[s] = struct{}{}
				}
			}
		}
	}

	data.TimePoints = len(timeValues)
	data.TimeSeries = data.TimePoints >= 3
	data.KeywordCardinality = len(keywords)
	data.LargeResult = data.TotalRows > largeResultRows
	return data
}

// timeLikeColumn picks the first column whose name suggests a time axis.
func timeLikeColumn(columns []string) string {
	for _, col := range columns {
		lower := strings.ToLower(col)
		for _, marker := range []string{"date", "time", "period", "month", "week", "day"} {
			if strings.Contains(lower, marker) {
				return col
			}
		}
	}
	return ""
}
