package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Orchestrator drives a question through every stage and always returns a
// final response, degraded if necessary. Safe for concurrent use; all
// per-request state lives on the StateRecord.
type Orchestrator struct {
	log *slog.Logger
	cfg *Config

	intent    *IntentExtractor
	decompose *QueryDecomposer
	plan      *QuerySynthesizer
	execute   *Executor
	repair    *SelfCorrector
	render    *OutputRenderer
	finish    *Synthesizer
	followUp  *FollowUpSuggester
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return &Orchestrator{
		log:       cfg.Logger,
		cfg:       &cfg,
		intent:    NewIntentExtractor(&cfg),
		decompose: NewQueryDecomposer(&cfg),
		plan:      NewQuerySynthesizer(&cfg),
		execute:   NewExecutor(&cfg),
		repair:    NewSelfCorrector(&cfg),
		render:    NewOutputRenderer(&cfg),
		finish:    NewSynthesizer(&cfg),
		followUp:  NewFollowUpSuggester(&cfg),
	}, nil
}

// Ask answers one question. The returned response is never nil and its text
// is never empty; errors are reserved for caller mistakes and panics, not
// data or model failures.
func (o *Orchestrator) Ask(ctx context.Context, question string, history []Turn, progress ProgressFunc) (*FinalResponse, error) {
	if question == "" {
		return nil, fmt.Errorf("question must not be empty")
	}
	if o.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Deadline)
		defer cancel()
	}

	rec := &StateRecord{
		RequestID: uuid.NewString(),
		StartedAt: o.cfg.Clock.Now(),
		RawQuery:  RawQuery{Text: question, History: history},
	}
	log := o.log.With("requestId", rec.RequestID)
	log.Info("pipeline: request started", "question", question)

	o.runStages(ctx, rec, progress)

	// Synthesis always runs, even after a panic or an unrecoverable fault.
	if err := o.runStage(ctx, rec, StageSynthesize, progress, o.finish.Run); err != nil {
		return nil, err
	}
	if o.cfg.FollowUps && rec.Fault == nil {
		_ = o.followUp.Run(ctx, rec)
	}

	o.recordRun(ctx, rec)
	log.Info("pipeline: request finished",
		"elapsed", rec.Final.Metadata.Elapsed,
		"degraded", rec.Final.Metadata.Degraded)
	return rec.Final, nil
}

// runStages executes everything before synthesis. An unrecoverable fault
// stops the sequence; the fault stays on the record for the synthesizer.
func (o *Orchestrator) runStages(ctx context.Context, rec *StateRecord, progress ProgressFunc) {
	type step struct {
		stage Stage
		run   func(context.Context, *StateRecord) error
		skip  func() bool
	}

	steps := []step{
		{StageIntent, o.intent.Run, nil},
		{StageStrategy, func(_ context.Context, r *StateRecord) error {
			r.Strategy = SelectStrategy(r.Entities)
			return nil
		}, nil},
		{StageComplexity, func(_ context.Context, r *StateRecord) error {
			r.Complexity = ScoreComplexity(r.Entities, r.Strategy)
			return nil
		}, nil},
		{StageDecompose, o.decompose.Run, func() bool { return rec.Complexity.Path == PathDirect }},
		{StagePlan, o.plan.Run, nil},
		{StageExecute, o.execute.Run, nil},
		{StageRepair, o.repair.Run, func() bool {
			// Repair rewrites are reserved for complex requests; simpler
			// ones degrade and explain the failure instead.
			_, failed := countOutcomes(rec.Results)
			return failed == 0 || rec.Complexity.Level != LevelComplex
		}},
		{StageRespond, func(_ context.Context, r *StateRecord) error {
			r.Response = PlanResponse(r.Data, r.Strategy, o.cfg.SuggestThreshold, o.cfg.AutoThreshold)
			return nil
		}, nil},
		{StageRender, o.render.Run, nil},
	}

	for _, st := range steps {
		if ctxFault := deadlineFault(ctx, st.stage); ctxFault != nil {
			rec.Fault = ctxFault
			return
		}
		if st.skip != nil && st.skip() {
			if st.stage == StageDecompose {
				rec.SubQuestions = singleSubQuestion(rec.RawQuery.Text)
			}
			continue
		}
		if err := o.runStage(ctx, rec, st.stage, progress, st.run); err != nil {
			return
		}
		if rec.Fault != nil && !rec.Fault.Recoverable {
			return
		}
	}
}

// runStage wraps one stage with progress events, panic recovery, and the
// post-stage record check.
func (o *Orchestrator) runStage(ctx context.Context, rec *StateRecord, stage Stage, progress ProgressFunc, run func(context.Context, *StateRecord) error) (err error) {
	start := o.cfg.Clock.Now()
	emit := func(status ProgressStatus, message string) {
		if progress == nil {
			return
		}
		progress(ProgressEvent{
			Stage:   stage,
			Status:  status,
			Message: message,
			Elapsed: o.cfg.Clock.Since(start).Seconds(),
		})
	}
	emit(ProgressProcessing, stageMessage(stage))

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("pipeline: stage panicked", "stage", string(stage), "panic", r)
			rec.Fault = NewFault(FaultValidation, stage, false, fmt.Errorf("stage panicked: %v", r))
			emit(ProgressError, "internal error")
			err = nil
			if stage == StageSynthesize && rec.Final == nil {
				err = rec.Fault
			}
		}
	}()

	hadFault := rec.Fault != nil
	if runErr := run(ctx, rec); runErr != nil {
		var fault *Fault
		if !errors.As(runErr, &fault) {
			fault = NewFault(FaultKindOf(runErr), stage, false, runErr)
		}
		rec.Fault = fault
		if !fault.Recoverable && stage != StageSynthesize {
			o.log.Warn("pipeline: stage failed", "stage", string(stage), "error", runErr)
			emit(ProgressError, fault.Error())
			return runErr
		}
	}

	if verr := rec.Validate(stage); verr != nil {
		rec.Fault = verr.(*Fault)
		emit(ProgressError, verr.Error())
		return verr
	}

	if rec.Fault != nil && !hadFault {
		emit(ProgressWarning, rec.Fault.Error())
	} else {
		emit(ProgressSuccess, "")
	}
	return nil
}

func deadlineFault(ctx context.Context, stage Stage) *Fault {
	if err := ctx.Err(); err != nil {
		return NewFault(FaultDeadline, stage, false, err)
	}
	return nil
}

func stageMessage(stage Stage) string {
	switch stage {
	case StageIntent:
		return "understanding the question"
	case StageStrategy:
		return "choosing a data strategy"
	case StageComplexity:
		return "scoring complexity"
	case StageDecompose:
		return "splitting into sub-questions"
	case StagePlan:
		return "writing queries"
	case StageExecute:
		return "running queries"
	case StageRepair:
		return "fixing failed queries"
	case StageRespond:
		return "planning the response"
	case StageRender:
		return "rendering the answer"
	case StageSynthesize:
		return "assembling the response"
	}
	return string(stage)
}

func (o *Orchestrator) recordRun(ctx context.Context, rec *StateRecord) {
	if o.cfg.RunLog == nil {
		return
	}
	record := RunRecord{
		RequestID:  rec.RequestID,
		Question:   rec.RawQuery.Text,
		Complexity: rec.Complexity,
		Plans:      len(rec.Plans),
		Response:   rec.Response,
		Elapsed:    rec.Final.Metadata.Elapsed,
		FinishedAt: o.cfg.Clock.Now().UTC(),
	}
	record.SuccessfulQueries, record.FailedQueries = countOutcomes(rec.Results)
	if rec.Fault != nil {
		record.FaultKind = rec.Fault.Kind
	}

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := o.cfg.RunLog.Record(logCtx, record); err != nil {
		o.log.Warn("pipeline: run log write failed", "error", err)
	}
}
