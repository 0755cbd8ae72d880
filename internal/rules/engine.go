package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/solatis/surveykeeper/internal/types"
)

// SnapshotSource loads the compiled rule definitions of a survey.
type SnapshotSource interface {
	Snapshot(ctx context.Context, surveyID types.SurveyID) (*Snapshot, error)
}

// Observer receives one notification per validation run.
type Observer interface {
	ObserveValidation(surveyID types.SurveyID, outcome Outcome, err error, elapsed time.Duration)
}

// Engine validates responses against the persisted rules of their survey.
// One snapshot is fetched per call; evaluation itself performs no I/O.
type Engine struct {
	validator *Validator
	snapshots SnapshotSource
	observer  Observer
	logger    *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithObserver registers an observer for validation results.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observer = o }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine that validates with v and reads snapshots from src.
func NewEngine(v *Validator, src SnapshotSource, opts ...EngineOption) *Engine {
	e := &Engine{
		validator: v,
		snapshots: src,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Snapshot returns the compiled rules of survey surveyID.
func (e *Engine) Snapshot(ctx context.Context, surveyID types.SurveyID) (*Snapshot, error) {
	return e.snapshots.Snapshot(ctx, surveyID)
}

// Result is the outcome of validating one response, together with the
// parsed payload and the snapshot it was checked against.
type Result struct {
	Payload  *types.ResponsePayload
	Snapshot *Snapshot
	Outcome
}

// Validate parses payload and validates it against survey surveyID.
// A non-nil error means validation could not run; rule failures are
// reported in the result's Outcome.
func (e *Engine) Validate(ctx context.Context, surveyID types.SurveyID, payload json.RawMessage) (*Result, error) {
	start := time.Now()

	parsed, err := types.ParseResponsePayload(payload)
	if err != nil {
		e.observe(surveyID, Outcome{}, err, start)
		return nil, err
	}

	snap, err := e.snapshots.Snapshot(ctx, surveyID)
	if err != nil {
		err = fmt.Errorf("load survey %d: %w", surveyID, err)
		e.observe(surveyID, Outcome{}, err, start)
		return nil, err
	}

	outcome, err := e.validator.ValidateParsed(parsed, snap)
	e.observe(surveyID, outcome, err, start)
	if err != nil {
		return nil, err
	}

	if !outcome.Valid() {
		first := outcome.First()
		e.logger.Debug("response rejected",
			zap.Int64("survey_id", int64(surveyID)),
			zap.Int("failures", len(outcome.Failures)),
			zap.Stringer("kind", first.Kind),
			zap.Int64("field_id", int64(first.FieldID)),
			zap.Int64("rule_id", first.RuleID),
		)
	}
	return &Result{Payload: parsed, Snapshot: snap, Outcome: outcome}, nil
}

func (e *Engine) observe(surveyID types.SurveyID, outcome Outcome, err error, start time.Time) {
	if e.observer != nil {
		e.observer.ObserveValidation(surveyID, outcome, err, time.Since(start))
	}
}
