// Package saga runs multi-write operations as ordered steps with
// compensations, journaling partially applied runs so they can be rolled
// forward later.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forum/internal/models"
	"forum/internal/observability"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a journaled saga.
type Status string

const (
	StatusFailed      Status = "failed"
	StatusCompleted   Status = "completed"
	StatusCompensated Status = "compensated"
	StatusAbandoned   Status = "abandoned"
)

// Step is one store write. Do must be safe to run again after a crash
// between the write and the journal update. A nil Compensate marks a write
// that cannot be undone; runs that completed such a step only roll forward.
type Step struct {
	Name       string
	Do         func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Definition describes one saga run. Payload is serialized into the journal
// when the run stops halfway and must hold everything the registered
// Builder needs to rebuild Steps.
//
// Abort, when set, reports step errors that replay could never fix (a lost
// uniqueness race). Such a run is compensated at once and the step error is
// returned unchanged.
type Definition struct {
	Kind    string
	Subject string
	Payload any
	Steps   []Step
	Abort   func(err error) bool
}

// Builder rebuilds a Definition from a journaled payload.
type Builder func(payload json.RawMessage) (Definition, error)

// ReplayReport summarizes one Replay pass.
type ReplayReport struct {
	Replayed    int `json:"replayed"`
	Completed   int `json:"completed"`
	Compensated int `json:"compensated"`
	Abandoned   int `json:"abandoned"`
	StillFailed int `json:"stillFailed"`
}

// Runner executes sagas and replays journaled ones.
type Runner struct {
	journal     Journal
	maxAttempts int
	inline      func(subject string) bool

	mu       sync.RWMutex
	builders map[string]Builder
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxAttempts sets how many runs a journaled saga gets before its
// completed steps are compensated.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithInlineCompensation makes Run undo completed steps immediately for
// subjects where enabled returns true.
func WithInlineCompensation(enabled func(subject string) bool) Option {
	return func(r *Runner) {
		r.inline = enabled
	}
}

// NewRunner returns a Runner journaling to journal.
func NewRunner(journal Journal, opts ...Option) *Runner {
	r := &Runner{
		journal:     journal,
		maxAttempts: 5,
		builders:    map[string]Builder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register associates kind with the Builder used by Replay.
func (r *Runner) Register(kind string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = b
}

func (r *Runner) builder(kind string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[kind]
	return b, ok
}

// Run executes def's steps in order. A failing first step returns its error
// unchanged. A later failure journals the run and returns a
// PartialFailure error, unless inline compensation is enabled for the
// subject and every compensation succeeds.
func (r *Runner) Run(ctx context.Context, def Definition) error {
	for i, step := range def.Steps {
		err := step.Do(ctx)
		if err == nil {
			continue
		}
		if i == 0 {
			observability.SagaOutcomes.WithLabelValues(def.Kind, "aborted").Inc()
			return err
		}
		return r.fail(ctx, def, i, err)
	}
	observability.SagaOutcomes.WithLabelValues(def.Kind, "completed").Inc()
	return nil
}

func (r *Runner) fail(ctx context.Context, def Definition, failed int, cause error) error {
	step := def.Steps[failed].Name

	if def.Abort != nil && def.Abort(cause) && compensable(def.Steps[:failed]) {
		cerr := compensate(ctx, def.Steps[:failed])
		if cerr == nil {
			observability.SagaOutcomes.WithLabelValues(def.Kind, "aborted").Inc()
			return cause
		}
		observability.GlobalLogger.ErrorContext(ctx, "abort compensation failed",
			slog.String("kind", def.Kind),
			slog.String("step", step),
			slog.String("error", cerr.Error()),
		)
	}

	if r.inline != nil && r.inline(def.Subject) && compensable(def.Steps[:failed]) {
		cerr := compensate(ctx, def.Steps[:failed])
		if cerr == nil {
			observability.SagaOutcomes.WithLabelValues(def.Kind, "compensated").Inc()
			return fmt.Errorf("%s: step %q failed and earlier steps were undone: %w", def.Kind, step, cause)
		}
		observability.GlobalLogger.ErrorContext(ctx, "inline compensation failed",
			slog.String("kind", def.Kind),
			slog.String("step", step),
			slog.String("error", cerr.Error()),
		)
	}

	payload, err := json.Marshal(def.Payload)
	if err != nil {
		payload = []byte("null")
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	rec := &Record{
		ID:        id.String(),
		Kind:      def.Kind,
		Subject:   def.Subject,
		Status:    StatusFailed,
		Completed: failed,
		Attempts:  1,
		Payload:   string(payload),
		LastError: cause.Error(),
	}
	if err := r.journal.Create(ctx, rec); err != nil {
		observability.LogAsyncOperationError(ctx, "saga.journal", err, map[string]interface{}{
			"kind":      def.Kind,
			"step":      step,
			"completed": failed,
			"payload":   string(payload),
		})
	} else {
		observability.GlobalLogger.WarnContext(ctx, "saga journaled after partial failure",
			slog.String("saga_id", rec.ID),
			slog.String("kind", def.Kind),
			slog.String("step", step),
			slog.Int("completed", failed),
			slog.String("error", cause.Error()),
		)
	}
	observability.SagaOutcomes.WithLabelValues(def.Kind, "partial").Inc()
	return models.NewPartialFailureError(def.Kind, step, cause)
}

func compensable(done []Step) bool {
	for _, s := range done {
		if s.Compensate == nil {
			return false
		}
	}
	return true
}

// compensate undoes done in reverse order, stopping at the first failure.
func compensate(ctx context.Context, done []Step) error {
	for i := len(done) - 1; i >= 0; i-- {
		if err := done[i].Compensate(ctx); err != nil {
			return fmt.Errorf("compensate %q: %w", done[i].Name, err)
		}
	}
	return nil
}

// Replay rolls journaled sagas forward from their last completed step.
// A saga that fails again on its final allowed attempt is compensated.
// limit <= 0 replays every pending record.
func (r *Runner) Replay(ctx context.Context, limit int) (ReplayReport, error) {
	var report ReplayReport

	records, err := r.journal.Pending(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("load pending sagas: %w", err)
	}

	for i := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec := &records[i]
		report.Replayed++

		status, err := r.replayOne(ctx, rec)
		if err != nil {
			return report, err
		}
		switch status {
		case StatusCompleted:
			report.Completed++
		case StatusCompensated:
			report.Compensated++
		case StatusAbandoned:
			report.Abandoned++
		default:
			report.StillFailed++
		}
	}
	return report, nil
}

func (r *Runner) replayOne(ctx context.Context, rec *Record) (Status, error) {
	logger := observability.GlobalLogger.With(
		slog.String("saga_id", rec.ID),
		slog.String("kind", rec.Kind),
	)

	b, ok := r.builder(rec.Kind)
	if !ok {
		logger.WarnContext(ctx, "no builder registered for saga kind, leaving it journaled")
		return StatusFailed, nil
	}

	def, err := b(json.RawMessage(rec.Payload))
	if err != nil {
		rec.Status = StatusAbandoned
		rec.LastError = fmt.Sprintf("rebuild: %v", err)
		observability.SagaOutcomes.WithLabelValues(rec.Kind, "abandoned").Inc()
		return rec.Status, r.journal.Update(ctx, rec)
	}

	rec.Attempts++
	start := rec.Completed
	if start > len(def.Steps) {
		start = len(def.Steps)
	}

	failedAt := -1
	var cause error
	for i := start; i < len(def.Steps); i++ {
		if err := def.Steps[i].Do(ctx); err != nil {
			failedAt, cause = i, err
			break
		}
		rec.Completed = i + 1
	}

	switch {
	case failedAt < 0:
		rec.Status = StatusCompleted
		rec.LastError = ""
		logger.InfoContext(ctx, "saga rolled forward", slog.Int("attempts", rec.Attempts))
	case rec.Attempts >= r.maxAttempts && !compensable(def.Steps[:failedAt]):
		rec.Status = StatusAbandoned
		rec.LastError = cause.Error()
		logger.ErrorContext(ctx, "saga abandoned, completed steps cannot be undone", slog.String("error", rec.LastError))
	case rec.Attempts >= r.maxAttempts:
		rec.LastError = cause.Error()
		if cerr := compensate(ctx, def.Steps[:failedAt]); cerr != nil {
			rec.Status = StatusAbandoned
			rec.LastError = fmt.Sprintf("%v; %v", cause, cerr)
			logger.ErrorContext(ctx, "saga abandoned", slog.String("error", rec.LastError))
		} else {
			rec.Status = StatusCompensated
			logger.WarnContext(ctx, "saga compensated after max attempts", slog.Int("attempts", rec.Attempts))
		}
	default:
		rec.LastError = cause.Error()
		logger.WarnContext(ctx, "saga replay failed",
			slog.Int("attempts", rec.Attempts),
			slog.String("step", def.Steps[failedAt].Name),
			slog.String("error", cause.Error()),
		)
	}

	observability.SagaOutcomes.WithLabelValues(rec.Kind, "replay_"+string(rec.Status)).Inc()
	rec.UpdatedAt = time.Now().UTC()
	if err := r.journal.Update(ctx, rec); err != nil {
		return rec.Status, fmt.Errorf("update saga %s: %w", rec.ID, err)
	}
	return rec.Status, nil
}

// IsPartial reports whether err came from a saga that stopped halfway.
func IsPartial(err error) bool {
	return errors.Is(err, models.ErrPartialFailure)
}
