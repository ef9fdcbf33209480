package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/docingest/internal/models"
)

// UnitInput carries everything the state machine needs to hand a complete
// unit to the remote parser.
type UnitInput struct {
	// ChunkURIs are the storage URIs of the unit's chunks, in manifest
	// order. Exactly one for the single-shot path.
	ChunkURIs []string
	MimeType  string
	// OutputPrefix is where the batch operation writes its results.
	OutputPrefix string
}

// FinalizeFunc materializes a completed parse: writing extracted text and
// entities to storage. It is invoked with the parse result on the
// single-shot path and with nil on the batch path, where the outputs are
// collected from the operation's output location instead. It must be
// idempotent: the state machine cannot guarantee single delivery under
// at-least-once triggering, only that a unit already marked SUCCESS is never
// finalized again.
type FinalizeFunc func(ctx context.Context, unit string, res *ParseResult) error

// TransitionHook observes checkpoint status changes. Used by the service
// layer to mirror status to the unit registry and trigger downstream
// hand-off; it must not fail the transition.
type TransitionHook func(ctx context.Context, unit string, rec *models.CheckpointRecord)

// StateMachine drives one unit through NEW → PROCESSING → SUCCESS/FAILED.
// Every entry point first reads the checkpoint record and short-circuits on
// terminal states, which is what makes duplicate trigger events safe. The
// PROCESSING write always precedes the remote call, so a crash at any point
// leaves a record to resume against.
type StateMachine struct {
	checkpoints  *CheckpointStore
	parser       Parser
	poller       *Poller
	finalize     FinalizeFunc
	backoff      Backoff
	onTransition TransitionHook
	now          func() time.Time
}

// MachineOption configures a StateMachine.
type MachineOption func(*StateMachine)

// WithBackoff overrides the transient-retry policy for remote calls.
func WithBackoff(b Backoff) MachineOption {
	return func(m *StateMachine) {
		m.backoff = b
		m.poller = NewPoller(m.parser, b)
	}
}

// WithTransitionHook registers a hook observing status changes.
func WithTransitionHook(hook TransitionHook) MachineOption {
	return func(m *StateMachine) { m.onTransition = hook }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MachineOption {
	return func(m *StateMachine) { m.now = now }
}

// NewStateMachine returns a state machine over the given checkpoint store,
// remote parser, and finalizer.
func NewStateMachine(checkpoints *CheckpointStore, parser Parser, finalize FinalizeFunc, opts ...MachineOption) *StateMachine {
	m := &StateMachine{
		checkpoints: checkpoints,
		parser:      parser,
		finalize:    finalize,
		backoff:     DefaultBackoff(),
		now:         time.Now,
	}
	m.poller = NewPoller(parser, m.backoff)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Advance drives the unit forward given a completeness decision. It is safe
// to call on every upload event: terminal units are no-ops, a unit with an
// outstanding operation handle is polled rather than restarted, and a WAIT
// decision does nothing.
func (m *StateMachine) Advance(ctx context.Context, unit string, decision Decision, input UnitInput) error {
	logCtx := slog.With("unit", unit, "decision", decision.String())

	rec, err := m.checkpoints.Load(ctx, unit)
	if err != nil {
		return err
	}
	switch {
	case rec.Terminal():
		logCtx.Info("Unit already terminal, nothing to do.", "status", rec.Status, "lastError", rec.LastError)
		return nil
	case rec.Status == models.StatusProcessing && rec.OperationHandle != "":
		logCtx.Info("Operation already outstanding, polling instead of restarting.", "handle", rec.OperationHandle)
		return m.checkOperation(ctx, unit, rec)
	}

	if decision == DecisionWait {
		return nil
	}

	// A PROCESSING record without a handle means a previous invocation
	// crashed between the checkpoint write and the remote call; redo the
	// work under the existing record.
	if rec.Status != models.StatusProcessing {
		started := m.now().UTC()
		rec.Status = models.StatusProcessing
		rec.StartedAt = &started
		if err := m.checkpoints.Save(ctx, unit, rec); err != nil {
			return err
		}
		m.notify(ctx, unit, rec)
		logCtx.Info("Unit transitioned to PROCESSING.")
	}

	if decision == DecisionSingle {
		return m.runSingle(ctx, unit, rec, input)
	}
	return m.runBatch(ctx, unit, rec, input)
}

// Resume re-drives a unit from its checkpoint alone, with no upload event.
// Used by the scheduled sweep: units with an outstanding operation are
// polled, everything else is left untouched. It returns the unit's status
// after the check.
func (m *StateMachine) Resume(ctx context.Context, unit string) (string, error) {
	rec, err := m.checkpoints.Load(ctx, unit)
	if err != nil {
		return "", err
	}
	if rec.Status != models.StatusProcessing || rec.OperationHandle == "" {
		return rec.Status, nil
	}
	if err := m.checkOperation(ctx, unit, rec); err != nil {
		return rec.Status, err
	}
	return rec.Status, nil
}

func (m *StateMachine) runSingle(ctx context.Context, unit string, rec *models.CheckpointRecord, input UnitInput) error {
	if len(input.ChunkURIs) != 1 {
		return fmt.Errorf("unit %s: single-shot path requires exactly one chunk, got %d", unit, len(input.ChunkURIs))
	}

	var res *ParseResult
	err := m.backoff.Retry(ctx, func(ctx context.Context) error {
		var perr error
		res, perr = m.parser.ParseSync(ctx, input.ChunkURIs[0], input.MimeType)
		return perr
	})
	if err != nil {
		return m.failUnit(ctx, unit, rec, fmt.Errorf("sync parse: %w", err))
	}

	if err := m.finalize(ctx, unit, res); err != nil {
		// Leave the record in PROCESSING; the next trigger redoes the parse
		// and finalization idempotently.
		return fmt.Errorf("finalize unit %s: %w", unit, err)
	}
	return m.succeedUnit(ctx, unit, rec)
}

func (m *StateMachine) runBatch(ctx context.Context, unit string, rec *models.CheckpointRecord, input UnitInput) error {
	var handle string
	err := m.backoff.Retry(ctx, func(ctx context.Context) error {
		var serr error
		handle, serr = m.parser.BatchStart(ctx, input.ChunkURIs, input.MimeType, input.OutputPrefix)
		return serr
	})
	if err != nil {
		return m.failUnit(ctx, unit, rec, fmt.Errorf("batch start: %w", err))
	}

	rec.OperationHandle = handle
	if err := m.checkpoints.Save(ctx, unit, rec); err != nil {
		return err
	}
	slog.Info("Batch operation started.", "unit", unit, "handle", handle)
	return nil
}

func (m *StateMachine) checkOperation(ctx context.Context, unit string, rec *models.CheckpointRecord) error {
	result, message, err := m.poller.Check(ctx, rec.OperationHandle)
	if err != nil {
		return fmt.Errorf("unit %s: %w", unit, err)
	}
	switch result {
	case PollNotDone:
		slog.Info("Operation still running.", "unit", unit, "handle", rec.OperationHandle)
		return nil
	case PollError:
		return m.failUnit(ctx, unit, rec, &RemoteError{Message: message})
	default:
		if err := m.finalize(ctx, unit, nil); err != nil {
			return fmt.Errorf("finalize unit %s: %w", unit, err)
		}
		return m.succeedUnit(ctx, unit, rec)
	}
}

func (m *StateMachine) succeedUnit(ctx context.Context, unit string, rec *models.CheckpointRecord) error {
	ended := m.now().UTC()
	rec.Status = models.StatusSuccess
	rec.EndedAt = &ended
	rec.OperationHandle = ""
	rec.LastError = ""
	if err := m.checkpoints.Save(ctx, unit, rec); err != nil {
		return err
	}
	m.notify(ctx, unit, rec)
	slog.Info("Unit succeeded.", "unit", unit)
	return nil
}

// failUnit marks the unit FAILED and surfaces cause. The operation handle is
// deliberately kept for diagnostics.
func (m *StateMachine) failUnit(ctx context.Context, unit string, rec *models.CheckpointRecord, cause error) error {
	ended := m.now().UTC()
	rec.Status = models.StatusFailed
	rec.EndedAt = &ended
	rec.LastError = cause.Error()
	if err := m.checkpoints.Save(ctx, unit, rec); err != nil {
		slog.Error("CRITICAL: Failed to persist FAILED status after a processing error.", "unit", unit, "saveError", err, "cause", cause)
		return errors.Join(err, cause)
	}
	m.notify(ctx, unit, rec)
	slog.Error("Unit failed.", "unit", unit, "error", cause)
	return fmt.Errorf("unit %s failed: %w", unit, cause)
}

func (m *StateMachine) notify(ctx context.Context, unit string, rec *models.CheckpointRecord) {
	if m.onTransition != nil {
		m.onTransition(ctx, unit, rec)
	}
}
