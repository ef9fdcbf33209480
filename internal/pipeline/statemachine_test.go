package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeParser scripts the remote parsing service.
type fakeParser struct {
	mu sync.Mutex

	syncResult *ParseResult
	syncErr    error
	syncCalls  int

	handle     string
	batchErr   error
	batchCalls int

	pollSeq   []pollStep
	pollCalls int
}

type pollStep struct {
	status *BatchStatus
	err    error
}

func (p *fakeParser) ParseSync(ctx context.Context, uri, mimeType string) (*ParseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncCalls++
	if p.syncErr != nil {
		return nil, p.syncErr
	}
	return p.syncResult, nil
}

func (p *fakeParser) BatchStart(ctx context.Context, uris []string, mimeType, outputPrefix string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batchCalls++
	if p.batchErr != nil {
		return "", p.batchErr
	}
	return p.handle, nil
}

func (p *fakeParser) BatchPoll(ctx context.Context, handle string) (*BatchStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	step := p.pollSeq[0]
	if len(p.pollSeq) > 1 {
		p.pollSeq = p.pollSeq[1:]
	}
	p.pollCalls++
	return step.status, step.err
}

type machineHarness struct {
	machine     *StateMachine
	checkpoints *CheckpointStore
	parser      *fakeParser
	finalized   *int
	lastResult  **ParseResult
	transitions *[]string
}

func newMachineHarness(parser *fakeParser) *machineHarness {
	checkpoints := NewCheckpointStore(newMemStore())
	finalized := 0
	var lastResult *ParseResult
	var transitions []string

	finalize := func(ctx context.Context, unit string, res *ParseResult) error {
		finalized++
		lastResult = res
		return nil
	}
	backoff := DefaultBackoff()
	backoff.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	machine := NewStateMachine(checkpoints, parser, finalize,
		WithBackoff(backoff),
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }),
		WithTransitionHook(func(ctx context.Context, unit string, rec *models.CheckpointRecord) {
			transitions = append(transitions, rec.Status)
		}),
	)
	return &machineHarness{
		machine:     machine,
		checkpoints: checkpoints,
		parser:      parser,
		finalized:   &finalized,
		lastResult:  &lastResult,
		transitions: &transitions,
	}
}

func singleInput() UnitInput {
	return UnitInput{
		ChunkURIs:    []string{"gs://src/u1/c0"},
		MimeType:     "application/pdf",
		OutputPrefix: "gs://out/structured_data/u1/",
	}
}

func batchInput() UnitInput {
	return UnitInput{
		ChunkURIs:    []string{"gs://src/u1/c0", "gs://src/u1/c1"},
		MimeType:     "application/pdf",
		OutputPrefix: "gs://out/structured_data/u1/",
	}
}

func TestAdvanceSingleShotSuccess(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{syncResult: &ParseResult{Text: "hello", Entities: []Entity{{Text: "ACME", Type: "org"}}}}
	h := newMachineHarness(parser)

	require.NoError(t, h.machine.Advance(ctx, "u1", DecisionSingle, singleInput()))

	rec, err := h.checkpoints.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, rec.Status)
	assert.Empty(t, rec.OperationHandle)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.EndedAt)
	assert.Equal(t, 1, parser.syncCalls)
	assert.Equal(t, 1, *h.finalized)
	require.NotNil(t, *h.lastResult)
	assert.Equal(t, "hello", (*h.lastResult).Text)
	assert.Equal(t, []string{models.StatusProcessing, models.StatusSuccess}, *h.transitions)
}

func TestAdvanceIsIdempotentAfterSuccess(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{syncResult: &ParseResult{Text: "hello"}}
	h := newMachineHarness(parser)

	require.NoError(t, h.machine.Advance(ctx, "u1", DecisionSingle, singleInput()))
	before, err := h.checkpoints.Load(ctx, "u1")
	require.NoError(t, err)

	// Duplicate trigger: no new remote calls, no new finalization, record
	// byte-for-byte unchanged.
	require.NoError(t, h.machine.Advance(ctx, "u1", DecisionSingle, singleInput()))
	after, err := h.checkpoints.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, parser.syncCalls)
	assert.Equal(t, 1, *h.finalized)
}

func TestAdvanceWaitIsANoOp(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{}
	h := newMachineHarness(parser)

	require.NoError(t, h.machine.Advance(ctx, "u1", DecisionWait, UnitInput{}))

	rec, err := h.checkpoints.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNew, rec.Status)
	assert.Zero(t, parser.syncCalls)
	assert.Zero(t, parser.batchCalls)
}

func TestAdvanceBatchStartsOperationAndPersistsHandle(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{handle: "op-1"}
	h := newMachineHarness(parser)

	require.NoError(t, h.machine.Advance(ctx, "u1", DecisionBatch, batchInput()))

	rec, err := h.checkpoints.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, rec.Status)
	assert.Equal(t, "op-1", rec.OperationHandle)
	assert.Equal(t, 1, parser.batchCalls)
	assert.Zero(t, *h.finalized)
}

func TestAdvanceResumesOutstandingOperation(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{
		handle: "op-2",
		pollSeq: []pollStep{
			{status: &BatchStatus{Done: false}},
			{status: &BatchStatus{Done: true}},
		},
	}
	h := newMachineHarness(parser)

	require.NoError(t, h.machine.Advance(ctx, "u1", DecisionBatch, batchInput()))

	// First re-trigger: operation not done, checkpoint stays PROCESSING
	// with the same handle and no second batch is started.
	require.NoError(t, h.machine.Advance(ctx, "u1", DecisionBatch, batchInput()))
	rec, err := h.checkpoints.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, rec.Status)
	assert.Equal(t, "op-2", rec.OperationHandle)
	assert.Equal(t, 1, parser.batchCalls)
	assert.Zero(t, *h.finalized)

	// Second re-trigger: done, finalized, SUCCESS.
	require.NoError(t, h.machine.Advance(ctx, "u1", DecisionBatch, batchInput()))
	rec, err = h.checkpoints.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, rec.Status)
	assert.Equal(t, 1, *h.finalized)
	assert.Nil(t, *h.lastResult, "batch finalization receives no inline result")

	// Poll after DONE: SUCCESS short-circuit, finalization still ran once.
	require.NoError(t, h.machine.Advance(ctx, "u1", DecisionBatch, batchInput()))
	assert.Equal(t, 1, *h.finalized)
	assert.Equal(t, 1, parser.batchCalls)
}

func TestResumePollsCheckpointHandle(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{pollSeq: []pollStep{{status: &BatchStatus{Done: true}}}}
	h := newMachineHarness(parser)

	started := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, h.checkpoints.Save(ctx, "u1", &models.CheckpointRecord{
		Status:          models.StatusProcessing,
		OperationHandle: "op-9",
		StartedAt:       &started,
	}))

	status, err := h.machine.Resume(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, status)
	assert.Zero(t, parser.batchCalls, "resume must poll, never start a new operation")
	assert.Equal(t, 1, parser.pollCalls)
	assert.Equal(t, 1, *h.finalized)
}

func TestResumeLeavesNonProcessingUnitsAlone(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{}
	h := newMachineHarness(parser)

	status, err := h.machine.Resume(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNew, status)
	assert.Zero(t, parser.pollCalls)
}

func TestAdvanceTerminalRemoteErrorFailsUnit(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{syncErr: &RemoteError{Message: "unsupported encoding"}}
	h := newMachineHarness(parser)

	err := h.machine.Advance(ctx, "u1", DecisionSingle, singleInput())
	require.Error(t, err)

	rec, lerr := h.checkpoints.Load(ctx, "u1")
	require.NoError(t, lerr)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "unsupported encoding")
	assert.NotNil(t, rec.EndedAt)
	assert.Equal(t, 1, parser.syncCalls)

	// FAILED is terminal: no automatic retry on the next trigger.
	require.NoError(t, h.machine.Advance(ctx, "u1", DecisionSingle, singleInput()))
	assert.Equal(t, 1, parser.syncCalls)
}

func TestAdvanceTransientExhaustionFailsUnit(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{syncErr: Transient(errors.New("deadline exceeded"))}
	h := newMachineHarness(parser)

	err := h.machine.Advance(ctx, "u1", DecisionSingle, singleInput())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryExhausted)

	rec, lerr := h.checkpoints.Load(ctx, "u1")
	require.NoError(t, lerr)
	assert.Equal(t, models.StatusFailed, rec.Status)
}

func TestOperationErrorKeepsHandleForDiagnostics(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{
		handle:  "op-3",
		pollSeq: []pollStep{{status: &BatchStatus{Done: true, Err: "internal error in shard 2"}}},
	}
	h := newMachineHarness(parser)

	require.NoError(t, h.machine.Advance(ctx, "u1", DecisionBatch, batchInput()))
	err := h.machine.Advance(ctx, "u1", DecisionBatch, batchInput())
	require.Error(t, err)

	rec, lerr := h.checkpoints.Load(ctx, "u1")
	require.NoError(t, lerr)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, "op-3", rec.OperationHandle, "handle is kept on failure for diagnostics")
	assert.Contains(t, rec.LastError, "internal error in shard 2")
	assert.Zero(t, *h.finalized)
}

func TestAdvanceRedrivesProcessingWithoutHandle(t *testing.T) {
	// Simulates a crash between the PROCESSING write and the remote call.
	ctx := context.Background()
	parser := &fakeParser{syncResult: &ParseResult{Text: "recovered"}}
	h := newMachineHarness(parser)

	started := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, h.checkpoints.Save(ctx, "u1", &models.CheckpointRecord{
		Status:    models.StatusProcessing,
		StartedAt: &started,
	}))

	require.NoError(t, h.machine.Advance(ctx, "u1", DecisionSingle, singleInput()))

	rec, err := h.checkpoints.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, rec.Status)
	assert.Equal(t, &started, rec.StartedAt, "original start time is preserved")
	assert.Equal(t, 1, parser.syncCalls)
}
