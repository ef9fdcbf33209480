package pipeline

import (
	"context"
	"fmt"
)

// PollResult is the classified outcome of one poll of an operation handle.
type PollResult int

const (
	// PollNotDone means the operation is still running; check again later.
	PollNotDone PollResult = iota
	// PollDone means the operation completed without an operation-level
	// error and the unit may be finalized.
	PollDone
	// PollError means the remote service reported the operation as
	// terminally failed.
	PollError
)

// Poller performs one discrete check of a long-running operation. It never
// blocks for the operation's duration: a NOT_DONE result is returned to the
// caller, which is re-triggered by the scheduler. Transient transport
// failures during the single poll attempt are retried with exponential
// backoff up to the deadline.
type Poller struct {
	parser  Parser
	backoff Backoff
}

// NewPoller returns a Poller checking operations through parser.
func NewPoller(parser Parser, backoff Backoff) *Poller {
	return &Poller{parser: parser, backoff: backoff}
}

// Check polls handle once. The returned message is the operation's failure
// detail when the result is PollError.
func (p *Poller) Check(ctx context.Context, handle string) (PollResult, string, error) {
	var status *BatchStatus
	err := p.backoff.Retry(ctx, func(ctx context.Context) error {
		var perr error
		status, perr = p.parser.BatchPoll(ctx, handle)
		return perr
	})
	if err != nil {
		return PollNotDone, "", fmt.Errorf("poll operation %s: %w", handle, err)
	}
	if !status.Done {
		return PollNotDone, "", nil
	}
	if status.Err != "" {
		return PollError, status.Err, nil
	}
	return PollDone, "", nil
}
