// Package consensusexec implements consensus re-verification and
// execution (C5): given an authorized bundle, it re-checks the quorum one
// more time, builds and submits the destination-chain transaction, tracks
// confirmation, and retries on timeout before giving up and raising a
// failsafe event.
//
// The decode-then-dispatch shape — validate inputs into a Context, then
// hand off to the side effect — follows the system action executor; the
// priority queue is new, grounded on the standard container/heap pattern
// the liveness-ordering requirement (deadline ascending, observed_at
// ascending) calls for.
package consensusexec

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tos-network/bridgevalidator/aggregator"
	"github.com/tos-network/bridgevalidator/common"
	"github.com/tos-network/bridgevalidator/log"
	"github.com/tos-network/bridgevalidator/transfer"
)

var (
	ErrBundleRejected    = errors.New("consensusexec: bundle failed re-verification")
	ErrSubmissionTimeout = errors.New("consensusexec: submission confirmation timed out")
	ErrMaxRetriesExceeded = errors.New("consensusexec: max submission retries exceeded")
)

// TransactionBuilder constructs the destination-chain transaction bytes
// from an authorized bundle and its transfer.
type TransactionBuilder interface {
	Build(t *transfer.Transfer, bundle *aggregator.AuthorizedBundle) ([]byte, error)
}

// Submitter is the minimal chain access surface needed to submit and track
// a transaction. Implemented by chain.Observer's RPCClient in production.
type Submitter interface {
	SubmitSignedTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	Confirmations(ctx context.Context, txHash common.Hash) (uint64, bool, error)
}

// ExecutionFailure is raised to the failsafe controller when a transfer
// exhausts its retry budget.
type ExecutionFailure struct {
	TransferID common.Hash
	Attempts   int
	LastError  error
}

const (
	defaultConfirmationsRequired = 1
	defaultMaxRetries            = 3
	defaultConfirmationPoll      = 2 * time.Second
	defaultConfirmationTimeout   = 5 * time.Minute
)

// pendingItem is one entry in the submission priority queue.
type pendingItem struct {
	transfer *transfer.Transfer
	bundle   *aggregator.AuthorizedBundle
	index    int
}

// submissionQueue orders pending submissions by (deadline asc, observed_at
// asc), so transfers close to expiry jump ahead of older, safer ones —
// priority inversion here is intentional, not a bug.
type submissionQueue []*pendingItem

func (q submissionQueue) Len() int { return len(q) }
func (q submissionQueue) Less(i, j int) bool {
	if q[i].transfer.Deadline != q[j].transfer.Deadline {
		return q[i].transfer.Deadline < q[j].transfer.Deadline
	}
	return q[i].transfer.ObservedAtUnixMs < q[j].transfer.ObservedAtUnixMs
}
func (q submissionQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *submissionQueue) Push(x any) {
	item := x.(*pendingItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *submissionQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// ActiveDirectory reports whether an address is currently in the active
// validator set, used to re-verify a bundle's signatures.
type ActiveDirectory interface {
	IsActiveValidator(id common.Address) bool
}

// VerifyFunc checks one validator signature; supplied by the keystore
// package's static Verify, parameterized by algorithm lookup.
type VerifyFunc func(validatorID common.Address, pub []byte, hash common.Hash, sig []byte) bool

// Executor re-verifies authorized bundles, submits them in priority
// order, and tracks confirmation.
type Executor struct {
	builder   TransactionBuilder
	submitter Submitter
	directory ActiveDirectory
	verify    VerifyFunc

	maxRetries            int
	confirmationsRequired uint64
	confirmationTimeout   time.Duration
	confirmationPoll      time.Duration

	mu    sync.Mutex
	queue submissionQueue

	onExecuted func(*transfer.Transfer)
	onFailure  func(ExecutionFailure)
}

// NewExecutor constructs an Executor with the default retry and
// confirmation parameters.
func NewExecutor(builder TransactionBuilder, submitter Submitter, directory ActiveDirectory, verify VerifyFunc) *Executor {
	e := &Executor{
		builder:               builder,
		submitter:             submitter,
		directory:             directory,
		verify:                verify,
		maxRetries:            defaultMaxRetries,
		confirmationsRequired: defaultConfirmationsRequired,
		confirmationTimeout:   defaultConfirmationTimeout,
		confirmationPoll:      defaultConfirmationPoll,
	}
	heap.Init(&e.queue)
	return e
}

// OnExecuted registers a callback invoked when a transfer reaches Executed.
func (e *Executor) OnExecuted(f func(*transfer.Transfer)) { e.onExecuted = f }

// OnFailure registers a callback invoked when a transfer exhausts its
// retry budget.
func (e *Executor) OnFailure(f func(ExecutionFailure)) { e.onFailure = f }

// Enqueue re-verifies bundle against the active directory and, if it
// passes, adds the transfer to the submission priority queue.
func (e *Executor) Enqueue(t *transfer.Transfer, bundle *aggregator.AuthorizedBundle) error {
	activeSet := make(map[common.Address]bool)
	// ActiveDirectory is queried per-signature below rather than bulk here,
	// since the directory can change between enqueue and actual dispatch.
	err := aggregator.VerifyBundle(bundle, activeSetSnapshot(e.directory, bundle, activeSet), e.verify)
	if err != nil {
		return ErrBundleRejected
	}
	if err := t.ApplyTransition(transfer.StatusThresholdMet); err != nil {
		return err
	}
	e.mu.Lock()
	heap.Push(&e.queue, &pendingItem{transfer: t, bundle: bundle})
	e.mu.Unlock()
	return nil
}

func activeSetSnapshot(dir ActiveDirectory, bundle *aggregator.AuthorizedBundle, into map[common.Address]bool) map[common.Address]bool {
	for _, s := range bundle.Signatures {
		if dir.IsActiveValidator(s.ValidatorID) {
			into[s.ValidatorID] = true
		}
	}
	return into
}

// PendingCount reports how many transfers are currently queued for
// submission, for exporting as a gauge.
func (e *Executor) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// Next pops the highest-priority pending item, or (nil, false) if the
// queue is empty.
func (e *Executor) Next() (*pendingItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queue.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&e.queue).(*pendingItem), true
}

// Submit builds, submits, and tracks confirmation for one pending item,
// retrying up to maxRetries times before raising ExecutionFailure and
// moving the transfer to EmergencyHold.
func (e *Executor) Submit(ctx context.Context, item *pendingItem) error {
	t := item.transfer
	var lastErr error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		raw, err := e.builder.Build(t, item.bundle)
		if err != nil {
			lastErr = err
			continue
		}
		txHash, err := e.submitter.SubmitSignedTransaction(ctx, raw)
		if err != nil {
			lastErr = err
			log.Warn("consensusexec submission attempt failed", "transfer_id", t.ID.Hex(), "attempt", attempt, "err", err)
			continue
		}
		// Submitted is entered once, on the first successful broadcast; a
		// retry after a confirmation timeout re-submits and re-polls
		// without re-applying an edge the state machine only allows once.
		if t.Status != transfer.StatusSubmitted {
			if err := t.ApplyTransition(transfer.StatusSubmitted); err != nil {
				return err
			}
		}
		confirmed, err := e.awaitConfirmation(ctx, txHash)
		if err != nil {
			lastErr = err
			continue
		}
		if confirmed {
			if err := t.ApplyTransition(transfer.StatusExecuted); err != nil {
				return err
			}
			if e.onExecuted != nil {
				e.onExecuted(t)
			}
			return nil
		}
		lastErr = ErrSubmissionTimeout
	}
	_ = t.ApplyTransition(transfer.StatusEmergencyHold)
	if e.onFailure != nil {
		e.onFailure(ExecutionFailure{TransferID: t.ID, Attempts: e.maxRetries, LastError: lastErr})
	}
	return ErrMaxRetriesExceeded
}

func (e *Executor) awaitConfirmation(ctx context.Context, txHash common.Hash) (bool, error) {
	deadline := time.Now().Add(e.confirmationTimeout)
	ticker := time.NewTicker(e.confirmationPoll)
	defer ticker.Stop()
	for {
		confs, included, err := e.submitter.Confirmations(ctx, txHash)
		if err != nil {
			return false, err
		}
		if included && confs >= e.confirmationsRequired {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
