// Package chain implements the per-chain observer (C2): a polling loop
// that reads a source chain's head, waits out its finality depth, scans
// newly-confirmed blocks for bridge-relevant events, and emits each one as
// a Transfer exactly once. One Observer instance watches one chain; a
// bridge node runs two, one per side.
//
// The start/stop/background-loop shape and its select over a quit channel
// follow the chain-event indexer's subscribe loop; the reorg and backoff
// handling are new, since on-chain indexing never had to survive an
// unreachable RPC endpoint the way an off-chain cross-chain observer must.
package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/tos-network/bridgevalidator/common"
	"github.com/tos-network/bridgevalidator/log"
	"github.com/tos-network/bridgevalidator/transfer"
)

// BlockRef identifies one scanned block by height and hash, used to detect
// a reorg: if the hash at a previously-scanned height changes, the chain
// forked under the observer.
type BlockRef struct {
	Height uint64
	Hash   common.Hash
}

// RawEvent is one bridge-relevant log entry as reported by the chain RPC,
// before it is materialized into a Transfer.
type RawEvent struct {
	Direction         transfer.Direction
	Amount            *big.Int
	Sender            common.Address
	Recipient         common.Address
	Nonce             uint64
	SourceBlockHeight uint64
	SourceBlockHash   common.Hash
	SourceTxHash      common.Hash
	SourceLogIndex    uint32
	ObservedAtUnixMs  int64
	Deadline          int64
}

// RPCClient is the minimal chain access surface an Observer needs. Each
// supported chain provides its own implementation.
type RPCClient interface {
	// LatestBlockHeight returns the chain's current head height.
	LatestBlockHeight(ctx context.Context) (uint64, error)
	// BlockHashAt returns the canonical hash at height, used for reorg
	// detection against a previously recorded BlockRef.
	BlockHashAt(ctx context.Context, height uint64) (common.Hash, error)
	// ScanEvents returns bridge-relevant events in the half-open block
	// range (fromExclusive, toInclusive].
	ScanEvents(ctx context.Context, fromExclusive, toInclusive uint64) ([]RawEvent, error)
	// SubmitSignedTransaction broadcasts a signed destination-chain
	// transaction and returns its hash.
	SubmitSignedTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	// Confirmations returns how many blocks have confirmed txHash, or
	// (0, false) if it is not yet included.
	Confirmations(ctx context.Context, txHash common.Hash) (uint64, bool, error)
}

// LastScannedStore persists the last confirmed height scanned, so a
// restarted observer resumes without re-emitting or skipping blocks.
type LastScannedStore interface {
	LoadLastScanned(chain string) (uint64, bool, error)
	SaveLastScanned(chain string, height uint64) error
}

// ObservedEvent pairs a materialized transfer with the confirmation depth
// it had at the moment it was observed.
type ObservedEvent struct {
	Transfer             *transfer.Transfer
	ConfirmationsAtObservation uint64
}

// HealthEvent is raised after three consecutive RPC failures, so the
// failsafe controller can react to a degraded chain connection before it
// becomes a liveness incident.
type HealthEvent struct {
	Chain             string
	ConsecutiveErrors int
	LastError         error
}

const (
	defaultTickInterval   = 7 * time.Second
	defaultScanBatchSize  = 512
	maxBackoff            = 60 * time.Second
	degradedAfterFailures = 3
)

var ErrClosed = errors.New("chain: observer stopped")

// Observer polls one chain on a fixed tick, emitting ObservedEvent for
// each newly confirmed bridge event.
type Observer struct {
	ChainName      string
	DestChainName  string
	FinalityDepth  uint64
	TickInterval   time.Duration
	ScanBatchSize  uint64

	rpc   RPCClient
	store LastScannedStore

	events chan ObservedEvent
	health chan HealthEvent

	mu           sync.Mutex
	lastScanned  uint64
	scannedRefs  map[uint64]common.Hash // recent height -> hash, for reorg detection
	consecutiveErrs int

	quit chan struct{}
	done chan struct{}
}

// NewObserver constructs an Observer for one chain. finalityDepth is
// chain-specific: deeper for a PoW-style chain, shallower for a BFT chain.
func NewObserver(chainName, destChainName string, finalityDepth uint64, rpc RPCClient, store LastScannedStore) *Observer {
	tick := defaultTickInterval
	o := &Observer{
		ChainName:     chainName,
		DestChainName: destChainName,
		FinalityDepth: finalityDepth,
		TickInterval:  tick,
		ScanBatchSize: defaultScanBatchSize,
		rpc:           rpc,
		store:         store,
		events:        make(chan ObservedEvent, 256),
		health:        make(chan HealthEvent, 16),
		scannedRefs:   make(map[uint64]common.Hash),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	if last, ok, err := store.LoadLastScanned(chainName); err == nil && ok {
		o.lastScanned = last
	}
	return o
}

// Events returns the channel of observed transfers.
func (o *Observer) Events() <-chan ObservedEvent { return o.events }

// HealthEvents returns the channel of degradation notifications.
func (o *Observer) HealthEvents() <-chan HealthEvent { return o.health }

// Start begins the polling loop in a background goroutine.
func (o *Observer) Start() {
	go o.loop()
}

// Stop signals the loop to exit and blocks until it has.
func (o *Observer) Stop() {
	close(o.quit)
	<-o.done
}

func (o *Observer) loop() {
	defer close(o.done)
	ticker := time.NewTicker(o.TickInterval)
	defer ticker.Stop()

	backoff := time.Duration(0)
	for {
		select {
		case <-o.quit:
			return
		case <-ticker.C:
			if backoff > 0 {
				select {
				case <-time.After(backoff):
				case <-o.quit:
					return
				}
			}
			if err := o.tick(); err != nil {
				backoff = o.nextBackoff(backoff, err)
				continue
			}
			backoff = 0
			o.mu.Lock()
			o.consecutiveErrs = 0
			o.mu.Unlock()
		}
	}
}

func (o *Observer) nextBackoff(prev time.Duration, err error) time.Duration {
	o.mu.Lock()
	o.consecutiveErrs++
	n := o.consecutiveErrs
	o.mu.Unlock()

	log.Warn("chain observer tick failed", "chain", o.ChainName, "consecutive_errors", n, "err", err)
	if n == degradedAfterFailures {
		select {
		case o.health <- HealthEvent{Chain: o.ChainName, ConsecutiveErrors: n, LastError: err}:
		default:
		}
	}
	next := prev * 2
	if next <= 0 {
		next = time.Second
	}
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

func (o *Observer) tick() error {
	ctx, cancel := context.WithTimeout(context.Background(), o.TickInterval)
	defer cancel()

	head, err := o.rpc.LatestBlockHeight(ctx)
	if err != nil {
		return err
	}
	if head < o.FinalityDepth {
		return nil
	}
	confirmedHead := head - o.FinalityDepth

	o.mu.Lock()
	lastScanned := o.lastScanned
	o.mu.Unlock()

	if reorgHeight, forked, err := o.detectReorg(ctx, lastScanned); err != nil {
		return err
	} else if forked {
		log.Warn("chain observer detected reorg", "chain", o.ChainName, "rewind_to", reorgHeight)
		o.mu.Lock()
		o.lastScanned = reorgHeight
		lastScanned = reorgHeight
		o.mu.Unlock()
	}

	if confirmedHead <= lastScanned {
		return nil
	}

	from := lastScanned
	for from < confirmedHead {
		to := from + o.ScanBatchSize
		if to > confirmedHead {
			to = confirmedHead
		}
		events, err := o.rpc.ScanEvents(ctx, from, to)
		if err != nil {
			return err
		}
		for _, re := range events {
			tr, err := o.materialize(re)
			if err != nil {
				log.Debug("chain observer dropped malformed event", "chain", o.ChainName, "err", err)
				continue
			}
			select {
			case o.events <- ObservedEvent{Transfer: tr, ConfirmationsAtObservation: head - re.SourceBlockHeight}:
			case <-o.quit:
				return nil
			}
		}
		if hash, err := o.rpc.BlockHashAt(ctx, to); err == nil {
			o.recordScannedRef(to, hash)
		}
		if err := o.store.SaveLastScanned(o.ChainName, to); err != nil {
			return err
		}
		o.mu.Lock()
		o.lastScanned = to
		o.consecutiveErrs = 0
		o.mu.Unlock()
		from = to
	}
	return nil
}

// detectReorg checks whether the hash the observer recorded for
// lastScanned still matches the chain's current view. If it does not, the
// chain forked below lastScanned; the caller rewinds to the deepest height
// still present in scannedRefs with a matching hash.
func (o *Observer) detectReorg(ctx context.Context, lastScanned uint64) (uint64, bool, error) {
	o.mu.Lock()
	known, ok := o.scannedRefs[lastScanned]
	o.mu.Unlock()
	if !ok || lastScanned == 0 {
		return lastScanned, false, nil
	}
	current, err := o.rpc.BlockHashAt(ctx, lastScanned)
	if err != nil {
		return lastScanned, false, err
	}
	if current == known {
		return lastScanned, false, nil
	}
	// Walk back through recorded refs to the last height that still
	// matches; that is the fork point to rewind to.
	o.mu.Lock()
	defer o.mu.Unlock()
	for h := lastScanned; h > 0; h-- {
		ref, ok := o.scannedRefs[h]
		if !ok {
			continue
		}
		cur, err := o.rpc.BlockHashAt(ctx, h)
		if err != nil {
			return lastScanned, false, err
		}
		if cur == ref {
			return h, true, nil
		}
	}
	return 0, true, nil
}

func (o *Observer) recordScannedRef(height uint64, hash common.Hash) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scannedRefs[height] = hash
	// Bound memory: only the most recent window is useful for reorg checks.
	const retain = 4096
	if height > retain {
		delete(o.scannedRefs, height-retain)
	}
}

func (o *Observer) materialize(re RawEvent) (*transfer.Transfer, error) {
	return transfer.New(re.Direction, o.ChainName, o.DestChainName, re.Amount, re.Sender, re.Recipient,
		re.Nonce, re.ObservedAtUnixMs, re.Deadline, re.SourceBlockHeight, re.SourceTxHash, re.SourceLogIndex)
}
