package chain

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/tos-network/bridgevalidator/common"
	"github.com/tos-network/bridgevalidator/transfer"
)

type memStore struct {
	mu sync.Mutex
	m  map[string]uint64
}

func newMemStore() *memStore { return &memStore{m: make(map[string]uint64)} }

func (s *memStore) LoadLastScanned(chain string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[chain]
	return v, ok, nil
}

func (s *memStore) SaveLastScanned(chain string, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[chain] = height
	return nil
}

type fakeRPC struct {
	mu      sync.Mutex
	head    uint64
	hashes  map[uint64]common.Hash
	events  map[uint64][]RawEvent // keyed by block height
	scanErr error
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{hashes: make(map[uint64]common.Hash), events: make(map[uint64][]RawEvent)}
}

func (f *fakeRPC) LatestBlockHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeRPC) BlockHashAt(ctx context.Context, height uint64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.hashes[height]; ok {
		return h, nil
	}
	return common.BytesToHash([]byte{byte(height)}), nil
}

func (f *fakeRPC) ScanEvents(ctx context.Context, fromExclusive, toInclusive uint64) ([]RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	var out []RawEvent
	for h := fromExclusive + 1; h <= toInclusive; h++ {
		out = append(out, f.events[h]...)
	}
	return out, nil
}

func (f *fakeRPC) SubmitSignedTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	return common.Hash{}, nil
}

func (f *fakeRPC) Confirmations(ctx context.Context, txHash common.Hash) (uint64, bool, error) {
	return 0, false, nil
}

func TestObserverEmitsEventWithinFinalityDepth(t *testing.T) {
	rpc := newFakeRPC()
	rpc.head = 20
	rpc.events[10] = []RawEvent{{
		Direction:         transfer.DirectionL1ToL2,
		Amount:            big.NewInt(100),
		Sender:            common.HexToAddress("0x01"),
		Recipient:         common.HexToAddress("0x02"),
		Nonce:             1,
		SourceBlockHeight: 10,
		SourceTxHash:      common.HexToHash("0xaa"),
		SourceLogIndex:    0,
		ObservedAtUnixMs:  1000,
		Deadline:          61000,
	}}
	store := newMemStore()
	obs := NewObserver("ethereum", "tos", 5, rpc, store)
	obs.TickInterval = 10 * time.Millisecond

	if err := obs.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	select {
	case ev := <-obs.Events():
		if ev.Transfer.SourceBlockHeight != 10 {
			t.Fatalf("got height %d, want 10", ev.Transfer.SourceBlockHeight)
		}
	default:
		t.Fatal("expected an observed event after tick")
	}

	last, ok, _ := store.LoadLastScanned("ethereum")
	if !ok || last != 15 {
		t.Fatalf("last scanned = %d (ok=%v), want 15", last, ok)
	}
}

func TestObserverDoesNotEmitBeyondFinalityDepth(t *testing.T) {
	rpc := newFakeRPC()
	rpc.head = 3
	store := newMemStore()
	obs := NewObserver("ethereum", "tos", 5, rpc, store)

	if err := obs.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	select {
	case <-obs.Events():
		t.Fatal("should not emit when head is below finality depth")
	default:
	}
}

func TestObserverDetectsReorgAndRewinds(t *testing.T) {
	rpc := newFakeRPC()
	rpc.head = 20
	rpc.events[10] = []RawEvent{{
		Direction:         transfer.DirectionL1ToL2,
		Amount:            big.NewInt(100),
		Sender:            common.HexToAddress("0x01"),
		Recipient:         common.HexToAddress("0x02"),
		Nonce:             1,
		SourceBlockHeight: 10,
		SourceTxHash:      common.HexToHash("0xaa"),
		SourceLogIndex:    0,
		ObservedAtUnixMs:  1000,
		Deadline:          61000,
	}}
	store := newMemStore()
	obs := NewObserver("ethereum", "tos", 5, rpc, store)

	if err := obs.tick(); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	select {
	case <-obs.Events():
	default:
		t.Fatal("expected the event at height 10 on the first tick")
	}
	// Mutate the hash at a previously scanned height to simulate a reorg.
	obs.mu.Lock()
	for h, hash := range obs.scannedRefs {
		_ = hash
		rpc.mu.Lock()
		rpc.hashes[h] = common.BytesToHash([]byte("forked"))
		rpc.mu.Unlock()
		break
	}
	obs.mu.Unlock()

	rpc.head = 25
	if err := obs.tick(); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	// The rewind re-scans from below the forked height, so the event at
	// height 10 is emitted again, and leaves lastScanned <= confirmed head.
	select {
	case ev := <-obs.Events():
		if ev.Transfer.SourceBlockHeight != 10 {
			t.Fatalf("re-emitted height %d, want 10", ev.Transfer.SourceBlockHeight)
		}
	default:
		t.Fatal("expected the event at height 10 to be re-emitted after the rewind")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.lastScanned > 20 {
		t.Fatalf("lastScanned = %d, want at most the confirmed head 20", obs.lastScanned)
	}
}
