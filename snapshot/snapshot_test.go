package snapshot

import (
	"math/big"
	"testing"
	"time"

	"github.com/tos-network/bridgevalidator/common"
	"github.com/tos-network/bridgevalidator/transfer"
)

func sampleTransfer(t *testing.T, logIndex uint32, status transfer.Status) *transfer.Transfer {
	t.Helper()
	tr, err := transfer.New(transfer.DirectionL1ToL2, "ethereum", "tos", big.NewInt(100),
		common.HexToAddress("0x01"), common.HexToAddress("0x02"), 1, 1000, 61000, 10,
		common.HexToHash("0xaaaa"), logIndex)
	if err != nil {
		t.Fatalf("transfer.New: %v", err)
	}
	switch status {
	case transfer.StatusValidating:
		_ = tr.ApplyTransition(transfer.StatusValidating)
	case transfer.StatusExecuted:
		_ = tr.ApplyTransition(transfer.StatusValidating)
		_ = tr.ApplyTransition(transfer.StatusLocallySigned)
		_ = tr.ApplyTransition(transfer.StatusThresholdMet)
		_ = tr.ApplyTransition(transfer.StatusSubmitted)
		_ = tr.ApplyTransition(transfer.StatusExecuted)
	}
	return tr
}

func TestSnapshotIDIsContentAddressed(t *testing.T) {
	state := State{PendingTransfers: []*transfer.Transfer{sampleTransfer(t, 1, transfer.StatusValidating)}}
	s1, err := New(state, "periodic", time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s2, err := New(state, "different_reason", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s1.ID != s2.ID {
		t.Fatalf("expected identical content to hash to the same id, got %s != %s", s1.ID, s2.ID)
	}
}

func TestSnapshotIDChangesWithContent(t *testing.T) {
	stateA := State{PendingTransfers: []*transfer.Transfer{sampleTransfer(t, 1, transfer.StatusValidating)}}
	stateB := State{PendingTransfers: []*transfer.Transfer{sampleTransfer(t, 2, transfer.StatusValidating)}}
	a, _ := New(stateA, "r", time.Now())
	b, _ := New(stateB, "r", time.Now())
	if a.ID == b.ID {
		t.Fatal("expected different content to hash to different ids")
	}
}

func TestSnapshotIDIsOrderIndependent(t *testing.T) {
	tr1 := sampleTransfer(t, 1, transfer.StatusValidating)
	tr2 := sampleTransfer(t, 2, transfer.StatusValidating)
	a, _ := New(State{PendingTransfers: []*transfer.Transfer{tr1, tr2}}, "r", time.Now())
	b, _ := New(State{PendingTransfers: []*transfer.Transfer{tr2, tr1}}, "r", time.Now())
	if a.ID != b.ID {
		t.Fatal("expected snapshot id to be independent of input slice order")
	}
}

func TestStoreRetainsOnlyNMostRecent(t *testing.T) {
	store := NewStore(2)
	var ids []string
	for i := uint32(0); i < 3; i++ {
		state := State{PendingTransfers: []*transfer.Transfer{sampleTransfer(t, i, transfer.StatusValidating)}}
		snap, err := New(state, "r", time.Now())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		store.Save(snap)
		ids = append(ids, snap.ID)
	}
	if _, err := store.Get(ids[0]); err != ErrNotFound {
		t.Fatalf("expected oldest snapshot to be evicted, got err=%v", err)
	}
	if _, err := store.Get(ids[2]); err != nil {
		t.Fatalf("expected newest snapshot to remain: %v", err)
	}
}

func TestRollbackResumesNonTerminalTransfersAndLeavesExecutedAlone(t *testing.T) {
	pending := sampleTransfer(t, 1, transfer.StatusValidating)
	executed := sampleTransfer(t, 2, transfer.StatusExecuted)
	snap, err := New(State{PendingTransfers: []*transfer.Transfer{pending, executed}}, "pre_rollback", time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result := Rollback(snap)
	if len(result.ResumedTransfers) != 2 {
		t.Fatalf("expected 2 resumed transfers, got %d", len(result.ResumedTransfers))
	}
	var sawValidating, sawExecuted bool
	for _, tr := range result.ResumedTransfers {
		switch tr.ID {
		case pending.ID:
			if tr.Status != transfer.StatusValidating {
				t.Fatalf("pending transfer should reset to Validating, got %v", tr.Status)
			}
			sawValidating = true
		case executed.ID:
			if tr.Status != transfer.StatusExecuted {
				t.Fatalf("executed transfer must not be reset, got %v", tr.Status)
			}
			sawExecuted = true
		}
	}
	if !sawValidating || !sawExecuted {
		t.Fatal("expected to observe both transfers in the rollback result")
	}
}
