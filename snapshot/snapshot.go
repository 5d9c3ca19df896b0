// Package snapshot implements content-addressed, immutable state
// snapshots for the failsafe controller's RollbackState action: the
// pending-transfer table, per-transfer signature sets, peer directory,
// nonce table, and open emergency events — deliberately nothing else,
// since the on-chain contracts remain the source of truth for anything
// already executed.
//
// Content addressing follows the manifest-hashing idiom used for tool
// manifests: canonical JSON, hashed, the hash becomes the identity.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tos-network/bridgevalidator/aggregator"
	"github.com/tos-network/bridgevalidator/failsafe"
	"github.com/tos-network/bridgevalidator/peerdirectory"
	"github.com/tos-network/bridgevalidator/transfer"
)

// NonceEntry is one (direction, sender) -> highest-accepted-nonce record.
type NonceEntry struct {
	Direction transfer.Direction
	Sender    string
	Nonce     uint64
}

// SignatureSet is the signatures collected so far for one transfer id,
// serialized for portability across the snapshot boundary.
type SignatureSet struct {
	TransferID  string
	MessageHash string
	Signatures  []aggregator.ValidatorSignature
}

// State is the full recoverable state captured by a snapshot.
type State struct {
	PendingTransfers []*transfer.Transfer
	SignatureSets    []SignatureSet
	Peers            []peerdirectory.Peer
	Nonces           []NonceEntry
	OpenEmergencies  []*failsafe.EmergencyEvent
}

// Snapshot is an immutable, content-addressed capture of State at a
// point in time. Callers must never mutate Data after construction.
type Snapshot struct {
	ID        string // hex SHA-256 of the canonical encoding
	TakenAt   time.Time
	Reason    string
	Data      State
}

var ErrNotFound = errors.New("snapshot: id not found")

// canonicalEncode renders State as deterministic JSON: slices are sorted
// by their natural key first so two snapshots of equal content always
// hash identically regardless of map/slice iteration order upstream.
func canonicalEncode(s State) ([]byte, error) {
	sorted := State{
		PendingTransfers: append([]*transfer.Transfer(nil), s.PendingTransfers...),
		SignatureSets:    append([]SignatureSet(nil), s.SignatureSets...),
		Peers:            append([]peerdirectory.Peer(nil), s.Peers...),
		Nonces:           append([]NonceEntry(nil), s.Nonces...),
		OpenEmergencies:  append([]*failsafe.EmergencyEvent(nil), s.OpenEmergencies...),
	}
	sort.Slice(sorted.PendingTransfers, func(i, j int) bool {
		return sorted.PendingTransfers[i].ID.Hex() < sorted.PendingTransfers[j].ID.Hex()
	})
	sort.Slice(sorted.SignatureSets, func(i, j int) bool {
		return sorted.SignatureSets[i].TransferID < sorted.SignatureSets[j].TransferID
	})
	sort.Slice(sorted.Peers, func(i, j int) bool {
		return sorted.Peers[i].ID.Hex() < sorted.Peers[j].ID.Hex()
	})
	sort.Slice(sorted.Nonces, func(i, j int) bool {
		if sorted.Nonces[i].Sender != sorted.Nonces[j].Sender {
			return sorted.Nonces[i].Sender < sorted.Nonces[j].Sender
		}
		return sorted.Nonces[i].Direction < sorted.Nonces[j].Direction
	})
	sort.Slice(sorted.OpenEmergencies, func(i, j int) bool {
		return sorted.OpenEmergencies[i].ID.Hex() < sorted.OpenEmergencies[j].ID.Hex()
	})
	return json.Marshal(sorted)
}

// New builds a content-addressed Snapshot from state.
func New(state State, reason string, takenAt time.Time) (*Snapshot, error) {
	encoded, err := canonicalEncode(state)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(encoded)
	return &Snapshot{
		ID:      hex.EncodeToString(sum[:]),
		TakenAt: takenAt,
		Reason:  reason,
		Data:    state,
	}, nil
}

// Store retains the N most recent snapshots, evicting the oldest once
// retention is exceeded.
type Store struct {
	mu        sync.Mutex
	retention int
	order     []string
	byID      map[string]*Snapshot
}

// NewStore constructs a Store retaining at most retention snapshots.
func NewStore(retention int) *Store {
	if retention <= 0 {
		retention = 1
	}
	return &Store{
		retention: retention,
		byID:      make(map[string]*Snapshot),
	}
}

// Save adds snap to the store, evicting the oldest snapshot if retention
// is exceeded. Saving a snapshot with an id already present is a no-op,
// since content addressing means it is byte-identical to what's stored.
func (s *Store) Save(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[snap.ID]; exists {
		return
	}
	s.byID[snap.ID] = snap
	s.order = append(s.order, snap.ID)
	if len(s.order) > s.retention {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.byID, oldest)
	}
}

// Get returns the snapshot for id.
func (s *Store) Get(id string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snap, nil
}

// Latest returns the most recently saved snapshot, or (nil, false) if
// the store is empty.
func (s *Store) Latest() (*Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil, false
	}
	return s.byID[s.order[len(s.order)-1]], true
}

// RollbackResult is the outcome of replaying state from a snapshot: the
// pending transfers that survive rollback and must resume signing from
// scratch.
type RollbackResult struct {
	SnapshotID      string
	ResumedTransfers []*transfer.Transfer
}

// Rollback replaces in-memory state with snap's contents. Transfers in
// snap's pending table are reset to Validating so they resume signing
// from scratch; anything already Executed before the snapshot was taken
// is never re-submitted, since the destination contract enforces
// transfer_id uniqueness regardless of what this process does.
func Rollback(snap *Snapshot) RollbackResult {
	resumed := make([]*transfer.Transfer, 0, len(snap.Data.PendingTransfers))
	for _, t := range snap.Data.PendingTransfers {
		clone := *t
		if clone.Status != transfer.StatusExecuted && clone.Status != transfer.StatusRejected && clone.Status != transfer.StatusExpired {
			clone.Status = transfer.StatusValidating
		}
		resumed = append(resumed, &clone)
	}
	return RollbackResult{SnapshotID: snap.ID, ResumedTransfers: resumed}
}
