// Package peerdirectory is the shared-store-backed validator registry: the
// signed, TTL'd entries peers gossip about themselves, and the active-set
// membership rule the aggregator and consensus layers consult to decide
// whose signatures count toward a quorum.
//
// The in-memory index shape (mutex-guarded map of pointers, clone-on-read)
// follows the agent registry; the deterministic stake-then-address
// ordering follows the validator registry's two-phase sort: sort by stake
// descending with address ascending as a tiebreak, then re-sort the
// truncated result by address ascending so every node computing the
// active set lands on the same slice.
package peerdirectory

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tos-network/bridgevalidator/common"
	"github.com/tos-network/bridgevalidator/keystore"
)

// RegistrationTTL bounds how long a peer's self-attested registration is
// trusted without renewal.
const RegistrationTTL = 5 * time.Minute

// HeartbeatFreshness is how recently a peer must have heartbeat for it to
// count toward the active set.
const HeartbeatFreshness = 30 * time.Second

// Capabilities are the self-declared feature flags a peer advertises.
type Capabilities struct {
	MultiSig         bool
	EmergencyResponse bool
	SecurityLevel    string
	MaxThroughput    uint64
}

// Peer is one validator's directory entry.
type Peer struct {
	ID              common.Address
	PublicKey       []byte
	Algorithm       keystore.Algorithm
	Endpoint        string
	LastHeartbeat   time.Time
	RegisteredAt    time.Time
	DeclaredStake   uint64
	Reputation      int
	Capabilities    Capabilities
	Signature       []byte
}

var (
	ErrInvalidSignature  = errors.New("peerdirectory: registration signature does not verify")
	ErrExpiredRegistration = errors.New("peerdirectory: registration TTL exceeded")
	ErrUnknownPeer       = errors.New("peerdirectory: unknown peer")
)

// CanonicalRegistration renders the byte-exact payload a peer's
// registration signature covers: every field but Signature itself,
// serialized in a fixed order so all observers hash the same bytes.
func (p Peer) CanonicalRegistration() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, p.ID.Bytes()...)
	buf = append(buf, '|')
	buf = append(buf, p.PublicKey...)
	buf = append(buf, '|')
	buf = append(buf, []byte(p.Endpoint)...)
	buf = append(buf, '|')
	buf = append(buf, byte(p.Algorithm))
	buf = append(buf, '|')
	buf = append(buf, common.Uint64ToDecimalASCII(p.DeclaredStake)...)
	buf = append(buf, '|')
	buf = append(buf, common.Uint64ToDecimalASCII(uint64(p.RegisteredAt.UnixMilli()))...)
	return buf
}

// VerifyRegistration checks p.Signature against the SHA-256 digest of
// p.CanonicalRegistration() using p's own declared public key and
// algorithm.
func VerifyRegistration(p Peer) bool {
	hash := sha256.Sum256(p.CanonicalRegistration())
	return keystore.Verify(p.Algorithm, p.PublicKey, common.Hash(hash), p.Signature)
}

// addressAscending sorts common.Address values in ascending byte order,
// the deterministic tiebreak and final ordering used throughout.
type addressAscending []common.Address

func (a addressAscending) Len() int      { return len(a) }
func (a addressAscending) Swap(i, j int) { a[i], a[j] = a[j], a[i] }
func (a addressAscending) Less(i, j int) bool {
	return bytes.Compare(a[i][:], a[j][:]) < 0
}

// Directory is the in-memory peer registry. Safe for concurrent use.
type Directory struct {
	mu    sync.RWMutex
	peers map[common.Address]*Peer
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{peers: make(map[common.Address]*Peer)}
}

// Register inserts or replaces a peer's entry after verifying its
// self-signature and that its registration has not already expired.
func (d *Directory) Register(p Peer, now time.Time) error {
	if !VerifyRegistration(p) {
		return ErrInvalidSignature
	}
	if now.Sub(p.RegisteredAt) > RegistrationTTL {
		return ErrExpiredRegistration
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	clone := p
	d.peers[p.ID] = &clone
	return nil
}

// Heartbeat updates a known peer's LastHeartbeat timestamp.
func (d *Directory) Heartbeat(id common.Address, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	if !ok {
		return ErrUnknownPeer
	}
	p.LastHeartbeat = at
	return nil
}

// Get returns the peer entry for id.
func (d *Directory) Get(id common.Address) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Remove deletes a peer's entry, e.g. after it is purged for Byzantine
// behavior.
func (d *Directory) Remove(id common.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, id)
}

// Len returns the number of known peer entries, active or not.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Snapshot returns a defensive copy of every known peer entry, active or
// not, for the failsafe controller's state snapshots.
func (d *Directory) Snapshot() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	return out
}

// IsActive reports whether id currently qualifies for the active set: its
// registration has not expired, its last heartbeat is within
// HeartbeatFreshness of now, and its entry carries a signature that still
// verifies.
func (d *Directory) IsActive(id common.Address, now time.Time) bool {
	d.mu.RLock()
	p, ok := d.peers[id]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	return isActiveEntry(*p, now)
}

// ActiveDirectoryView adapts a Directory into consensusexec.ActiveDirectory
// by pinning the "now" IsActive needs to time.Now, since the re-verification
// call site only has an address to check, not a clock of its own.
type ActiveDirectoryView struct {
	Directory *Directory
}

// IsActiveValidator implements consensusexec.ActiveDirectory.
func (v ActiveDirectoryView) IsActiveValidator(id common.Address) bool {
	return v.Directory.IsActive(id, time.Now())
}

// VerifyFuncFor adapts a Directory into a consensusexec.VerifyFunc: the
// signature's claimed public key is checked against the algorithm the
// directory's own registration recorded for that validator, so a peer
// cannot claim a stronger or different algorithm than it registered with.
func VerifyFuncFor(directory *Directory) func(id common.Address, pub []byte, hash common.Hash, sig []byte) bool {
	return func(id common.Address, pub []byte, hash common.Hash, sig []byte) bool {
		peer, ok := directory.Get(id)
		if !ok {
			return false
		}
		return keystore.Verify(peer.Algorithm, pub, hash, sig)
	}
}

func isActiveEntry(p Peer, now time.Time) bool {
	if now.Sub(p.RegisteredAt) > RegistrationTTL {
		return false
	}
	if now.Sub(p.LastHeartbeat) > HeartbeatFreshness {
		return false
	}
	return VerifyRegistration(p)
}

// ActiveSet returns the currently active validator addresses, deterministically
// ordered: sorted by declared stake descending (address ascending as
// tiebreak), truncated to maxValidators if positive, then re-sorted by
// address ascending so every validator computing the set from the same
// directory state lands on the identical slice.
func (d *Directory) ActiveSet(now time.Time, maxValidators int) []common.Address {
	d.mu.RLock()
	entries := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		if isActiveEntry(*p, now) {
			entries = append(entries, *p)
		}
	}
	d.mu.RUnlock()

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].DeclaredStake != entries[j].DeclaredStake {
			return entries[i].DeclaredStake > entries[j].DeclaredStake
		}
		return bytes.Compare(entries[i].ID[:], entries[j].ID[:]) < 0
	})
	if maxValidators > 0 && len(entries) > maxValidators {
		entries = entries[:maxValidators]
	}

	result := make([]common.Address, len(entries))
	for i, e := range entries {
		result[i] = e.ID
	}
	sort.Sort(addressAscending(result))
	return result
}

// ActiveCount is a convenience for threshold math: how many peers are
// currently active.
func (d *Directory) ActiveCount(now time.Time) int {
	return len(d.ActiveSet(now, 0))
}
