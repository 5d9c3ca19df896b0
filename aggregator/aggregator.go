// Package aggregator implements the signature aggregator and peer gossip
// layer (C4): it collects per-validator signatures over a transfer's
// canonical message, detects equivocation, and seals an authorized bundle
// once distinct valid signatures reach the configured threshold.
//
// The shape is a direct generalization of the BFT vote pool and reactor:
// Vote becomes ValidatorSignature, the (height, round, blockHash) target
// key becomes (transfer_id, message_hash), and QC becomes AuthorizedBundle.
// Equivocation detection — a validator signing two different messages for
// the same transfer id — is promoted from a silently-returned error into
// an explicit ByzantineBehavior report, since here it is a safety incident
// the failsafe controller must see, not just a vote to discard.
package aggregator

import (
	"errors"
	"sort"
	"sync"

	"github.com/tos-network/bridgevalidator/common"
)

var (
	ErrInvalidSignature   = errors.New("aggregator: invalid validator signature")
	ErrEquivocation       = errors.New("aggregator: validator equivocated on this transfer")
	ErrInsufficientQuorum = errors.New("aggregator: insufficient quorum")
	ErrBelowSafetyFloor   = errors.New("aggregator: configured threshold is below the byzantine safety floor")
)

// RequiredQuorumWeight returns the minimum weight for a ceil(2n/3)+1 quorum,
// capped at total so a tiny validator set is never asked for more weight
// than exists.
func RequiredQuorumWeight(total uint64) uint64 {
	if total == 0 {
		return 1
	}
	// ceil(2n/3) == (2n + 2) / 3 under integer division.
	need := (2*total+2)/3 + 1
	if need > total {
		need = total
	}
	return need
}

// ValidatorSignature is one validator's attestation over a transfer's
// canonical message.
type ValidatorSignature struct {
	TransferID  common.Hash
	ValidatorID common.Address
	PublicKey   []byte
	MessageHash common.Hash
	Signature   []byte
	SignedAt    int64
}

// AuthorizedBundle is a sealed set of >= threshold valid signatures over
// the same canonical message, ready to hand to C5 for submission.
type AuthorizedBundle struct {
	TransferID  common.Hash
	MessageHash common.Hash
	TotalWeight uint64
	Required    uint64
	Signatures  []ValidatorSignature
}

type targetKey struct {
	transferID  common.Hash
	messageHash common.Hash
}

type instanceKey struct {
	transferID common.Hash
}

// EquivocationReport describes a detected double-sign: a validator
// producing signatures over two different messages for the same transfer.
type EquivocationReport struct {
	ValidatorID common.Address
	TransferID  common.Hash
	FirstHash   common.Hash
	SecondHash  common.Hash
}

// Pool collects validator signatures and assembles authorized bundles.
type Pool struct {
	mu sync.RWMutex

	totalWeight uint64
	required    uint64
	weights     map[common.Address]uint64

	sigsByTarget map[targetKey]map[common.Address]ValidatorSignature
	signedTarget map[instanceKey]map[common.Address]common.Hash

	sealed map[common.Hash]bool // transfer ids already sealed into a bundle
}

// NewPool constructs a Pool. weights maps each active validator to its
// voting weight (typically 1 per validator, unless stake-weighted
// consensus is configured). allowBelowFloor lets a misconfigured, below-
// safety-floor threshold start anyway; without it a threshold below
// RequiredQuorumWeight is refused with ErrBelowSafetyFloor.
func NewPool(weights map[common.Address]uint64, configuredThreshold uint64, allowBelowFloor bool) (*Pool, error) {
	var total uint64
	for _, w := range weights {
		total += w
	}
	floor := RequiredQuorumWeight(total)
	required := configuredThreshold
	if required == 0 {
		required = floor
	}
	if required < floor && !allowBelowFloor {
		return nil, ErrBelowSafetyFloor
	}
	return &Pool{
		totalWeight:  total,
		required:     required,
		weights:      weights,
		sigsByTarget: make(map[targetKey]map[common.Address]ValidatorSignature),
		signedTarget: make(map[instanceKey]map[common.Address]common.Hash),
		sealed:       make(map[common.Hash]bool),
	}, nil
}

// RequiredWeight returns the pool's configured threshold.
func (p *Pool) RequiredWeight() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.required
}

// AddSignature records a validator signature. It returns (true, nil, nil)
// on a fresh acceptance, (false, nil, nil) on a harmless duplicate, and
// (false, report, ErrEquivocation) when the validator has signed a
// different message for the same transfer id — the caller must forward
// report to the failsafe controller and purge the offender's signatures
// (PurgeValidator).
func (p *Pool) AddSignature(s ValidatorSignature) (bool, *EquivocationReport, error) {
	if len(s.Signature) == 0 || s.ValidatorID.IsZero() || s.TransferID.IsZero() {
		return false, nil, ErrInvalidSignature
	}
	target := targetKey{s.TransferID, s.MessageHash}
	instance := instanceKey{s.TransferID}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.signedTarget[instance] == nil {
		p.signedTarget[instance] = make(map[common.Address]common.Hash)
	}
	if prev, ok := p.signedTarget[instance][s.ValidatorID]; ok {
		if prev != s.MessageHash {
			report := &EquivocationReport{
				ValidatorID: s.ValidatorID,
				TransferID:  s.TransferID,
				FirstHash:   prev,
				SecondHash:  s.MessageHash,
			}
			return false, report, ErrEquivocation
		}
		if set, ok := p.sigsByTarget[target]; ok {
			if _, exists := set[s.ValidatorID]; exists {
				return false, nil, nil
			}
		}
	}
	p.signedTarget[instance][s.ValidatorID] = s.MessageHash

	if p.sigsByTarget[target] == nil {
		p.sigsByTarget[target] = make(map[common.Address]ValidatorSignature)
	}
	p.sigsByTarget[target][s.ValidatorID] = s
	return true, nil, nil
}

// PurgeValidator removes every signature attributed to validatorID,
// following a confirmed equivocation report.
func (p *Pool) PurgeValidator(validatorID common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for target, set := range p.sigsByTarget {
		delete(set, validatorID)
		if len(set) == 0 {
			delete(p.sigsByTarget, target)
		}
	}
	for instance, set := range p.signedTarget {
		delete(set, validatorID)
		if len(set) == 0 {
			delete(p.signedTarget, instance)
		}
	}
}

// Tally returns the current accumulated weight and signature count for a
// (transferID, messageHash) target.
func (p *Pool) Tally(transferID, messageHash common.Hash) (uint64, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sigs := p.sigsByTarget[targetKey{transferID, messageHash}]
	var total uint64
	for id := range sigs {
		total += p.weights[id]
	}
	return total, len(sigs)
}

// TryBuildBundle seals an AuthorizedBundle for (transferID, messageHash) if
// the accumulated weight has reached the threshold and the transfer has
// not already been sealed. Sealing is idempotent: each transfer id seals
// at most once.
func (p *Pool) TryBuildBundle(transferID, messageHash common.Hash) (*AuthorizedBundle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sealed[transferID] {
		return nil, false
	}
	sigs := p.sigsByTarget[targetKey{transferID, messageHash}]
	if len(sigs) == 0 {
		return nil, false
	}
	var total uint64
	out := make([]ValidatorSignature, 0, len(sigs))
	for id, s := range sigs {
		total += p.weights[id]
		out = append(out, s)
	}
	if total < p.required {
		return nil, false
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ValidatorID.Hex() < out[j].ValidatorID.Hex()
	})
	p.sealed[transferID] = true
	return &AuthorizedBundle{
		TransferID:  transferID,
		MessageHash: messageHash,
		TotalWeight: total,
		Required:    p.required,
		Signatures:  out,
	}, true
}

// VerifyBundle performs the C5 re-verification: at least Required distinct
// valid signatures, all over the same message hash, all from addresses
// present in activeDirectory.
func VerifyBundle(b *AuthorizedBundle, activeDirectory map[common.Address]bool, verify func(validatorID common.Address, pub []byte, hash common.Hash, sig []byte) bool) error {
	if b == nil || len(b.Signatures) < int(b.Required) {
		return ErrInsufficientQuorum
	}
	seen := make(map[common.Address]bool, len(b.Signatures))
	for _, s := range b.Signatures {
		if s.MessageHash != b.MessageHash {
			return ErrInvalidSignature
		}
		if !activeDirectory[s.ValidatorID] {
			return ErrInvalidSignature
		}
		if seen[s.ValidatorID] {
			continue
		}
		seen[s.ValidatorID] = true
		if !verify(s.ValidatorID, s.PublicKey, s.MessageHash, s.Signature) {
			return ErrInvalidSignature
		}
	}
	if len(seen) < int(b.Required) {
		return ErrInsufficientQuorum
	}
	return nil
}

// GossipBroadcaster is implemented by the peer networking layer.
type GossipBroadcaster interface {
	BroadcastSignature(s ValidatorSignature) error
}

// gossipSeenKey dedups inbound gossip by (transfer_id, validator_id, message_hash).
type gossipSeenKey struct {
	transferID  common.Hash
	validatorID common.Address
	messageHash common.Hash
}

// Reactor wires inbound gossip into the pool, rebroadcasting a signature
// only the first time it is seen, and invoking callbacks when a bundle
// seals or an equivocation is detected.
type Reactor struct {
	pool        *Pool
	broadcaster GossipBroadcaster
	onBundle    func(*AuthorizedBundle)
	onEquivocation func(*EquivocationReport)

	mu   sync.Mutex
	seen map[gossipSeenKey]bool
}

// NewReactor constructs a Reactor.
func NewReactor(pool *Pool, broadcaster GossipBroadcaster, onBundle func(*AuthorizedBundle), onEquivocation func(*EquivocationReport)) *Reactor {
	return &Reactor{
		pool:           pool,
		broadcaster:    broadcaster,
		onBundle:       onBundle,
		onEquivocation: onEquivocation,
		seen:           make(map[gossipSeenKey]bool),
	}
}

// HandleIncoming processes a gossiped signature: dedup, equivocation
// check, pool insertion, and bundle sealing.
func (r *Reactor) HandleIncoming(s ValidatorSignature) (*AuthorizedBundle, error) {
	key := gossipSeenKey{s.TransferID, s.ValidatorID, s.MessageHash}
	r.mu.Lock()
	firstSeen := !r.seen[key]
	r.seen[key] = true
	r.mu.Unlock()

	added, report, err := r.pool.AddSignature(s)
	if err != nil {
		if report != nil && r.onEquivocation != nil {
			r.onEquivocation(report)
		}
		return nil, err
	}
	if added && firstSeen && r.broadcaster != nil {
		_ = r.broadcaster.BroadcastSignature(s)
	}
	bundle, sealed := r.pool.TryBuildBundle(s.TransferID, s.MessageHash)
	if !sealed {
		return nil, nil
	}
	if r.onBundle != nil {
		r.onBundle(bundle)
	}
	return bundle, nil
}

// Propose is the local-signing entry point: the validator's own signature
// is inserted and broadcast exactly like an incoming gossip message.
func (r *Reactor) Propose(s ValidatorSignature) error {
	_, err := r.HandleIncoming(s)
	return err
}
