// Package validate implements the event validator (C3): a fixed, ordered
// pipeline of independent checks run over every observed transfer before
// the node will sign it. All checks must pass; the first failing check's
// reason is recorded and the transfer is Rejected.
//
// Validate is split into a validation phase (read-only checks) ahead of
// any state mutation, the same banding the on-chain validator-lifecycle
// handler uses to keep "can this proceed" separate from "apply the
// effects" — here that separation matters because a rejected check must
// never have advanced the nonce table or dedup set.
package validate

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/tos-network/bridgevalidator/common"
	"github.com/tos-network/bridgevalidator/transfer"
)

// RejectReason is a stable, closed set of why a transfer failed validation.
type RejectReason string

const (
	ReasonFormat       RejectReason = "format"
	ReasonAmountPolicy RejectReason = "amount_policy"
	ReasonSourceProof  RejectReason = "source_proof"
	ReasonAntiReplay   RejectReason = "anti_replay"
	ReasonRiskPolicy   RejectReason = "risk_policy"
	ReasonSecuritySignal RejectReason = "security_signal"
)

// Result is the outcome of running the pipeline over one transfer.
type Result struct {
	Accepted bool
	Reason   RejectReason
	Detail   string
}

// SourceProofChecker re-queries the source chain defensively, so a
// compromised observer cannot forge an event the validator would otherwise
// accept on trust.
type SourceProofChecker interface {
	// VerifyEventAt reports whether sourceTxHash actually contains the
	// claimed event at logIndex, at a height no greater than confirmedHead.
	VerifyEventAt(ctx context.Context, sourceChain string, sourceTxHash common.Hash, logIndex uint32, confirmedHead uint64) (bool, error)
}

// PolicyLimits carries the configured numeric bounds amount-policy and
// risk-policy checks enforce.
type PolicyLimits struct {
	MinTransfer             *big.Int
	MaxTransfer             *big.Int
	PerSenderCap            *big.Int
	PerEpochAggregateCap    *big.Int
	DenyListSenders         map[common.Address]bool
	DenyListRecipients      map[common.Address]bool
	PausedChains            map[string]bool
	CircuitBreakerThreshold *big.Int
}

// SecuritySignal lets the failsafe controller veto a specific
// sender/recipient/chain combination without going through the full
// emergency pipeline.
type SecuritySignal interface {
	HasActiveVeto(sender, recipient common.Address, chain string) bool
}

// Pipeline runs the six-check sequence over observed transfers.
type Pipeline struct {
	proof   SourceProofChecker
	limits  PolicyLimits
	signals SecuritySignal

	mu               sync.Mutex
	nonceTable       map[nonceKey]uint64      // (direction, sender) -> highest accepted nonce
	dedup            map[dedupKey]common.Hash // (source_chain, tx_hash, log_index) -> transfer id
	inFlightBySender map[common.Address]*big.Int
	epochAggregate   *big.Int
}

type nonceKey struct {
	direction transfer.Direction
	sender    common.Address
}

type dedupKey struct {
	sourceChain string
	txHash      common.Hash
	logIndex    uint32
}

// NewPipeline constructs a Pipeline with the given dependencies.
func NewPipeline(proof SourceProofChecker, limits PolicyLimits, signals SecuritySignal) *Pipeline {
	return &Pipeline{
		proof:            proof,
		limits:           limits,
		signals:          signals,
		nonceTable:       make(map[nonceKey]uint64),
		dedup:            make(map[dedupKey]common.Hash),
		inFlightBySender: make(map[common.Address]*big.Int),
		epochAggregate:   new(big.Int),
	}
}

// Validate runs the full pipeline against t and confirmedHead (the
// observer's current confirmed chain head, used by the source-proof
// check). On success it advances the nonce table and dedup set; on
// failure it mutates nothing.
func (p *Pipeline) Validate(ctx context.Context, t *transfer.Transfer, confirmedHead uint64) Result {
	if r := p.checkFormat(t); !r.Accepted {
		return r
	}
	if r := p.checkAmountPolicy(t); !r.Accepted {
		return r
	}
	if r := p.checkSourceProof(ctx, t, confirmedHead); !r.Accepted {
		return r
	}
	key := nonceKey{t.Direction, t.Sender}
	dkey := dedupKey{t.SourceChain, t.SourceTxHash, t.SourceLogIndex}

	// ── Validation phase (no state writes) ──────────────────────────────
	p.mu.Lock()
	defer p.mu.Unlock()
	if r := p.checkAntiReplayLocked(t, key, dkey); !r.Accepted {
		return r
	}
	if r := p.checkRiskPolicyLocked(t); !r.Accepted {
		return r
	}
	if r := p.checkSecuritySignal(t); !r.Accepted {
		return r
	}

	// ── Mutation phase ───────────────────────────────────────────────────
	p.nonceTable[key] = t.Nonce
	p.dedup[dkey] = t.ID
	p.addInFlightLocked(t)

	return Result{Accepted: true}
}

func (p *Pipeline) checkFormat(t *transfer.Transfer) Result {
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return reject(ReasonFormat, "amount must be positive")
	}
	if t.Deadline <= t.ObservedAtUnixMs {
		return reject(ReasonFormat, "deadline must be after observed_at")
	}
	if t.Sender.IsZero() {
		return reject(ReasonFormat, "sender address is zero")
	}
	if t.Recipient.IsZero() {
		return reject(ReasonFormat, "recipient address is malformed")
	}
	if t.Direction != transfer.DirectionL1ToL2 && t.Direction != transfer.DirectionL2ToL1 {
		return reject(ReasonFormat, "unknown transfer direction")
	}
	return Result{Accepted: true}
}

func (p *Pipeline) checkAmountPolicy(t *transfer.Transfer) Result {
	if p.limits.MinTransfer != nil && t.Amount.Cmp(p.limits.MinTransfer) < 0 {
		return reject(ReasonAmountPolicy, "amount below minimum")
	}
	if p.limits.MaxTransfer != nil && t.Amount.Cmp(p.limits.MaxTransfer) > 0 {
		return reject(ReasonAmountPolicy, "amount above maximum")
	}
	return Result{Accepted: true}
}

func (p *Pipeline) checkSourceProof(ctx context.Context, t *transfer.Transfer, confirmedHead uint64) Result {
	if p.proof == nil {
		return Result{Accepted: true}
	}
	ok, err := p.proof.VerifyEventAt(ctx, t.SourceChain, t.SourceTxHash, t.SourceLogIndex, confirmedHead)
	if err != nil {
		return reject(ReasonSourceProof, fmt.Sprintf("re-query failed: %v", err))
	}
	if !ok {
		return reject(ReasonSourceProof, "claimed event not found at claimed location")
	}
	return Result{Accepted: true}
}

func (p *Pipeline) checkAntiReplayLocked(t *transfer.Transfer, key nonceKey, dkey dedupKey) Result {
	if _, seen := p.dedup[dkey]; seen {
		return reject(ReasonAntiReplay, "source event already observed")
	}
	if highest, ok := p.nonceTable[key]; ok && t.Nonce <= highest {
		return reject(ReasonAntiReplay, "nonce does not strictly exceed highest accepted")
	}
	return Result{Accepted: true}
}

func (p *Pipeline) checkRiskPolicyLocked(t *transfer.Transfer) Result {
	if p.limits.DenyListSenders[t.Sender] {
		return reject(ReasonRiskPolicy, "sender is deny-listed")
	}
	if p.limits.DenyListRecipients[t.Recipient] {
		return reject(ReasonRiskPolicy, "recipient is deny-listed")
	}
	if p.limits.PausedChains[t.DestChain] {
		return reject(ReasonRiskPolicy, "destination chain is paused")
	}
	if p.limits.PerSenderCap != nil {
		projected := new(big.Int).Add(p.inFlightFor(t.Sender), t.Amount)
		if projected.Cmp(p.limits.PerSenderCap) > 0 {
			return reject(ReasonRiskPolicy, "per-sender in-flight cap exceeded")
		}
	}
	if p.limits.CircuitBreakerThreshold != nil {
		projected := new(big.Int).Add(p.epochAggregate, t.Amount)
		if projected.Cmp(p.limits.CircuitBreakerThreshold) > 0 {
			return reject(ReasonRiskPolicy, "aggregate in-flight volume would exceed circuit breaker threshold")
		}
	}
	return Result{Accepted: true}
}

// inFlightFor returns the sender's current tracked in-flight volume,
// defaulting to zero. Must be called with p.mu held.
func (p *Pipeline) inFlightFor(sender common.Address) *big.Int {
	if v, ok := p.inFlightBySender[sender]; ok {
		return v
	}
	return new(big.Int)
}

// addInFlightLocked records t's amount against its sender and the running
// epoch aggregate. Must be called with p.mu held, after all checks pass.
func (p *Pipeline) addInFlightLocked(t *transfer.Transfer) {
	p.inFlightBySender[t.Sender] = new(big.Int).Add(p.inFlightFor(t.Sender), t.Amount)
	p.epochAggregate.Add(p.epochAggregate, t.Amount)
}

// ResetEpoch zeroes the aggregate-volume counter that the circuit-breaker
// check compares against.
func (p *Pipeline) ResetEpoch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epochAggregate = new(big.Int)
}

func (p *Pipeline) checkSecuritySignal(t *transfer.Transfer) Result {
	if p.signals == nil {
		return Result{Accepted: true}
	}
	if p.signals.HasActiveVeto(t.Sender, t.Recipient, t.DestChain) {
		return reject(ReasonSecuritySignal, "failsafe controller has an active veto")
	}
	return Result{Accepted: true}
}

func reject(reason RejectReason, detail string) Result {
	return Result{Accepted: false, Reason: reason, Detail: detail}
}
