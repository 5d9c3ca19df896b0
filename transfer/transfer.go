// Package transfer holds the cross-chain transfer record: its immutable
// identity, its canonical signing encoding, and the state machine a
// transfer moves through from first observation to settlement or rejection.
//
// The canonical encoding is the one piece of the whole system every
// validator must reproduce byte-for-byte: two validators deriving
// different bytes for the same transfer can never aggregate a quorum.
// Its fixed pipe-delimited layout and stability-under-re-signing follow the
// same discipline the agent registry uses for manifest hashing (zero the
// variable fields, hash what's left).
package transfer

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/tos-network/bridgevalidator/common"
	"github.com/tos-network/bridgevalidator/crypto"
)

// Direction identifies which side of the bridge a transfer crosses from.
type Direction byte

const (
	DirectionUnknown Direction = iota
	DirectionL1ToL2
	DirectionL2ToL1
)

func (d Direction) String() string {
	switch d {
	case DirectionL1ToL2:
		return "l1_to_l2"
	case DirectionL2ToL1:
		return "l2_to_l1"
	default:
		return "unknown"
	}
}

// Status is the transfer's position in its state machine.
type Status byte

const (
	StatusPending Status = iota
	StatusValidating
	StatusLocallySigned
	StatusThresholdMet
	StatusSubmitted
	StatusExecuted
	StatusRejected
	StatusExpired
	StatusEmergencyHold
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusValidating:
		return "validating"
	case StatusLocallySigned:
		return "locally_signed"
	case StatusThresholdMet:
		return "threshold_met"
	case StatusSubmitted:
		return "submitted"
	case StatusExecuted:
		return "executed"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	case StatusEmergencyHold:
		return "emergency_hold"
	default:
		return "unknown"
	}
}

// validTransitions enumerates the state machine's allowed edges. Any move
// not listed here is a bug, not a business decision.
var validTransitions = map[Status]map[Status]bool{
	StatusPending:       {StatusValidating: true, StatusExpired: true},
	StatusValidating:    {StatusLocallySigned: true, StatusRejected: true, StatusExpired: true, StatusEmergencyHold: true},
	StatusLocallySigned: {StatusThresholdMet: true, StatusExpired: true, StatusEmergencyHold: true},
	StatusThresholdMet:  {StatusSubmitted: true, StatusExpired: true, StatusEmergencyHold: true},
	StatusSubmitted:     {StatusExecuted: true, StatusEmergencyHold: true},
	StatusExecuted:      {},
	StatusRejected:      {},
	StatusExpired:       {},
	StatusEmergencyHold: {StatusValidating: true, StatusRejected: true, StatusExpired: true},
}

// CanTransition reports whether moving from a current status to next is a
// legal state machine edge.
func CanTransition(from, to Status) bool {
	edges, ok := validTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

var (
	ErrIllegalTransition = errors.New("transfer: illegal status transition")
	ErrInvalidAmount     = errors.New("transfer: amount must be positive")
	ErrInvalidDeadline   = errors.New("transfer: deadline must be after observed_at")
)

// Transfer is one cross-chain asset movement. It is immutable once
// observed: every field below is fixed at construction time except Status,
// which advances only through ApplyTransition.
type Transfer struct {
	ID                 common.Hash
	Direction          Direction
	SourceChain        string
	DestChain          string
	Amount             *big.Int
	Sender             common.Address
	Recipient          common.Address
	Nonce              uint64
	ObservedAtUnixMs   int64
	Deadline           int64
	SourceBlockHeight  uint64
	SourceTxHash       common.Hash
	SourceLogIndex     uint32
	Status             Status
	RejectReason       string
}

// New constructs a Transfer with a derived id and Status Pending. It
// validates the invariants spec in the data model: amount > 0 and
// deadline > observed_at.
func New(direction Direction, sourceChain, destChain string, amount *big.Int, sender, recipient common.Address,
	nonce uint64, observedAtUnixMs, deadline int64, sourceBlockHeight uint64, sourceTxHash common.Hash, sourceLogIndex uint32) (*Transfer, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if deadline <= observedAtUnixMs {
		return nil, ErrInvalidDeadline
	}
	t := &Transfer{
		Direction:         direction,
		SourceChain:       sourceChain,
		DestChain:         destChain,
		Amount:            new(big.Int).Set(amount),
		Sender:            sender,
		Recipient:         recipient,
		Nonce:             nonce,
		ObservedAtUnixMs:  observedAtUnixMs,
		Deadline:          deadline,
		SourceBlockHeight: sourceBlockHeight,
		SourceTxHash:      sourceTxHash,
		SourceLogIndex:    sourceLogIndex,
		Status:            StatusPending,
	}
	t.ID = DeriveID(sourceChain, sourceTxHash, sourceLogIndex)
	return t, nil
}

// DeriveID computes the transfer's collision-resistant, deterministic
// identity from the tuple that uniquely names the source-chain event: any
// two validators observing the same on-chain log derive the same id.
func DeriveID(sourceChain string, sourceTxHash common.Hash, sourceLogIndex uint32) common.Hash {
	buf := []byte(sourceChain)
	buf = append(buf, '|')
	buf = append(buf, sourceTxHash.Bytes()...)
	buf = append(buf, '|')
	buf = append(buf, []byte(strconv.FormatUint(uint64(sourceLogIndex), 10))...)
	return crypto.Keccak256Hash(buf)
}

// ApplyTransition moves the transfer to a new status, rejecting any edge
// not present in the state machine.
func (t *Transfer) ApplyTransition(to Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, to)
	}
	t.Status = to
	return nil
}

// Reject moves the transfer to Rejected, recording reason for later audit.
func (t *Transfer) Reject(reason string) error {
	if err := t.ApplyTransition(StatusRejected); err != nil {
		return err
	}
	t.RejectReason = reason
	return nil
}

// CanonicalEncode renders the byte-exact signing payload described by the
// wire format table: pipe-delimited fields in a fixed order, decimal
// integers with no leading zeros (zero itself renders as "0"), hashes and
// addresses as lowercase hex without a 0x prefix.
func (t *Transfer) CanonicalEncode() []byte {
	fields := []string{
		hexNoPrefix(t.ID.Bytes()),
		t.Direction.String(),
		t.SourceChain,
		t.DestChain,
		t.Amount.String(),
		hexNoPrefix(t.Sender.Bytes()),
		hexNoPrefix(t.Recipient.Bytes()),
		strconv.FormatUint(t.Nonce, 10),
		strconv.FormatInt(t.ObservedAtUnixMs, 10),
		strconv.FormatUint(t.SourceBlockHeight, 10),
		hexNoPrefix(t.SourceTxHash.Bytes()),
	}
	return []byte(strings.Join(fields, "|"))
}

func hexNoPrefix(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}

// MessageHash returns the SHA-256 digest of the canonical encoding: the
// value every validator signature is taken over.
func (t *Transfer) MessageHash() common.Hash {
	sum := sha256.Sum256(t.CanonicalEncode())
	return common.Hash(sum)
}

// DecodedFields holds the field values DecodeCanonical parses back out of
// a canonical-encoded payload.
type DecodedFields struct {
	ID                common.Hash
	Direction         string
	SourceChain       string
	DestChain         string
	Amount            string
	Sender            common.Address
	Recipient         common.Address
	Nonce             uint64
	ObservedAtUnixMs  int64
	SourceBlockHeight uint64
	SourceTxHash      common.Hash
}

var ErrMalformedCanonicalMessage = errors.New("transfer: malformed canonical message")

// DecodeCanonical is the inverse of CanonicalEncode.
func DecodeCanonical(b []byte) (*DecodedFields, error) {
	parts := strings.Split(string(b), "|")
	if len(parts) != 11 {
		return nil, ErrMalformedCanonicalMessage
	}
	nonce, err := strconv.ParseUint(parts[7], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrMalformedCanonicalMessage, err)
	}
	observedAt, err := strconv.ParseInt(parts[8], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: observed_at: %v", ErrMalformedCanonicalMessage, err)
	}
	height, err := strconv.ParseUint(parts[9], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: source_block_height: %v", ErrMalformedCanonicalMessage, err)
	}
	return &DecodedFields{
		ID:                common.HexToHash(parts[0]),
		Direction:         parts[1],
		SourceChain:       parts[2],
		DestChain:         parts[3],
		Amount:            parts[4],
		Sender:            common.HexToAddress(parts[5]),
		Recipient:         common.HexToAddress(parts[6]),
		Nonce:             nonce,
		ObservedAtUnixMs:  observedAt,
		SourceBlockHeight: height,
		SourceTxHash:      common.HexToHash(parts[10]),
	}, nil
}
