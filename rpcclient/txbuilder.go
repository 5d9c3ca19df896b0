package rpcclient

import (
	"encoding/hex"
	"encoding/json"

	"github.com/tos-network/bridgevalidator/aggregator"
	"github.com/tos-network/bridgevalidator/transfer"
)

// wireSignature is the destination contract's expected encoding of one
// validator signature: hex strings rather than raw bytes, so the payload
// round-trips through JSON without a custom codec.
type wireSignature struct {
	ValidatorID string `json:"validatorId"`
	PublicKey   string `json:"publicKey"`
	Signature   string `json:"signature"`
}

// destinationPayload is the JSON body a destination chain's bridge
// contract call expects: the canonical transfer fields plus every
// signature in the authorized bundle, so the contract can re-verify
// quorum on-chain before releasing funds.
type destinationPayload struct {
	TransferID  string          `json:"transferId"`
	MessageHash string          `json:"messageHash"`
	Canonical   string          `json:"canonical"`
	Required    uint64          `json:"required"`
	Signatures  []wireSignature `json:"signatures"`
}

// CanonicalTransactionBuilder implements consensusexec.TransactionBuilder
// by JSON-encoding the transfer's canonical payload and its authorized
// bundle, matching the wire format table's field order; hashes and byte
// fields are rendered as 0x-prefixed hex.
type CanonicalTransactionBuilder struct{}

// Build renders t and bundle into the destination chain call payload.
func (CanonicalTransactionBuilder) Build(t *transfer.Transfer, bundle *aggregator.AuthorizedBundle) ([]byte, error) {
	sigs := make([]wireSignature, 0, len(bundle.Signatures))
	for _, s := range bundle.Signatures {
		sigs = append(sigs, wireSignature{
			ValidatorID: s.ValidatorID.Hex(),
			PublicKey:   "0x" + hex.EncodeToString(s.PublicKey),
			Signature:   "0x" + hex.EncodeToString(s.Signature),
		})
	}
	payload := destinationPayload{
		TransferID:  t.ID.Hex(),
		MessageHash: bundle.MessageHash.Hex(),
		Canonical:   "0x" + hex.EncodeToString(t.CanonicalEncode()),
		Required:    bundle.Required,
		Signatures:  sigs,
	}
	return json.Marshal(payload)
}
