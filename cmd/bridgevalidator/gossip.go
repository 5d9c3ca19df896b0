package main

import (
	"encoding/hex"
	"encoding/json"

	"github.com/tos-network/bridgevalidator/aggregator"
	"github.com/tos-network/bridgevalidator/common"
)

// wireGossipSignature is the JSON envelope one ValidatorSignature travels
// over the shared coordination store's "signatures" topic in, using the
// same lowercase-hex convention as the transfer package's canonical
// encoding rather than relying on Go's default array-of-numbers array
// marshaling for common.Hash/common.Address.
type wireGossipSignature struct {
	TransferID  string `json:"transferId"`
	ValidatorID string `json:"validatorId"`
	PublicKey   string `json:"publicKey"`
	MessageHash string `json:"messageHash"`
	Signature   string `json:"signature"`
	SignedAt    int64  `json:"signedAt"`
}

func encodeGossipSignature(s aggregator.ValidatorSignature) []byte {
	raw, _ := json.Marshal(wireGossipSignature{
		TransferID:  s.TransferID.Hex(),
		ValidatorID: s.ValidatorID.Hex(),
		PublicKey:   "0x" + hex.EncodeToString(s.PublicKey),
		MessageHash: s.MessageHash.Hex(),
		Signature:   "0x" + hex.EncodeToString(s.Signature),
		SignedAt:    s.SignedAt,
	})
	return raw
}

func decodeGossipSignature(payload []byte) (aggregator.ValidatorSignature, error) {
	var w wireGossipSignature
	if err := json.Unmarshal(payload, &w); err != nil {
		return aggregator.ValidatorSignature{}, err
	}
	pub, err := hex.DecodeString(trim0x(w.PublicKey))
	if err != nil {
		return aggregator.ValidatorSignature{}, err
	}
	sig, err := hex.DecodeString(trim0x(w.Signature))
	if err != nil {
		return aggregator.ValidatorSignature{}, err
	}
	return aggregator.ValidatorSignature{
		TransferID:  common.HexToHash(w.TransferID),
		ValidatorID: common.HexToAddress(w.ValidatorID),
		PublicKey:   pub,
		MessageHash: common.HexToHash(w.MessageHash),
		Signature:   sig,
		SignedAt:    w.SignedAt,
	}, nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
