package rpcclient

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/tos-network/bridgevalidator/aggregator"
	"github.com/tos-network/bridgevalidator/common"
	"github.com/tos-network/bridgevalidator/transfer"
)

func TestCanonicalTransactionBuilderEncodesTransferAndSignatures(t *testing.T) {
	tr, err := transfer.New(transfer.DirectionL1ToL2, "chainA", "chainB", big.NewInt(100),
		common.HexToAddress("0x00000000000000000000000000000000000001"),
		common.HexToAddress("0x00000000000000000000000000000000000002"),
		1, 1000, 2000, 50, common.HexToHash("0xaa"), 0)
	if err != nil {
		t.Fatalf("transfer.New: %v", err)
	}

	bundle := &aggregator.AuthorizedBundle{
		TransferID:  tr.ID,
		MessageHash: tr.MessageHash(),
		Required:    2,
		Signatures: []aggregator.ValidatorSignature{
			{ValidatorID: common.HexToAddress("0x03"), PublicKey: []byte{1, 2}, Signature: []byte{3, 4}},
		},
	}

	raw, err := (CanonicalTransactionBuilder{}).Build(tr, bundle)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var decoded destinationPayload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.TransferID != tr.ID.Hex() {
		t.Fatalf("transferId = %s, want %s", decoded.TransferID, tr.ID.Hex())
	}
	if len(decoded.Signatures) != 1 {
		t.Fatalf("len(signatures) = %d, want 1", len(decoded.Signatures))
	}
	if decoded.Signatures[0].Signature != "0x0304" {
		t.Fatalf("signature = %s, want 0x0304", decoded.Signatures[0].Signature)
	}
}
