package validate

import (
	"context"
	"math/big"
	"testing"

	"github.com/tos-network/bridgevalidator/common"
	"github.com/tos-network/bridgevalidator/transfer"
)

type alwaysValidProof struct{ ok bool; err error }

func (p alwaysValidProof) VerifyEventAt(ctx context.Context, sourceChain string, sourceTxHash common.Hash, logIndex uint32, confirmedHead uint64) (bool, error) {
	return p.ok, p.err
}

type noVeto struct{}

func (noVeto) HasActiveVeto(sender, recipient common.Address, chain string) bool { return false }

func newTestTransfer(t *testing.T, nonce uint64, amount int64, logIndex uint32) *transfer.Transfer {
	t.Helper()
	tr, err := transfer.New(transfer.DirectionL1ToL2, "ethereum", "tos", big.NewInt(amount),
		common.HexToAddress("0x01"), common.HexToAddress("0x02"), nonce, 1000, 61000, 10,
		common.HexToHash("0xaaaa"), logIndex)
	if err != nil {
		t.Fatalf("transfer.New: %v", err)
	}
	return tr
}

func newTestPipeline() *Pipeline {
	limits := PolicyLimits{
		MinTransfer: big.NewInt(1),
		MaxTransfer: big.NewInt(1_000_000),
	}
	return NewPipeline(alwaysValidProof{ok: true}, limits, noVeto{})
}

func TestPipelineAcceptsValidTransfer(t *testing.T) {
	p := newTestPipeline()
	tr := newTestTransfer(t, 1, 100, 0)
	res := p.Validate(context.Background(), tr, 20)
	if !res.Accepted {
		t.Fatalf("expected acceptance, got rejection: %v %v", res.Reason, res.Detail)
	}
}

func TestPipelineRejectsBelowMinimum(t *testing.T) {
	limits := PolicyLimits{MinTransfer: big.NewInt(10), MaxTransfer: big.NewInt(1_000_000)}
	p := NewPipeline(alwaysValidProof{ok: true}, limits, noVeto{})
	tr := newTestTransfer(t, 1, 5, 0)
	res := p.Validate(context.Background(), tr, 20)
	if res.Accepted || res.Reason != ReasonAmountPolicy {
		t.Fatalf("expected amount-policy rejection, got %v", res)
	}
}

func TestPipelineRejectsDuplicateSourceEvent(t *testing.T) {
	p := newTestPipeline()
	tr1 := newTestTransfer(t, 1, 100, 0)
	if res := p.Validate(context.Background(), tr1, 20); !res.Accepted {
		t.Fatalf("first transfer should be accepted: %v", res.Detail)
	}
	tr2 := newTestTransfer(t, 2, 100, 0) // same source_tx_hash + log_index
	res := p.Validate(context.Background(), tr2, 20)
	if res.Accepted || res.Reason != ReasonAntiReplay {
		t.Fatalf("expected anti-replay rejection for duplicate source event, got %v", res)
	}
}

func TestPipelineRejectsNonMonotonicNonce(t *testing.T) {
	p := newTestPipeline()
	tr1 := newTestTransfer(t, 5, 100, 0)
	if res := p.Validate(context.Background(), tr1, 20); !res.Accepted {
		t.Fatalf("first transfer should be accepted: %v", res.Detail)
	}
	tr2 := newTestTransfer(t, 5, 100, 1) // same nonce, different source event
	res := p.Validate(context.Background(), tr2, 20)
	if res.Accepted || res.Reason != ReasonAntiReplay {
		t.Fatalf("expected anti-replay rejection for non-increasing nonce, got %v", res)
	}
}

func TestPipelineRejectsDenyListedSender(t *testing.T) {
	limits := PolicyLimits{
		MinTransfer:     big.NewInt(1),
		MaxTransfer:     big.NewInt(1_000_000),
		DenyListSenders: map[common.Address]bool{common.HexToAddress("0x01"): true},
	}
	p := NewPipeline(alwaysValidProof{ok: true}, limits, noVeto{})
	tr := newTestTransfer(t, 1, 100, 0)
	res := p.Validate(context.Background(), tr, 20)
	if res.Accepted || res.Reason != ReasonRiskPolicy {
		t.Fatalf("expected risk-policy rejection for deny-listed sender, got %v", res)
	}
}

func TestPipelineRejectsWhenSourceProofFails(t *testing.T) {
	limits := PolicyLimits{MinTransfer: big.NewInt(1), MaxTransfer: big.NewInt(1_000_000)}
	p := NewPipeline(alwaysValidProof{ok: false}, limits, noVeto{})
	tr := newTestTransfer(t, 1, 100, 0)
	res := p.Validate(context.Background(), tr, 20)
	if res.Accepted || res.Reason != ReasonSourceProof {
		t.Fatalf("expected source-proof rejection, got %v", res)
	}
}

type vetoingSignal struct{}

func (vetoingSignal) HasActiveVeto(sender, recipient common.Address, chain string) bool { return true }

func TestPipelineRejectsOnSecurityVeto(t *testing.T) {
	limits := PolicyLimits{MinTransfer: big.NewInt(1), MaxTransfer: big.NewInt(1_000_000)}
	p := NewPipeline(alwaysValidProof{ok: true}, limits, vetoingSignal{})
	tr := newTestTransfer(t, 1, 100, 0)
	res := p.Validate(context.Background(), tr, 20)
	if res.Accepted || res.Reason != ReasonSecuritySignal {
		t.Fatalf("expected security-signal rejection, got %v", res)
	}
}

func TestPipelineRejectsOverCircuitBreaker(t *testing.T) {
	limits := PolicyLimits{
		MinTransfer:             big.NewInt(1),
		MaxTransfer:             big.NewInt(1_000_000),
		CircuitBreakerThreshold: big.NewInt(150),
	}
	p := NewPipeline(alwaysValidProof{ok: true}, limits, noVeto{})
	tr1 := newTestTransfer(t, 1, 100, 0)
	if res := p.Validate(context.Background(), tr1, 20); !res.Accepted {
		t.Fatalf("first transfer should be accepted: %v", res.Detail)
	}
	tr2 := newTestTransfer(t, 2, 100, 1)
	res := p.Validate(context.Background(), tr2, 20)
	if res.Accepted || res.Reason != ReasonRiskPolicy {
		t.Fatalf("expected circuit breaker rejection, got %v", res)
	}
}
