package main

import (
	"context"
	"sync"
	"time"

	"github.com/tos-network/bridgevalidator/aggregator"
	"github.com/tos-network/bridgevalidator/chain"
	"github.com/tos-network/bridgevalidator/common"
	"github.com/tos-network/bridgevalidator/keystore"
	"github.com/tos-network/bridgevalidator/log"
	"github.com/tos-network/bridgevalidator/transfer"
	"github.com/tos-network/bridgevalidator/validate"
)

// transferRegistry holds transfers this node has locally signed, keyed by
// id, so the aggregator's onBundle callback can hand the right *transfer.Transfer
// to the consensus executor once a quorum bundle seals — the reactor only
// carries signatures and hashes, never the transfer itself.
type transferRegistry struct {
	mu   sync.Mutex
	byID map[common.Hash]*transfer.Transfer
}

func newTransferRegistry() *transferRegistry {
	return &transferRegistry{byID: make(map[common.Hash]*transfer.Transfer)}
}

func (r *transferRegistry) Put(t *transfer.Transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[t.ID] = t
}

// Take removes and returns the registered transfer for id, if any; called
// exactly once per transfer, when its bundle seals.
func (r *transferRegistry) Take(id common.Hash) (*transfer.Transfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	return t, ok
}

// Snapshot returns the transfers still awaiting a sealed bundle, for the
// failsafe controller's state snapshots.
func (r *transferRegistry) Snapshot() []*transfer.Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*transfer.Transfer, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	return out
}

// validatorTask drains one chain observer's events, runs each through the
// event validator pipeline, signs accepted transfers with the node's own
// key, and proposes that signature to the aggregator reactor — the C2 ->
// C3 -> C4 handoff a running node needs to ever contribute its own
// signature toward a quorum. Implements node.Lifecycle.
type validatorTask struct {
	chainName string
	observer  *chain.Observer
	pipeline  *validate.Pipeline
	key       *keystore.Key
	reactor   *aggregator.Reactor
	registry  *transferRegistry

	quit chan struct{}
	done chan struct{}
}

func newValidatorTask(chainName string, observer *chain.Observer, pipeline *validate.Pipeline, key *keystore.Key,
	reactor *aggregator.Reactor, registry *transferRegistry) *validatorTask {
	return &validatorTask{
		chainName: chainName,
		observer:  observer,
		pipeline:  pipeline,
		key:       key,
		reactor:   reactor,
		registry:  registry,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (v *validatorTask) Start() error {
	go v.loop()
	return nil
}

func (v *validatorTask) Stop() error {
	close(v.quit)
	<-v.done
	return nil
}

func (v *validatorTask) loop() {
	defer close(v.done)
	for {
		select {
		case <-v.quit:
			return
		case ev, ok := <-v.observer.Events():
			if !ok {
				return
			}
			v.handle(ev)
		}
	}
}

func (v *validatorTask) handle(ev chain.ObservedEvent) {
	t := ev.Transfer
	if err := t.ApplyTransition(transfer.StatusValidating); err != nil {
		log.Warn("validator: illegal transition to validating", "chain", v.chainName, "transfer_id", t.ID.Hex(), "err", err)
		return
	}

	// Reconstruct the confirmed head (chain head minus finality depth) the
	// observer had at the moment it scanned this event, for the pipeline's
	// source-proof re-query.
	confirmedHead := t.SourceBlockHeight + ev.ConfirmationsAtObservation - v.observer.FinalityDepth
	result := v.pipeline.Validate(context.Background(), t, confirmedHead)
	if !result.Accepted {
		_ = t.Reject(string(result.Reason) + ": " + result.Detail)
		log.Info("validator: transfer rejected", "chain", v.chainName, "transfer_id", t.ID.Hex(),
			"reason", result.Reason, "detail", result.Detail)
		return
	}

	hash := t.MessageHash()
	sig, err := v.key.Sign(hash)
	if err != nil {
		log.Error("validator: signing failed", "chain", v.chainName, "transfer_id", t.ID.Hex(), "err", err)
		return
	}
	if err := t.ApplyTransition(transfer.StatusLocallySigned); err != nil {
		log.Error("validator: illegal transition to locally_signed", "chain", v.chainName, "transfer_id", t.ID.Hex(), "err", err)
		return
	}
	v.registry.Put(t)

	vs := aggregator.ValidatorSignature{
		TransferID:  t.ID,
		ValidatorID: v.key.Address(),
		PublicKey:   v.key.PublicKey(),
		MessageHash: hash,
		Signature:   sig,
		SignedAt:    time.Now().UnixMilli(),
	}
	if err := v.reactor.Propose(vs); err != nil {
		log.Warn("validator: local signature rejected by aggregator", "chain", v.chainName, "transfer_id", t.ID.Hex(), "err", err)
	}
}
