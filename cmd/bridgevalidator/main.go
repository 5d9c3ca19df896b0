// Command bridgevalidator runs one bridge validator node: it assembles
// every component (chain observer, signature aggregator, consensus
// executor, failsafe controller, metrics reporter) onto a node.Node and
// runs until interrupted, following the ancestor binary's
// flags-then-assemble-then-Start/Close main() shape.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tos-network/bridgevalidator/aggregator"
	"github.com/tos-network/bridgevalidator/chain"
	"github.com/tos-network/bridgevalidator/common"
	"github.com/tos-network/bridgevalidator/config"
	"github.com/tos-network/bridgevalidator/consensusexec"
	"github.com/tos-network/bridgevalidator/coordstore"
	"github.com/tos-network/bridgevalidator/failsafe"
	"github.com/tos-network/bridgevalidator/keystore"
	"github.com/tos-network/bridgevalidator/log"
	"github.com/tos-network/bridgevalidator/metrics"
	"github.com/tos-network/bridgevalidator/node"
	"github.com/tos-network/bridgevalidator/params"
	"github.com/tos-network/bridgevalidator/peerdirectory"
	"github.com/tos-network/bridgevalidator/rpcclient"
	"github.com/tos-network/bridgevalidator/snapshot"
	"github.com/tos-network/bridgevalidator/validate"
)

// exitCodeError carries one of the process's documented exit statuses
// (spec §6) through the cli.App error path, which otherwise collapses
// every failure to a single generic code.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func failWithCode(code int, err error) error { return &exitCodeError{code: code, err: err} }

var configFlag = &cli.StringFlag{
	Name:     "config",
	Usage:    "path to the node's TOML configuration file",
	Required: true,
}

func main() {
	app := &cli.App{
		Name:  "bridgevalidator",
		Usage: "run a cross-chain bridge validator node",
		Flags: []cli.Flag{configFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code := params.ExitInvalidConfiguration
		var ce *exitCodeError
		if errors.As(err, &ce) {
			code = ce.code
		}
		os.Exit(code)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	key, err := keystore.LoadFromFile(cfg.KeystorePath)
	if err != nil {
		return failWithCode(params.ExitKeystoreLoadFailure, fmt.Errorf("bridgevalidator: %w", err))
	}

	n := node.New()
	store := coordstore.NewMemStore()
	directory := peerdirectory.NewDirectory()
	metricsRegistry := metrics.NewRegistry()
	transfers := newTransferRegistry()

	sourceRPC := rpcclient.Dial(cfg.RPCURLSource)
	destRPC := rpcclient.Dial(cfg.RPCURLDest)

	lastScanned := coordstore.LastScannedAdapter{Store: store, Owner: "validator:" + cfg.ValidatorID}
	observer := chain.NewObserver("source", "dest", cfg.FinalityDepthSource, sourceRPC, lastScanned)

	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = aggregator.RequiredQuorumWeight(cfg.TotalValidators)
	}
	pool, err := aggregator.NewPool(activeWeights(directory), threshold, cfg.AllowUnsafeThreshold)
	if err != nil {
		return fmt.Errorf("bridgevalidator: %w", err)
	}

	gate := &bridgeGate{}
	notifier := logNotifier{contacts: cfg.EmergencyContacts}
	isolator := directoryIsolator{directory: directory}
	snapshots := &controllerSnapshots{
		store:     snapshot.NewStore(params.SnapshotRetention(cfg.SecurityLevel)),
		transfers: transfers,
		directory: directory,
	}
	controller := failsafe.NewController(cfg.MaxAutoResponses, snapshots, notifier, isolator, gate)
	snapshots.openEvents = controller.OpenEvents

	executor := consensusexec.NewExecutor(
		rpcclient.CanonicalTransactionBuilder{},
		destRPC,
		peerdirectory.ActiveDirectoryView{Directory: directory},
		peerdirectory.VerifyFuncFor(directory),
	)
	executor.OnFailure(func(f consensusexec.ExecutionFailure) {
		log.Error("consensusexec: transfer exhausted submission attempts",
			"transfer", f.TransferID.Hex(), "attempts", f.Attempts, "err", f.LastError)
		controller.Report(f.TransferID, failsafe.KindConsensusFailure, failsafe.SeverityCritical, "network", time.Now())
	})

	reactor := aggregator.NewReactor(pool, gossipBroadcaster{store: store}, func(bundle *aggregator.AuthorizedBundle) {
		t, ok := transfers.Take(bundle.TransferID)
		if !ok {
			log.Warn("aggregator: bundle sealed for unknown transfer", "transfer", bundle.TransferID.Hex())
			return
		}
		if err := executor.Enqueue(t, bundle); err != nil {
			log.Error("consensusexec: enqueue rejected", "transfer", bundle.TransferID.Hex(), "err", err)
			return
		}
		log.Info("aggregator: bundle sealed", "transfer", bundle.TransferID.Hex())
	}, func(report *aggregator.EquivocationReport) {
		log.Warn("aggregator: validator equivocated",
			"validator", report.ValidatorID.Hex(), "transfer", report.TransferID.Hex())
		pool.PurgeValidator(report.ValidatorID)
		controller.Report(common.Hash{}, failsafe.KindByzantineBehavior, failsafe.SeverityHigh,
			report.ValidatorID.Hex(), time.Now())
	})

	pipeline := validate.NewPipeline(nil, validate.PolicyLimits{}, nil)
	validator := newValidatorTask("source", observer, pipeline, key, reactor, transfers)

	reporter := metrics.NewReporter(metrics.DefaultConfig, metricsRegistry, 10*time.Second)

	n.RegisterLifecycle(node.StartStopLifecycle{Component: observer})
	n.RegisterLifecycle(validator)
	n.RegisterLifecycle(newGossipSubscriber(store, reactor))
	n.RegisterLifecycle(node.NewTickerTask(500*time.Millisecond, func(time.Time) {
		drainSubmissionQueue(n, executor)
	}))
	n.RegisterLifecycle(node.NewTickerTask(time.Minute, func(now time.Time) {
		controller.Escalate(now)
	}))
	n.RegisterLifecycle(node.NewTickerTask(time.Minute, func(time.Time) {
		metricsRegistry.Set(metrics.GaugeActiveValidators, int64(directory.ActiveCount(time.Now())))
		metricsRegistry.Set(metrics.GaugeOpenEmergencies, int64(len(controller.OpenEvents())))
		metricsRegistry.Set(metrics.GaugeSubmissionQueueDepth, int64(executor.PendingCount()))
	}))
	n.RegisterLifecycle(reporter)

	if err := n.Start(); err != nil {
		return fmt.Errorf("bridgevalidator: %w", err)
	}
	log.Info("bridgevalidator: node started", "validator_id", cfg.ValidatorID)

	waitForShutdown(n)
	return n.Close()
}

func waitForShutdown(n *node.Node) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-n.Done():
	}
}

// activeWeights seeds the aggregator's weight table from whatever peers the
// directory already knows about; validators that register after startup
// update their own weight via pool.PurgeValidator/re-construction is out of
// scope for this reference wiring, which favors a simple, restartable
// process over hot weight updates.
func activeWeights(directory *peerdirectory.Directory) map[common.Address]uint64 {
	weights := make(map[common.Address]uint64)
	for _, addr := range directory.ActiveSet(time.Now(), 0) {
		weights[addr] = 1
	}
	return weights
}

// drainSubmissionQueue pulls and submits everything currently queued,
// stopping as soon as the queue empties or the node starts shutting down.
func drainSubmissionQueue(n *node.Node, executor *consensusexec.Executor) {
	for {
		select {
		case <-n.Done():
			return
		default:
		}
		item, ok := executor.Next()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), params.ExecutionConfirmTimeout)
		err := executor.Submit(ctx, item)
		cancel()
		if err != nil {
			log.Warn("consensusexec: submission failed", "err", err)
		}
	}
}

// gossipBroadcaster publishes outbound signatures on the shared
// coordination store's "signatures" topic.
type gossipBroadcaster struct {
	store coordstore.PubSub
}

func (g gossipBroadcaster) BroadcastSignature(s aggregator.ValidatorSignature) error {
	payload := encodeGossipSignature(s)
	return g.store.Publish(context.Background(), "signatures", payload)
}

// gossipSubscriber drains the "signatures" topic and feeds every message
// into the reactor, implementing node.Lifecycle.
type gossipSubscriber struct {
	store   coordstore.PubSub
	reactor *aggregator.Reactor
	cancel  func()
	done    chan struct{}
}

func newGossipSubscriber(store coordstore.PubSub, reactor *aggregator.Reactor) *gossipSubscriber {
	return &gossipSubscriber{store: store, reactor: reactor, done: make(chan struct{})}
}

func (g *gossipSubscriber) Start() error {
	ch, cancel, err := g.store.Subscribe(context.Background(), "signatures")
	if err != nil {
		return err
	}
	g.cancel = cancel
	go func() {
		defer close(g.done)
		for payload := range ch {
			s, err := decodeGossipSignature(payload)
			if err != nil {
				log.Warn("gossip: malformed signature payload", "err", err)
				continue
			}
			if _, err := g.reactor.HandleIncoming(s); err != nil {
				log.Debug("gossip: signature rejected", "err", err)
			}
		}
	}()
	return nil
}

func (g *gossipSubscriber) Stop() error {
	if g.cancel != nil {
		g.cancel()
	}
	<-g.done
	return nil
}

// bridgeGate implements failsafe.BridgeGate with a simple in-memory flag
// set; a production gate would reject Enqueue calls on the consensus
// executor while paused, which this reference wiring leaves to the
// operator reacting to the logged state transition.
type bridgeGate struct {
	paused, manual, shutdown bool
}

func (g *bridgeGate) Pause()          { g.paused = true; log.Warn("failsafe: bridge paused") }
func (g *bridgeGate) Resume()         { g.paused = false; log.Info("failsafe: bridge resumed") }
func (g *bridgeGate) Shutdown() {
	g.shutdown = true
	log.CritExit(params.ExitUnrecoverableEmergency, "failsafe: emergency shutdown triggered")
}
func (g *bridgeGate) SwitchToManual() { g.manual = true; log.Warn("failsafe: switched to manual operation") }

// logNotifier stands in for a real paging integration (PagerDuty, Slack,
// SMS) until one is configured; it always logs at error level so an
// emergency is never silent even with no contacts configured.
type logNotifier struct {
	contacts []string
}

func (n logNotifier) Notify(event *failsafe.EmergencyEvent) error {
	log.Error("failsafe: emergency notification", "kind", event.Kind.String(), "severity", event.Severity.String(),
		"subject", event.Subject, "contacts", len(n.contacts))
	return nil
}

// directoryIsolator removes a compromised validator from the peer
// directory so it immediately drops out of the active set.
type directoryIsolator struct {
	directory *peerdirectory.Directory
}

func (d directoryIsolator) IsolateValidator(id common.Address) {
	d.directory.Remove(id)
	log.Warn("failsafe: validator isolated", "id", id.Hex())
}

// controllerSnapshots satisfies failsafe.SnapshotTrigger by capturing the
// node's actual recoverable state: every transfer still awaiting a sealed
// bundle, and the full peer directory. openEvents is wired in after the
// failsafe.Controller is constructed, since the controller itself is the
// only source of the currently open emergency events.
type controllerSnapshots struct {
	store      *snapshot.Store
	transfers  *transferRegistry
	directory  *peerdirectory.Directory
	openEvents func() []*failsafe.EmergencyEvent
}

func (c *controllerSnapshots) TriggerSnapshot(reason string) (string, error) {
	var open []*failsafe.EmergencyEvent
	if c.openEvents != nil {
		open = c.openEvents()
	}
	state := snapshot.State{
		PendingTransfers: c.transfers.Snapshot(),
		Peers:            c.directory.Snapshot(),
		OpenEmergencies:  open,
	}
	snap, err := snapshot.New(state, reason, time.Now())
	if err != nil {
		return "", err
	}
	c.store.Save(snap)
	log.Info("failsafe: emergency snapshot recorded", "id", snap.ID, "reason", reason)
	return snap.ID, nil
}
