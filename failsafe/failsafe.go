// Package failsafe implements the failsafe controller (C6): a state
// machine over the whole node that consumes events from every other
// component, classifies them against a closed set of emergency kinds,
// and drives a policy table of automated responses within a bounded
// per-window budget.
//
// The closed-enum-plus-dispatch shape follows the staking module's
// NodeStatus lifecycle and the system action registry's kind-based
// dispatch: no open-ended subclassing, just a fixed set of kinds mapped
// to a fixed set of responses.
package failsafe

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tos-network/bridgevalidator/common"
	"github.com/tos-network/bridgevalidator/log"
)

// EmergencyKind is the closed set of conditions the controller can react to.
type EmergencyKind uint8

const (
	KindUnknown EmergencyKind = iota
	KindConsensusFailure
	KindNetworkPartition
	KindSecurityBreach
	KindValidatorCompromise
	KindByzantineBehavior
	KindBridgeCorruption
	KindLiquidityCrisis
	KindOracleFailure
	KindSystemOverload
	KindDataCorruption
	KindCatastrophicFailure
)

func (k EmergencyKind) String() string {
	switch k {
	case KindConsensusFailure:
		return "consensus_failure"
	case KindNetworkPartition:
		return "network_partition"
	case KindSecurityBreach:
		return "security_breach"
	case KindValidatorCompromise:
		return "validator_compromise"
	case KindByzantineBehavior:
		return "byzantine_behavior"
	case KindBridgeCorruption:
		return "bridge_corruption"
	case KindLiquidityCrisis:
		return "liquidity_crisis"
	case KindOracleFailure:
		return "oracle_failure"
	case KindSystemOverload:
		return "system_overload"
	case KindDataCorruption:
		return "data_corruption"
	case KindCatastrophicFailure:
		return "catastrophic_failure"
	default:
		return "unknown"
	}
}

// Severity ranks an emergency from Low to Catastrophic. It is set by the
// detector and may be raised by correlation across related events.
type Severity uint8

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
	SeverityCatastrophic
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	case SeverityCatastrophic:
		return "catastrophic"
	default:
		return "unknown"
	}
}

// ResponseAction is the closed set of automated responses the controller
// may execute. Some carry a parameter (validator id, snapshot id), kept
// alongside the action on the queued item rather than in the enum.
type ResponseAction uint8

const (
	ActionPauseBridge ResponseAction = iota
	ActionActivateBackup
	ActionIsolateValidator
	ActionEmergencyShutdown
	ActionRestoreFromBackup
	ActionNotifyContacts
	ActionInitiateRecovery
	ActionRequireManualIntervention
	ActionRollbackState
	ActionSwitchToManual
)

func (a ResponseAction) String() string {
	switch a {
	case ActionPauseBridge:
		return "pause_bridge"
	case ActionActivateBackup:
		return "activate_backup"
	case ActionIsolateValidator:
		return "isolate_validator"
	case ActionEmergencyShutdown:
		return "emergency_shutdown"
	case ActionRestoreFromBackup:
		return "restore_from_backup"
	case ActionNotifyContacts:
		return "notify_contacts"
	case ActionInitiateRecovery:
		return "initiate_recovery"
	case ActionRequireManualIntervention:
		return "require_manual_intervention"
	case ActionRollbackState:
		return "rollback_state"
	case ActionSwitchToManual:
		return "switch_to_manual"
	default:
		return "unknown"
	}
}

// ResponseStatus tracks execution of one queued response.
type ResponseStatus uint8

const (
	ResponsePending ResponseStatus = iota
	ResponseExecuted
	ResponseAwaitingManualAck
)

// QueuedResponse pairs a response action with its target and status.
type QueuedResponse struct {
	Action   ResponseAction
	Target   string // validator id hex, snapshot id, or empty
	Status   ResponseStatus
	QueuedAt time.Time
}

// policyKey identifies one (kind, severity) policy table entry.
type policyKey struct {
	kind     EmergencyKind
	severity Severity
}

// defaultPolicy is the built-in response ordering for the rules the
// controller must enforce at minimum; operators may extend it via
// SetPolicy without touching these defaults.
func defaultPolicy() map[policyKey][]ResponseAction {
	return map[policyKey][]ResponseAction{
		{KindSecurityBreach, SeverityCatastrophic}: {ActionEmergencyShutdown, ActionNotifyContacts, ActionSwitchToManual},
		{KindByzantineBehavior, SeverityHigh}:      {ActionIsolateValidator, ActionPauseBridge, ActionInitiateRecovery},
		{KindConsensusFailure, SeverityCritical}:   {ActionPauseBridge, ActionActivateBackup, ActionRequireManualIntervention},
		{KindNetworkPartition, SeverityHigh}:       {ActionPauseBridge, ActionInitiateRecovery},
	}
}

// EmergencyEvent is one detected condition, open until it is explicitly
// resolved through Resolve.
type EmergencyEvent struct {
	ID             common.Hash
	Kind           EmergencyKind
	Severity       Severity
	Subject        string // validator id hex, or "network"
	OpenedAt       time.Time
	ResolvedAt     time.Time
	Resolved       bool
	EscalationLevel int
	Responses      []QueuedResponse
}

var (
	ErrAlreadyResolved  = errors.New("failsafe: event already resolved")
	ErrUnknownEvent     = errors.New("failsafe: unknown event id")
	ErrResponsesPending = errors.New("failsafe: open events remain")
)

// escalationThresholds are wall-clock ages at which an unresolved event's
// escalation level advances, independent of its severity.
var escalationThresholds = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

// SnapshotTrigger is called whenever the controller needs a fresh
// snapshot: on entering emergency mode, on its periodic schedule, and
// immediately before any RollbackState action.
type SnapshotTrigger interface {
	TriggerSnapshot(reason string) (snapshotID string, err error)
}

// ContactNotifier delivers a NotifyContacts response to the configured
// contact sink.
type ContactNotifier interface {
	Notify(event *EmergencyEvent) error
}

// ValidatorIsolator removes a validator from the active signing set when
// IsolateValidator fires.
type ValidatorIsolator interface {
	IsolateValidator(id common.Address)
}

// BridgeGate pauses and resumes new transfer signing.
type BridgeGate interface {
	Pause()
	Resume()
	Shutdown()
	SwitchToManual()
}

// Controller is the node-wide failsafe state machine.
type Controller struct {
	mu sync.Mutex

	policy           map[policyKey][]ResponseAction
	maxAutoResponses int

	snapshots SnapshotTrigger
	notifier  ContactNotifier
	isolator  ValidatorIsolator
	gate      BridgeGate

	events map[common.Hash]*EmergencyEvent
	// partitionCorrelation tracks recent NetworkPartition events for the
	// Medium->High correlation rule: three within 5 minutes escalate.
	partitionCorrelation []time.Time

	autoResponsesUsed int
}

// NewController constructs a Controller with the built-in policy rules.
// Any of snapshots, notifier, isolator, gate may be nil; responses that
// need a nil collaborator are logged and left ResponseAwaitingManualAck.
func NewController(maxAutoResponses int, snapshots SnapshotTrigger, notifier ContactNotifier, isolator ValidatorIsolator, gate BridgeGate) *Controller {
	return &Controller{
		policy:           defaultPolicy(),
		maxAutoResponses: maxAutoResponses,
		snapshots:        snapshots,
		notifier:         notifier,
		isolator:         isolator,
		gate:             gate,
		events:           make(map[common.Hash]*EmergencyEvent),
	}
}

// SetPolicy overrides or adds a (kind, severity) response ordering.
func (c *Controller) SetPolicy(kind EmergencyKind, severity Severity, actions []ResponseAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy[policyKey{kind, severity}] = actions
}

// InEmergencyMode reports whether any event is currently open.
func (c *Controller) InEmergencyMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if !e.Resolved {
			return true
		}
	}
	return false
}

// Raise opens (or correlates into) an emergency event for the given
// kind/severity/subject. Raising is the only way new events enter the
// controller; detectors in every other component call this.
func (c *Controller) Raise(id common.Hash, kind EmergencyKind, severity Severity, subject string, now time.Time) *EmergencyEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasEmergency := c.anyOpenLocked()

	severity = c.correlateLocked(kind, severity, now)

	event := &EmergencyEvent{
		ID:       id,
		Kind:     kind,
		Severity: severity,
		Subject:  subject,
		OpenedAt: now,
	}
	c.events[id] = event

	if !wasEmergency {
		c.autoResponsesUsed = 0
		if c.snapshots != nil {
			if _, err := c.snapshots.TriggerSnapshot("entering_emergency_mode"); err != nil {
				log.Error("failsafe: snapshot on emergency entry failed", "err", err)
			}
		}
	}

	c.dispatchLocked(event)
	return event
}

// Report is an alias for Raise: safety-violating errors detected anywhere
// in the node are reported to the controller through this name.
func (c *Controller) Report(id common.Hash, kind EmergencyKind, severity Severity, subject string, now time.Time) *EmergencyEvent {
	return c.Raise(id, kind, severity, subject, now)
}

// correlateLocked raises severity when enough related events cluster
// within a short window; currently implements the NetworkPartition
// Medium -> High rule (three within 5 minutes).
func (c *Controller) correlateLocked(kind EmergencyKind, severity Severity, now time.Time) Severity {
	if kind != KindNetworkPartition || severity != SeverityMedium {
		return severity
	}
	cutoff := now.Add(-5 * time.Minute)
	kept := c.partitionCorrelation[:0]
	for _, t := range c.partitionCorrelation {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.partitionCorrelation = kept
	if len(c.partitionCorrelation) >= 3 {
		return SeverityHigh
	}
	return severity
}

func (c *Controller) anyOpenLocked() bool {
	for _, e := range c.events {
		if !e.Resolved {
			return true
		}
	}
	return false
}

// dispatchLocked queues the policy's response list for event and executes
// as many as the remaining auto-response budget allows; the rest are left
// ResponseAwaitingManualAck.
func (c *Controller) dispatchLocked(event *EmergencyEvent) {
	actions := c.policy[policyKey{event.Kind, event.Severity}]
	for _, action := range actions {
		qr := QueuedResponse{Action: action, Target: event.Subject, QueuedAt: time.Now()}
		if c.autoResponsesUsed >= c.maxAutoResponses {
			qr.Status = ResponseAwaitingManualAck
			event.Responses = append(event.Responses, qr)
			continue
		}
		c.executeLocked(event, &qr)
		c.autoResponsesUsed++
		event.Responses = append(event.Responses, qr)
	}
}

func (c *Controller) executeLocked(event *EmergencyEvent, qr *QueuedResponse) {
	var missing bool
	switch qr.Action {
	case ActionPauseBridge, ActionEmergencyShutdown, ActionSwitchToManual:
		missing = c.gate == nil
	case ActionIsolateValidator:
		missing = c.isolator == nil
	case ActionNotifyContacts:
		missing = c.notifier == nil
	}
	if missing {
		log.Warn("failsafe: response has no collaborator configured", "event", event.ID.Hex(), "action", qr.Action)
		qr.Status = ResponseAwaitingManualAck
		return
	}
	switch qr.Action {
	case ActionPauseBridge:
		if c.gate != nil {
			c.gate.Pause()
		}
	case ActionEmergencyShutdown:
		if c.gate != nil {
			c.gate.Shutdown()
		}
	case ActionSwitchToManual:
		if c.gate != nil {
			c.gate.SwitchToManual()
		}
	case ActionIsolateValidator:
		if c.isolator != nil && qr.Target != "" {
			c.isolator.IsolateValidator(common.HexToAddress(qr.Target))
		}
	case ActionNotifyContacts:
		if c.notifier != nil {
			if err := c.notifier.Notify(event); err != nil {
				log.Error("failsafe: contact notification failed", "event", event.ID.Hex(), "err", err)
			}
		}
	case ActionRollbackState:
		if c.snapshots != nil {
			if _, err := c.snapshots.TriggerSnapshot("pre_rollback"); err != nil {
				log.Error("failsafe: pre-rollback snapshot failed", "err", err)
			}
		}
	case ActionActivateBackup, ActionRestoreFromBackup, ActionInitiateRecovery, ActionRequireManualIntervention:
		// No further automation: these require operator or out-of-band
		// recovery tooling that the controller only signals toward.
	}
	qr.Status = ResponseExecuted
}

// Escalate advances escalation_level for every open event whose age has
// crossed the next wall-clock threshold, independent of severity.
func (c *Controller) Escalate(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Resolved {
			continue
		}
		age := now.Sub(e.OpenedAt)
		level := 0
		for _, threshold := range escalationThresholds {
			if age >= threshold {
				level++
			}
		}
		if level > e.EscalationLevel {
			e.EscalationLevel = level
			log.Warn("failsafe: event escalated", "event", e.ID.Hex(), "kind", e.Kind, "level", level)
		}
	}
}

// Resolve marks an event resolved. Exiting emergency mode (restoring
// normal processing and resetting the auto-response counter) happens
// only once every open event is resolved.
func (c *Controller) Resolve(id common.Hash, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	event, ok := c.events[id]
	if !ok {
		return ErrUnknownEvent
	}
	if event.Resolved {
		return ErrAlreadyResolved
	}
	event.Resolved = true
	event.ResolvedAt = now

	if !c.anyOpenLocked() {
		c.autoResponsesUsed = 0
		if c.gate != nil {
			c.gate.Resume()
		}
	}
	return nil
}

// OpenEvents returns all currently-unresolved events, ordered by id for
// determinism.
func (c *Controller) OpenEvents() []*EmergencyEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*EmergencyEvent, 0)
	for _, e := range c.events {
		if !e.Resolved {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out
}

// Event returns the event for id, or (nil, false) if unknown.
func (c *Controller) Event(id common.Hash) (*EmergencyEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.events[id]
	return e, ok
}
