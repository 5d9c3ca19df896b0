// Package node assembles the bridge validator's long-lived tasks into a
// single process. Each task — chain observers, the gossip reactor, the
// consensus executor, the failsafe controller, the metrics reporter —
// implements Lifecycle and registers onto a Node, which owns the global
// shutdown signal and starts/stops every registered task in a fixed
// order, exactly the shape the chain client's own RegisterLifecycle /
// Start / Close stack uses for network services, generalized here from
// "protocol services" to "bridge validator tasks".
package node

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tos-network/bridgevalidator/log"
)

// Lifecycle is implemented by every long-lived task the node manages.
type Lifecycle interface {
	Start() error
	Stop() error
}

var (
	ErrAlreadyRunning = errors.New("node: cannot register a lifecycle after Start")
	ErrAlreadyStarted = errors.New("node: already started")
	ErrNotStarted     = errors.New("node: not started")
)

// Node owns the registered lifecycles and the process-wide shutdown
// signal. Lifecycles are started in registration order and stopped in
// reverse order, so a later task that depends on an earlier one (the
// consensus executor depends on the aggregator reactor depends on the
// chain observers) is always shut down first.
type Node struct {
	mu         sync.Mutex
	lifecycles []Lifecycle
	started    []Lifecycle
	running    bool

	quit     chan struct{}
	quitOnce sync.Once
}

// New constructs an empty Node ready for lifecycle registration.
func New() *Node {
	return &Node{quit: make(chan struct{})}
}

// RegisterLifecycle attaches a task to the node. Registering after Start
// has been called is a programming error and is rejected.
func (n *Node) RegisterLifecycle(l Lifecycle) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return ErrAlreadyRunning
	}
	n.lifecycles = append(n.lifecycles, l)
	return nil
}

// Start starts every registered lifecycle in registration order. If one
// fails, every lifecycle started so far is stopped in reverse order
// before Start returns the triggering error.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return ErrAlreadyStarted
	}
	for _, l := range n.lifecycles {
		if err := l.Start(); err != nil {
			n.unwindLocked()
			return fmt.Errorf("node: start failed: %w", err)
		}
		n.started = append(n.started, l)
	}
	n.running = true
	return nil
}

// unwindLocked stops every lifecycle recorded as started, in reverse
// order, swallowing individual Stop errors (already logged) since the
// caller only needs to know the original Start failure.
func (n *Node) unwindLocked() {
	for i := len(n.started) - 1; i >= 0; i-- {
		if err := n.started[i].Stop(); err != nil {
			log.Error("node: error stopping lifecycle during unwind", "err", err)
		}
	}
	n.started = nil
}

// Done returns a channel closed once Close has been called, for tasks
// that select on the global shutdown signal rather than polling.
func (n *Node) Done() <-chan struct{} {
	return n.quit
}

// Close stops every started lifecycle in reverse order and closes the
// shutdown signal. It is safe to call Close without a prior successful
// Start (e.g. during cleanup after a failed Start); it is a no-op on a
// second call.
func (n *Node) Close() error {
	n.quitOnce.Do(func() { close(n.quit) })

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return nil
	}
	var errs []error
	for i := len(n.started) - 1; i >= 0; i-- {
		if err := n.started[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	n.started = nil
	n.running = false
	if len(errs) > 0 {
		return fmt.Errorf("node: %d lifecycle(s) failed to stop: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
