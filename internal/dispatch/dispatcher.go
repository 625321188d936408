// Package dispatch implements the handler's exit-side fan-out: tracking
// which exit nodes are connected in which group and round-robining
// forwarded traffic across the healthy members of a group.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/duskrelay/relay/internal/metrics"
)

// ErrNoHealthyExit is returned when a group has no connected, healthy
// exit node to forward to.
var ErrNoHealthyExit = errors.New("dispatch: no healthy exit in group")

// MaxForwardAttempts bounds how many distinct exit nodes a single forward
// call will try before giving up.
const MaxForwardAttempts = 3

// Node is one exit node's connection-pool entry.
type Node struct {
	ID      uint64
	Name    string
	GroupID int32

	mu      sync.RWMutex
	healthy bool
}

// SetHealthy updates the node's health flag, as reported by its periodic
// health check.
func (n *Node) SetHealthy(ok bool) {
	n.mu.Lock()
	n.healthy = ok
	n.mu.Unlock()
}

// Healthy reports the node's last-known health flag.
func (n *Node) Healthy() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.healthy
}

// Dispatcher tracks connected exit nodes per group and hands out targets
// in round-robin order among the healthy members of a group.
type Dispatcher struct {
	mu     sync.RWMutex
	nodes  map[uint64]*Node
	groups map[int32][]uint64 // group_id -> ordered node ids

	nextID atomic.Uint64

	cursorMu sync.Mutex
	cursor   map[int32]int // group_id -> next index into groups[group_id]
}

// New builds an empty Dispatcher.
func New() *Dispatcher {
	d := &Dispatcher{
		nodes:  make(map[uint64]*Node),
		groups: make(map[int32][]uint64),
		cursor: make(map[int32]int),
	}
	d.nextID.Store(1)
	return d
}

// Register adds a newly connected exit node to its group and returns the
// node id assigned to it. New nodes start healthy; the caller's health
// check loop is responsible for flipping them unhealthy on failure.
func (d *Dispatcher) Register(name string, groupID int32) uint64 {
	id := d.nextID.Add(1) - 1

	node := &Node{ID: id, Name: name, GroupID: groupID, healthy: true}

	d.mu.Lock()
	d.nodes[id] = node
	d.groups[groupID] = append(d.groups[groupID], id)
	d.mu.Unlock()

	return id
}

// Unregister removes a node from its group's rotation.
func (d *Dispatcher) Unregister(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[id]
	if !ok {
		return
	}
	delete(d.nodes, id)

	ids := d.groups[node.GroupID]
	for i, existing := range ids {
		if existing == id {
			d.groups[node.GroupID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Node returns the registered node by id, if present.
func (d *Dispatcher) Node(id uint64) (*Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[id]
	return n, ok
}

// SelectByGroup returns the next healthy node in groupID's rotation,
// advancing the group's cursor exactly once per call regardless of how
// many unhealthy nodes it has to skip over.
func (d *Dispatcher) SelectByGroup(groupID int32) (uint64, bool) {
	d.mu.RLock()
	ids := append([]uint64(nil), d.groups[groupID]...)
	d.mu.RUnlock()

	if len(ids) == 0 {
		return 0, false
	}

	d.cursorMu.Lock()
	start := d.cursor[groupID]
	d.cursor[groupID] = (start + 1) % len(ids)
	d.cursorMu.Unlock()

	for i := 0; i < len(ids); i++ {
		candidate := ids[(start+i)%len(ids)]
		if node, ok := d.Node(candidate); ok && node.Healthy() {
			return candidate, true
		}
	}
	return 0, false
}

// Forward picks up to MaxForwardAttempts distinct healthy nodes from
// groupID in rotation order and calls send on each until one succeeds. If
// groupID has no registered nodes at all, it falls back to group 0.
func (d *Dispatcher) Forward(groupID int32, send func(nodeID uint64) error) error {
	if groupID != 0 && len(d.GroupNodeIDs(groupID)) == 0 {
		groupID = 0
	}

	tried := make(map[uint64]bool)

	for attempt := 0; attempt < MaxForwardAttempts; attempt++ {
		nodeID, ok := d.SelectByGroup(groupID)
		if !ok {
			metrics.DispatchExhaustedTotal.Inc()
			return ErrNoHealthyExit
		}
		if tried[nodeID] {
			// Rotation exhausted the group's healthy members before
			// reaching MaxForwardAttempts; no point retrying the same node.
			metrics.DispatchExhaustedTotal.Inc()
			return fmt.Errorf("dispatch: exhausted healthy nodes in group %d: %w", groupID, ErrNoHealthyExit)
		}
		tried[nodeID] = true

		if err := send(nodeID); err == nil {
			return nil
		}
		metrics.DispatchRetryTotal.Inc()
		if node, ok := d.Node(nodeID); ok {
			node.SetHealthy(false)
		}
	}
	return fmt.Errorf("dispatch: all %d attempts failed for group %d", MaxForwardAttempts, groupID)
}

// GroupNodeIDs returns the ids of every node registered in groupID,
// healthy or not.
func (d *Dispatcher) GroupNodeIDs(groupID int32) []uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]uint64(nil), d.groups[groupID]...)
}

// Count returns the total number of registered nodes across all groups.
func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}
