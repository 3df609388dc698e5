// Package cluster is the runtime-side node address book and liveness
// cache. It sits beside, not instead of, raft.Membership: the engine's
// membership is the source of truth for voting and quorum, while Directory
// is purely what the transport uses to resolve an address. Operator
// tooling (cmd/raftd member) reads membership from the engine over HTTP,
// not from Directory.
package cluster

import (
	"fmt"
	"sync"
)

// NodeState is the liveness-observed state of a directory entry. It is
// independent of the entry being a raft voter or learner.
type NodeState int

const (
	NodeActive NodeState = iota
	NodeJoining
	NodeLeaving
	NodeRemoved
)

func (s NodeState) String() string {
	switch s {
	case NodeActive:
		return "active"
	case NodeJoining:
		return "joining"
	case NodeLeaving:
		return "leaving"
	case NodeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Node is one entry in the directory.
type Node struct {
	ID      string
	Address string
	Voting  bool
	State   NodeState
}

// Directory is a thin, mutex-protected map of node id to address and
// liveness state.
type Directory struct {
	mu      sync.RWMutex
	nodes   map[string]*Node
	version uint64
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{nodes: make(map[string]*Node)}
}

// Add registers a node as joining. Calling Add for an id already present
// returns an error: use Activate/Leave/Remove to transition an existing
// entry instead.
func (d *Directory) Add(id, address string, voting bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.nodes[id]; exists {
		return fmt.Errorf("cluster: node %s already registered", id)
	}
	d.nodes[id] = &Node{ID: id, Address: address, Voting: voting, State: NodeJoining}
	d.version++
	return nil
}

// Activate marks a joining node active.
func (d *Directory) Activate(id string) error {
	return d.transition(id, NodeActive)
}

// Leave marks a node as leaving (still resolvable, being drained).
func (d *Directory) Leave(id string) error {
	return d.transition(id, NodeLeaving)
}

// Remove marks a node removed. It stays in the directory (for audit/status
// purposes) but is no longer resolvable by the transport.
func (d *Directory) Remove(id string) error {
	return d.transition(id, NodeRemoved)
}

func (d *Directory) transition(id string, state NodeState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, ok := d.nodes[id]
	if !ok {
		return fmt.Errorf("cluster: node %s not registered", id)
	}
	node.State = state
	d.version++
	return nil
}

// Resolve returns the address of a reachable (non-removed) node.
func (d *Directory) Resolve(id string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	node, ok := d.nodes[id]
	if !ok || node.State == NodeRemoved {
		return "", false
	}
	return node.Address, true
}

// Get returns a copy of one node's directory entry.
func (d *Directory) Get(id string) (Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	node, ok := d.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *node, true
}

// All returns a copy of every directory entry, for `member list`-style
// tooling.
func (d *Directory) All() []Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, *n)
	}
	return out
}

// Version returns the directory's change counter, bumped on every Add or
// state transition.
func (d *Directory) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}
