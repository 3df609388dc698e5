// Package transport carries the three Raft RPCs (RequestVote, AppendEntries,
// InstallSnapshot) between nodes. It provides an in-memory transport for
// tests, adapted from the teacher's pkg/rpc.LocalTransport, and a real
// TCP+gob transport for running an actual multi-process cluster (the
// teacher's own pkg/grpc transport could not be carried forward, see
// DESIGN.md).
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/vzdtic/raftcore/pkg/raft"
)

// Handler is the receiving side of the three RPCs: whatever owns the local
// Engine for a node. runtime.Runtime (pkg/runtime/executor.go) implements
// this.
type Handler interface {
	HandleVoteRequest(ctx context.Context, req raft.VoteRequest) (raft.VoteResponse, error)
	HandleAppendEntries(ctx context.Context, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error)
	HandleInstallSnapshot(ctx context.Context, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error)
}

// Transport is the sending side: dispatch one of the three RPCs to a named
// peer and wait for its reply.
type Transport interface {
	SendVoteRequest(ctx context.Context, target string, req raft.VoteRequest) (raft.VoteResponse, error)
	SendAppendEntries(ctx context.Context, target string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error)
	SendInstallSnapshot(ctx context.Context, target string, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error)
}

// ErrNodeUnreachable is returned when a target is unknown or the simulated
// link to it is currently disabled.
type ErrNodeUnreachable struct{ Target string }

func (e *ErrNodeUnreachable) Error() string { return "transport: node unreachable: " + e.Target }

// LocalTransport dispatches RPCs via direct, in-process Handler calls. It
// supports simulated partitions and latency injection for deterministic
// tests, exactly as the teacher's pkg/rpc.LocalTransport did for the old
// I/O-coupled Raft type.
type LocalTransport struct {
	mu       sync.RWMutex
	self     string
	handlers map[string]Handler
	disabled map[string]map[string]bool
	latency  time.Duration
}

// NewLocalTransport creates a transport for node `self`; Register must be
// called for every peer (including self) before routing works.
func NewLocalTransport(self string) *LocalTransport {
	return &LocalTransport{
		self:     self,
		handlers: make(map[string]Handler),
		disabled: make(map[string]map[string]bool),
	}
}

// Register adds or replaces the handler for a node id, shared across every
// LocalTransport instance that is meant to model the same in-memory
// cluster (callers typically construct one LocalTransport per node, all
// sharing calls into the same Register target map by registering on each
// other).
func (t *LocalTransport) Register(id string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[id] = h
}

// SetLatency injects an artificial delay before every RPC this transport
// sends.
func (t *LocalTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Disconnect disables delivery from `self` to `to`, one direction only.
func (t *LocalTransport) Disconnect(to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[t.self] == nil {
		t.disabled[t.self] = make(map[string]bool)
	}
	t.disabled[t.self][to] = true
}

// Connect re-enables delivery from `self` to `to`.
func (t *LocalTransport) Connect(to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[t.self] != nil {
		delete(t.disabled[t.self], to)
	}
}

// Partition disables delivery from `self` to every other registered node.
// Only this transport's outbound sends are affected; sends to `self`
// through other LocalTransport instances are not blocked.
func (t *LocalTransport) Partition() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[t.self] == nil {
		t.disabled[t.self] = make(map[string]bool)
	}
	for id := range t.handlers {
		if id != t.self {
			t.disabled[t.self][id] = true
		}
	}
}

// Heal removes every simulated disconnect originating from `self`.
func (t *LocalTransport) Heal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[t.self] = make(map[string]bool)
}

func (t *LocalTransport) connected(to string) bool {
	if t.disabled[t.self] == nil {
		return true
	}
	return !t.disabled[t.self][to]
}

func (t *LocalTransport) lookup(target string) (Handler, time.Duration, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[target]
	if !ok || !t.connected(target) {
		return nil, 0, &ErrNodeUnreachable{Target: target}
	}
	return h, t.latency, nil
}

func (t *LocalTransport) SendVoteRequest(ctx context.Context, target string, req raft.VoteRequest) (raft.VoteResponse, error) {
	h, latency, err := t.lookup(target)
	if err != nil {
		return raft.VoteResponse{}, err
	}
	if latency > 0 {
		time.Sleep(latency)
	}
	return h.HandleVoteRequest(ctx, req)
}

func (t *LocalTransport) SendAppendEntries(ctx context.Context, target string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	h, latency, err := t.lookup(target)
	if err != nil {
		return raft.AppendEntriesResponse{}, err
	}
	if latency > 0 {
		time.Sleep(latency)
	}
	return h.HandleAppendEntries(ctx, req)
}

func (t *LocalTransport) SendInstallSnapshot(ctx context.Context, target string, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	h, latency, err := t.lookup(target)
	if err != nil {
		return raft.InstallSnapshotResponse{}, err
	}
	if latency > 0 {
		time.Sleep(latency)
	}
	return h.HandleInstallSnapshot(ctx, req)
}
