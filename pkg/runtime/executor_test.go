package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vzdtic/raftcore/pkg/raft"
	"github.com/vzdtic/raftcore/pkg/runtime/cluster"
	"github.com/vzdtic/raftcore/pkg/runtime/statemachine"
	"github.com/vzdtic/raftcore/pkg/runtime/storage"
	"github.com/vzdtic/raftcore/pkg/runtime/transport"
)

// newTestCluster builds a three-node in-memory cluster, every node already
// holding the same committed bootstrap membership (as if Initialize had
// already run and replicated), wired together through LocalTransport the
// way the teacher's own tests/integration/raft_test.go assembled a cluster
// against the old I/O-coupled Raft type.
func newTestCluster(t *testing.T, ids []string) map[string]*Runtime {
	t.Helper()

	voters := map[string]struct{}{}
	nodes := map[string]string{}
	for _, id := range ids {
		voters[id] = struct{}{}
		nodes[id] = id
	}
	membership := raft.NewMembership(voters, nil, nodes)
	sentinel := raft.LogId{Term: 0, Index: 0}

	transports := make(map[string]*transport.LocalTransport, len(ids))
	runtimes := make(map[string]*Runtime, len(ids))

	for i, id := range ids {
		state := raft.NewRaftState()
		state.LogIDs.Append(sentinel)
		state.MembershipState.Append(raft.NewEffectiveMembership(raft.SomeLogId(sentinel), membership))
		state.MembershipState.Commit(raft.SomeLogId(sentinel))
		state.Accepted = state.LastLogID()
		if i > 0 {
			// Stagger so the first node's election timeout always elapses
			// first, avoiding a repeatedly-split vote with no randomized
			// backoff between same-cadence candidates.
			state.VoteLastModified = time.Now()
		}

		engine := raft.NewEngine(raft.NewEngineConfig(id), raft.SystemClock{}, state)
		engine.Startup()

		store, err := storage.Open(t.TempDir())
		if err != nil {
			t.Fatalf("storage.Open: %v", err)
		}
		t.Cleanup(func() { store.Close() })

		trans := transport.NewLocalTransport(id)
		dir := cluster.NewDirectory()
		rt := New(id, zerolog.Nop(), engine, store, statemachine.New(), trans, dir)

		transports[id] = trans
		runtimes[id] = rt
	}

	for _, trans := range transports {
		for id, rt := range runtimes {
			trans.Register(id, rt)
		}
	}

	return runtimes
}

func awaitLeader(t *testing.T, runtimes map[string]*Runtime, timeout time.Duration) *Runtime {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, rt := range runtimes {
			if rt.IsLeader() {
				return rt
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no leader elected within %s", timeout)
	return nil
}

func TestThreeNodeClusterElectsALeader(t *testing.T) {
	runtimes := newTestCluster(t, []string{"1", "2", "3"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, rt := range runtimes {
		rt.Start(ctx, 150*time.Millisecond, 20*time.Millisecond)
	}

	leader := awaitLeader(t, runtimes, 2*time.Second)
	if leader == nil {
		return
	}

	leaderCount := 0
	for _, rt := range runtimes {
		if rt.IsLeader() {
			leaderCount++
		}
	}
	if leaderCount != 1 {
		t.Errorf("expected exactly one leader, got %d", leaderCount)
	}
}

func TestSubmitNormalReplicatesAndApplies(t *testing.T) {
	runtimes := newTestCluster(t, []string{"1", "2", "3"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, rt := range runtimes {
		rt.Start(ctx, 150*time.Millisecond, 20*time.Millisecond)
	}

	leader := awaitLeader(t, runtimes, 2*time.Second)
	if leader == nil {
		return
	}

	payload, err := statemachine.EncodeCommand(statemachine.Command{
		Kind: statemachine.CommandSet, Key: "greeting", Value: []byte("hello"), ClientID: "c1", RequestID: 1,
	})
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}

	id, err := leader.SubmitNormal(payload)
	if err != nil {
		t.Fatalf("SubmitNormal: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		committed := leader.Committed()
		if committed.Valid && !committed.Id.Less(id) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if value, ok := leader.StateMachine().Get("greeting"); !ok || string(value) != "hello" {
		t.Fatalf("expected the leader's state machine to apply the write, got %q, ok=%v", value, ok)
	}
}
