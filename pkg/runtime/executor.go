// Package runtime is the I/O-performing collaborator the pure pkg/raft
// engine was designed to be driven by: after every call into an
// raft.Engine, something must drain its raft.EngineOutput and dispatch each
// raft.Command to storage, transport or the state machine, resolving
// wait-conditions as those operations complete. The teacher interleaves
// this logic inside raft.go's run() goroutine switch; here it is its own
// component because the engine itself performs no I/O at all (spec.md §1).
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vzdtic/raftcore/pkg/raft"
	"github.com/vzdtic/raftcore/pkg/runtime/cluster"
	"github.com/vzdtic/raftcore/pkg/runtime/statemachine"
	"github.com/vzdtic/raftcore/pkg/runtime/storage"
	"github.com/vzdtic/raftcore/pkg/runtime/transport"
)

// pendingCmd is a Command whose When-condition was not yet satisfied at the
// time it was drained from the engine.
type pendingCmd struct {
	when *raft.Condition
	body raft.CommandBody
}

// Runtime owns one node's Engine plus its I/O collaborators, and is the
// transport.Handler the network side of the cluster delivers RPCs to.
type Runtime struct {
	id  string
	log zerolog.Logger

	mu     sync.Mutex
	engine *raft.Engine
	store  *storage.Store
	sm     *statemachine.Store
	trans  transport.Transport
	dir    *cluster.Directory

	flushed           raft.OptLogId
	voteSaved         raft.Vote
	snapshotInstalled raft.OptLogId

	// snapshotThreshold is how many entries may be applied since the last
	// snapshot before the runtime asks the engine to build a new one; 0
	// disables automatic snapshotting.
	snapshotThreshold    uint64
	appliedSinceSnapshot uint64

	pending []pendingCmd
}

// New builds a Runtime around an already-constructed Engine and its
// collaborators. Call Start once, after Engine.Startup and any replay of
// persisted state has been folded into `state`.
func New(id string, log zerolog.Logger, engine *raft.Engine, store *storage.Store, sm *statemachine.Store, trans transport.Transport, dir *cluster.Directory) *Runtime {
	return &Runtime{
		id:     id,
		log:    log.With().Str("node_id", id).Logger(),
		engine: engine,
		store:  store,
		sm:     sm,
		trans:  trans,
		dir:    dir,
	}
}

// SetSnapshotThreshold enables automatic snapshot building once n entries
// have been applied since the last snapshot. Call before Start.
func (rt *Runtime) SetSnapshotThreshold(n uint64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.snapshotThreshold = n
}

// Start drains whatever the engine queued up during Startup/Initialize and
// begins the election-timeout ticker.
func (rt *Runtime) Start(ctx context.Context, electionTimeout, tickInterval time.Duration) {
	rt.mu.Lock()
	// Everything already on disk counts as flushed; otherwise a heartbeat
	// arriving right after restart would wait on a flush that happened in
	// a previous process lifetime.
	rt.flushed = rt.store.LastLogID()
	rt.drainLocked(rt.engine.Output.Take())
	rt.mu.Unlock()

	go rt.tick(ctx, electionTimeout, tickInterval)
}

// tick periodically checks whether the current leader lease / election
// timer has lapsed and, if this node is not a healthy follower of a live
// leader, starts a new election. Real deadlines are tracked by the caller's
// clock via Engine.State.VoteLastModified; this loop only decides when to
// poll it.
func (rt *Runtime) tick(ctx context.Context, electionTimeout, tickInterval time.Duration) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.mu.Lock()
			st := rt.engine.State
			stale := st.ServerState != raft.Leader && st.ServerState != raft.Learner &&
				rt.engine.Clock.Now().Sub(st.VoteLastModified) > electionTimeout
			if stale {
				rt.log.Debug().Msg("election timeout elapsed, starting election")
				rt.engine.Elect()
				rt.drainLocked(rt.engine.Output.Take())
			}
			rt.mu.Unlock()
		}
	}
}

// --- transport.Handler ---

func (rt *Runtime) HandleVoteRequest(ctx context.Context, req raft.VoteRequest) (raft.VoteResponse, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	resp := rt.engine.HandleVoteReq(req)
	rt.drainLocked(rt.engine.Output.Take())
	return resp, nil
}

func (rt *Runtime) HandleAppendEntries(ctx context.Context, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	resp, cond := rt.engine.HandleAppendEntries(req.Vote, req.PrevLogID, req.Entries)
	rt.engine.HandleCommitEntries(req.LeaderCommit)
	rt.drainLocked(rt.engine.Output.Take())
	if cond != nil {
		rt.waitLocked(*cond)
	}
	return resp, nil
}

func (rt *Runtime) HandleInstallSnapshot(ctx context.Context, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	snapshot := raft.Snapshot{Meta: req.Meta, Data: req.Data}
	cond := rt.engine.HandleInstallFullSnapshot(req.Vote, snapshot)
	rt.drainLocked(rt.engine.Output.Take())
	if cond != nil {
		rt.waitLocked(*cond)
	}
	return raft.InstallSnapshotResponse{Vote: rt.engine.State.Vote}, nil
}

// waitLocked checks, with rt.mu held, whether cond is satisfied and logs a
// warning if it is not; it never blocks, and the caller replies either way.
// The only way a Condition is satisfied is by a storage/state-machine
// effect executed synchronously within the same goroutine before this call
// (every Command in the same Take() batch runs before control returns
// here), so the check normally passes; it makes the dependency explicit.
func (rt *Runtime) waitLocked(cond raft.Condition) {
	if !rt.satisfiedLocked(cond) {
		rt.log.Warn().Msg("condition not satisfied synchronously; responding without waiting")
	}
}

func (rt *Runtime) satisfiedLocked(cond raft.Condition) bool {
	switch cond.Kind {
	case raft.ConditionFlushedLogAt:
		return rt.flushed.Valid && !rt.flushed.Less(raft.SomeLogId(cond.LogID))
	case raft.ConditionSnapshotInstalled:
		return rt.snapshotInstalled.Valid && !rt.snapshotInstalled.Less(raft.SomeLogId(cond.LogID))
	case raft.ConditionVoteSaved:
		return rt.voteSaved == cond.Vote
	default:
		return true
	}
}

// drainLocked dispatches every command in cmds, queuing any whose When is
// not yet satisfied.
func (rt *Runtime) drainLocked(cmds []raft.Command) {
	for _, c := range cmds {
		if c.When != nil && !rt.satisfiedLocked(*c.When) {
			rt.pending = append(rt.pending, pendingCmd{when: c.When, body: c.Body})
			continue
		}
		rt.execute(c.Body)
	}
	rt.retryPendingLocked()
}

// retryPendingLocked repeatedly sweeps rt.pending for newly-satisfied
// commands until a full pass makes no progress.
func (rt *Runtime) retryPendingLocked() {
	for {
		progressed := false
		remaining := rt.pending[:0]
		for _, p := range rt.pending {
			if rt.satisfiedLocked(*p.when) {
				rt.execute(p.body)
				progressed = true
			} else {
				remaining = append(remaining, p)
			}
		}
		rt.pending = remaining
		if !progressed {
			return
		}
	}
}

func (rt *Runtime) execute(body raft.CommandBody) {
	switch b := body.(type) {
	case raft.SendVote:
		go rt.sendVote(b)
	case raft.Replicate:
		go rt.replicate(b)
	case raft.Respond:
		b.Tx.Respond(b.Result)
	case raft.SaveVote:
		if err := rt.store.SaveVote(b.Vote); err != nil {
			rt.log.Error().Err(err).Msg("persist vote")
			return
		}
		rt.voteSaved = b.Vote
	case raft.AppendLog:
		if err := rt.store.AppendLog(b.Entries); err != nil {
			rt.log.Error().Err(err).Msg("persist log entries")
			return
		}
		if len(b.Entries) > 0 {
			rt.flushed = raft.SomeLogId(b.Entries[len(b.Entries)-1].LogID)
		}
	case raft.PurgeLog:
		if err := rt.store.PurgeUpto(b.Upto); err != nil {
			rt.log.Error().Err(err).Msg("purge log")
		}
	case raft.TruncateLog:
		if err := rt.store.TruncateSince(b.Since); err != nil {
			rt.log.Error().Err(err).Msg("truncate log")
		}
	case raft.Apply:
		rt.applyRange(b.Since, b.Upto)
	case raft.RebuildReplicationStreams:
		rt.log.Debug().Strs("targets", b.Targets).Msg("rebuilding replication streams")
	case raft.StopReplication:
		rt.log.Debug().Str("peer", b.Target).Msg("stopping replication stream")
	case raft.BeginReceivingSnapshot:
		b.Tx.Respond(true)
	case raft.InstallSnapshotCmd:
		if err := rt.sm.Restore(b.Snapshot.Data); err != nil {
			rt.log.Error().Err(err).Msg("restore snapshot into state machine")
			b.Tx.Respond(err)
			return
		}
		rt.snapshotInstalled = raft.SomeLogId(b.Snapshot.Meta.LastLogID)
		b.Tx.Respond(true)
	case raft.BuildSnapshot:
		go rt.buildSnapshot()
	case raft.ServerStateUpdate:
		rt.log.Info().Str("state", b.NewState.String()).Msg("server state changed")
	default:
		rt.log.Warn().Msgf("unhandled command %T", body)
	}
}

// applyRange applies every EntryNormal payload with index in
// (since.Index, upto.Index] to the state machine, in order, then checks
// whether enough has been applied since the last snapshot to start a new
// one.
func (rt *Runtime) applyRange(since raft.OptLogId, upto raft.LogId) {
	for _, e := range rt.store.EntriesSince(since) {
		if e.LogID.Index > upto.Index {
			break
		}
		rt.appliedSinceSnapshot++
		if e.Kind != raft.EntryNormal {
			continue
		}
		if _, err := rt.sm.Apply(e.Payload); err != nil {
			rt.log.Error().Err(err).Uint64("index", e.LogID.Index).Msg("apply committed entry")
		}
	}

	if rt.snapshotThreshold > 0 && rt.appliedSinceSnapshot >= rt.snapshotThreshold {
		rt.appliedSinceSnapshot = 0
		rt.engine.TriggerBuildSnapshot()
		rt.drainLocked(rt.engine.Output.Take())
	}
}

func (rt *Runtime) buildSnapshot() {
	data, err := rt.sm.Snapshot()
	if err != nil {
		rt.log.Error().Err(err).Msg("build snapshot")
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	last := rt.engine.State.Committed
	if !last.Valid {
		rt.engine.State.IOState.BuildingSnapshot = false
		return
	}
	meta := raft.SnapshotMeta{
		LastLogID:  last.Id,
		Membership: rt.engine.State.MembershipState.Committed(),
		SnapshotID: statemachine.NewClientID(),
	}
	if err := rt.store.SaveSnapshot(meta, data); err != nil {
		rt.log.Error().Err(err).Msg("persist snapshot")
		rt.engine.State.IOState.BuildingSnapshot = false
		return
	}
	rt.engine.FinishBuildingSnapshot(meta)
	rt.drainLocked(rt.engine.Output.Take())
}

func (rt *Runtime) sendVote(b raft.SendVote) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := rt.trans.SendVoteRequest(ctx, b.Target, b.Req)
	if err != nil {
		rt.log.Debug().Err(err).Str("peer", b.Target).Msg("send vote request")
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.engine.HandleVoteResp(b.Target, resp)
	rt.drainLocked(rt.engine.Output.Take())
}

// replicate builds the per-peer AppendEntriesRequest from that peer's own
// NextSend cursor (the engine only signals *that* a peer needs data, not
// what to send it, since each peer's cursor differs) and sends it.
func (rt *Runtime) replicate(b raft.Replicate) {
	rt.mu.Lock()
	if rt.engine.Leader == nil {
		rt.mu.Unlock()
		return
	}
	progress, ok := rt.engine.Leader.Progress[b.Target]
	if !ok {
		rt.mu.Unlock()
		return
	}
	nextSend := progress.NextSend
	vote := rt.engine.Leader.Vote
	leaderCommit := rt.engine.State.Committed
	purgedNext := rt.engine.State.PurgedNext

	// A peer whose cursor is behind the purge point cannot be caught up by
	// log replication; ship the snapshot instead.
	if purgedNext > 0 && nextSend < purgedNext {
		rt.mu.Unlock()
		rt.replicateSnapshot(b.Target, vote)
		return
	}

	var prevLogID raft.OptLogId
	if nextSend > 0 {
		if prev, ok := rt.store.EntryAt(nextSend - 1); ok {
			prevLogID = raft.SomeLogId(prev.LogID)
		}
	}
	entries := rt.store.EntriesSince(prevLogID)
	rt.mu.Unlock()

	req := raft.AppendEntriesRequest{
		Vote:         vote,
		PrevLogID:    prevLogID,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := rt.trans.SendAppendEntries(ctx, b.Target, req)
	if err != nil {
		rt.log.Debug().Err(err).Str("peer", b.Target).Msg("send append entries")
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if resp.Success && len(entries) > 0 {
		rt.engine.ReplicationHandler().UpdateMatching(b.Target, entries[len(entries)-1].LogID)
	} else if !resp.Success {
		rt.log.Debug().Str("peer", b.Target).Interface("reject", resp.Reject).Msg("append entries rejected")
	}
	rt.drainLocked(rt.engine.Output.Take())
}

// replicateSnapshot catches up a peer that has fallen behind the log's
// purge point by sending it the full stored snapshot.
func (rt *Runtime) replicateSnapshot(target string, vote raft.Vote) {
	meta, data, ok, err := rt.store.LoadSnapshot()
	if err != nil || !ok {
		rt.log.Error().Err(err).Str("peer", target).Msg("no snapshot available for lagging peer")
		return
	}

	req := raft.InstallSnapshotRequest{Vote: vote, Meta: meta, Data: data, Done: true}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := rt.trans.SendInstallSnapshot(ctx, target, req); err != nil {
		rt.log.Debug().Err(err).Str("peer", target).Msg("send install snapshot")
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.engine.Leader == nil {
		return
	}
	rt.engine.ReplicationHandler().UpdateMatching(target, meta.LastLogID)
	rt.drainLocked(rt.engine.Output.Take())
}

// SubmitNormal proposes a new client write, blocking until it is durably
// appended locally (not yet committed). Commit/apply completion is
// observed by polling Engine.State.Committed, matching the teacher's own
// polling-based SubmitWithResult.
func (rt *Runtime) SubmitNormal(payload []byte) (raft.LogId, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	lh, err := rt.engine.LeaderHandler()
	if err != nil {
		return raft.LogId{}, fmt.Errorf("runtime: submit: %w", err)
	}
	ids := lh.AppendEntries([]raft.LogEntryKind{raft.EntryNormal}, [][]byte{payload}, nil)
	rt.drainLocked(rt.engine.Output.Take())
	return ids[0], nil
}

// Committed reports the current commit watermark, for callers polling for
// a previously submitted entry to become committed.
func (rt *Runtime) Committed() raft.OptLogId {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.engine.State.Committed
}

// StateMachine exposes the read path for client GETs.
func (rt *Runtime) StateMachine() *statemachine.Store { return rt.sm }

// IsLeader reports whether this node currently believes itself leader.
func (rt *Runtime) IsLeader() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.engine.State.ServerState == raft.Leader
}

// EffectiveMembership returns the cluster's current effective membership,
// for operator tooling (`raftd member list`) and for building the next
// membership proposal.
func (rt *Runtime) EffectiveMembership() *raft.Membership {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.engine.State.MembershipState.Effective().Membership
}

// ChangeMembership proposes next as the cluster's new membership, only
// legal against the leader: see raft.Engine.ChangeMembership.
func (rt *Runtime) ChangeMembership(next *raft.Membership) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.engine.ChangeMembership(next); err != nil {
		return fmt.Errorf("runtime: change membership: %w", err)
	}
	rt.drainLocked(rt.engine.Output.Take())
	return nil
}

// LeaderHint returns the believed leader id and endpoint, for redirecting
// clients.
func (rt *Runtime) LeaderHint() (id string, endpoint string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	st := rt.engine.State
	if !st.Vote.Committed {
		return "", ""
	}
	return st.Vote.NodeID, st.MembershipState.Effective().Membership.Endpoint(st.Vote.NodeID)
}
