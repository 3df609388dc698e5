package raft

import (
	"testing"
	"time"
)

func singleVoterMembership(self string) *Membership {
	return NewMembership(map[string]struct{}{self: {}}, nil, map[string]string{self: "local"})
}

func threeVoterMembership(a, b, c string) *Membership {
	voters := map[string]struct{}{a: {}, b: {}, c: {}}
	nodes := map[string]string{a: a + ":addr", b: b + ":addr", c: c + ":addr"}
	return NewMembership(voters, nil, nodes)
}

func newTestEngine(id string) (*Engine, *MockClock) {
	clock := NewMockClock(time.Unix(0, 0))
	eng := NewEngine(NewEngineConfig(id), clock, NewRaftState())
	eng.Startup()
	return eng, clock
}

// S1 — Initialize & self-elect (single-voter cluster).
func TestInitializeAndSelfElect(t *testing.T) {
	eng, _ := newTestEngine("1")

	if err := eng.Initialize(singleVoterMembership("1")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	cmds := eng.Output.Take()
	var sawAppendSentinel, sawServerStateCandidateOrLeader bool
	for _, c := range cmds {
		switch b := c.Body.(type) {
		case AppendLog:
			for _, e := range b.Entries {
				if e.LogID == (LogId{Term: 0, Index: 0}) {
					sawAppendSentinel = true
				}
			}
		case ServerStateUpdate:
			if b.NewState == Candidate || b.NewState == Leader {
				sawServerStateCandidateOrLeader = true
			}
		}
	}
	if !sawAppendSentinel {
		t.Errorf("expected AppendLog of the sentinel membership entry")
	}
	if !sawServerStateCandidateOrLeader {
		t.Errorf("expected a ServerStateUpdate to Candidate or Leader")
	}

	// Single-voter cluster: the self-grant inside Elect is enough to win
	// immediately, without any externally injected vote response.
	if eng.State.ServerState != Leader {
		t.Fatalf("expected ServerState Leader after self-election in a single-voter cluster, got %v", eng.State.ServerState)
	}
	if !eng.State.Vote.Committed {
		t.Errorf("expected committed vote after establishing leadership")
	}
	if eng.Leader == nil {
		t.Fatalf("expected LeaderState after establishing leadership")
	}
}

func TestInitializeRejectsNonEmptyLog(t *testing.T) {
	eng, _ := newTestEngine("1")
	if err := eng.Initialize(singleVoterMembership("1")); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	eng.Output.Take()

	err := eng.Initialize(singleVoterMembership("1"))
	if _, ok := err.(*NotAllowed); !ok {
		t.Fatalf("expected NotAllowed on second Initialize, got %v", err)
	}
}

func TestInitializeRejectsSelfNotInMembers(t *testing.T) {
	eng, _ := newTestEngine("1")
	err := eng.Initialize(singleVoterMembership("2"))
	if _, ok := err.(*NotInMembers); !ok {
		t.Fatalf("expected NotInMembers, got %v", err)
	}
}

// S2 — Reject vote under lease.
func TestHandleVoteReqRejectedUnderLease(t *testing.T) {
	eng, clock := newTestEngine("2")
	eng.State.Vote = Vote{Term: 5, NodeID: "2", Committed: true}
	eng.State.VoteLastModified = clock.Now()

	clock.Advance(100 * time.Millisecond) // lease is 300ms by default

	resp := eng.HandleVoteReq(VoteRequest{
		Vote:      Vote{Term: 6, NodeID: "3", Committed: false},
		LastLogID: SomeLogId(LogId{Term: 5, Index: 10}),
	})

	if resp.Granted {
		t.Fatalf("expected vote to be rejected under an active lease")
	}
	if resp.Vote != eng.State.Vote {
		t.Errorf("expected response to carry the unchanged current vote")
	}
	if eng.State.Vote.Term != 5 {
		t.Errorf("expected no state change, got term %d", eng.State.Vote.Term)
	}
}

// S3 — Grant vote after lease.
func TestHandleVoteReqGrantedAfterLease(t *testing.T) {
	eng, clock := newTestEngine("2")
	eng.State.MembershipState = NewMembershipState()
	eng.State.MembershipState.Append(NewEffectiveMembership(NoLogId, threeVoterMembership("1", "2", "3")))
	eng.State.Vote = Vote{Term: 5, NodeID: "2", Committed: true}
	eng.State.VoteLastModified = clock.Now()
	eng.State.ServerState = Follower

	clock.Advance(400 * time.Millisecond)

	req := VoteRequest{
		Vote:      Vote{Term: 6, NodeID: "3", Committed: false},
		LastLogID: eng.State.LastLogID(),
	}
	resp := eng.HandleVoteReq(req)

	if !resp.Granted {
		t.Fatalf("expected vote to be granted once the lease has expired")
	}
	if eng.State.Vote != req.Vote {
		t.Errorf("expected state.Vote to become the granted vote, got %v", eng.State.Vote)
	}
	if !eng.State.VoteLastModified.Equal(clock.Now()) {
		t.Errorf("expected VoteLastModified to be refreshed on a real grant")
	}
}

// S4 — Append with conflicting prev.
func TestHandleAppendEntriesConflictingPrev(t *testing.T) {
	eng, _ := newTestEngine("2")
	eng.State.LogIDs.Append(LogId{Term: 0, Index: 0})
	eng.State.LogIDs.Append(LogId{Term: 1, Index: 1})
	eng.State.LogIDs.Append(LogId{Term: 1, Index: 2})
	before := eng.State.LastLogID()

	leaderVote := Vote{Term: 1, NodeID: "1", Committed: true}
	eng.State.Vote = leaderVote

	resp, cond := eng.HandleAppendEntries(
		leaderVote,
		SomeLogId(LogId{Term: 2, Index: 2}),
		[]LogEntry{{LogID: LogId{Term: 2, Index: 3}}},
	)

	if resp.Success {
		t.Fatalf("expected rejection on conflicting prev_log_id")
	}
	if resp.Reject == nil || resp.Reject.Reason != RejectByLog {
		t.Fatalf("expected RejectByLog, got %+v", resp.Reject)
	}
	if cond != nil {
		t.Errorf("expected no wait-condition on a rejected append")
	}
	if eng.State.LastLogID() != before {
		t.Errorf("expected no log mutation on rejection, log moved from %v to %v", before, eng.State.LastLogID())
	}
}

func TestHandleAppendEntriesAppendsAndFlushCondition(t *testing.T) {
	eng, _ := newTestEngine("2")
	eng.State.LogIDs.Append(LogId{Term: 0, Index: 0})

	leaderVote := Vote{Term: 1, NodeID: "1", Committed: true}
	entry := LogEntry{LogID: LogId{Term: 1, Index: 1}, Payload: []byte("x")}

	resp, cond := eng.HandleAppendEntries(leaderVote, SomeLogId(LogId{Term: 0, Index: 0}), []LogEntry{entry})

	if !resp.Success {
		t.Fatalf("expected success, got reject %+v", resp.Reject)
	}
	if cond == nil || cond.Kind != ConditionFlushedLogAt || cond.LogID != entry.LogID {
		t.Fatalf("expected FlushedLogAt(%v) condition, got %+v", entry.LogID, cond)
	}
	if !eng.State.LogIDs.Has(entry.LogID) {
		t.Errorf("expected the new entry to be present in the log")
	}
}

func TestAppendEntriesIdempotentReplay(t *testing.T) {
	eng, _ := newTestEngine("2")
	eng.State.LogIDs.Append(LogId{Term: 0, Index: 0})
	leaderVote := Vote{Term: 1, NodeID: "1", Committed: true}
	entry := LogEntry{LogID: LogId{Term: 1, Index: 1}, Payload: []byte("x")}

	resp1, _ := eng.HandleAppendEntries(leaderVote, SomeLogId(LogId{Term: 0, Index: 0}), []LogEntry{entry})
	eng.Output.Take()
	logAfterFirst := eng.State.LastLogID()

	resp2, _ := eng.HandleAppendEntries(leaderVote, SomeLogId(LogId{Term: 0, Index: 0}), []LogEntry{entry})

	if resp1.Success != resp2.Success {
		t.Fatalf("expected identical success across replays")
	}
	if eng.State.LastLogID() != logAfterFirst {
		t.Errorf("expected replaying the same append to be a no-op on the log")
	}
}

// S6 — Snapshot install advances state.
func TestHandleInstallFullSnapshotAdvancesState(t *testing.T) {
	eng, _ := newTestEngine("2")
	eng.State.Committed = SomeLogId(LogId{Term: 3, Index: 10})
	eng.State.LogIDs.Append(LogId{Term: 3, Index: 10})

	membership := threeVoterMembership("1", "2", "3")
	snap := Snapshot{
		Meta: SnapshotMeta{
			LastLogID:  LogId{Term: 5, Index: 100},
			Membership: NewEffectiveMembership(SomeLogId(LogId{Term: 5, Index: 100}), membership),
			SnapshotID: "snap-1",
		},
	}
	leaderVote := Vote{Term: 5, NodeID: "1", Committed: true}

	cond := eng.HandleInstallFullSnapshot(leaderVote, snap)

	if cond == nil || cond.Kind != ConditionSnapshotInstalled || cond.LogID != snap.Meta.LastLogID {
		t.Fatalf("expected SnapshotInstalled(%v) condition, got %+v", snap.Meta.LastLogID, cond)
	}
	if eng.State.SnapshotMeta.LastLogID != snap.Meta.LastLogID {
		t.Errorf("expected snapshot_meta to advance")
	}
	if eng.State.Committed.Id != snap.Meta.LastLogID {
		t.Errorf("expected committed to advance to the snapshot's last log id")
	}
	if eng.State.MembershipState.Committed().Membership != membership {
		t.Errorf("expected membership_state.committed to adopt the snapshot's membership")
	}
}

func TestFinishBuildingSnapshotNonMonotonicIsNoOp(t *testing.T) {
	eng, _ := newTestEngine("1")
	eng.State.SnapshotMeta = SnapshotMeta{LastLogID: LogId{Term: 5, Index: 100}}
	eng.State.IOState.BuildingSnapshot = true

	eng.FinishBuildingSnapshot(SnapshotMeta{LastLogID: LogId{Term: 3, Index: 50}})

	if eng.State.IOState.BuildingSnapshot {
		t.Errorf("expected building_snapshot to clear regardless of whether the snapshot advanced")
	}
	if eng.State.SnapshotMeta.LastLogID != (LogId{Term: 5, Index: 100}) {
		t.Errorf("expected a non-monotonic snapshot to be ignored")
	}
}

func TestTriggerBuildSnapshotOnlyOnceWhileInFlight(t *testing.T) {
	eng, _ := newTestEngine("1")

	eng.TriggerBuildSnapshot()
	if !eng.State.IOState.BuildingSnapshot {
		t.Fatalf("expected building_snapshot set after the first trigger")
	}
	if n := eng.Output.Len(); n != 1 {
		t.Fatalf("expected exactly one BuildSnapshot command, got %d commands", n)
	}

	eng.TriggerBuildSnapshot()
	if n := eng.Output.Len(); n != 1 {
		t.Errorf("expected a second trigger while building to be a no-op, got %d commands", n)
	}

	eng.Output.Take()
	eng.FinishBuildingSnapshot(SnapshotMeta{LastLogID: LogId{Term: 1, Index: 1}})
	if eng.State.IOState.BuildingSnapshot {
		t.Errorf("expected building_snapshot cleared after FinishBuildingSnapshot")
	}
}

func TestUpdateVoteIdempotent(t *testing.T) {
	eng, _ := newTestEngine("1")
	v := Vote{Term: 3, NodeID: "1"}
	if err := eng.VoteHandler().UpdateVote(v); err != nil {
		t.Fatalf("first UpdateVote: %v", err)
	}
	eng.Output.Take()

	if err := eng.VoteHandler().UpdateVote(v); err != nil {
		t.Fatalf("second UpdateVote: %v", err)
	}
	if eng.Output.Len() != 0 {
		t.Errorf("expected idempotent UpdateVote to emit no commands, got %d", eng.Output.Len())
	}
}

func TestThreeNodeElectionWithQuorumGrant(t *testing.T) {
	leader, _ := newTestEngine("1")
	membership := threeVoterMembership("1", "2", "3")
	leader.State.MembershipState.Append(NewEffectiveMembership(NoLogId, membership))
	leader.State.ServerState = Follower

	leader.Elect()
	cmds := leader.Output.Take()

	var sentVote VoteRequest
	sawSend := 0
	for _, c := range cmds {
		if sv, ok := c.Body.(SendVote); ok {
			sentVote = sv.Req
			sawSend++
		}
	}
	if sawSend != 2 {
		t.Fatalf("expected 2 SendVote commands to the 2 remote voters, got %d", sawSend)
	}
	if leader.Candidate == nil {
		t.Fatalf("expected CandidateState after Elect")
	}

	leader.HandleVoteResp("2", VoteResponse{Vote: sentVote.Vote, Granted: true})

	if leader.Leader == nil {
		t.Fatalf("expected to have become Leader after a quorum of 2-of-3 grants")
	}
	if leader.State.ServerState != Leader {
		t.Errorf("expected ServerState Leader, got %v", leader.State.ServerState)
	}
}

func TestReplicationHandlerCommitsOnlyOwnTermEntries(t *testing.T) {
	eng, clock := newTestEngine("1")
	membership := threeVoterMembership("1", "2", "3")
	eng.State.MembershipState.Append(NewEffectiveMembership(NoLogId, membership))
	eng.State.LogIDs.Append(LogId{Term: 1, Index: 1}) // stale term entry from a previous leader
	eng.Leader = NewLeaderState(Vote{Term: 2, NodeID: "1", Committed: true}, membership, 1)
	eng.State.Vote = eng.Leader.Vote

	// Quorum matches the old-term entry: must NOT commit it directly.
	eng.ReplicationHandler().UpdateMatching("2", LogId{Term: 1, Index: 1})
	if eng.State.Committed.Valid {
		t.Fatalf("must not directly commit an entry from a prior term")
	}

	// Now a new-term entry crosses quorum: must commit (and transitively
	// the old one is covered by log matching).
	eng.State.LogIDs.Append(LogId{Term: 2, Index: 2})
	eng.Leader.UpdateMatching("1", LogId{Term: 2, Index: 2}, clock.Now())
	eng.ReplicationHandler().UpdateMatching("2", LogId{Term: 2, Index: 2})

	if !eng.State.Committed.Valid || eng.State.Committed.Id != (LogId{Term: 2, Index: 2}) {
		t.Fatalf("expected committed to advance to the own-term entry, got %v", eng.State.Committed)
	}
}

func TestAppendEntriesConflictingSuffixEmitsTruncate(t *testing.T) {
	eng, _ := newTestEngine("2")
	eng.State.LogIDs.Append(LogId{Term: 0, Index: 0})
	eng.State.LogIDs.Append(LogId{Term: 1, Index: 1})
	eng.State.LogIDs.Append(LogId{Term: 1, Index: 2})

	leaderVote := Vote{Term: 2, NodeID: "1", Committed: true}
	resp, _ := eng.HandleAppendEntries(
		leaderVote,
		SomeLogId(LogId{Term: 1, Index: 1}),
		[]LogEntry{{LogID: LogId{Term: 2, Index: 2}, Payload: []byte("y")}},
	)
	if !resp.Success {
		t.Fatalf("expected success, got reject %+v", resp.Reject)
	}

	cmds := eng.Output.Take()
	truncateAt := -1
	appendAt := -1
	for i, c := range cmds {
		switch b := c.Body.(type) {
		case TruncateLog:
			truncateAt = i
			if b.Since != 2 {
				t.Errorf("expected TruncateLog since index 2, got %d", b.Since)
			}
		case AppendLog:
			appendAt = i
		}
	}
	if truncateAt < 0 {
		t.Fatalf("expected a TruncateLog command for the conflicting suffix")
	}
	if appendAt < truncateAt {
		t.Errorf("expected TruncateLog to precede AppendLog, got truncate at %d, append at %d", truncateAt, appendAt)
	}
	if got := eng.State.LastLogID(); !got.Valid || got.Id != (LogId{Term: 2, Index: 2}) {
		t.Errorf("expected last log id (2,2) after reconciling, got %v", got)
	}
}

// S5 — Commit membership that drops self.
func TestCommitMembershipThatDropsSelf(t *testing.T) {
	eng, _ := newTestEngine("1")
	full := threeVoterMembership("1", "2", "3")
	shrunk := NewMembership(
		map[string]struct{}{"2": {}, "3": {}},
		nil,
		map[string]string{"2": "2:addr", "3": "3:addr"},
	)

	eng.State.LogIDs.Append(LogId{Term: 1, Index: 4})
	eng.State.LogIDs.Append(LogId{Term: 1, Index: 5})
	eng.State.MembershipState.Append(NewEffectiveMembership(SomeLogId(LogId{Term: 1, Index: 4}), full))
	eng.State.MembershipState.Commit(SomeLogId(LogId{Term: 1, Index: 4}))
	eng.State.MembershipState.Append(NewEffectiveMembership(SomeLogId(LogId{Term: 1, Index: 5}), shrunk))

	vote := Vote{Term: 1, NodeID: "1", Committed: true}
	eng.State.Vote = vote
	eng.Leader = NewLeaderState(vote, full, 5)
	eng.State.ServerState = Leader

	eng.HandleCommitEntries(SomeLogId(LogId{Term: 1, Index: 5}))

	cmds := eng.Output.Take()
	var sawLearner bool
	stopped := map[string]bool{}
	for _, c := range cmds {
		switch b := c.Body.(type) {
		case ServerStateUpdate:
			if b.NewState == Learner {
				sawLearner = true
			}
		case StopReplication:
			stopped[b.Target] = true
		}
	}
	if !sawLearner {
		t.Fatalf("expected ServerStateUpdate(Learner) once the excluding membership commits")
	}
	if !stopped["2"] || !stopped["3"] {
		t.Errorf("expected StopReplication for both remaining peers, got %v", stopped)
	}
	if eng.Leader != nil {
		t.Errorf("expected LeaderState dropped after stepping down to Learner")
	}
	if !eng.State.MembershipState.Committed().LogID.Equal(SomeLogId(LogId{Term: 1, Index: 5})) {
		t.Errorf("expected the shrunk membership to be committed")
	}
}

func TestHandleVoteRespRejectionRecordsGreaterLog(t *testing.T) {
	eng, _ := newTestEngine("1")
	eng.State.MembershipState.Append(NewEffectiveMembership(NoLogId, threeVoterMembership("1", "2", "3")))
	eng.State.ServerState = Follower

	eng.Elect()
	eng.Output.Take()
	if eng.Candidate == nil {
		t.Fatalf("expected CandidateState after Elect")
	}

	// A rejection advertising both a different vote and a more up-to-date
	// log must set the back-off flag without disturbing the candidacy.
	eng.HandleVoteResp("2", VoteResponse{
		Vote:      Vote{Term: eng.Candidate.Vote.Term, NodeID: "2"},
		LastLogID: SomeLogId(LogId{Term: 9, Index: 42}),
		Granted:   false,
	})

	if !eng.seenGreaterLog {
		t.Errorf("expected seenGreaterLog after a rejection carrying a greater log")
	}
	if eng.Candidate == nil {
		t.Errorf("expected the candidacy to survive a single rejection")
	}
}

func TestInstallFullSnapshotStaleIsNoOp(t *testing.T) {
	eng, _ := newTestEngine("2")
	eng.State.SnapshotMeta = SnapshotMeta{LastLogID: LogId{Term: 5, Index: 100}}
	vote := Vote{Term: 5, NodeID: "1", Committed: true}
	eng.State.Vote = vote
	eng.Output.Take()

	cond := eng.HandleInstallFullSnapshot(vote, Snapshot{
		Meta: SnapshotMeta{LastLogID: LogId{Term: 3, Index: 50}},
	})

	if cond != nil {
		t.Fatalf("expected no condition for a stale snapshot, got %+v", cond)
	}
	for _, c := range eng.Output.Take() {
		if _, ok := c.Body.(InstallSnapshotCmd); ok {
			t.Errorf("expected no InstallSnapshot command for a stale snapshot")
		}
	}
	if eng.State.SnapshotMeta.LastLogID != (LogId{Term: 5, Index: 100}) {
		t.Errorf("expected snapshot_meta unchanged, got %v", eng.State.SnapshotMeta.LastLogID)
	}
}

func TestMembershipStateInvariantCommittedLEEffective(t *testing.T) {
	ms := NewMembershipState()
	m1 := NewMembership(map[string]struct{}{"1": {}}, nil, nil)
	ms.Append(NewEffectiveMembership(SomeLogId(LogId{Term: 1, Index: 1}), m1))

	if ms.Committed().LogID.Less(ms.Effective().LogID) == false && !ms.Committed().LogID.Equal(ms.Effective().LogID) {
		t.Fatalf("committed must be <= effective")
	}

	ms.Commit(SomeLogId(LogId{Term: 1, Index: 1}))
	if !ms.Committed().LogID.Equal(ms.Effective().LogID) {
		t.Fatalf("expected committed to catch up to effective once committedLogID covers it")
	}
}
