package raft

// Engine is the single-threaded, synchronous Raft consensus dispatcher. It
// owns RaftState and the optional LeaderState/CandidateState, and appends
// every side effect of handling one event to Output as a Command. Callers
// must drain Output after each call before invoking the next: the engine
// performs no I/O and blocks on nothing.
type Engine struct {
	Config EngineConfig
	Clock  Clock

	State     *RaftState
	Leader    *LeaderState
	Candidate *CandidateState
	Output    *EngineOutput

	// seenGreaterLog records that some vote response advertised a log
	// more up-to-date than ours while we were a candidate. Elect clears
	// it and nothing else reads it, so it does not delay the next election.
	seenGreaterLog bool
}

// NewEngine wires a fresh dispatcher around already-restored durable state.
// Call Startup once immediately after construction.
func NewEngine(config EngineConfig, clock Clock, state *RaftState) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{
		Config: config,
		Clock:  clock,
		State:  state,
		Output: NewEngineOutput(),
	}
}

func (eng *Engine) VoteHandler() VoteHandler               { return VoteHandler{eng: eng} }
func (eng *Engine) LogHandler() LogHandler                 { return LogHandler{eng: eng} }
func (eng *Engine) SnapshotHandler() SnapshotHandler       { return SnapshotHandler{eng: eng} }
func (eng *Engine) ServerStateHandler() ServerStateHandler { return ServerStateHandler{eng: eng} }
func (eng *Engine) EstablishHandler() EstablishHandler     { return EstablishHandler{eng: eng} }

// FollowingHandler returns the follower-side handler. It is a bug to call
// this while LeaderState is present.
func (eng *Engine) FollowingHandler() FollowingHandler {
	if eng.Leader != nil {
		panic("raft: following handler requested while leader state is present")
	}
	return FollowingHandler{eng: eng}
}

// ReplicationHandler returns the leader-side replication handler. It is a
// bug to call this without a LeaderState.
func (eng *Engine) ReplicationHandler() ReplicationHandler {
	if eng.Leader == nil {
		panic("raft: replication handler requested without leader state")
	}
	return ReplicationHandler{eng: eng}
}

// LeaderHandler returns the handler for appending locally-proposed
// entries, or ForwardToLeader if this node cannot currently serve writes.
func (eng *Engine) LeaderHandler() (LeaderHandler, error) {
	return eng.leaderHandlerOrReject()
}

func (eng *Engine) leaderHandlerUnchecked() LeaderHandler { return LeaderHandler{eng: eng} }

// Startup restores server_state from durable state at process start. If
// the persisted vote says this node was the committed leader, LeaderState
// is rebuilt and replication is re-initiated; otherwise the node becomes a
// Follower if the effective membership lists it as a voter, else Learner.
func (eng *Engine) Startup() {
	st := eng.State
	if st.Vote.Committed && st.Vote.NodeID == eng.Config.ID {
		membership := st.MembershipState.Effective().Membership
		eng.Leader = NewLeaderState(st.Vote, membership, st.LastLogID().Index())
		st.ServerState = Leader
		eng.ReplicationHandler().RebuildReplicationStreams()
		return
	}
	if st.MembershipState.IsVoter(eng.Config.ID) {
		st.ServerState = Follower
	} else {
		st.ServerState = Learner
	}
}

// checkInitialize verifies the preconditions of Initialize: an empty log
// and the zero vote.
func (eng *Engine) checkInitialize() error {
	st := eng.State
	if st.LastLogID().Valid || !st.Vote.IsZero() {
		return &NotAllowed{LastLogID: st.LastLogID(), Vote: st.Vote}
	}
	return nil
}

// checkMembersContainMe verifies the bootstrap membership lists this node
// as a voter.
func (eng *Engine) checkMembersContainMe(m *Membership) error {
	if !m.IsVoter(eng.Config.ID) {
		return &NotInMembers{NodeID: eng.Config.ID, Membership: m}
	}
	return nil
}

// Initialize bootstraps a brand new node with its first membership entry,
// permitted only on an empty log with the zero vote. The entry is appended
// at the sentinel log id (0,0) and an election is started immediately.
func (eng *Engine) Initialize(membership *Membership) error {
	if err := eng.checkInitialize(); err != nil {
		return err
	}
	if err := eng.checkMembersContainMe(membership); err != nil {
		return err
	}

	entry := LogEntry{
		LogID:      LogId{Term: 0, Index: 0},
		Kind:       EntryMembership,
		Membership: membership,
	}
	eng.State.LogIDs.Append(entry.LogID)
	eng.State.MembershipState.Append(NewEffectiveMembership(SomeLogId(entry.LogID), membership))
	eng.State.Accepted = eng.State.LastLogID()
	eng.Output.Push(AppendLog{Entries: []LogEntry{entry}})

	eng.Elect()
	return nil
}

// Elect starts a new candidacy for last_seen_vote.term+1, self-grants, and
// sends a vote request to every other voter in the effective membership.
func (eng *Engine) Elect() {
	st := eng.State
	term := st.LastSeenVote.Term + 1
	vote := Vote{Term: term, NodeID: eng.Config.ID, Committed: false}
	lastLogID := st.LastLogID()
	quorumSets := st.MembershipState.Effective().Membership.QuorumSets()

	eng.Candidate = NewCandidateState(vote, lastLogID, quorumSets, eng.Clock.Now())
	eng.seenGreaterLog = false

	// Self-grant: a candidate always votes for itself first.
	_ = eng.VoteHandler().UpdateVote(vote)

	for id := range st.MembershipState.Effective().Membership.AllVoterIDs() {
		if id == eng.Config.ID {
			continue
		}
		eng.Output.Push(SendVote{Target: id, Req: VoteRequest{Vote: vote, LastLogID: lastLogID}})
	}

	eng.ServerStateHandler().UpdateIfChanged()

	if eng.Candidate.IsElected(quorumSets) {
		eng.establishLeader()
	}
}

func (eng *Engine) establishLeader() {
	candidate := eng.Candidate
	if candidate == nil {
		return
	}
	eng.EstablishHandler().Establish(candidate)
}

// HandleVoteReq is the acceptor side of RequestVote. It always returns the
// node's current (possibly unchanged) vote and last log id so the caller
// can learn of a better candidacy even on rejection.
func (eng *Engine) HandleVoteReq(req VoteRequest) VoteResponse {
	st := eng.State
	now := eng.Clock.Now()
	lease := eng.Config.TimerConfig.LeaderLease

	if st.Vote.Committed && !now.After(st.VoteLastModified.Add(lease)) {
		return VoteResponse{Vote: st.Vote, LastLogID: st.LastLogID(), Granted: false}
	}
	if req.LastLogID.Less(st.LastLogID()) {
		return VoteResponse{Vote: st.Vote, LastLogID: st.LastLogID(), Granted: false}
	}

	granted := false
	if req.Vote.Greater(st.Vote) && st.MembershipState.IsVoter(eng.Config.ID) {
		_ = eng.VoteHandler().UpdateVote(req.Vote)
		eng.ServerStateHandler().UpdateIfChanged()
		granted = true
	} else {
		eng.VoteHandler().UpdateLastSeen(req.Vote)
	}

	return VoteResponse{Vote: st.Vote, LastLogID: st.LastLogID(), Granted: granted}
}

// HandleVoteResp processes a RequestVote reply from `target`.
func (eng *Engine) HandleVoteResp(target string, resp VoteResponse) {
	eng.VoteHandler().UpdateLastSeen(resp.Vote)

	if eng.Candidate == nil {
		return
	}
	if resp.Vote == eng.Candidate.Vote {
		quorumSets := eng.State.MembershipState.Effective().Membership.QuorumSets()
		if eng.Candidate.Grant(target, quorumSets) {
			eng.establishLeader()
		}
		return
	}
	if eng.State.LastLogID().Less(resp.LastLogID) {
		eng.seenGreaterLog = true
	}
}

// HandleAppendEntries is the follower side of AppendEntries: it validates
// the leader's vote and log consecutiveness, appends the new suffix, and
// returns the reply plus the condition a Respond command must wait on.
func (eng *Engine) HandleAppendEntries(vote Vote, prevLogID OptLogId, entries []LogEntry) (AppendEntriesResponse, *Condition) {
	if err := eng.VoteHandler().UpdateVote(vote); err != nil {
		return AppendEntriesResponse{Vote: eng.State.Vote, Success: false}, nil
	}
	eng.ServerStateHandler().UpdateIfChanged()

	cond, err := eng.FollowingHandler().AppendEntries(prevLogID, entries)
	if err != nil {
		var reject *RejectAppendEntries
		if e, ok := err.(*RejectAppendEntries); ok {
			reject = e
		} else {
			reject = &RejectAppendEntries{Reason: RejectByLog}
		}
		return AppendEntriesResponse{Vote: eng.State.Vote, Success: false, Reject: reject}, nil
	}
	return AppendEntriesResponse{Vote: eng.State.Vote, Success: true}, cond
}

// HandleCommitEntries advances the commit watermark in response to a
// leader's reported commit index. Unlike the append path it does not go
// through Engine.FollowingHandler: advancing committed is legal in any
// role, including on a leader that learns its own membership-change entry
// has committed and must now step down.
func (eng *Engine) HandleCommitEntries(leaderCommitted OptLogId) {
	FollowingHandler{eng: eng}.CommitEntries(leaderCommitted)
}

// HandleInstallFullSnapshot processes a complete InstallSnapshot RPC,
// returning the condition a Respond command must wait on before the caller
// learns of success.
func (eng *Engine) HandleInstallFullSnapshot(vote Vote, snapshot Snapshot) *Condition {
	if err := eng.VoteHandler().UpdateVote(vote); err != nil {
		return nil
	}
	eng.ServerStateHandler().UpdateIfChanged()

	cond := eng.FollowingHandler().InstallFullSnapshot(snapshot)
	if cond == nil {
		// Snapshot is not newer than what we already have; nothing to
		// hand to the state machine.
		return nil
	}
	eng.Output.Push(InstallSnapshotCmd{Snapshot: snapshot, Tx: NoResponder})
	return cond
}

// HandleBeginReceivingSnapshot asks the runtime's state machine for an
// opaque snapshot-data receiver; it causes no engine state changes.
func (eng *Engine) HandleBeginReceivingSnapshot(tx Responder) {
	eng.Output.Push(BeginReceivingSnapshot{Tx: tx})
}

// TriggerBuildSnapshot asks the runtime's state machine to build a new
// snapshot. A second trigger while one is already being built is a no-op.
func (eng *Engine) TriggerBuildSnapshot() {
	if eng.State.IOState.BuildingSnapshot {
		return
	}
	eng.State.IOState.BuildingSnapshot = true
	eng.Output.Push(BuildSnapshot{})
}

// FinishBuildingSnapshot is called once the runtime finishes building a
// locally-initiated snapshot.
func (eng *Engine) FinishBuildingSnapshot(meta SnapshotMeta) {
	eng.State.IOState.BuildingSnapshot = false
	if !eng.SnapshotHandler().UpdateSnapshot(meta) {
		return
	}
	eng.LogHandler().SchedulePolicyBasedPurge()
	eng.tryPurgeLog()
}

// TriggerPurgeLog schedules a purge up to `index`, capped by the current
// snapshot's coverage, and attempts it immediately.
func (eng *Engine) TriggerPurgeLog(index uint64) {
	st := eng.State
	if index > st.SnapshotMeta.LastLogID.Index {
		index = st.SnapshotMeta.LastLogID.Index
	}
	if index < st.PurgeUpto.Index() {
		return
	}
	eng.LogHandler().UpdatePurgeUpto(index)
	eng.tryPurgeLog()
}

// tryPurgeLog purges immediately when not leading; when leading it defers
// to the replication handler, which respects the slowest peer's cursor.
func (eng *Engine) tryPurgeLog() {
	if eng.Leader != nil {
		eng.ReplicationHandler().TryPurgeLog()
		return
	}
	eng.LogHandler().PurgeLog()
}

// ChangeMembership proposes `next` as the new effective membership. It is
// only legal on the leader, with the previous membership change already
// committed, and `next` must retain at least one voter.
func (eng *Engine) ChangeMembership(next *Membership) error {
	lh, err := eng.LeaderHandler()
	if err != nil {
		return err
	}
	ms := eng.State.MembershipState
	if !ms.Effective().LogID.Equal(ms.Committed().LogID) {
		return &InProgress{Committed: ms.Committed().LogID, MembershipLogID: ms.Effective().LogID}
	}
	if len(next.AllVoterIDs()) == 0 {
		return &EmptyMembership{}
	}
	lh.AppendEntries(
		[]LogEntryKind{EntryMembership},
		[][]byte{nil},
		[]*Membership{next},
	)
	eng.ReplicationHandler().RebuildReplicationStreams()
	return nil
}

// LeaderStepDown drops this node's LeaderState once its effective
// membership no longer needs it to lead (i.e. the membership that excludes
// it has committed).
func (eng *Engine) LeaderStepDown() {
	if eng.Leader == nil {
		return
	}
	effective := eng.State.MembershipState.Effective()
	if effective.LogID.LessEq(eng.State.Committed) {
		eng.ServerStateHandler().UpdateIfChanged()
	}
}
