package raft

// ServerStateHandler recomputes RaftState.ServerState from (vote,
// membership, leader/candidate presence) and emits a ServerStateUpdate
// command whenever it changes.
type ServerStateHandler struct {
	eng *Engine
}

// UpdateIfChanged recalculates server_state and, if different from the
// current value, installs it and emits a ServerStateUpdate command.
func (h ServerStateHandler) UpdateIfChanged() {
	st := h.eng.State
	next := st.CalcServerState(h.eng.Config.ID, h.eng.Candidate != nil)
	if next == st.ServerState {
		return
	}
	st.ServerState = next
	h.eng.Output.Push(ServerStateUpdate{NewState: next})

	if next == Learner && h.eng.Leader != nil {
		for target := range h.eng.Leader.Progress {
			if target != h.eng.Config.ID {
				h.eng.Output.Push(StopReplication{Target: target})
			}
		}
		h.eng.Leader = nil
	}
}

// EstablishHandler turns a successful candidacy into leadership.
type EstablishHandler struct {
	eng *Engine
}

// Establish consumes `candidate`, installing a committed LeaderState in
// its place, provided no superseding vote has been observed since the
// candidacy was granted. It reports whether leadership was established.
func (h EstablishHandler) Establish(candidate *CandidateState) bool {
	eng := h.eng
	if eng.State.Vote != candidate.Vote {
		// A greater vote arrived while this grant was in flight; the
		// candidacy is stale.
		return false
	}

	committedVote := candidate.Vote.Committing()
	membership := eng.State.MembershipState.Effective().Membership

	eng.Leader = NewLeaderState(committedVote, membership, eng.State.LastLogID().Index())
	eng.Candidate = nil

	eng.State.Vote = committedVote
	eng.State.VoteLastModified = eng.Clock.Now()
	eng.State.LastSeenVote = maxVote(eng.State.LastSeenVote, committedVote)

	eng.Output.Push(SaveVote{Vote: committedVote})
	eng.ReplicationHandler().RebuildReplicationStreams()
	eng.leaderHandlerUnchecked().AppendEntries(
		[]LogEntryKind{EntryBlank},
		[][]byte{nil},
		[]*Membership{nil},
	)
	eng.ServerStateHandler().UpdateIfChanged()
	return true
}
