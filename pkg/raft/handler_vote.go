package raft

// VoteHandler mutates RaftState.Vote and the server-state/leader/candidate
// fields that depend on it. It borrows the enclosing Engine for the
// duration of one event; it must not be retained across events.
type VoteHandler struct {
	eng *Engine
}

// UpdateVote applies `v` if it is not less than the current vote. A vote
// equal to the current one is an idempotent success (no command emitted,
// no timestamp refresh). A strictly greater vote overwrites state.Vote,
// drops any LeaderState/CandidateState whose vote no longer matches. It
// does not recompute server_state; callers do that afterwards through
// ServerStateHandler().UpdateIfChanged().
func (h VoteHandler) UpdateVote(v Vote) error {
	st := h.eng.State
	if v.Less(st.Vote) {
		return &RejectAppendEntries{Reason: RejectByVote, RejectedVote: st.Vote}
	}
	if v == st.Vote {
		return nil
	}
	st.Vote = v
	st.VoteLastModified = h.eng.Clock.Now()
	st.LastSeenVote = maxVote(st.LastSeenVote, v)
	if h.eng.Leader != nil && h.eng.Leader.Vote != v {
		h.eng.Leader = nil
	}
	if h.eng.Candidate != nil && h.eng.Candidate.Vote != v {
		h.eng.Candidate = nil
	}
	h.eng.Output.Push(SaveVote{Vote: v})
	return nil
}

// UpdateLastSeen folds `v` into LastSeenVote without any other state
// change; used whenever a vote is merely observed, granted or not.
func (h VoteHandler) UpdateLastSeen(v Vote) {
	h.eng.State.LastSeenVote = maxVote(h.eng.State.LastSeenVote, v)
}

// AcceptVote tries UpdateVote(v); on rejection it builds and enqueues the
// reply via onReject and returns false. On acceptance it returns true,
// leaving the command queue untouched for the caller to continue.
func (h VoteHandler) AcceptVote(v Vote, tx Responder, onReject func() any) bool {
	if err := h.UpdateVote(v); err != nil {
		h.eng.Output.Push(Respond{Result: onReject(), Tx: tx})
		return false
	}
	return true
}
