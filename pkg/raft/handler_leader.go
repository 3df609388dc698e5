package raft

// LeaderHandler implements the leader-only path of appending new entries
// proposed locally (client writes, membership changes, the post-election
// blank entry). Engine.LeaderHandler returns a ForwardToLeader error if no
// LeaderState exists.
type LeaderHandler struct {
	eng *Engine
}

// AppendEntries assigns successive LogIds at (vote.term, next_index..) to
// each payload, appends them locally, advances the leader's own matching
// index, and emits an AppendLog command followed by a Replicate command per
// active peer. It returns the newly assigned LogIds in order.
func (h LeaderHandler) AppendEntries(kinds []LogEntryKind, payloads [][]byte, memberships []*Membership) []LogId {
	st := h.eng.State
	term := h.eng.Leader.Vote.Term
	next := st.LastLogID().NextIndex()

	entries := make([]LogEntry, len(payloads))
	ids := make([]LogId, len(payloads))
	for i := range payloads {
		id := LogId{Term: term, Index: next + uint64(i), LeaderID: h.eng.Config.ID}
		ids[i] = id
		var kind LogEntryKind
		if kinds != nil {
			kind = kinds[i]
		}
		var m *Membership
		if memberships != nil {
			m = memberships[i]
		}
		entries[i] = LogEntry{LogID: id, Kind: kind, Payload: payloads[i], Membership: m}
		st.LogIDs.Append(id)
		if kind == EntryMembership && m != nil {
			st.MembershipState.Append(NewEffectiveMembership(SomeLogId(id), m))
		}
	}
	if len(entries) == 0 {
		return ids
	}
	st.Accepted = st.LastLogID()
	h.eng.Output.Push(AppendLog{Entries: entries})

	last := entries[len(entries)-1].LogID
	h.eng.Leader.UpdateMatching(h.eng.Config.ID, last, h.eng.Clock.Now())

	for target := range h.eng.Leader.Progress {
		if target == h.eng.Config.ID {
			continue
		}
		h.eng.Output.Push(Replicate{Target: target, Kind: ReplicateAppendEntries})
	}
	return ids
}

// leaderHandlerOrReject returns a LeaderHandler when this node is both the
// proposer and its vote has been committed by quorum; otherwise it yields
// ForwardToLeader naming the believed leader, empty if unknown.
func (eng *Engine) leaderHandlerOrReject() (LeaderHandler, error) {
	if eng.Leader == nil || !eng.Leader.Vote.Committed {
		fwd := &ForwardToLeader{}
		if eng.State.Vote.Committed {
			fwd.LeaderID = eng.State.Vote.NodeID
			fwd.LeaderEndpoint = eng.State.MembershipState.Effective().Membership.Endpoint(fwd.LeaderID)
		}
		return LeaderHandler{}, fwd
	}
	return LeaderHandler{eng: eng}, nil
}
