package raft

// ReplicationHandler implements the leader-only bookkeeping of per-peer
// replication progress, the commit watermark, and purge scheduling.
// Engine.ReplicationHandler panics if no LeaderState exists: it is a bug
// to reach this handler without one.
type ReplicationHandler struct {
	eng *Engine
}

// UpdateMatching records that `target` has durably replicated up to
// `matched`, then recomputes the commit watermark. Per Raft's leader
// completeness rule, a leader only commits entries logged in its own
// current term directly; older entries commit transitively once a newer
// one does, which falls out naturally from log-matching.
func (h ReplicationHandler) UpdateMatching(target string, matched LogId) {
	st := h.eng.State
	ld := h.eng.Leader
	ld.UpdateMatching(target, matched, h.eng.Clock.Now())

	candidate := ld.CalcCommitted()
	if !candidate.Valid || candidate.Id.Term != ld.Vote.Term {
		return
	}
	if !st.Committed.Less(candidate) {
		return
	}
	prev := st.Committed
	st.Committed = candidate
	st.MembershipState.Commit(candidate)
	h.eng.Output.Push(Apply{Since: prev, Upto: candidate.Id})
	h.eng.ServerStateHandler().UpdateIfChanged()
	h.TryPurgeLog()
}

// RebuildReplicationStreams reseeds per-peer progress from the current
// effective membership (e.g. right after establishing leadership, or after
// a membership change commits) and emits a command telling the runtime to
// open/close transport streams to match.
func (h ReplicationHandler) RebuildReplicationStreams() {
	st := h.eng.State
	membership := st.MembershipState.Effective().Membership
	h.eng.Leader.RebuildFor(membership, st.LastLogID().Index())

	targets := make([]string, 0, len(h.eng.Leader.Progress))
	for id := range h.eng.Leader.Progress {
		if id == h.eng.Config.ID {
			continue
		}
		targets = append(targets, id)
	}
	h.eng.Output.Push(RebuildReplicationStreams{Targets: targets})
}

// TryPurgeLog computes the minimum matching index across every voter and
// learner and emits PurgeLog for whatever portion of the scheduled
// purge_upto is safely behind every peer's replication cursor.
func (h ReplicationHandler) TryPurgeLog() {
	st := h.eng.State
	if !st.PurgeUpto.Valid {
		return
	}
	minMatching := st.PurgeUpto
	for id := range h.eng.Leader.Progress {
		if id == h.eng.Config.ID {
			continue
		}
		p := h.eng.Leader.Progress[id]
		if p.Matching.Less(minMatching) {
			minMatching = p.Matching
		}
	}
	if !minMatching.Valid {
		return
	}
	effective := st.PurgeUpto
	if minMatching.Less(effective) {
		effective = minMatching
	}
	if effective.Index() <= st.PurgedNext {
		return
	}
	st.PurgeUpto = effective
	h.eng.LogHandler().PurgeLog()
}
