package raft

// FollowingHandler implements the follower side of log replication and
// snapshot install. Engine.FollowingHandler panics if a LeaderState is
// present: a node cannot simultaneously follow and lead.
type FollowingHandler struct {
	eng *Engine
}

// EnsureLogConsecutive verifies prevLogID is either absent (replicating
// from the start of the log) or present in the local log, returning a
// RejectAppendEntries hint otherwise.
func (h FollowingHandler) EnsureLogConsecutive(prevLogID OptLogId) error {
	if !prevLogID.Valid {
		return nil
	}
	if h.eng.State.LogIDs.Has(prevLogID.Id) {
		return nil
	}
	return &RejectAppendEntries{
		Reason:        RejectByLog,
		ConflictLogID: h.eng.State.LastLogID(),
	}
}

// DoAppendEntries truncates any locally-held entries that conflict with
// the incoming suffix and appends the remainder, updating LogIds and
// MembershipState as it goes. It assumes EnsureLogConsecutive has already
// passed for this batch's prev_log_id.
func (h FollowingHandler) DoAppendEntries(entries []LogEntry) {
	st := h.eng.State
	// toAppend starts empty: it is only populated once a divergent entry
	// is found. Entries that already match the local log at the same
	// index and term are left untouched (replaying an identical batch is
	// a pure no-op).
	var toAppend []LogEntry
	last := st.LastLogID()
	for i, e := range entries {
		if st.LogIDs.Has(e.LogID) {
			continue
		}
		// First divergent entry: truncate local log from here on, then
		// append this entry and everything after it.
		if last.Valid && e.LogID.Index <= last.Id.Index {
			h.eng.Output.Push(TruncateLog{Since: e.LogID.Index})
		}
		st.LogIDs.TruncateSince(e.LogID.Index)
		st.MembershipState.Truncate(e.LogID.Index)
		toAppend = entries[i:]
		break
	}
	if len(toAppend) == 0 {
		return
	}
	for _, e := range toAppend {
		st.LogIDs.Append(e.LogID)
		if e.Kind == EntryMembership && e.Membership != nil {
			st.MembershipState.Append(NewEffectiveMembership(SomeLogId(e.LogID), e.Membership))
		}
	}
	st.Accepted = st.LastLogID()
	h.eng.Output.Push(AppendLog{Entries: toAppend})
}

// AppendEntries is the full follower-side append path: verify log
// consecutiveness, then append, returning the flush condition the caller
// must gate its Respond command on.
func (h FollowingHandler) AppendEntries(prevLogID OptLogId, entries []LogEntry) (*Condition, error) {
	if err := h.EnsureLogConsecutive(prevLogID); err != nil {
		return nil, err
	}
	h.DoAppendEntries(entries)
	last := h.eng.State.LastLogID()
	if !last.Valid {
		return nil, nil
	}
	return FlushedLogAt(last.Id), nil
}

// CommitEntries advances committed to min(leaderCommitted, last_log_id)
// and folds the new watermark into MembershipState.
func (h FollowingHandler) CommitEntries(leaderCommitted OptLogId) {
	st := h.eng.State
	newCommitted := leaderCommitted
	last := st.LastLogID()
	if last.Less(newCommitted) {
		newCommitted = last
	}
	if !st.Committed.Less(newCommitted) {
		return
	}
	prev := st.Committed
	st.Committed = newCommitted
	st.MembershipState.Commit(newCommitted)
	h.eng.Output.Push(Apply{Since: prev, Upto: newCommitted.Id})
	h.eng.ServerStateHandler().UpdateIfChanged()
}

// InstallFullSnapshot folds a complete snapshot into RaftState: if it is
// not newer than the current one it is a no-op, otherwise it advances
// committed, discards covered log entries, and adopts the snapshot's
// membership as committed truth. It returns the condition a Respond should
// be gated on, or nil if nothing changed (caller should still respond
// immediately in that case).
func (h FollowingHandler) InstallFullSnapshot(snapshot Snapshot) *Condition {
	st := h.eng.State
	updated := h.eng.SnapshotHandler().UpdateSnapshot(snapshot.Meta)
	if !updated {
		return nil
	}
	last := snapshot.Meta.LastLogID
	if st.Committed.Less(SomeLogId(last)) {
		st.Committed = SomeLogId(last)
	}
	st.LogIDs.PurgeUpto(last)
	if snapshot.Meta.Membership != nil {
		st.MembershipState.UpdateCommitted(snapshot.Meta.Membership)
	}
	h.eng.LogHandler().SchedulePolicyBasedPurge()
	h.eng.ServerStateHandler().UpdateIfChanged()
	return SnapshotInstalledAt(last)
}
