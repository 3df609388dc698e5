package raft

// logRetentionEntries is how many log entries past the snapshot point the
// policy-based purge schedule keeps around, so a lagging follower can
// still be caught up by replication rather than a snapshot transfer.
const logRetentionEntries = 100

// LogHandler owns purge scheduling: it never decides to purge past what is
// both committed and covered by the current snapshot.
type LogHandler struct {
	eng *Engine
}

// SchedulePolicyBasedPurge recomputes purge_upto from the current snapshot
// and retention policy, without purging anything itself.
func (h LogHandler) SchedulePolicyBasedPurge() {
	st := h.eng.State
	snapIndex := st.SnapshotMeta.LastLogID.Index
	if snapIndex == 0 {
		return
	}
	target := snapIndex
	if target > logRetentionEntries {
		target -= logRetentionEntries
	} else {
		target = 0
	}
	if target == 0 {
		return
	}
	h.UpdatePurgeUpto(target)
}

// UpdatePurgeUpto advances purge_upto to `index`, capped by the snapshot's
// last log id and never regressed.
func (h LogHandler) UpdatePurgeUpto(index uint64) {
	st := h.eng.State
	if index > st.SnapshotMeta.LastLogID.Index {
		index = st.SnapshotMeta.LastLogID.Index
	}
	if index <= st.PurgeUpto.Index() {
		return
	}
	id, ok := st.LogIDs.LogIdAt(index)
	if !ok {
		return
	}
	st.PurgeUpto = SomeLogId(id)
}

// PurgeLog emits a PurgeLog command for everything at or below purge_upto
// and advances the log's local boundary tracking to match. It must only be
// called once the caller (Engine.tryPurgeLog) has confirmed it is safe with
// respect to in-flight replication.
func (h LogHandler) PurgeLog() {
	st := h.eng.State
	if !st.PurgeUpto.Valid || st.PurgeUpto.Index() < st.PurgedNext {
		return
	}
	upto := st.PurgeUpto.Id
	st.LogIDs.PurgeUpto(upto)
	st.PurgedNext = upto.Index + 1
	h.eng.Output.Push(PurgeLog{Upto: upto})
}

// SnapshotHandler reconciles RaftState.SnapshotMeta, which must advance
// monotonically by last log id.
type SnapshotHandler struct {
	eng *Engine
}

// UpdateSnapshot installs `meta` if it is strictly newer than the current
// snapshot, reporting whether it did.
func (h SnapshotHandler) UpdateSnapshot(meta SnapshotMeta) bool {
	st := h.eng.State
	if !st.SnapshotMeta.LastLogID.Less(meta.LastLogID) {
		return false
	}
	st.SnapshotMeta = meta
	return true
}
