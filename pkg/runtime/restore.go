package runtime

import (
	"github.com/vzdtic/raftcore/pkg/raft"
	"github.com/vzdtic/raftcore/pkg/runtime/storage"
)

// RestoreState rebuilds a raft.RaftState from whatever storage.Store
// recovered from disk, the runtime-side counterpart to the teacher's own
// WAL.recover(): fold in the last stored snapshot, replay the persisted
// log entries into LogIdList and MembershipState, then fold in the last
// persisted vote. The caller restores the state machine itself from the
// same snapshot separately.
func RestoreState(store *storage.Store) *raft.RaftState {
	state := raft.NewRaftState()

	entries := store.EntriesSince(raft.NoLogId)

	if meta, _, ok, err := store.LoadSnapshot(); err == nil && ok {
		state.SnapshotMeta = meta
		state.Committed = raft.SomeLogId(meta.LastLogID)
		if meta.Membership != nil {
			state.MembershipState.UpdateCommitted(meta.Membership)
		}
		if len(entries) == 0 || entries[0].LogID.Index > meta.LastLogID.Index {
			// Everything up to the snapshot was purged; seed the purge
			// marker so prev_log_id lookups at the boundary still answer.
			state.LogIDs.Append(meta.LastLogID)
			state.PurgedNext = meta.LastLogID.Index + 1
		}
	}

	for _, e := range entries {
		state.LogIDs.Append(e.LogID)
		if e.Kind == raft.EntryMembership && e.Membership != nil {
			state.MembershipState.Append(raft.NewEffectiveMembership(raft.SomeLogId(e.LogID), e.Membership))
		}
	}
	state.Accepted = state.LastLogID()
	if state.Accepted.Less(state.Committed) {
		state.Accepted = state.Committed
	}

	vote := store.LoadVote()
	state.Vote = vote
	state.LastSeenVote = vote

	return state
}
