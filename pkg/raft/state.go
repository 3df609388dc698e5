package raft

import "time"

// ServerState is the externally-visible role of a node, derived each time
// the engine's membership or vote changes; Engine.Startup also assigns it
// directly when restoring state.
type ServerState int

const (
	Learner ServerState = iota
	Follower
	Candidate
	Leader
)

func (s ServerState) String() string {
	switch s {
	case Learner:
		return "Learner"
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// IOState tracks in-flight durability work the engine must not start twice
// concurrently.
type IOState struct {
	// BuildingSnapshot is true from the moment the engine asks the state
	// machine to build a new snapshot until FinishBuildingSnapshot is
	// called; a second request while one is in flight is a no-op.
	BuildingSnapshot bool
}

// RaftState is every piece of state the engine reasons about: votes, the
// shape of the local log, watermarks, the current snapshot, membership, and
// the derived server state. The runtime owns durability; RaftState is the
// in-memory mirror the engine computes against.
type RaftState struct {
	// Vote is this node's own current vote -- the term/candidate it has
	// persisted, whether via granting another's vote or via self-grant
	// as a candidate.
	Vote Vote
	// LastSeenVote is the highest vote observed from any source
	// (including ones this node did not grant), used to pick the next
	// term to run an election for.
	LastSeenVote Vote
	// VoteLastModified is when Vote was last overwritten by a grant;
	// the leader-lease check compares "now" against this plus the
	// configured lease duration.
	VoteLastModified time.Time

	// LogIDs summarizes the shape of the local log.
	LogIDs *LogIdList

	// Committed is the highest log id known to be replicated to a
	// quorum and thus safe to apply.
	Committed OptLogId
	// Accepted is the highest log id queued for local append,
	// independent of replication. It advances when the engine emits
	// AppendLog, before the runtime has flushed those entries.
	Accepted OptLogId
	// PurgeUpto is the highest log id the engine has scheduled for
	// purge; entries at or below it may be physically discarded once
	// applied.
	PurgeUpto OptLogId
	// PurgedNext is the index immediately after the highest index
	// actually purged so far.
	PurgedNext uint64

	// SnapshotMeta describes the most recently installed or built
	// snapshot, or the zero value if none exists yet.
	SnapshotMeta SnapshotMeta

	MembershipState *MembershipState

	ServerState ServerState
	IOState     IOState
}

// NewRaftState returns the state of a brand new node: no log, no vote, the
// default empty membership, role Learner (a node that is not in its own
// membership is never anything but a learner).
func NewRaftState() *RaftState {
	return &RaftState{
		LogIDs:          NewLogIdList(nil),
		MembershipState: NewMembershipState(),
		ServerState:     Learner,
	}
}

// LastLogID returns the greatest log id in the local log.
func (s *RaftState) LastLogID() OptLogId { return s.LogIDs.LastLogId() }

// IsLogUpToDate reports whether (term, lastLogID) is at least as
// up-to-date as this node's own log, the comparison RequestVote and
// elections both use.
func (s *RaftState) IsLogUpToDate(other OptLogId) bool {
	return s.LastLogID().LessEq(other)
}

// CalcServerState derives this node's ServerState from its membership and
// current vote: a voter holding the accepted leader vote for its own
// candidacy is Leader, a voter that is mid-election is Candidate, any other
// voter is Follower, and a non-voter is always Learner regardless of vote.
func (s *RaftState) CalcServerState(selfID string, isCandidate bool) ServerState {
	if !s.MembershipState.IsVoter(selfID) {
		return Learner
	}
	if s.Vote.Committed && s.Vote.NodeID == selfID {
		return Leader
	}
	if isCandidate {
		return Candidate
	}
	return Follower
}
