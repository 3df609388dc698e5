package raft

import "fmt"

// Membership describes the cluster config in effect: one or two joint
// voter sets (two during a joint-consensus transition), the learners, and
// the node_id -> endpoint directory used to reach every known node.
type Membership struct {
	// Voters holds one set for a stable config, two overlapping sets
	// while a joint-consensus membership change is in flight.
	Voters []map[string]struct{}
	// Learners receive log replication but never vote or count toward
	// quorum.
	Learners map[string]struct{}
	// Nodes maps every known node id (voter or learner) to its endpoint.
	Nodes map[string]string
}

// NewMembership builds a stable (non-joint) membership from a single voter
// set.
func NewMembership(voters map[string]struct{}, learners map[string]struct{}, nodes map[string]string) *Membership {
	if learners == nil {
		learners = map[string]struct{}{}
	}
	if nodes == nil {
		nodes = map[string]string{}
	}
	return &Membership{
		Voters:   []map[string]struct{}{voters},
		Learners: learners,
		Nodes:    nodes,
	}
}

// IsJoint reports whether this config is a joint-consensus transition, i.e.
// carries two voter sets.
func (m *Membership) IsJoint() bool { return len(m.Voters) == 2 }

// IsVoter reports whether id votes in every joint voter set -- the
// definition used throughout the engine, since during a joint transition a
// decision must be safe under both the old and the new config.
func (m *Membership) IsVoter(id string) bool {
	if len(m.Voters) == 0 {
		return false
	}
	for _, set := range m.Voters {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// QuorumSets returns a copy of the voter sets, one per joint config, for
// use by CandidateState/LeaderState quorum accounting.
func (m *Membership) QuorumSets() []map[string]struct{} {
	sets := make([]map[string]struct{}, len(m.Voters))
	for i, s := range m.Voters {
		cp := make(map[string]struct{}, len(s))
		for k := range s {
			cp[k] = struct{}{}
		}
		sets[i] = cp
	}
	return sets
}

// AllVoterIDs returns the union of every joint voter set.
func (m *Membership) AllVoterIDs() map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range m.Voters {
		for id := range s {
			out[id] = struct{}{}
		}
	}
	return out
}

// AllMemberIDs returns every voter (any joint set) plus every learner.
func (m *Membership) AllMemberIDs() map[string]struct{} {
	out := m.AllVoterIDs()
	for id := range m.Learners {
		out[id] = struct{}{}
	}
	return out
}

// Endpoint returns the address of a known node, or "" if unknown.
func (m *Membership) Endpoint(id string) string {
	return m.Nodes[id]
}

func (m *Membership) String() string {
	return fmt.Sprintf("{voters:%v, learners:%d}", m.Voters, len(m.Learners))
}

// EffectiveMembership pairs a Membership with the log id of the log entry
// that introduced it. A membership with no log id (LogId absent) is the
// bootstrap default, in effect before any membership has ever been
// appended.
type EffectiveMembership struct {
	LogID      OptLogId
	Membership *Membership
}

// NewEffectiveMembership pairs membership `m` with the log id `logID` of
// the entry that carried it (NoLogId if none).
func NewEffectiveMembership(logID OptLogId, m *Membership) *EffectiveMembership {
	return &EffectiveMembership{LogID: logID, Membership: m}
}

func defaultEffectiveMembership() *EffectiveMembership {
	return &EffectiveMembership{
		LogID:      NoLogId,
		Membership: NewMembership(map[string]struct{}{}, nil, nil),
	}
}

func (e *EffectiveMembership) IsVoter(id string) bool { return e.Membership.IsVoter(id) }

func (e *EffectiveMembership) String() string {
	return fmt.Sprintf("{log_id:%s, membership:%s}", e.LogID, e.Membership)
}

// MembershipState holds at most two membership configs: the last committed
// one and the effective (latest appended, possibly uncommitted) one.
//
// Invariants:
//   - committed.LogID <= effective.LogID
//   - at most one uncommitted membership entry exists at a time: once
//     effective.LogID > committed.LogID, Append must not be called again
//     until Commit catches committed up to effective.
type MembershipState struct {
	committed *EffectiveMembership
	effective *EffectiveMembership
}

func NewMembershipState() *MembershipState {
	def := defaultEffectiveMembership()
	return &MembershipState{committed: def, effective: def}
}

func (s *MembershipState) Committed() *EffectiveMembership { return s.committed }
func (s *MembershipState) Effective() *EffectiveMembership { return s.effective }

func (s *MembershipState) IsVoter(id string) bool { return s.effective.IsVoter(id) }

// Append installs `m` as the new effective membership. The previous
// effective becomes committed: Raft allows proposing a new membership only
// after the previous one has committed, so at the moment a new one is
// appended the old effective is, by construction, the committed one.
func (s *MembershipState) Append(m *EffectiveMembership) {
	s.committed = s.effective
	s.effective = m
}

// Commit advances `committed` to `effective` once `committedLogID` covers
// the effective membership's log id.
func (s *MembershipState) Commit(committedLogID OptLogId) {
	if !committedLogID.Less(s.effective.LogID) {
		s.committed = s.effective
	}
}

// UpdateCommitted reconciles an externally-learned committed membership
// (e.g. from InstallSnapshot) against local state, keeping the greater of
// the two for both committed and effective. Returns the new effective
// membership if it changed, or nil if not.
func (s *MembershipState) UpdateCommitted(c *EffectiveMembership) *EffectiveMembership {
	var changed *EffectiveMembership

	if c.LogID.Index() >= s.effective.LogID.Index() {
		if s.effective.Membership != c.Membership {
			changed = c
		}
		s.effective = c
	}
	if s.committed.LogID.Less(c.LogID) {
		s.committed = c
	}
	return changed
}

// Truncate reverts `effective` back to `committed` when the log is
// truncated at or before the effective membership's log id -- i.e. the
// entry that introduced it was itself discarded as a conflicting suffix.
// Returns the reverted membership if a change occurred.
func (s *MembershipState) Truncate(since uint64) *EffectiveMembership {
	if s.effective.LogID.Valid && since <= s.effective.LogID.Id.Index {
		s.effective = s.committed
		return s.effective
	}
	return nil
}
