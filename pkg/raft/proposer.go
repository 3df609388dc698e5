package raft

import "time"

// CandidateState exists only while this node is campaigning for a term: it
// tracks which voters (in every joint voter set) have granted their vote
// and the highest log id the candidate is running on. LastLogID is
// recorded only; no engine code reads it.
//
// CandidateState and LeaderState are deliberately two independent optional
// fields on Engine rather than one sum type: a node stepping down from
// leader while a newer term's election is still being resolved can -- for
// one event -- be observed in a state that is neither cleanly "candidate"
// nor "leader". Collapsing them into a single enum would force an invalid
// transition through a fabricated third state.
type CandidateState struct {
	Vote      Vote
	LastLogID OptLogId
	// Granted is one set of voter ids per joint voter set that have
	// granted this candidacy; the candidate is elected once every set
	// has a majority present.
	Granted   []map[string]struct{}
	CreatedAt time.Time
}

// NewCandidateState starts a fresh candidacy for `vote`, self-granted.
func NewCandidateState(vote Vote, lastLogID OptLogId, quorumSets []map[string]struct{}, createdAt time.Time) *CandidateState {
	granted := make([]map[string]struct{}, len(quorumSets))
	for i := range quorumSets {
		granted[i] = map[string]struct{}{}
	}
	c := &CandidateState{Vote: vote, LastLogID: lastLogID, Granted: granted, CreatedAt: createdAt}
	c.grant(vote.NodeID, quorumSets)
	return c
}

func (c *CandidateState) grant(id string, quorumSets []map[string]struct{}) {
	for i, set := range quorumSets {
		if _, ok := set[id]; ok {
			c.Granted[i][id] = struct{}{}
		}
	}
}

// Grant records a vote grant from `id` and reports whether every joint
// voter set now has a majority.
func (c *CandidateState) Grant(id string, quorumSets []map[string]struct{}) bool {
	c.grant(id, quorumSets)
	return c.IsElected(quorumSets)
}

// IsElected reports whether every joint voter set has granted a majority.
func (c *CandidateState) IsElected(quorumSets []map[string]struct{}) bool {
	if len(quorumSets) == 0 {
		return false
	}
	for i, set := range quorumSets {
		if len(set) == 0 {
			continue
		}
		if 2*len(c.Granted[i]) <= len(set) {
			return false
		}
	}
	return true
}

// ReplicationProgress is one follower's replication bookmark as tracked by
// the leader.
type ReplicationProgress struct {
	// Matching is the highest log id known to be durably replicated to
	// this follower, or NoLogId if never confirmed.
	Matching OptLogId
	// NextSend is the index of the next entry to send this follower;
	// it may run ahead of Matching while entries are in flight.
	NextSend uint64
	// LastAckAt is the last time this follower acknowledged any
	// AppendEntries. It is recorded only; neither the leader lease nor
	// any liveness check reads it.
	LastAckAt time.Time
}

// LeaderState exists only while this node holds a committed vote for its
// own candidacy: one ReplicationProgress per voter plus learner, and the
// quorum sets used to compute the commit watermark.
type LeaderState struct {
	Vote       Vote
	Progress   map[string]*ReplicationProgress
	quorumSets []map[string]struct{}
}

// NewLeaderState seeds replication progress for every member (voter or
// learner) of `membership`, all starting from "nothing confirmed".
func NewLeaderState(vote Vote, membership *Membership, lastLogIndex uint64) *LeaderState {
	ls := &LeaderState{
		Vote:       vote,
		Progress:   map[string]*ReplicationProgress{},
		quorumSets: membership.QuorumSets(),
	}
	for id := range membership.AllMemberIDs() {
		ls.Progress[id] = &ReplicationProgress{NextSend: lastLogIndex + 1}
	}
	return ls
}

// UpdateMatching records that `id` has durably replicated up to `logID`.
func (ls *LeaderState) UpdateMatching(id string, logID LogId, now time.Time) {
	p, ok := ls.Progress[id]
	if !ok {
		return
	}
	if p.Matching.Less(SomeLogId(logID)) {
		p.Matching = SomeLogId(logID)
	}
	p.NextSend = logID.Index + 1
	p.LastAckAt = now
}

// CalcCommitted computes the greatest log id replicated to a quorum of
// every joint voter set. Per Raft safety, committing is restricted by the
// caller to entries logged in the leader's own current term; CalcCommitted
// itself only performs the quorum-matching-index computation.
func (ls *LeaderState) CalcCommitted() OptLogId {
	if len(ls.quorumSets) == 0 {
		return NoLogId
	}
	var result OptLogId
	first := true
	for _, set := range ls.quorumSets {
		m := quorumMatchingIndex(ls.Progress, set)
		if first || m.Less(result) {
			if first {
				result = m
				first = false
			} else if m.Less(result) {
				result = m
			}
		}
	}
	return result
}

// quorumMatchingIndex returns the log id such that a majority of `voters`
// have matched at least that far: the classic sort-descending-take-median
// computation.
func quorumMatchingIndex(progress map[string]*ReplicationProgress, voters map[string]struct{}) OptLogId {
	if len(voters) == 0 {
		return NoLogId
	}
	matches := make([]OptLogId, 0, len(voters))
	for id := range voters {
		p, ok := progress[id]
		if !ok {
			matches = append(matches, NoLogId)
			continue
		}
		matches = append(matches, p.Matching)
	}
	// selection sort descending; voter counts are small.
	for i := 0; i < len(matches); i++ {
		max := i
		for j := i + 1; j < len(matches); j++ {
			if matches[max].Less(matches[j]) {
				max = j
			}
		}
		matches[i], matches[max] = matches[max], matches[i]
	}
	return matches[len(matches)/2]
}

// RebuildFor reseeds progress for a new membership (e.g. after a joint
// config change commits), preserving existing progress for members kept
// from before and defaulting new members to "nothing confirmed".
func (ls *LeaderState) RebuildFor(membership *Membership, lastLogIndex uint64) {
	next := map[string]*ReplicationProgress{}
	for id := range membership.AllMemberIDs() {
		if p, ok := ls.Progress[id]; ok {
			next[id] = p
		} else {
			next[id] = &ReplicationProgress{NextSend: lastLogIndex + 1}
		}
	}
	ls.Progress = next
	ls.quorumSets = membership.QuorumSets()
}
