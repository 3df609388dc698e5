package raft

import "fmt"

// Vote identifies a candidacy: the term it was raised for, the node that
// holds it, and whether a quorum has granted it. A granted-by-quorum
// (committed) vote makes its holder the accepted leader for that term; an
// uncommitted vote is merely a candidacy in progress.
//
// Votes are ordered (Term, Committed, NodeID): a committed vote outranks an
// uncommitted vote of the same term, so a follower that has already
// recognized a leader never grants a competing candidate of the same term.
type Vote struct {
	Term      uint64
	NodeID    string
	Committed bool
}

// ZeroVote is the vote every node starts with before ever voting or
// observing a vote. Only a node holding ZeroVote may be `initialize`d.
var ZeroVote = Vote{}

func (v Vote) IsZero() bool { return v == ZeroVote }

// Less orders votes by (Term, Committed, NodeID).
func (v Vote) Less(o Vote) bool {
	if v.Term != o.Term {
		return v.Term < o.Term
	}
	if v.Committed != o.Committed {
		return !v.Committed && o.Committed
	}
	return v.NodeID < o.NodeID
}

func (v Vote) LessEq(o Vote) bool { return v == o || v.Less(o) }
func (v Vote) Greater(o Vote) bool { return o.Less(v) }

// Committing returns a copy of v with Committed set to true: the form a
// vote takes once a quorum has granted it.
func (v Vote) Committing() Vote {
	v.Committed = true
	return v
}

func (v Vote) String() string {
	c := ""
	if v.Committed {
		c = ",committed"
	}
	return fmt.Sprintf("{term:%d, node:%s%s}", v.Term, v.NodeID, c)
}

func maxVote(a, b Vote) Vote {
	if a.Less(b) {
		return b
	}
	return a
}
