package raft

import "fmt"

// LogId identifies a single log entry by the term in which it was proposed
// and its position in the log. Index 0 is the sentinel "empty log" id: a
// node that has appended nothing at all reports LogId{} as its last log id.
type LogId struct {
	Term     uint64
	Index    uint64
	LeaderID string
}

// Less orders LogId lexicographically by (Term, Index), matching the Raft
// up-to-date comparison used for elections and log matching.
func (a LogId) Less(b LogId) bool {
	if a.Term != b.Term {
		return a.Term < b.Term
	}
	return a.Index < b.Index
}

// Compare returns -1, 0 or 1 comparing a to b by (Term, Index).
func (a LogId) Compare(b LogId) int {
	switch {
	case a.Term != b.Term:
		if a.Term < b.Term {
			return -1
		}
		return 1
	case a.Index != b.Index:
		if a.Index < b.Index {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (a LogId) String() string {
	return fmt.Sprintf("(%d,%d)", a.Term, a.Index)
}

// OptLogId is a LogId that may be absent (Rust's Option<LogId>). The zero
// value represents "no log id", distinct from LogId{} which is the sentinel
// log id at index 0 and term 0 -- the two are not interchangeable: an empty
// log has no last log id at all, while the sentinel denotes "before index 1".
type OptLogId struct {
	Valid bool
	Id    LogId
}

func SomeLogId(id LogId) OptLogId { return OptLogId{Valid: true, Id: id} }

var NoLogId = OptLogId{}

// Less compares two optional log ids treating "absent" as smaller than any
// present value, mirroring Rust's derived Ord for Option<T>.
func (a OptLogId) Less(b OptLogId) bool {
	if !a.Valid {
		return b.Valid
	}
	if !b.Valid {
		return false
	}
	return a.Id.Less(b.Id)
}

func (a OptLogId) LessEq(b OptLogId) bool {
	return !b.Less(a)
}

func (a OptLogId) Equal(b OptLogId) bool {
	return a.Valid == b.Valid && (!a.Valid || a.Id == b.Id)
}

// Index returns the index of the contained log id, or 0 if absent. Used for
// "next_index" style computations where "absent" behaves like the sentinel.
func (a OptLogId) Index() uint64 {
	if !a.Valid {
		return 0
	}
	return a.Id.Index
}

// NextIndex returns the index immediately following this log id, i.e. the
// index the next appended entry would occupy.
func (a OptLogId) NextIndex() uint64 {
	if !a.Valid {
		return 0
	}
	return a.Id.Index + 1
}

func (a OptLogId) String() string {
	if !a.Valid {
		return "None"
	}
	return a.Id.String()
}

// logIdBoundary records the log id of the first entry of a contiguous term
// run. LogIdList stores one boundary per term transition plus the last
// appended log id, answering "what term covers index i" with a linear scan
// over the term boundaries rather than over every entry.
type logIdBoundary struct {
	first LogId
}

// LogIdList is a compact summary of the (term, index) shape of a node's log:
// the first log id of every term ever appended, plus the greatest log id
// appended so far. It never holds entry payloads.
//
// It answers two questions cheaply:
//   - Has(id): is there a log entry at id.Index with term id.Term?
//   - PrevLogId(index): what log id immediately precedes index?
type LogIdList struct {
	// boundaries is ordered by increasing index; boundaries[0] is the
	// earliest known log id (may be a purge marker with index > 0).
	boundaries []LogId
	last       OptLogId
}

// NewLogIdList builds a LogIdList from a full, ordered slice of log ids
// (used at startup when reconstructing from durable storage).
func NewLogIdList(ids []LogId) *LogIdList {
	l := &LogIdList{}
	for _, id := range ids {
		l.Append(id)
	}
	return l
}

// Append records that `id` is now the last entry of the log. It collapses
// consecutive entries of the same term into a single boundary.
func (l *LogIdList) Append(id LogId) {
	if len(l.boundaries) == 0 || l.boundaries[len(l.boundaries)-1].Term != id.Term {
		l.boundaries = append(l.boundaries, id)
	}
	l.last = SomeLogId(id)
}

// LastLogId returns the greatest log id known, or NoLogId if the log is empty.
func (l *LogIdList) LastLogId() OptLogId {
	return l.last
}

// Has reports whether the log has an entry at id.Index whose term is id.Term.
func (l *LogIdList) Has(id LogId) bool {
	got, ok := l.LogIdAt(id.Index)
	return ok && got.Term == id.Term
}

// LogIdAt returns the log id at the given index, if known.
func (l *LogIdList) LogIdAt(index uint64) (LogId, bool) {
	if !l.last.Valid || index > l.last.Id.Index || index == 0 {
		if index == 0 {
			return LogId{}, true
		}
		return LogId{}, false
	}
	// Find the last boundary whose index <= index.
	term := l.boundaries[0].Term
	for _, b := range l.boundaries {
		if b.Index > index {
			break
		}
		term = b.Term
	}
	if len(l.boundaries) > 0 && index < l.boundaries[0].Index {
		return LogId{}, false
	}
	return LogId{Term: term, Index: index}, true
}

// PrevLogId returns the log id immediately preceding `index`, i.e. the log
// id at index-1, or NoLogId if index is 0 or index-1 is not known. For
// index 1 it returns the zero log id (0,0), which LogIdAt reports for
// index 0.
func (l *LogIdList) PrevLogId(index uint64) OptLogId {
	if index == 0 {
		return NoLogId
	}
	id, ok := l.LogIdAt(index - 1)
	if !ok {
		return NoLogId
	}
	return SomeLogId(id)
}

// TruncateSince drops all boundaries at or after `since`, resetting last to
// the entry immediately before it. Used by the follower when reconciling a
// conflicting suffix against a leader's AppendEntries.
func (l *LogIdList) TruncateSince(since uint64) {
	kept := l.boundaries[:0:0]
	for _, b := range l.boundaries {
		if b.Index >= since {
			break
		}
		kept = append(kept, b)
	}
	l.boundaries = kept
	l.last = l.PrevLogId(since)
}

// PurgeUpto drops boundary information at or before `id`, keeping a single
// marker boundary at id so PrevLogId/Has remain correct above the purge
// point. It never touches `last`.
func (l *LogIdList) PurgeUpto(id LogId) {
	kept := []LogId{id}
	for _, b := range l.boundaries {
		if b.Index > id.Index {
			kept = append(kept, b)
		}
	}
	l.boundaries = kept
}
