package storage

import (
	"testing"

	"github.com/vzdtic/raftcore/pkg/raft"
)

func TestOpenEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Size() != 0 {
		t.Errorf("expected empty store, got %d entries", s.Size())
	}
	if !s.LoadVote().IsZero() {
		t.Errorf("expected zero vote on a fresh store")
	}
}

func TestAppendAndEntriesSince(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	entries := []raft.LogEntry{
		{LogID: raft.LogId{Term: 1, Index: 1}, Payload: []byte("a")},
		{LogID: raft.LogId{Term: 1, Index: 2}, Payload: []byte("b")},
		{LogID: raft.LogId{Term: 2, Index: 3}, Payload: []byte("c")},
	}
	if err := s.AppendLog(entries); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	if s.Size() != 3 {
		t.Fatalf("expected 3 entries, got %d", s.Size())
	}

	since := s.EntriesSince(raft.SomeLogId(raft.LogId{Term: 1, Index: 1}))
	if len(since) != 2 || since[0].LogID.Index != 2 {
		t.Fatalf("expected entries after index 1, got %+v", since)
	}

	last := s.LastLogID()
	if !last.Valid || last.Id != (raft.LogId{Term: 2, Index: 3}) {
		t.Fatalf("expected last log id (2,3), got %v", last)
	}
}

func TestTruncateSince(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	entries := []raft.LogEntry{
		{LogID: raft.LogId{Term: 1, Index: 1}},
		{LogID: raft.LogId{Term: 1, Index: 2}},
		{LogID: raft.LogId{Term: 1, Index: 3}},
	}
	if err := s.AppendLog(entries); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	if err := s.TruncateSince(2); err != nil {
		t.Fatalf("TruncateSince: %v", err)
	}
	if s.Size() != 1 {
		t.Fatalf("expected 1 entry remaining, got %d", s.Size())
	}
	if _, ok := s.EntryAt(2); ok {
		t.Fatalf("expected index 2 to be truncated")
	}
}

func TestPurgeUpto(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	entries := []raft.LogEntry{
		{LogID: raft.LogId{Term: 1, Index: 1}},
		{LogID: raft.LogId{Term: 1, Index: 2}},
		{LogID: raft.LogId{Term: 1, Index: 3}},
	}
	if err := s.AppendLog(entries); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	if err := s.PurgeUpto(raft.LogId{Term: 1, Index: 2}); err != nil {
		t.Fatalf("PurgeUpto: %v", err)
	}
	if s.Size() != 1 {
		t.Fatalf("expected 1 entry remaining after purge, got %d", s.Size())
	}
	if _, ok := s.EntryAt(1); ok {
		t.Fatalf("expected purged index 1 to be gone")
	}
	if _, ok := s.EntryAt(3); !ok {
		t.Fatalf("expected index 3 to survive the purge")
	}
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, _, ok, err := s.LoadSnapshot(); err != nil || ok {
		t.Fatalf("expected no snapshot on a fresh store, ok=%v err=%v", ok, err)
	}

	meta := raft.SnapshotMeta{
		LastLogID:  raft.LogId{Term: 3, Index: 42},
		SnapshotID: "snap-1",
	}
	if err := s.SaveSnapshot(meta, []byte("payload")); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	// Overwrite: the newer snapshot replaces the older one wholesale.
	meta2 := raft.SnapshotMeta{
		LastLogID:  raft.LogId{Term: 4, Index: 90},
		SnapshotID: "snap-2",
	}
	if err := s.SaveSnapshot(meta2, []byte("payload-2")); err != nil {
		t.Fatalf("SaveSnapshot (replace): %v", err)
	}

	got, data, ok, err := s.LoadSnapshot()
	if err != nil || !ok {
		t.Fatalf("LoadSnapshot: ok=%v err=%v", ok, err)
	}
	if got.LastLogID != meta2.LastLogID || got.SnapshotID != "snap-2" {
		t.Errorf("expected the replacing snapshot's meta, got %+v", got)
	}
	if string(data) != "payload-2" {
		t.Errorf("expected the replacing snapshot's data, got %q", data)
	}
}

func TestSaveVoteAndReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	vote := raft.Vote{Term: 4, NodeID: "node-1", Committed: true}
	if err := s.SaveVote(vote); err != nil {
		t.Fatalf("SaveVote: %v", err)
	}
	entries := []raft.LogEntry{{LogID: raft.LogId{Term: 4, Index: 1}}}
	if err := s.AppendLog(entries); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.LoadVote() != vote {
		t.Errorf("expected vote %v to survive reopen, got %v", vote, reopened.LoadVote())
	}
	if reopened.Size() != 1 {
		t.Errorf("expected 1 entry to survive reopen, got %d", reopened.Size())
	}
}
