// Package storage is the durable collaborator for the engine's SaveVote,
// AppendLog, PurgeLog and TruncateLog commands: a CRC32-framed,
// overwrite-on-write log file plus a small separate vote file.
package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/vzdtic/raftcore/pkg/raft"
)

const (
	logFileName      = "raft.log"
	voteFileName     = "raft.vote"
	snapshotFileName = "raft.snapshot"

	recordHeaderSize = 8 // 4 bytes CRC + 4 bytes length
)

// Store persists a node's log entries and current vote to disk. It is the
// runtime-side home for state that the pure engine only ever holds in
// memory (raft.RaftState.LogIDs, raft.RaftState.Vote).
type Store struct {
	mu  sync.RWMutex
	dir string

	logFile  *os.File
	voteFile *os.File

	entries []raft.LogEntry
	vote    raft.Vote
}

// Open opens (creating if necessary) the on-disk log and vote files under
// dir, replaying whatever was last persisted.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}

	s := &Store{dir: dir}

	logPath := filepath.Join(dir, logFileName)
	logFile, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open log file: %w", err)
	}
	s.logFile = logFile
	if err := s.readLog(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("storage: recover log: %w", err)
	}

	votePath := filepath.Join(dir, voteFileName)
	voteFile, err := os.OpenFile(votePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open vote file: %w", err)
	}
	s.voteFile = voteFile
	if err := s.readVote(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("storage: recover vote: %w", err)
	}

	return s, nil
}

func readFramed(f *os.File, out any) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return err
	}
	crc := binary.LittleEndian.Uint32(header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	data := make([]byte, length)
	if _, err := io.ReadFull(f, data); err != nil {
		return err
	}
	if crc32.ChecksumIEEE(data) != crc {
		return fmt.Errorf("storage: CRC mismatch")
	}
	dec := gob.NewDecoder(bytes.NewReader(data))
	return dec.Decode(out)
}

func writeFramed(f *os.File, in any) error {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(in); err != nil {
		return fmt.Errorf("storage: encode: %w", err)
	}
	data := buf.Bytes()
	crc := crc32.ChecksumIEEE(data)

	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], crc)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Write(header); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) readLog() error {
	var entries []raft.LogEntry
	if err := readFramed(s.logFile, &entries); err != nil {
		return err
	}
	s.entries = entries
	return nil
}

func (s *Store) readVote() error {
	var v raft.Vote
	if err := readFramed(s.voteFile, &v); err != nil {
		return err
	}
	s.vote = v
	return nil
}

// SaveVote durably persists v as the last-written vote, last-writer-wins.
func (s *Store) SaveVote(v raft.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vote = v
	return writeFramed(s.voteFile, &s.vote)
}

// LoadVote returns the last persisted vote, or the zero Vote if none was
// ever saved.
func (s *Store) LoadVote() raft.Vote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vote
}

// AppendLog durably appends entries to the log.
func (s *Store) AppendLog(entries []raft.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return writeFramed(s.logFile, &s.entries)
}

// TruncateSince drops every entry with index >= since, mirroring the
// engine's own LogIdList.TruncateSince.
func (s *Store) TruncateSince(since uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0:0]
	for _, e := range s.entries {
		if e.LogID.Index < since {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return writeFramed(s.logFile, &s.entries)
}

// PurgeUpto drops every entry with index <= upto.Index, used after a
// snapshot has made those entries redundant.
func (s *Store) PurgeUpto(upto raft.LogId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0:0]
	for _, e := range s.entries {
		if e.LogID.Index > upto.Index {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return writeFramed(s.logFile, &s.entries)
}

// EntriesSince returns every stored entry with index > since.Index (or the
// whole log if since is absent).
func (s *Store) EntriesSince(since raft.OptLogId) []raft.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []raft.LogEntry
	for _, e := range s.entries {
		if !since.Valid || e.LogID.Index > since.Id.Index {
			out = append(out, e)
		}
	}
	return out
}

// EntryAt returns the entry at the given index, if present.
func (s *Store) EntryAt(index uint64) (raft.LogEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.LogID.Index == index {
			return e, true
		}
	}
	return raft.LogEntry{}, false
}

// LastLogID returns the LogId of the last stored entry, or NoLogId if the
// log is empty.
func (s *Store) LastLogID() raft.OptLogId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return raft.NoLogId
	}
	return raft.SomeLogId(s.entries[len(s.entries)-1].LogID)
}

// Size returns the number of entries currently held.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// snapshotRecord is the on-disk shape of the one stored snapshot.
type snapshotRecord struct {
	Meta raft.SnapshotMeta
	Data []byte
}

// SaveSnapshot atomically replaces the stored snapshot with (meta, data):
// the record is written to a temp file in the same directory and renamed
// into place, so a crash mid-write leaves the previous snapshot intact.
func (s *Store) SaveSnapshot(meta raft.SnapshotMeta, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, snapshotFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeFramed(tmp, &snapshotRecord{Meta: meta, Data: data}); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, snapshotFileName))
}

// LoadSnapshot returns the stored snapshot, reporting false if none has
// ever been saved.
func (s *Store) LoadSnapshot() (raft.SnapshotMeta, []byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(filepath.Join(s.dir, snapshotFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return raft.SnapshotMeta{}, nil, false, nil
		}
		return raft.SnapshotMeta{}, nil, false, fmt.Errorf("storage: open snapshot: %w", err)
	}
	defer f.Close()

	var rec snapshotRecord
	if err := readFramed(f, &rec); err != nil {
		return raft.SnapshotMeta{}, nil, false, fmt.Errorf("storage: read snapshot: %w", err)
	}
	return rec.Meta, rec.Data, true, nil
}

// Close closes both underlying files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.logFile.Close(); err != nil {
		return err
	}
	return s.voteFile.Close()
}
