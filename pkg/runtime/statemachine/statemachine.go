// Package statemachine is the application state machine the runtime
// applies committed log entries against: an in-memory key/value map plus a
// per-client dedup table, so the engine's Apply command can be executed
// idempotently even if the runtime redelivers the same committed range.
package statemachine

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/google/uuid"
)

// CommandKind distinguishes the two write operations the store accepts.
type CommandKind int

const (
	CommandSet CommandKind = iota
	CommandDelete
)

// Command is the payload a runtime encodes into raft.LogEntry.Payload for
// normal entries, and decodes back out when applying them.
type Command struct {
	Kind      CommandKind
	Key       string
	Value     []byte
	ClientID  string
	RequestID uint64
}

// EncodeCommand gob-encodes cmd for storage in a log entry payload.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeCommand reverses EncodeCommand.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cmd)
	return cmd, err
}

// ClientSession tracks the last request id a client submitted and the
// response it got, so a retried request (same ClientID, RequestID <= last)
// replays the cached response instead of being applied twice.
type ClientSession struct {
	LastRequestID uint64
	Response      any
}

// NewClientID returns a fresh random client id for a newly-connected
// client session, grounded on the teacher's use of uuid for request/session
// identity elsewhere in the stack.
func NewClientID() string { return uuid.NewString() }

// Store is the in-memory application state machine.
type Store struct {
	mu       sync.RWMutex
	data     map[string][]byte
	sessions map[string]*ClientSession
}

// New creates an empty store.
func New() *Store {
	return &Store{
		data:     make(map[string][]byte),
		sessions: make(map[string]*ClientSession),
	}
}

// Apply decodes and applies one committed entry's payload, returning the
// (possibly cached) response.
func (s *Store) Apply(payload []byte) (any, error) {
	cmd, err := DecodeCommand(payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[cmd.ClientID]; ok && cmd.ClientID != "" {
		if session.LastRequestID >= cmd.RequestID {
			return session.Response, nil
		}
	}

	var response any
	switch cmd.Kind {
	case CommandSet:
		s.data[cmd.Key] = cmd.Value
		response = true
	case CommandDelete:
		delete(s.data, cmd.Key)
		response = true
	}

	if cmd.ClientID != "" {
		s.sessions[cmd.ClientID] = &ClientSession{
			LastRequestID: cmd.RequestID,
			Response:      response,
		}
	}
	return response, nil
}

// Get retrieves a value by key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Size returns the number of keys currently stored.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

type snapshotState struct {
	Data     map[string][]byte
	Sessions map[string]*ClientSession
}

// Snapshot serializes the full state machine, for the engine's BuildSnapshot
// command.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := snapshotState{Data: s.data, Sessions: s.sessions}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore replaces the state machine's contents with a previously captured
// Snapshot, for the engine's InstallSnapshot command.
func (s *Store) Restore(data []byte) error {
	var state snapshotState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.Data == nil {
		state.Data = make(map[string][]byte)
	}
	if state.Sessions == nil {
		state.Sessions = make(map[string]*ClientSession)
	}
	s.data = state.Data
	s.sessions = state.Sessions
	return nil
}
