package transport

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/vzdtic/raftcore/pkg/raft"
	"github.com/vzdtic/raftcore/pkg/runtime/cluster"
)

// rpcKind tags which of the three RPCs a wire frame carries.
type rpcKind byte

const (
	rpcVoteRequest rpcKind = iota + 1
	rpcAppendEntries
	rpcInstallSnapshot
)

type frame struct {
	Kind rpcKind
	Data []byte
}

// TCPTransport carries RPCs over plain TCP connections, one short-lived
// connection per call, gob-encoded. The teacher's pkg/grpc transport could
// not be reconstructed (its generated proto package is missing from the
// retrieved tree, see DESIGN.md); this follows gob instead, consistent
// with the encoding the teacher's own pkg/wal and pkg/kv already use.
type TCPTransport struct {
	dir     *cluster.Directory
	dialTO  time.Duration
	log     zerolog.Logger
	handler Handler

	listener net.Listener
}

// NewTCPTransport builds a transport that resolves peer addresses through
// dir.
func NewTCPTransport(dir *cluster.Directory, log zerolog.Logger) *TCPTransport {
	return &TCPTransport{dir: dir, dialTO: 2 * time.Second, log: log}
}

// Serve starts accepting connections on addr and dispatching RPCs to h. It
// blocks until the listener is closed.
func (t *TCPTransport) Serve(addr string, h Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	t.listener = ln
	t.handler = h
	t.log.Info().Str("addr", addr).Msg("transport listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go t.serveConn(conn)
	}
}

// Close stops accepting new connections.
func (t *TCPTransport) Close() error {
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

func (t *TCPTransport) serveConn(conn net.Conn) {
	defer conn.Close()

	var in frame
	if err := gob.NewDecoder(conn).Decode(&in); err != nil {
		t.log.Debug().Err(err).Msg("transport: decode request frame")
		return
	}

	ctx := context.Background()
	var out frame
	switch in.Kind {
	case rpcVoteRequest:
		var req raft.VoteRequest
		if err := decodePayload(in.Data, &req); err != nil {
			return
		}
		resp, err := t.handler.HandleVoteRequest(ctx, req)
		if err != nil {
			t.log.Warn().Err(err).Msg("transport: handle vote request")
			return
		}
		data, err := encodePayload(resp)
		if err != nil {
			return
		}
		out = frame{Kind: in.Kind, Data: data}
	case rpcAppendEntries:
		var req raft.AppendEntriesRequest
		if err := decodePayload(in.Data, &req); err != nil {
			return
		}
		resp, err := t.handler.HandleAppendEntries(ctx, req)
		if err != nil {
			t.log.Warn().Err(err).Msg("transport: handle append entries")
			return
		}
		data, err := encodePayload(resp)
		if err != nil {
			return
		}
		out = frame{Kind: in.Kind, Data: data}
	case rpcInstallSnapshot:
		var req raft.InstallSnapshotRequest
		if err := decodePayload(in.Data, &req); err != nil {
			return
		}
		resp, err := t.handler.HandleInstallSnapshot(ctx, req)
		if err != nil {
			t.log.Warn().Err(err).Msg("transport: handle install snapshot")
			return
		}
		data, err := encodePayload(resp)
		if err != nil {
			return
		}
		out = frame{Kind: in.Kind, Data: data}
	default:
		t.log.Warn().Int("kind", int(in.Kind)).Msg("transport: unknown RPC kind")
		return
	}

	if err := gob.NewEncoder(conn).Encode(out); err != nil {
		t.log.Debug().Err(err).Msg("transport: encode response frame")
	}
}

func (t *TCPTransport) call(ctx context.Context, target string, kind rpcKind, req any, resp any) error {
	addr, ok := t.dir.Resolve(target)
	if !ok {
		return &ErrNodeUnreachable{Target: target}
	}

	d := net.Dialer{Timeout: t.dialTO}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: dial %s (%s): %w", target, addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	data, err := encodePayload(req)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(conn).Encode(frame{Kind: kind, Data: data}); err != nil {
		return fmt.Errorf("transport: send to %s: %w", target, err)
	}

	var out frame
	if err := gob.NewDecoder(conn).Decode(&out); err != nil {
		return fmt.Errorf("transport: receive from %s: %w", target, err)
	}
	return decodePayload(out.Data, resp)
}

func (t *TCPTransport) SendVoteRequest(ctx context.Context, target string, req raft.VoteRequest) (raft.VoteResponse, error) {
	var resp raft.VoteResponse
	err := t.call(ctx, target, rpcVoteRequest, req, &resp)
	return resp, err
}

func (t *TCPTransport) SendAppendEntries(ctx context.Context, target string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	var resp raft.AppendEntriesResponse
	err := t.call(ctx, target, rpcAppendEntries, req, &resp)
	return resp, err
}

func (t *TCPTransport) SendInstallSnapshot(ctx context.Context, target string, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	var resp raft.InstallSnapshotResponse
	err := t.call(ctx, target, rpcInstallSnapshot, req, &resp)
	return resp, err
}
