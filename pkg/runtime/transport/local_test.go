package transport

import (
	"context"
	"testing"

	"github.com/vzdtic/raftcore/pkg/raft"
)

// stubHandler replies with whatever is configured and does not record the
// requests it receives, the same role the teacher's own
// pkg/rpc_test stub handler played against LocalTransport.
type stubHandler struct {
	voteResp raft.VoteResponse
}

func (h *stubHandler) HandleVoteRequest(ctx context.Context, req raft.VoteRequest) (raft.VoteResponse, error) {
	return h.voteResp, nil
}

func (h *stubHandler) HandleAppendEntries(ctx context.Context, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	return raft.AppendEntriesResponse{Success: true}, nil
}

func (h *stubHandler) HandleInstallSnapshot(ctx context.Context, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	return raft.InstallSnapshotResponse{}, nil
}

func TestLocalTransportRoutesToRegisteredHandler(t *testing.T) {
	self := NewLocalTransport("1")
	h := &stubHandler{voteResp: raft.VoteResponse{Granted: true, Vote: raft.Vote{Term: 2, NodeID: "2"}}}
	self.Register("2", h)

	resp, err := self.SendVoteRequest(context.Background(), "2", raft.VoteRequest{})
	if err != nil {
		t.Fatalf("SendVoteRequest: %v", err)
	}
	if !resp.Granted {
		t.Errorf("expected the stub's granted response to come through")
	}
}

func TestLocalTransportUnknownTargetUnreachable(t *testing.T) {
	self := NewLocalTransport("1")
	_, err := self.SendVoteRequest(context.Background(), "ghost", raft.VoteRequest{})
	if _, ok := err.(*ErrNodeUnreachable); !ok {
		t.Fatalf("expected ErrNodeUnreachable, got %v", err)
	}
}

func TestPartitionAndHeal(t *testing.T) {
	self := NewLocalTransport("1")
	self.Register("2", &stubHandler{})
	self.Partition()

	if _, err := self.SendAppendEntries(context.Background(), "2", raft.AppendEntriesRequest{}); err == nil {
		t.Fatalf("expected send to fail while partitioned")
	}

	self.Heal()
	if _, err := self.SendAppendEntries(context.Background(), "2", raft.AppendEntriesRequest{}); err != nil {
		t.Fatalf("expected send to succeed after healing, got %v", err)
	}
}

func TestDisconnectIsOneDirectional(t *testing.T) {
	self := NewLocalTransport("1")
	self.Register("2", &stubHandler{})
	self.Disconnect("2")

	if _, err := self.SendAppendEntries(context.Background(), "2", raft.AppendEntriesRequest{}); err == nil {
		t.Fatalf("expected send to 2 to fail after Disconnect")
	}

	other := NewLocalTransport("2")
	other.Register("1", &stubHandler{})
	if _, err := other.SendAppendEntries(context.Background(), "1", raft.AppendEntriesRequest{}); err != nil {
		t.Fatalf("expected send from 2 to 1 to still succeed, got %v", err)
	}

	self.Connect("2")
	if _, err := self.SendAppendEntries(context.Background(), "2", raft.AppendEntriesRequest{}); err != nil {
		t.Fatalf("expected send to succeed after Connect, got %v", err)
	}
}
