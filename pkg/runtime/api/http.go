// Package api is the client-facing HTTP front end, adapted from the
// teacher's pkg/api/http.go: GET/PUT/DELETE on /kv/{key} plus a status
// endpoint, staying on net/http with no router dependency, exactly as the
// teacher did.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vzdtic/raftcore/pkg/raft"
	"github.com/vzdtic/raftcore/pkg/runtime"
	"github.com/vzdtic/raftcore/pkg/runtime/statemachine"
)

// Handler is the HTTP front end for one node.
type Handler struct {
	rt  *runtime.Runtime
	mux *http.ServeMux
}

// New builds a Handler bound to rt.
func New(rt *runtime.Runtime) *Handler {
	h := &Handler{rt: rt, mux: http.NewServeMux()}
	h.mux.HandleFunc("/kv/", h.handleKV)
	h.mux.HandleFunc("/status", h.handleStatus)
	h.mux.HandleFunc("/cluster/members", h.handleMembers)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, ok := h.rt.StateMachine().Get(key)
		if !ok {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"value": string(value)})

	case http.MethodPut, http.MethodPost:
		if !h.rt.IsLeader() {
			h.respondNotLeader(w)
			return
		}
		var req struct {
			Value     string `json:"value"`
			ClientID  string `json:"client_id"`
			RequestID uint64 `json:"request_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.ClientID == "" {
			req.ClientID = uuid.NewString()
		}
		payload, err := statemachine.EncodeCommand(statemachine.Command{
			Kind: statemachine.CommandSet, Key: key, Value: []byte(req.Value),
			ClientID: req.ClientID, RequestID: req.RequestID,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if _, err := h.rt.SubmitNormal(payload); err != nil {
			h.respondNotLeader(w)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})

	case http.MethodDelete:
		if !h.rt.IsLeader() {
			h.respondNotLeader(w)
			return
		}
		payload, err := statemachine.EncodeCommand(statemachine.Command{
			Kind: statemachine.CommandDelete, Key: key,
			ClientID: uuid.NewString(),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if _, err := h.rt.SubmitNormal(payload); err != nil {
			h.respondNotLeader(w)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) respondNotLeader(w http.ResponseWriter) {
	leaderID, endpoint := h.rt.LeaderHint()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]string{
		"error":           "not leader",
		"leader_id":       leaderID,
		"leader_endpoint": endpoint,
	})
}

// memberChangeRequest is the body POST /cluster/members accepts: add a
// voter/learner or remove an existing member. Joint-consensus two-phase
// reconfiguration is a capability of raft.Membership (Voters can hold two
// sets) that this single-step operator endpoint does not exercise; it
// always proposes a stable (non-joint) membership, one member at a time,
// which is safe under Raft's single-server-change rule.
type memberChangeRequest struct {
	Op      string `json:"op"` // "add" or "remove"
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
	Voter   bool   `json:"voter"`
}

func (h *Handler) handleMembers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		m := h.rt.EffectiveMembership()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"voters":   m.AllVoterIDs(),
			"learners": m.Learners,
			"nodes":    m.Nodes,
		})
		return
	case http.MethodPost:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.rt.IsLeader() {
		h.respondNotLeader(w)
		return
	}

	var req memberChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.NodeID == "" {
		http.Error(w, "node_id required", http.StatusBadRequest)
		return
	}

	current := h.rt.EffectiveMembership()
	voters := map[string]struct{}{}
	for id := range current.AllVoterIDs() {
		voters[id] = struct{}{}
	}
	learners := map[string]struct{}{}
	for id := range current.Learners {
		learners[id] = struct{}{}
	}
	nodes := map[string]string{}
	for id, addr := range current.Nodes {
		nodes[id] = addr
	}

	switch req.Op {
	case "add":
		if req.Address == "" {
			http.Error(w, "address required to add a member", http.StatusBadRequest)
			return
		}
		nodes[req.NodeID] = req.Address
		if req.Voter {
			voters[req.NodeID] = struct{}{}
			delete(learners, req.NodeID)
		} else {
			learners[req.NodeID] = struct{}{}
		}
	case "remove":
		delete(voters, req.NodeID)
		delete(learners, req.NodeID)
		delete(nodes, req.NodeID)
	default:
		http.Error(w, `op must be "add" or "remove"`, http.StatusBadRequest)
		return
	}

	next := raft.NewMembership(voters, learners, nodes)
	if err := h.rt.ChangeMembership(next); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	leaderID, _ := h.rt.LeaderHint()
	committed := h.rt.Committed()
	status := map[string]any{
		"is_leader":       h.rt.IsLeader(),
		"leader_id":       leaderID,
		"committed_index": committed.Index(),
		"checked_at":      time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
