package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a small HTTP client for the Handler above, adapted from the
// teacher's pkg/api.Client but driven by node addresses rather than
// in-process *raft.Node references, since this repository's nodes run as
// separate processes.
type Client struct {
	addrs      []string
	httpClient *http.Client
}

// NewClient builds a client that tries each address in order, following
// "not leader" redirects reported by the endpoint it actually reaches.
func NewClient(addrs []string) *Client {
	return &Client{addrs: addrs, httpClient: &http.Client{Timeout: 5 * time.Second}}
}

type notLeaderBody struct {
	LeaderEndpoint string `json:"leader_endpoint"`
}

// Get fetches a key's value from whichever node answers.
func (c *Client) Get(key string) (string, error) {
	for _, addr := range c.addrs {
		resp, err := c.httpClient.Get(fmt.Sprintf("http://%s/kv/%s", addr, key))
		if err != nil {
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			var out struct {
				Value string `json:"value"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return "", err
			}
			return out.Value, nil
		}
	}
	return "", fmt.Errorf("api: no reachable node answered GET %s", key)
}

// Set writes a key, following a single leader redirect if the node it hit
// is not the leader.
func (c *Client) Set(key, value string) error {
	body, _ := json.Marshal(map[string]string{"value": value})
	return c.writeOnLeader("PUT", key, body)
}

// Delete removes a key, following a single leader redirect.
func (c *Client) Delete(key string) error {
	return c.writeOnLeader("DELETE", key, nil)
}

func (c *Client) writeOnLeader(method, key string, body []byte) error {
	var lastErr error
	for _, addr := range c.addrs {
		req, err := http.NewRequest(method, fmt.Sprintf("http://%s/kv/%s", addr, key), bytes.NewReader(body))
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
		if resp.StatusCode == http.StatusServiceUnavailable {
			var nl notLeaderBody
			data, _ := io.ReadAll(resp.Body)
			_ = json.Unmarshal(data, &nl)
			if nl.LeaderEndpoint != "" {
				return c.retryOn(nl.LeaderEndpoint, method, key, body)
			}
			continue
		}
		data, _ := io.ReadAll(resp.Body)
		lastErr = fmt.Errorf("api: %s %s: %s", method, key, string(data))
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("api: no reachable leader for %s %s", method, key)
	}
	return lastErr
}

// AddMember proposes node as a new member (voter or learner) of the
// cluster, following a leader redirect if needed.
func (c *Client) AddMember(nodeID, address string, voter bool) error {
	body, _ := json.Marshal(memberChangeRequest{Op: "add", NodeID: nodeID, Address: address, Voter: voter})
	return c.writeMembers(body)
}

// RemoveMember proposes removing node from the cluster's membership.
func (c *Client) RemoveMember(nodeID string) error {
	body, _ := json.Marshal(memberChangeRequest{Op: "remove", NodeID: nodeID})
	return c.writeMembers(body)
}

type memberListResponse struct {
	Voters   map[string]struct{} `json:"voters"`
	Learners map[string]struct{} `json:"learners"`
	Nodes    map[string]string   `json:"nodes"`
}

// ListMembers fetches the effective membership from whichever node answers
// first; any node can serve this read, not only the leader.
func (c *Client) ListMembers() (voters, learners []string, nodes map[string]string, err error) {
	for _, addr := range c.addrs {
		resp, getErr := c.httpClient.Get(fmt.Sprintf("http://%s/cluster/members", addr))
		if getErr != nil {
			err = getErr
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			continue
		}
		var out memberListResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&out); decErr != nil {
			return nil, nil, nil, decErr
		}
		for id := range out.Voters {
			voters = append(voters, id)
		}
		for id := range out.Learners {
			learners = append(learners, id)
		}
		return voters, learners, out.Nodes, nil
	}
	if err == nil {
		err = fmt.Errorf("api: no reachable node answered GET /cluster/members")
	}
	return nil, nil, nil, err
}

func (c *Client) writeMembers(body []byte) error {
	var lastErr error
	for _, addr := range c.addrs {
		req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/cluster/members", addr), bytes.NewReader(body))
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
		if resp.StatusCode == http.StatusServiceUnavailable {
			var nl notLeaderBody
			data, _ := io.ReadAll(resp.Body)
			_ = json.Unmarshal(data, &nl)
			if nl.LeaderEndpoint != "" {
				return c.retryMembersOn(nl.LeaderEndpoint, body)
			}
			continue
		}
		data, _ := io.ReadAll(resp.Body)
		lastErr = fmt.Errorf("api: POST /cluster/members: %s", string(data))
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("api: no reachable leader for membership change")
	}
	return lastErr
}

func (c *Client) retryMembersOn(addr string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/cluster/members", addr), bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api: POST /cluster/members: %s", string(data))
	}
	return nil
}

func (c *Client) retryOn(addr, method, key string, body []byte) error {
	req, err := http.NewRequest(method, fmt.Sprintf("http://%s/kv/%s", addr, key), bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api: %s %s: %s", method, key, string(data))
	}
	return nil
}
