package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vzdtic/raftcore/pkg/raft"
	"github.com/vzdtic/raftcore/pkg/runtime/storage"
)

// newBootstrapCmd builds the one-shot command that writes a brand new
// node's first membership entry and self-election directly to its storage
// directory, equivalent to raft.Engine.Initialize (spec.md §4.1) run once
// against local disk before the node is ever served. A running `serve`
// process restores from this state on startup (runtime.RestoreState); it
// never calls Initialize itself.
func newBootstrapCmd() *cobra.Command {
	var (
		id      string
		dataDir string
		voters  string
	)

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "initialize a brand new node's first membership entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			membership, err := parseVoters(voters)
			if err != nil {
				return err
			}

			store, err := storage.Open(dataDir)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			if store.Size() > 0 || !store.LoadVote().IsZero() {
				return fmt.Errorf("bootstrap: %s already has persisted state; refusing to reinitialize", dataDir)
			}

			cfg := raft.NewEngineConfig(id)
			state := raft.NewRaftState()
			engine := raft.NewEngine(cfg, raft.SystemClock{}, state)

			if err := engine.Initialize(membership); err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}

			for _, c := range engine.Output.Take() {
				switch b := c.Body.(type) {
				case raft.AppendLog:
					if err := store.AppendLog(b.Entries); err != nil {
						return fmt.Errorf("bootstrap: persist log entry: %w", err)
					}
				case raft.SaveVote:
					if err := store.SaveVote(b.Vote); err != nil {
						return fmt.Errorf("bootstrap: persist vote: %w", err)
					}
				case raft.SendVote:
					// No peers are reachable during bootstrap, so the vote
					// request is not sent. The persisted self-vote is not
					// committed: once `serve` restores this state, Startup
					// makes the node a follower and the runtime's election
					// timer runs the real election.
				}
			}

			fmt.Printf("bootstrapped node %q with membership %s\n", id, membership)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "this node's id (required)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "storage directory (required)")
	cmd.Flags().StringVar(&voters, "voters", "", `initial voters as "id=addr,id=addr,..." (required, must include --id)`)
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("data-dir")
	cmd.MarkFlagRequired("voters")
	return cmd
}

// parseVoters turns the "id=addr,id=addr" flag value into a stable
// (non-joint) raft.Membership with no learners.
func parseVoters(spec string) (*raft.Membership, error) {
	voters := map[string]struct{}{}
	nodes := map[string]string{}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid voter entry %q, want id=addr", pair)
		}
		voters[parts[0]] = struct{}{}
		nodes[parts[0]] = parts[1]
	}
	if len(voters) == 0 {
		return nil, fmt.Errorf("--voters must list at least one id=addr pair")
	}
	return raft.NewMembership(voters, nil, nodes), nil
}
