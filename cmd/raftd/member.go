package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vzdtic/raftcore/pkg/runtime/api"
)

// newMemberCmd builds the operator-facing `member` command group: add,
// remove, and list, each a thin HTTP client call against a running cluster
// (pkg/runtime/api's /cluster/members endpoint), following a leader
// redirect the same way the teacher's own CLI followed its HTTP client's
// redirect logic for KV writes.
func newMemberCmd() *cobra.Command {
	var addrs string

	root := &cobra.Command{
		Use:   "member",
		Short: "inspect or change cluster membership",
	}
	root.PersistentFlags().StringVar(&addrs, "addrs", "", `comma-separated node HTTP addresses to contact, e.g. "127.0.0.1:8001,127.0.0.1:8002" (required)`)
	root.MarkPersistentFlagRequired("addrs")

	root.AddCommand(newMemberAddCmd(&addrs))
	root.AddCommand(newMemberRemoveCmd(&addrs))
	root.AddCommand(newMemberListCmd(&addrs))
	return root
}

func newMemberAddCmd(addrs *string) *cobra.Command {
	var (
		nodeID  string
		address string
		voter   bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "add a node to the cluster's membership",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(splitAddrs(*addrs))
			if err := client.AddMember(nodeID, address, voter); err != nil {
				return fmt.Errorf("member add: %w", err)
			}
			role := "learner"
			if voter {
				role = "voter"
			}
			fmt.Printf("proposed adding %s (%s) as %s\n", nodeID, address, role)
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeID, "id", "", "new node's id (required)")
	cmd.Flags().StringVar(&address, "address", "", "new node's RPC address (required)")
	cmd.Flags().BoolVar(&voter, "voter", false, "add as a voter instead of a learner")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("address")
	return cmd
}

func newMemberRemoveCmd(addrs *string) *cobra.Command {
	var nodeID string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "remove a node from the cluster's membership",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(splitAddrs(*addrs))
			if err := client.RemoveMember(nodeID); err != nil {
				return fmt.Errorf("member remove: %w", err)
			}
			fmt.Printf("proposed removing %s\n", nodeID)
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeID, "id", "", "node id to remove (required)")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newMemberListCmd(addrs *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "show the cluster's current effective membership",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(splitAddrs(*addrs))
			voters, learners, nodes, err := client.ListMembers()
			if err != nil {
				return fmt.Errorf("member list: %w", err)
			}
			fmt.Println("voters:")
			for _, id := range voters {
				fmt.Printf("  %s\t%s\n", id, nodes[id])
			}
			fmt.Println("learners:")
			for _, id := range learners {
				fmt.Printf("  %s\t%s\n", id, nodes[id])
			}
			return nil
		},
	}
}

func splitAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
