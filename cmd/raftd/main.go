// Command raftd runs one node of a raftcore cluster. It replaces the
// teacher's flat, flag-parsed cmd/server/main.go with a cobra-based
// multi-command CLI (serve, bootstrap, member), organized the way the
// sibling pack repository cuemby-warren structures its own cmd/ tree.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
