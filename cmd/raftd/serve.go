package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vzdtic/raftcore/pkg/raft"
	"github.com/vzdtic/raftcore/pkg/runtime"
	"github.com/vzdtic/raftcore/pkg/runtime/api"
	"github.com/vzdtic/raftcore/pkg/runtime/cluster"
	"github.com/vzdtic/raftcore/pkg/runtime/statemachine"
	"github.com/vzdtic/raftcore/pkg/runtime/storage"
	"github.com/vzdtic/raftcore/pkg/runtime/transport"
)

// newServeCmd builds the long-running command that actually runs one node:
// restore durable state, start the TCP RPC listener and election-timeout
// ticker, then serve the HTTP client API until interrupted.
func newServeCmd() *cobra.Command {
	cfg := runtime.DefaultConfig()
	var peers string
	var leaderLease time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run one raftcore node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.NodeID == "" || cfg.Address == "" || cfg.HTTPAddr == "" || cfg.DataDir == "" {
				return fmt.Errorf("serve: --id, --addr, --http-addr and --data-dir are all required")
			}
			peerMap, err := parsePeers(peers)
			if err != nil {
				return err
			}
			cfg.Peers = peerMap

			log := newLogger("raftd").With().Str("node_id", cfg.NodeID).Logger()

			store, err := storage.Open(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("serve: open storage: %w", err)
			}
			defer store.Close()
			sm := statemachine.New()
			if _, data, ok, err := store.LoadSnapshot(); err != nil {
				return fmt.Errorf("serve: load snapshot: %w", err)
			} else if ok {
				if err := sm.Restore(data); err != nil {
					return fmt.Errorf("serve: restore state machine from snapshot: %w", err)
				}
			}

			dir := cluster.NewDirectory()
			if err := dir.Add(cfg.NodeID, cfg.Address, true); err != nil {
				return err
			}
			if err := dir.Activate(cfg.NodeID); err != nil {
				return err
			}
			for id, addr := range cfg.Peers {
				if err := dir.Add(id, addr, true); err != nil {
					return err
				}
				if err := dir.Activate(id); err != nil {
					return err
				}
			}

			trans := transport.NewTCPTransport(dir, log)

			state := runtime.RestoreState(store)
			engineCfg := raft.NewEngineConfig(cfg.NodeID)
			if leaderLease > 0 {
				engineCfg.TimerConfig.LeaderLease = leaderLease
			}
			engine := raft.NewEngine(engineCfg, raft.SystemClock{}, state)
			engine.Startup()

			rt := runtime.New(cfg.NodeID, log, engine, store, sm, trans, dir)
			rt.SetSnapshotThreshold(cfg.SnapshotThreshold)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// g fans out the node's three long-running loops (RPC
			// listener, HTTP API, signal wait) and tears all of them
			// down together the moment any one exits, the same
			// all-or-nothing lifecycle cuemby-warren's own cmd/ entry
			// point gets from errgroup.
			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				if err := trans.Serve(cfg.Address, rt); err != nil {
					return fmt.Errorf("rpc transport: %w", err)
				}
				return nil
			})

			rt.Start(gctx, cfg.ElectionTimeoutMax, cfg.TickInterval)

			httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: api.New(rt)}
			g.Go(func() error {
				log.Info().Str("addr", cfg.HTTPAddr).Msg("http api listening")
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return fmt.Errorf("http api: %w", err)
				}
				return nil
			})

			g.Go(func() error {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
				select {
				case <-sigCh:
					log.Info().Msg("shutting down")
				case <-gctx.Done():
				}

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = httpServer.Shutdown(shutdownCtx)
				_ = trans.Close()
				cancel()
				return nil
			})

			if err := g.Wait(); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.NodeID, "id", "", "this node's id (required)")
	cmd.Flags().StringVar(&cfg.Address, "addr", "", "this node's RPC listen address, e.g. 127.0.0.1:7001 (required)")
	cmd.Flags().StringVar(&cfg.HTTPAddr, "http-addr", "", "this node's HTTP client API listen address (required)")
	cmd.Flags().StringVar(&cfg.DataDir, "data-dir", "", "storage directory (required)")
	cmd.Flags().StringVar(&peers, "peers", "", `other known nodes as "id=addr,id=addr,..."`)
	cmd.Flags().DurationVar(&cfg.ElectionTimeoutMin, "election-timeout-min", cfg.ElectionTimeoutMin, "minimum election timeout (accepted but unused; the election timer waits --election-timeout-max)")
	cmd.Flags().DurationVar(&cfg.ElectionTimeoutMax, "election-timeout-max", cfg.ElectionTimeoutMax, "maximum election timeout")
	cmd.Flags().DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "how often to check the election timer")
	cmd.Flags().Uint64Var(&cfg.SnapshotThreshold, "snapshot-threshold", cfg.SnapshotThreshold, "applied entries between automatic snapshots (0 disables)")
	cmd.Flags().DurationVar(&leaderLease, "leader-lease", 0, "override the engine's leader lease duration (default set by raft.DefaultTimerConfig)")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("addr")
	cmd.MarkFlagRequired("http-addr")
	cmd.MarkFlagRequired("data-dir")
	return cmd
}

// parsePeers turns the "id=addr,id=addr" flag value into a map.
func parsePeers(spec string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid peer entry %q, want id=addr", pair)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}
