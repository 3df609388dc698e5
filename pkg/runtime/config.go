package runtime

import "time"

// Config is the runtime-layer configuration: peer addresses, storage paths
// and snapshot policy, the ambient-stack counterpart to raft.EngineConfig
// (which only carries engine tunables). Shaped like the teacher's own
// pkg/raft.NodeConfig: a plain struct, defaults via DefaultConfig, optional
// flag overrides bound in cmd/raftd.
type Config struct {
	NodeID   string
	Address  string
	HTTPAddr string
	DataDir  string

	// Peers maps every other known node id to its RPC address, mirroring
	// the teacher's own `-peers id1=addr1,id2=addr2` flag shape.
	Peers map[string]string

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	TickInterval       time.Duration

	// SnapshotThreshold is the number of applied log entries since the
	// last snapshot after which the runtime asks the engine to build a
	// new one.
	SnapshotThreshold uint64
}

// DefaultConfig returns sane defaults, requiring only NodeID/Address/
// HTTPAddr/DataDir to be filled in by the caller.
func DefaultConfig() Config {
	return Config{
		Peers:              map[string]string{},
		ElectionTimeoutMin: 500 * time.Millisecond,
		ElectionTimeoutMax: 1000 * time.Millisecond,
		TickInterval:       50 * time.Millisecond,
		SnapshotThreshold:  1000,
	}
}
