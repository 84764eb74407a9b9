package raft

import (
	"time"

	"github.com/vzdtic/raftkv/pkg/kv"
)

// Role is one of Follower, Candidate, Leader.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// EntryType distinguishes a NOOP entry (appended by a freshly elected
// leader to establish a commit barrier in its own term) from a normal
// command entry.
type EntryType int

const (
	EntryNormal EntryType = iota
	EntryNoop
)

// LogEntry is the decoded, in-memory form of one WAL record: a term, a
// dense 1-based index, and the command it carries.
type LogEntry struct {
	Term    uint64
	Index   uint64
	Type    EntryType
	Command kv.Command
}

// ClusterMember is a static peer in the cluster's configuration. Dynamic
// membership changes are out of scope; the peer set is fixed at startup
// from the --peers flag.
type ClusterMember struct {
	ID      string
	Address string
}

// Config configures a single Node.
type Config struct {
	ID                 string
	Peers              []ClusterMember
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

// DefaultConfig returns the spec's suggested timer values: T=150ms election
// floor, heartbeat at T/3.
func DefaultConfig(id string, peers []ClusterMember) Config {
	return Config{
		ID:                 id,
		Peers:              peers,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
	}
}
