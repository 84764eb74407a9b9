// Package testing provides an in-process multi-node harness for exercising
// Raft election, replication, and partition/heal behavior without sockets
// (each node still keeps its WAL on disk), used by the scenario tests in
// tests/.
package testing

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/vzdtic/raftkv/pkg/kv"
	"github.com/vzdtic/raftkv/pkg/raft"
	"github.com/vzdtic/raftkv/pkg/transport"
)

// Cluster is a set of Raft nodes wired together with an in-memory
// transport, each backed by its own on-disk WAL under a unique temp
// directory.
type Cluster struct {
	Nodes     []*raft.Node
	Stores    []*kv.Store
	Transport *transport.LocalTransport
	dirs      []string
}

// NewCluster creates a size-node cluster (call Start to run it) with test-friendly
// (long) election timeouts, so that real scheduler jitter on a loaded CI
// box doesn't trigger spurious elections mid-assertion.
func NewCluster(size int) (*Cluster, error) {
	lt := transport.NewLocalTransport()
	logger := zap.NewNop().Sugar()

	ids := make([]string, size)
	for i := 0; i < size; i++ {
		ids[i] = fmt.Sprintf("node-%d", i)
	}

	c := &Cluster{
		Nodes:     make([]*raft.Node, size),
		Stores:    make([]*kv.Store, size),
		Transport: lt,
		dirs:      make([]string, size),
	}

	unique := rand.Int63()
	for i := 0; i < size; i++ {
		var peers []raft.ClusterMember
		for j := 0; j < size; j++ {
			if i != j {
				peers = append(peers, raft.ClusterMember{ID: ids[j], Address: ids[j]})
			}
		}

		dir, err := newTempLogDir("test", unique, i)
		if err != nil {
			c.Cleanup()
			return nil, err
		}
		c.dirs[i] = dir

		raftLog, termState, err := openNodeStorage(dir)
		if err != nil {
			c.Cleanup()
			return nil, err
		}

		store := kv.New()
		c.Stores[i] = store

		cfg := raft.Config{
			ID:                 ids[i],
			Peers:              peers,
			ElectionTimeoutMin: 300 * time.Millisecond,
			ElectionTimeoutMax: 600 * time.Millisecond,
			HeartbeatInterval:  50 * time.Millisecond,
		}

		node := raft.New(cfg, raftLog, termState, store, lt, logger)
		c.Nodes[i] = node
		lt.Register(ids[i], node)
	}

	return c, nil
}

// Start starts every node's event loop.
func (c *Cluster) Start() {
	for _, n := range c.Nodes {
		n.Start()
	}
}

// Stop stops every node.
func (c *Cluster) Stop() {
	for _, n := range c.Nodes {
		if n != nil {
			n.Stop()
		}
	}
}

// Cleanup stops the cluster and removes its temp directories.
func (c *Cluster) Cleanup() {
	c.Stop()
	time.Sleep(50 * time.Millisecond)
	removeDirs(c.dirs)
}

// Leader returns the current leader, or nil if none.
func (c *Cluster) Leader() *raft.Node {
	for _, n := range c.Nodes {
		if n.IsLeader() {
			return n
		}
	}
	return nil
}

// WaitForLeader polls until some node reports itself leader.
func (c *Cluster) WaitForLeader(timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l := c.Leader(); l != nil {
			return l, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("testing: no leader elected within %s", timeout)
}

// WaitForNewLeader polls until a leader other than excludeID is elected.
func (c *Cluster) WaitForNewLeader(excludeID string, timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range c.Nodes {
			if n.ID() != excludeID && n.IsLeader() {
				return n, nil
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("testing: no new leader (excluding %s) within %s", excludeID, timeout)
}

// PartitionLeader isolates the current leader from the rest of the
// cluster and returns it.
func (c *Cluster) PartitionLeader() *raft.Node {
	leader := c.Leader()
	if leader != nil {
		c.Transport.Partition(leader.ID())
	}
	return leader
}

// HealPartition reconnects every node to every other node.
func (c *Cluster) HealPartition() {
	for _, n := range c.Nodes {
		c.Transport.Heal(n.ID())
	}
}

// Propose retries cmd against whichever node is currently leader until it
// commits or timeout elapses.
func (c *Cluster) Propose(cmd kv.Command, timeout time.Duration) (kv.ApplyResult, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		leader := c.Leader()
		if leader == nil {
			time.Sleep(20 * time.Millisecond)
			continue
		}

		remaining := time.Until(deadline)
		if remaining < 100*time.Millisecond {
			remaining = 100 * time.Millisecond
		}
		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		result, err := leader.Propose(ctx, cmd)
		cancel()

		if err == nil {
			return result, nil
		}
		if err == raft.ErrNotLeader || err == raft.ErrNotReady || err == context.DeadlineExceeded {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		return kv.ApplyResult{}, err
	}
	return kv.ApplyResult{}, fmt.Errorf("testing: timed out proposing command")
}
