package testing

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vzdtic/raftkv/pkg/kv"
	"github.com/vzdtic/raftkv/pkg/raft"
)

// NetworkCondition describes the fault a message between two nodes
// experiences: dropped outright, partitioned, or neither.
type NetworkCondition struct {
	DropRate    float64
	Partitioned bool
}

// FaultTransport is a raft.Transport with per-link, probabilistic message
// dropping and a recorded message history, for Jepsen-style fuzz runs that
// need more than the binary partition/heal pkg/transport.LocalTransport
// gives.
type FaultTransport struct {
	mu         sync.RWMutex
	nodes      map[string]*raft.Node
	conditions map[string]map[string]*NetworkCondition
	rng        *rand.Rand
	messages   []MessageRecord
	msgMu      sync.Mutex
}

// MessageRecord is one RPC attempt, delivered or not, for post-hoc
// analysis of a fuzz run.
type MessageRecord struct {
	From      string
	To        string
	Type      string
	Delivered bool
	Dropped   bool
}

// NewFaultTransport creates a transport seeded for reproducible fuzzing.
func NewFaultTransport(seed int64) *FaultTransport {
	return &FaultTransport{
		nodes:      make(map[string]*raft.Node),
		conditions: make(map[string]map[string]*NetworkCondition),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Register makes a node reachable.
func (t *FaultTransport) Register(id string, node *raft.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = node
	t.conditions[id] = make(map[string]*NetworkCondition)
}

// SetCondition sets the fault condition for messages from -> to.
func (t *FaultTransport) SetCondition(from, to string, cond *NetworkCondition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conditions[from] == nil {
		t.conditions[from] = make(map[string]*NetworkCondition)
	}
	t.conditions[from][to] = cond
}

// Partition isolates nodeID from every other node.
func (t *FaultTransport) Partition(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.nodes {
		if id == nodeID {
			continue
		}
		if t.conditions[nodeID] == nil {
			t.conditions[nodeID] = make(map[string]*NetworkCondition)
		}
		if t.conditions[id] == nil {
			t.conditions[id] = make(map[string]*NetworkCondition)
		}
		t.conditions[nodeID][id] = &NetworkCondition{Partitioned: true}
		t.conditions[id][nodeID] = &NetworkCondition{Partitioned: true}
	}
}

// HealAll removes every fault condition on every link.
func (t *FaultTransport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conditions = make(map[string]map[string]*NetworkCondition)
}

func (t *FaultTransport) shouldDrop(from, to string) bool {
	cond := t.conditions[from][to]
	if cond == nil {
		return false
	}
	if cond.Partitioned {
		return true
	}
	return cond.DropRate > 0 && t.rng.Float64() < cond.DropRate
}

func (t *FaultTransport) recordMessage(from, to, msgType string, delivered, dropped bool) {
	t.msgMu.Lock()
	defer t.msgMu.Unlock()
	t.messages = append(t.messages, MessageRecord{From: from, To: to, Type: msgType, Delivered: delivered, Dropped: dropped})
}

// MessageHistory returns every recorded delivery attempt.
func (t *FaultTransport) MessageHistory() []MessageRecord {
	t.msgMu.Lock()
	defer t.msgMu.Unlock()
	out := make([]MessageRecord, len(t.messages))
	copy(out, t.messages)
	return out
}

// RequestVote implements raft.Transport.
func (t *FaultTransport) RequestVote(ctx context.Context, target string, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	t.mu.RLock()
	node, ok := t.nodes[target]
	drop := t.shouldDrop(req.CandidateID, target)
	t.mu.RUnlock()

	if !ok {
		t.recordMessage(req.CandidateID, target, "request_vote", false, false)
		return nil, raft.ErrNodeNotFound
	}
	if drop {
		t.recordMessage(req.CandidateID, target, "request_vote", false, true)
		return nil, raft.ErrTimeout
	}
	t.recordMessage(req.CandidateID, target, "request_vote", true, false)
	return node.HandleRequestVote(req), nil
}

// AppendEntries implements raft.Transport.
func (t *FaultTransport) AppendEntries(ctx context.Context, target string, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	t.mu.RLock()
	node, ok := t.nodes[target]
	drop := t.shouldDrop(req.LeaderID, target)
	t.mu.RUnlock()

	if !ok {
		t.recordMessage(req.LeaderID, target, "append_entries", false, false)
		return nil, raft.ErrNodeNotFound
	}
	if drop {
		t.recordMessage(req.LeaderID, target, "append_entries", false, true)
		return nil, raft.ErrTimeout
	}
	t.recordMessage(req.LeaderID, target, "append_entries", true, false)
	return node.HandleAppendEntries(req), nil
}

// FuzzCluster is a size-node cluster wired to a FaultTransport, for
// randomized fault-injection runs.
type FuzzCluster struct {
	Transport *FaultTransport
	Nodes     []*raft.Node
	Stores    []*kv.Store
	rng       *rand.Rand
	seed      int64
	dirs      []string
}

// NewFuzzCluster creates a size-node cluster seeded for reproducible
// fuzzing. Call Start to run it.
func NewFuzzCluster(size int, seed int64) (*FuzzCluster, error) {
	ft := NewFaultTransport(seed)
	logger := zap.NewNop().Sugar()
	rng := rand.New(rand.NewSource(seed))

	ids := make([]string, size)
	for i := 0; i < size; i++ {
		ids[i] = fmt.Sprintf("fuzz-node-%d", i)
	}

	fc := &FuzzCluster{Transport: ft, Nodes: make([]*raft.Node, size), Stores: make([]*kv.Store, size), rng: rng, seed: seed, dirs: make([]string, size)}

	for i := 0; i < size; i++ {
		var peers []raft.ClusterMember
		for j := 0; j < size; j++ {
			if i != j {
				peers = append(peers, raft.ClusterMember{ID: ids[j], Address: ids[j]})
			}
		}

		store := kv.New()
		fc.Stores[i] = store

		cfg := raft.Config{
			ID:                 ids[i],
			Peers:              peers,
			ElectionTimeoutMin: 150 * time.Millisecond,
			ElectionTimeoutMax: 300 * time.Millisecond,
			HeartbeatInterval:  50 * time.Millisecond,
		}

		dir, err := newTempLogDir("fuzz", seed, i)
		if err != nil {
			fc.Cleanup()
			return nil, err
		}
		fc.dirs[i] = dir

		raftLog, termState, err := openNodeStorage(dir)
		if err != nil {
			fc.Cleanup()
			return nil, err
		}

		node := raft.New(cfg, raftLog, termState, store, ft, logger)
		fc.Nodes[i] = node
		ft.Register(ids[i], node)
	}

	return fc, nil
}

// Start starts every node's event loop.
func (fc *FuzzCluster) Start() {
	for _, n := range fc.Nodes {
		n.Start()
	}
}

// Stop stops every node. Its WAL directories stay; Cleanup removes them.
func (fc *FuzzCluster) Stop() {
	for _, n := range fc.Nodes {
		if n != nil {
			n.Stop()
		}
	}
}

// Cleanup stops the cluster and removes its temp directories.
func (fc *FuzzCluster) Cleanup() {
	fc.Stop()
	time.Sleep(50 * time.Millisecond)
	removeDirs(fc.dirs)
}

// Leader returns the current leader, or nil if none.
func (fc *FuzzCluster) Leader() *raft.Node {
	for _, n := range fc.Nodes {
		if n.IsLeader() {
			return n
		}
	}
	return nil
}

// WaitForLeader polls, sleeping in real time, until a leader emerges.
func (fc *FuzzCluster) WaitForLeader(maxAttempts int) *raft.Node {
	for i := 0; i < maxAttempts; i++ {
		if l := fc.Leader(); l != nil {
			return l
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

// RandomPartition partitions a randomly chosen node and returns its
// index.
func (fc *FuzzCluster) RandomPartition() int {
	idx := fc.rng.Intn(len(fc.Nodes))
	fc.Transport.Partition(fc.Nodes[idx].ID())
	return idx
}

// Seed returns the seed this cluster was constructed with, for
// reproducing a failing fuzz run.
func (fc *FuzzCluster) Seed() int64 {
	return fc.seed
}
