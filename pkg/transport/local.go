package transport

import (
	"context"
	"sync"
	"time"

	"github.com/vzdtic/raftkv/pkg/raft"
)

// LocalTransport is an in-memory raft.Transport for deterministic,
// sleep-free multi-node tests: RPCs are plain function calls into the
// target node rather than going over a socket. Partition/Disconnect/Heal
// let tests inject the network faults §8's scenarios require.
type LocalTransport struct {
	mu       sync.RWMutex
	nodes    map[string]*raft.Node
	disabled map[string]map[string]bool
	latency  time.Duration
}

// NewLocalTransport creates an empty harness.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		nodes:    make(map[string]*raft.Node),
		disabled: make(map[string]map[string]bool),
	}
}

// Register makes a node reachable at address id (by convention, the same
// string used as its raft.ClusterMember.Address).
func (t *LocalTransport) Register(id string, node *raft.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = node
	if t.disabled[id] == nil {
		t.disabled[id] = make(map[string]bool)
	}
}

// SetLatency adds artificial delay to every RPC, to exercise timeout
// handling.
func (t *LocalTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Disconnect drops messages from "from" to "to" in one direction only.
func (t *LocalTransport) Disconnect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] == nil {
		t.disabled[from] = make(map[string]bool)
	}
	t.disabled[from][to] = true
}

// Connect restores a one-directional link dropped by Disconnect.
func (t *LocalTransport) Connect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] != nil {
		delete(t.disabled[from], to)
	}
}

// Partition isolates nodeID from every other registered node, in both
// directions.
func (t *LocalTransport) Partition(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.nodes {
		if id == nodeID {
			continue
		}
		if t.disabled[nodeID] == nil {
			t.disabled[nodeID] = make(map[string]bool)
		}
		if t.disabled[id] == nil {
			t.disabled[id] = make(map[string]bool)
		}
		t.disabled[nodeID][id] = true
		t.disabled[id][nodeID] = true
	}
}

// Heal reconnects nodeID to every other registered node.
func (t *LocalTransport) Heal(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[nodeID] = make(map[string]bool)
	for id := range t.nodes {
		if t.disabled[id] != nil {
			delete(t.disabled[id], nodeID)
		}
	}
}

func (t *LocalTransport) isConnected(from, to string) bool {
	if t.disabled[from] == nil {
		return true
	}
	return !t.disabled[from][to]
}

// RequestVote implements raft.Transport by calling directly into the
// target node, honoring injected latency and faults.
func (t *LocalTransport) RequestVote(ctx context.Context, target string, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	t.mu.RLock()
	node, ok := t.nodes[target]
	connected := t.isConnected(req.CandidateID, target)
	latency := t.latency
	t.mu.RUnlock()

	if !ok || !connected {
		return nil, raft.ErrNodeNotFound
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return node.HandleRequestVote(req), nil
}

// AppendEntries implements raft.Transport by calling directly into the
// target node, honoring injected latency and faults.
func (t *LocalTransport) AppendEntries(ctx context.Context, target string, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	t.mu.RLock()
	node, ok := t.nodes[target]
	connected := t.isConnected(req.LeaderID, target)
	latency := t.latency
	t.mu.RUnlock()

	if !ok || !connected {
		return nil, raft.ErrNodeNotFound
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return node.HandleAppendEntries(req), nil
}
