package raft

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vzdtic/raftkv/pkg/kv"
	"github.com/vzdtic/raftkv/pkg/wal"
)

// noopTransport never reaches a peer; used for single-node tests where a
// node has no peers to contact in the first place.
type noopTransport struct{}

func (noopTransport) RequestVote(ctx context.Context, target string, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	return nil, ErrNodeNotFound
}

func (noopTransport) AppendEntries(ctx context.Context, target string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	return nil, ErrNodeNotFound
}

func newTestNode(t *testing.T, id string, peers []ClusterMember) *Node {
	t.Helper()
	dir := t.TempDir()
	log, err := OpenLog(dir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	termState, err := wal.OpenTermState(dir)
	if err != nil {
		t.Fatalf("open term state: %v", err)
	}
	cfg := Config{
		ID:                 id,
		Peers:              peers,
		ElectionTimeoutMin: 30 * time.Millisecond,
		ElectionTimeoutMax: 60 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
	}
	return New(cfg, log, termState, kv.New(), noopTransport{}, zap.NewNop().Sugar())
}

// A lone node (no peers) constitutes its own majority and must become
// leader on its very first election timeout.
func TestSingleNodeBecomesLeaderWithoutPeers(t *testing.T) {
	n := newTestNode(t, "solo", nil)
	n.Start()
	defer n.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n.IsLeader() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected a lone node to become leader")
}

func TestSingleNodeProposeCommitsAndAppliesImmediately(t *testing.T) {
	n := newTestNode(t, "solo", nil)
	n.Start()
	defer n.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !n.IsLeader() {
		time.Sleep(5 * time.Millisecond)
	}
	if !n.IsLeader() {
		t.Fatal("node never became leader")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := n.Propose(ctx, kv.Command{Type: kv.CommandSet, Key: "k", Value: kv.Integer(42)})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if result.Err != nil {
		t.Fatalf("apply: %v", result.Err)
	}

	getCtx, getCancel := context.WithTimeout(context.Background(), time.Second)
	defer getCancel()
	v, ok, err := n.Get(getCtx, "k")
	if err != nil || !ok || !v.Equal(kv.Integer(42)) {
		t.Fatalf("expected k=42, got %v ok=%v err=%v", v, ok, err)
	}
}

func TestProposeOnFollowerReturnsErrNotLeader(t *testing.T) {
	n := newTestNode(t, "follower", []ClusterMember{{ID: "peer", Address: "peer"}})
	n.Start()
	defer n.Stop()

	// With a peer configured that never answers, the node can never collect
	// a majority of votes, so it never becomes leader.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := n.Propose(ctx, kv.Command{Type: kv.CommandSet, Key: "k", Value: kv.Integer(1)}); err != ErrNotLeader {
		t.Fatalf("expected ErrNotLeader from a non-leader, got %v", err)
	}
}

func TestHandleRequestVoteGrantsOncePerTerm(t *testing.T) {
	n := newTestNode(t, "voter", []ClusterMember{{ID: "peer", Address: "peer"}})
	n.Start()
	defer n.Stop()

	req := &RequestVoteRequest{Term: 5, CandidateID: "candidate-a", LastLogIndex: 0, LastLogTerm: 0}
	resp := n.HandleRequestVote(req)
	if !resp.VoteGranted {
		t.Fatalf("expected vote granted for a clean-slate candidate, got %+v", resp)
	}

	// A second candidate in the same term must be refused: the voter
	// already committed its vote for candidate-a this term.
	req2 := &RequestVoteRequest{Term: 5, CandidateID: "candidate-b", LastLogIndex: 0, LastLogTerm: 0}
	resp2 := n.HandleRequestVote(req2)
	if resp2.VoteGranted {
		t.Fatalf("expected second candidate in the same term to be refused, got %+v", resp2)
	}
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	n := newTestNode(t, "voter", nil)
	n.Start()
	defer n.Stop()

	n.HandleRequestVote(&RequestVoteRequest{Term: 10, CandidateID: "a"})

	resp := n.HandleRequestVote(&RequestVoteRequest{Term: 3, CandidateID: "b"})
	if resp.VoteGranted {
		t.Fatal("expected a vote request with a stale term to be rejected")
	}
	if resp.Term != 10 {
		t.Fatalf("expected response term to reflect the voter's current term 10, got %d", resp.Term)
	}
}

func TestHandleRequestVoteRejectsOutOfDateLog(t *testing.T) {
	n := newTestNode(t, "voter", nil)
	n.Start()
	defer n.Stop()

	// Bump the voter's log past the candidate's claimed state by proposing
	// a single entry (the node has no peers, so it is its own leader and
	// this commits immediately).
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !n.IsLeader() {
		time.Sleep(5 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := n.Propose(ctx, kv.Command{Type: kv.CommandSet, Key: "a", Value: kv.Integer(1)}); err != nil {
		t.Fatalf("propose: %v", err)
	}

	resp := n.HandleRequestVote(&RequestVoteRequest{Term: n.CurrentTerm() + 1, CandidateID: "behind", LastLogIndex: 0, LastLogTerm: 0})
	if resp.VoteGranted {
		t.Fatal("expected vote to be refused for a candidate with an older log")
	}
}

func TestHandleAppendEntriesRejectsStaleTerm(t *testing.T) {
	n := newTestNode(t, "follower", nil)
	n.Start()
	defer n.Stop()

	n.HandleRequestVote(&RequestVoteRequest{Term: 7, CandidateID: "x"}) // bump current term to 7

	resp := n.HandleAppendEntries(&AppendEntriesRequest{Term: 2, LeaderID: "old-leader"})
	if resp.Success {
		t.Fatal("expected AppendEntries with a stale term to be rejected")
	}
}

func TestHandleAppendEntriesAppliesCommittedEntries(t *testing.T) {
	n := newTestNode(t, "follower", nil)
	n.Start()
	defer n.Stop()

	entries := []LogEntry{
		{Term: 1, Index: 1, Type: EntryNormal, Command: kv.Command{Type: kv.CommandSet, Key: "x", Value: kv.Integer(9)}},
	}
	resp := n.HandleAppendEntries(&AppendEntriesRequest{
		Term:         1,
		LeaderID:     "leader",
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries:      entries,
		LeaderCommit: 1,
	})
	if !resp.Success {
		t.Fatalf("expected AppendEntries to succeed, got %+v", resp)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if v, ok := n.store.Get("x"); ok && v.Equal(kv.Integer(9)) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected replicated entry to be applied to the follower's state machine")
}
