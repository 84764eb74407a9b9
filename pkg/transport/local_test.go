package transport

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vzdtic/raftkv/pkg/kv"
	"github.com/vzdtic/raftkv/pkg/raft"
	"github.com/vzdtic/raftkv/pkg/wal"
)

func TestLocalTransportPartitionBlocksBothDirections(t *testing.T) {
	lt := NewLocalTransport()
	logger := zap.NewNop().Sugar()

	dirA, dirB := t.TempDir(), t.TempDir()
	logA, err := raft.OpenLog(dirA)
	if err != nil {
		t.Fatalf("open log a: %v", err)
	}
	termA, err := wal.OpenTermState(dirA)
	if err != nil {
		t.Fatalf("open term a: %v", err)
	}
	logB, err := raft.OpenLog(dirB)
	if err != nil {
		t.Fatalf("open log b: %v", err)
	}
	termB, err := wal.OpenTermState(dirB)
	if err != nil {
		t.Fatalf("open term b: %v", err)
	}

	cfgA := raft.Config{ID: "a", Peers: []raft.ClusterMember{{ID: "b", Address: "b"}}, ElectionTimeoutMin: time.Hour, ElectionTimeoutMax: 2 * time.Hour, HeartbeatInterval: time.Hour}
	cfgB := raft.Config{ID: "b", Peers: []raft.ClusterMember{{ID: "a", Address: "a"}}, ElectionTimeoutMin: time.Hour, ElectionTimeoutMax: 2 * time.Hour, HeartbeatInterval: time.Hour}

	nodeA := raft.New(cfgA, logA, termA, kv.New(), lt, logger)
	nodeB := raft.New(cfgB, logB, termB, kv.New(), lt, logger)
	lt.Register("a", nodeA)
	lt.Register("b", nodeB)
	nodeA.Start()
	nodeB.Start()
	defer nodeA.Stop()
	defer nodeB.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req := &raft.RequestVoteRequest{Term: 1, CandidateID: "a", LastLogIndex: 0, LastLogTerm: 0}
	if _, err := lt.RequestVote(ctx, "b", req); err != nil {
		t.Fatalf("expected RequestVote to succeed before partition: %v", err)
	}

	lt.Partition("a")

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if _, err := lt.RequestVote(ctx2, "b", req); err == nil {
		t.Fatal("expected RequestVote from a partitioned node to fail")
	}
	reqFromB := &raft.RequestVoteRequest{Term: 1, CandidateID: "b", LastLogIndex: 0, LastLogTerm: 0}
	if _, err := lt.RequestVote(ctx2, "a", reqFromB); err == nil {
		t.Fatal("expected RequestVote into a partitioned node to fail")
	}

	lt.Heal("a")

	ctx3, cancel3 := context.WithTimeout(context.Background(), time.Second)
	defer cancel3()
	if _, err := lt.RequestVote(ctx3, "b", req); err != nil {
		t.Fatalf("expected RequestVote to succeed again after heal: %v", err)
	}
}

func TestLocalTransportDisconnectIsOneDirectional(t *testing.T) {
	lt := NewLocalTransport()
	logger := zap.NewNop().Sugar()

	dirA, dirB := t.TempDir(), t.TempDir()
	logA, _ := raft.OpenLog(dirA)
	termA, _ := wal.OpenTermState(dirA)
	logB, _ := raft.OpenLog(dirB)
	termB, _ := wal.OpenTermState(dirB)

	cfgA := raft.Config{ID: "a", Peers: []raft.ClusterMember{{ID: "b", Address: "b"}}, ElectionTimeoutMin: time.Hour, ElectionTimeoutMax: 2 * time.Hour, HeartbeatInterval: time.Hour}
	cfgB := raft.Config{ID: "b", Peers: []raft.ClusterMember{{ID: "a", Address: "a"}}, ElectionTimeoutMin: time.Hour, ElectionTimeoutMax: 2 * time.Hour, HeartbeatInterval: time.Hour}

	nodeA := raft.New(cfgA, logA, termA, kv.New(), lt, logger)
	nodeB := raft.New(cfgB, logB, termB, kv.New(), lt, logger)
	lt.Register("a", nodeA)
	lt.Register("b", nodeB)
	nodeA.Start()
	nodeB.Start()
	defer nodeA.Stop()
	defer nodeB.Stop()

	lt.Disconnect("a", "b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req := &raft.RequestVoteRequest{Term: 1, CandidateID: "a"}
	if _, err := lt.RequestVote(ctx, "b", req); err == nil {
		t.Fatal("expected a->b RequestVote to fail while disconnected")
	}

	// The reverse direction (b as candidate calling into a) is untouched.
	reqFromB := &raft.RequestVoteRequest{Term: 1, CandidateID: "b"}
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if _, err := lt.RequestVote(ctx2, "a", reqFromB); err != nil {
		t.Fatalf("expected b->a RequestVote to still succeed: %v", err)
	}
}

func TestLocalTransportLatencyRespectsContextDeadline(t *testing.T) {
	lt := NewLocalTransport()
	logger := zap.NewNop().Sugar()

	dirA := t.TempDir()
	logA, _ := raft.OpenLog(dirA)
	termA, _ := wal.OpenTermState(dirA)
	cfgA := raft.Config{ID: "a", ElectionTimeoutMin: time.Hour, ElectionTimeoutMax: 2 * time.Hour, HeartbeatInterval: time.Hour}
	nodeA := raft.New(cfgA, logA, termA, kv.New(), lt, logger)
	lt.Register("a", nodeA)
	nodeA.Start()
	defer nodeA.Stop()

	lt.SetLatency(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := lt.RequestVote(ctx, "a", &raft.RequestVoteRequest{Term: 1, CandidateID: "other"}); err == nil {
		t.Fatal("expected context deadline to be exceeded before injected latency elapses")
	}
}
