package raft

import "context"

// Transport sends the two peer RPCs to another node. Implementations carry
// the wire encoding (pkg/transport implements this over line-delimited
// JSON); a Node never encodes bytes itself.
type Transport interface {
	RequestVote(ctx context.Context, target string, req *RequestVoteRequest) (*RequestVoteResponse, error)
	AppendEntries(ctx context.Context, target string, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
}

// RequestVoteRequest is §4.4's RequestVote RPC.
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteResponse is the vote grant/deny reply.
type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesRequest is §4.4's AppendEntries RPC, also used as the
// heartbeat (empty Entries) when a leader has nothing new to replicate.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

// AppendEntriesResponse carries the conflict hint that lets a leader
// backtrack a rejected follower's next_index in one round trip instead of
// one entry at a time.
type AppendEntriesResponse struct {
	Term          uint64
	Success       bool
	ConflictTerm  uint64
	ConflictIndex uint64
}
