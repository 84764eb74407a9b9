package raft

import "errors"

// Sentinel errors for node-level failures: NotLeader, NotReady, a stopped
// node, a timed-out request, an unknown peer, and a malformed peer
// message. ApplyError is reported per-request via
// kv.ApplyResult.Err rather than as a sentinel here, since it is a
// command-level failure, not a node-level one.
var (
	ErrNotLeader    = errors.New("raft: not leader")
	ErrNotReady     = errors.New("raft: leader has not committed a current-term entry yet")
	ErrNodeStopped  = errors.New("raft: node stopped")
	ErrTimeout      = errors.New("raft: request timed out")
	ErrNodeNotFound = errors.New("raft: unknown peer")
	ErrProtocol     = errors.New("raft: malformed peer message")
)
