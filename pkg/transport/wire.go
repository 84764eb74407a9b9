// Package transport implements the peer RPC wire contract from §6: the
// same framing as the client protocol, one JSON object per
// newline-terminated line, with a "type" field distinguishing
// request_vote / request_vote_reply / append_entries /
// append_entries_reply.
package transport

import "github.com/vzdtic/raftkv/pkg/raft"

const (
	typeRequestVote        = "request_vote"
	typeRequestVoteReply   = "request_vote_reply"
	typeAppendEntries      = "append_entries"
	typeAppendEntriesReply = "append_entries_reply"
)

// envelope is the single message shape exchanged between peers. Only the
// field matching Type is populated; CorrelationID pairs a reply to its
// request on a connection that may be carrying several RPCs concurrently.
type envelope struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`

	RequestVote   *raft.RequestVoteRequest   `json:"request_vote,omitempty"`
	AppendEntries *raft.AppendEntriesRequest `json:"append_entries,omitempty"`

	RequestVoteReply   *raft.RequestVoteResponse   `json:"request_vote_reply,omitempty"`
	AppendEntriesReply *raft.AppendEntriesResponse `json:"append_entries_reply,omitempty"`
}
