package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vzdtic/raftkv/pkg/raft"
)

// Client implements raft.Transport over TCP: one persistent, multiplexed
// connection per peer address, dialed lazily and cached, grounded on the
// teacher's dial-once-cache pattern. Unlike the teacher's gob encoding,
// messages are JSON lines so they interoperate with any language, as §6
// requires for the peer protocol.
type Client struct {
	mu          sync.Mutex
	conns       map[string]*peerConn
	dialTimeout time.Duration
	logger      *zap.SugaredLogger
}

// NewClient creates a Client with no open connections; they are dialed on
// first use.
func NewClient(logger *zap.SugaredLogger) *Client {
	return &Client{
		conns:       make(map[string]*peerConn),
		dialTimeout: 2 * time.Second,
		logger:      logger,
	}
}

type peerConn struct {
	mu      sync.Mutex // guards writes (encoder) only; reads happen on one dedicated goroutine
	conn    net.Conn
	enc     *json.Encoder
	pending sync.Map // correlation_id -> chan envelope
}

func (c *Client) getConn(addr string) (*peerConn, error) {
	c.mu.Lock()
	pc, ok := c.conns[addr]
	c.mu.Unlock()
	if ok {
		return pc, nil
	}

	conn, err := net.DialTimeout("tcp", addr, c.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	pc = &peerConn{conn: conn, enc: json.NewEncoder(conn)}
	go c.readLoop(addr, pc)

	c.mu.Lock()
	c.conns[addr] = pc
	c.mu.Unlock()
	return pc, nil
}

func (c *Client) removeConn(addr string, pc *peerConn) {
	c.mu.Lock()
	if c.conns[addr] == pc {
		delete(c.conns, addr)
	}
	c.mu.Unlock()
	pc.conn.Close()
}

func (c *Client) readLoop(addr string, pc *peerConn) {
	scanner := bufio.NewScanner(pc.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var env envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			c.logger.Warnw("transport: malformed peer reply", "peer", addr, "err", err)
			continue
		}
		if ch, ok := pc.pending.LoadAndDelete(env.CorrelationID); ok {
			ch.(chan envelope) <- env
		}
	}
	c.removeConn(addr, pc)
}

func (c *Client) roundTrip(ctx context.Context, addr string, req envelope) (envelope, error) {
	pc, err := c.getConn(addr)
	if err != nil {
		return envelope{}, err
	}

	replyCh := make(chan envelope, 1)
	pc.pending.Store(req.CorrelationID, replyCh)

	pc.mu.Lock()
	err = pc.enc.Encode(req)
	pc.mu.Unlock()
	if err != nil {
		pc.pending.Delete(req.CorrelationID)
		c.removeConn(addr, pc)
		return envelope{}, fmt.Errorf("transport: write to %s: %w", addr, err)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		pc.pending.Delete(req.CorrelationID)
		return envelope{}, ctx.Err()
	}
}

// RequestVote implements raft.Transport.
func (c *Client) RequestVote(ctx context.Context, target string, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	reply, err := c.roundTrip(ctx, target, envelope{
		Type:          typeRequestVote,
		CorrelationID: uuid.NewString(),
		RequestVote:   req,
	})
	if err != nil {
		return nil, err
	}
	if reply.RequestVoteReply == nil {
		return nil, fmt.Errorf("transport: %w: expected request_vote_reply from %s", raft.ErrProtocol, target)
	}
	return reply.RequestVoteReply, nil
}

// AppendEntries implements raft.Transport.
func (c *Client) AppendEntries(ctx context.Context, target string, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	reply, err := c.roundTrip(ctx, target, envelope{
		Type:          typeAppendEntries,
		CorrelationID: uuid.NewString(),
		AppendEntries: req,
	})
	if err != nil {
		return nil, err
	}
	if reply.AppendEntriesReply == nil {
		return nil, fmt.Errorf("transport: %w: expected append_entries_reply from %s", raft.ErrProtocol, target)
	}
	return reply.AppendEntriesReply, nil
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, pc := range c.conns {
		pc.conn.Close()
		delete(c.conns, addr)
	}
	return nil
}
