package transport

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/vzdtic/raftkv/pkg/raft"
)

// Server accepts peer connections and dispatches incoming RequestVote /
// AppendEntries RPCs to a raft.Node.
type Server struct {
	node     *raft.Node
	logger   *zap.SugaredLogger
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer wraps node for peer RPC handling. Serve must be called to
// start accepting connections.
func NewServer(node *raft.Node, logger *zap.SugaredLogger) *Server {
	return &Server{node: node, logger: logger}
}

// Serve listens on addr and handles peer connections until the listener
// is closed.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections and waits for in-flight ones to
// finish.
func (s *Server) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var writeMu sync.Mutex
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req envelope
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			s.logger.Warnw("transport: malformed peer request", "err", err)
			continue
		}

		go func(req envelope) {
			reply := s.dispatch(req)
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := enc.Encode(reply); err != nil {
				s.logger.Warnw("transport: write reply failed", "err", err)
			}
		}(req)
	}
}

func (s *Server) dispatch(req envelope) envelope {
	switch req.Type {
	case typeRequestVote:
		resp := s.node.HandleRequestVote(req.RequestVote)
		return envelope{Type: typeRequestVoteReply, CorrelationID: req.CorrelationID, RequestVoteReply: resp}
	case typeAppendEntries:
		resp := s.node.HandleAppendEntries(req.AppendEntries)
		return envelope{Type: typeAppendEntriesReply, CorrelationID: req.CorrelationID, AppendEntriesReply: resp}
	default:
		s.logger.Warnw("transport: unknown peer message type", "type", req.Type)
		return envelope{Type: "error", CorrelationID: req.CorrelationID}
	}
}
