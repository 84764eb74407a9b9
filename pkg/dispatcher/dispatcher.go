// Package dispatcher implements the client-facing request dispatcher
// (C6): one JSON object per line in, one JSON response line out, with
// writes gated through Raft and reads and secondary-index operations
// delegated to the state machine and its observers.
package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vzdtic/raftkv/pkg/index"
	"github.com/vzdtic/raftkv/pkg/kv"
	"github.com/vzdtic/raftkv/pkg/raft"
	"github.com/vzdtic/raftkv/pkg/search"
	"github.com/vzdtic/raftkv/pkg/semantic"
)

// request is one line of client input. Only the fields relevant to Op are
// populated; unrecognized or missing fields are a ProtocolError.
type request struct {
	Op       string     `json:"op"`
	Key      string     `json:"key,omitempty"`
	Value    *kv.Value  `json:"value,omitempty"`
	Amount   int64      `json:"amount,omitempty"`
	Items    []bulkItem `json:"items,omitempty"`
	Field    string     `json:"field,omitempty"`
	Query    string     `json:"query,omitempty"`
	TopK     int        `json:"top_k,omitempty"`
	ClientID string     `json:"client_id,omitempty"`
	Seq      uint64     `json:"seq,omitempty"`
}

type bulkItem struct {
	Key   string   `json:"key"`
	Value kv.Value `json:"value"`
}

// response is the single reply line per §4.6.
type response struct {
	Status string      `json:"status"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
	Leader string      `json:"leader,omitempty"`
}

// Dispatcher wires the client protocol to a raft.Node and its secondary
// access paths. One Dispatcher serves every client connection for a node.
type Dispatcher struct {
	node     *raft.Node
	field    *index.FieldIndex
	bm25     *search.BM25Index
	tfidf    *semantic.TFIDFIndex
	logger   *zap.SugaredLogger
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a Dispatcher. field, bm25, and tfidf are the same observer
// instances registered on the node's kv.Store via a fan-out observer, so
// that SEARCH/SEMANTIC_SEARCH/QUERY_INDEX answer from the exact state the
// log has applied up through this connection's last write.
func New(node *raft.Node, field *index.FieldIndex, bm25 *search.BM25Index, tfidf *semantic.TFIDFIndex, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{node: node, field: field, bm25: bm25, tfidf: tfidf, logger: logger}
}

// Serve listens on addr and handles client connections until the
// listener is closed.
func (d *Dispatcher) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	d.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		d.wg.Add(1)
		go d.handleConn(conn)
	}
}

// Close stops accepting new connections and waits for in-flight ones to
// drain.
func (d *Dispatcher) Close() error {
	var err error
	if d.listener != nil {
		err = d.listener.Close()
	}
	d.wg.Wait()
	return err
}

// handleConn serves one client connection: one task per accepted
// connection, per §4.5. Requests on a single connection are processed
// strictly one at a time, in the order they were sent — a client that
// pipelines SET k=1 then SET k=2 must see them proposed to Raft in that
// order, not just acknowledged in that order. A slow SEARCH on one
// connection only blocks that connection's own next request, never other
// connections, since each gets its own goroutine here.
func (d *Dispatcher) handleConn(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()

	clientID := uuid.NewString()
	var seq uint64

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		seq++

		resp := d.handleLine(context.Background(), clientID, seq, line)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (d *Dispatcher) handleLine(ctx context.Context, clientID string, seq uint64, line []byte) response {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return response{Status: "error", Error: fmt.Sprintf("protocol: malformed request: %v", err)}
	}
	if req.ClientID != "" {
		clientID = req.ClientID
	}
	if req.Seq != 0 {
		seq = req.Seq
	}

	switch req.Op {
	case "SET":
		return d.dispatchWrite(ctx, kv.Command{Type: kv.CommandSet, Key: req.Key, Value: valueOrEmpty(req.Value), ClientID: clientID, Seq: seq})
	case "DELETE":
		return d.dispatchWrite(ctx, kv.Command{Type: kv.CommandDelete, Key: req.Key, ClientID: clientID, Seq: seq})
	case "INCR":
		return d.dispatchWrite(ctx, kv.Command{Type: kv.CommandIncr, Key: req.Key, Amount: req.Amount, ClientID: clientID, Seq: seq})
	case "BULK_SET":
		items := make([]kv.BulkItem, len(req.Items))
		for i, it := range req.Items {
			items[i] = kv.BulkItem{Key: it.Key, Value: it.Value}
		}
		return d.dispatchWrite(ctx, kv.Command{Type: kv.CommandBulkSet, Items: items, ClientID: clientID, Seq: seq})
	case "CREATE_INDEX":
		return d.dispatchWrite(ctx, kv.Command{Type: kv.CommandCreateIndex, Field: req.Field, ClientID: clientID, Seq: seq})

	case "GET":
		return d.dispatchGet(ctx, req.Key)
	case "QUERY_INDEX":
		return d.dispatchQueryIndex(req.Field, req.Value)
	case "SEARCH":
		return d.dispatchSearch(req.Query, req.TopK)
	case "SEMANTIC_SEARCH":
		return d.dispatchSemanticSearch(req.Query, req.TopK)

	default:
		return response{Status: "error", Error: fmt.Sprintf("protocol: unknown op %q", req.Op)}
	}
}

func valueOrEmpty(v *kv.Value) kv.Value {
	if v == nil {
		return kv.Value{}
	}
	return *v
}

func (d *Dispatcher) dispatchWrite(ctx context.Context, cmd kv.Command) response {
	result, err := d.node.Propose(ctx, cmd)
	if resp, handled := translateNodeErr(d.node, err); handled {
		return resp
	}
	if err != nil {
		return response{Status: "error", Error: err.Error()}
	}
	if result.Err != nil {
		return response{Status: "error", Error: result.Err.Error()}
	}
	return response{Status: "success", Result: result.Response}
}

func (d *Dispatcher) dispatchGet(ctx context.Context, key string) response {
	v, ok, err := d.node.Get(ctx, key)
	if resp, handled := translateNodeErr(d.node, err); handled {
		return resp
	}
	if err != nil {
		return response{Status: "error", Error: err.Error()}
	}
	if !ok {
		return response{Status: "error", Error: kv.ErrNotFound.Error()}
	}
	return response{Status: "success", Result: v}
}

func (d *Dispatcher) dispatchQueryIndex(field string, value *kv.Value) response {
	keys, err := d.field.Query(field, scalarString(value))
	if err != nil {
		return response{Status: "error", Error: err.Error()}
	}
	return response{Status: "success", Result: keys}
}

// scalarString reduces a QUERY_INDEX request's value to the same string
// form pkg/index compares postings against, so "value": "active" and
// "value": 1 both match what CREATE_INDEX indexed for String/Integer keys.
func scalarString(v *kv.Value) string {
	if v == nil {
		return ""
	}
	switch v.Kind {
	case kv.KindInteger:
		return fmt.Sprintf("%d", v.Int)
	default:
		return v.Str
	}
}

func (d *Dispatcher) dispatchSearch(query string, topK int) response {
	return response{Status: "success", Result: d.bm25.Search(query, topK)}
}

func (d *Dispatcher) dispatchSemanticSearch(query string, topK int) response {
	return response{Status: "success", Result: d.tfidf.Search(query, topK)}
}

// translateNodeErr maps the NotLeader/NotReady error taxonomy of §7 to the
// redirect/error response shapes of §4.6. handled is false for errors (or
// nil) the caller should keep handling itself.
func translateNodeErr(node *raft.Node, err error) (response, bool) {
	switch {
	case errors.Is(err, raft.ErrNotLeader):
		leader := node.LeaderID()
		return response{Status: "redirect", Leader: leader}, true
	case errors.Is(err, raft.ErrNotReady):
		return response{Status: "error", Error: err.Error()}, true
	default:
		return response{}, false
	}
}
