package kv

import (
	"errors"
	"sync"
)

// CommandType identifies the kind of mutation a LogEntry carries.
type CommandType int

const (
	CommandSet CommandType = iota
	CommandDelete
	CommandIncr
	CommandBulkSet
	CommandCreateIndex
	CommandNoop
)

// BulkItem is a single (key, value) pair inside a BULK_SET command.
type BulkItem struct {
	Key   string
	Value Value
}

// Command is the payload carried by a LogEntry. Only the fields relevant to
// Type are populated.
type Command struct {
	Type   CommandType
	Key    string
	Value  Value
	Amount int64
	Items  []BulkItem
	Field  string // CommandCreateIndex

	ClientID string
	Seq      uint64
}

// ErrTypeMismatch is returned by Apply when an INCR targets a key whose
// current value is not an Integer. Per spec §4.2 this is an ApplyError: the
// entry is still considered applied, it is the caller's error, not a
// consensus error.
var ErrTypeMismatch = errors.New("kv: type mismatch")

// ErrNotFound is the error the dispatcher reports when a key is absent;
// Get itself signals absence through its bool result.
var ErrNotFound = errors.New("kv: key not found")

// CreateIndexControlPrefix marks an OnApply call as a CREATE_INDEX control
// message rather than a data mutation: the field name follows the prefix
// in Key, Value is nil, and observers that maintain secondary indexes
// check for it before treating Key as a real key.
const CreateIndexControlPrefix = "\x00__create_index__:"

// IndexObserver is notified, synchronously and in commit order, of every
// mutating apply. Implementations must not suspend: they run inline on the
// Raft apply loop.
type IndexObserver interface {
	OnApply(key string, value *Value, tombstone bool, index uint64)
}

// ApplyResult is what an Apply call reports back to the caller for a single
// command: a response value (possibly nil) and/or an ApplyError.
type ApplyResult struct {
	Response interface{}
	Err      error
}

type clientSession struct {
	lastSeq  uint64
	response ApplyResult
}

// Store is the in-memory state machine (C2): a map of string to Value, fed
// exclusively by Apply calls from the Raft apply loop in strictly
// increasing index order.
type Store struct {
	mu       sync.RWMutex
	data     map[string]Value
	sessions map[string]*clientSession
	observer IndexObserver
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		data:     make(map[string]Value),
		sessions: make(map[string]*clientSession),
	}
}

// SetObserver installs the IndexObserver that OnApply is delivered to after
// every mutating apply. Must be called before Apply is first invoked from
// the event loop (no locking protects concurrent SetObserver/Apply calls).
func (s *Store) SetObserver(observer IndexObserver) {
	s.observer = observer
}

// Apply applies a single command to the state machine, exactly once, and
// returns the result a client waiting on this command's index should see.
// Duplicate application of an already-seen (ClientID, Seq) pair returns the
// cached result rather than re-executing, which is what makes BULK_SET (and
// every other write) safe under client-driven retry.
func (s *Store) Apply(cmd Command, index uint64) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd.ClientID != "" && cmd.Seq != 0 {
		if sess, ok := s.sessions[cmd.ClientID]; ok && sess.lastSeq >= cmd.Seq {
			return sess.response
		}
	}

	result := s.applyLocked(cmd, index)

	if cmd.ClientID != "" && cmd.Seq != 0 {
		s.sessions[cmd.ClientID] = &clientSession{lastSeq: cmd.Seq, response: result}
	}

	return result
}

func (s *Store) applyLocked(cmd Command, index uint64) ApplyResult {
	switch cmd.Type {
	case CommandSet:
		s.data[cmd.Key] = cmd.Value
		s.notify(cmd.Key, &cmd.Value, false, index)
		return ApplyResult{Response: true}

	case CommandDelete:
		_, existed := s.data[cmd.Key]
		delete(s.data, cmd.Key)
		if existed {
			s.notify(cmd.Key, nil, true, index)
		}
		return ApplyResult{Response: true}

	case CommandIncr:
		cur, ok := s.data[cmd.Key]
		var next int64
		if !ok {
			next = cmd.Amount
		} else if cur.Kind == KindInteger {
			next = cur.Int + cmd.Amount
		} else {
			return ApplyResult{Err: ErrTypeMismatch}
		}
		nv := Integer(next)
		s.data[cmd.Key] = nv
		s.notify(cmd.Key, &nv, false, index)
		return ApplyResult{Response: next}

	case CommandBulkSet:
		// Staged then committed atomically. SET has no failure mode, so
		// "staging" degenerates to "apply them all", but the two passes
		// keep the atomicity explicit and are where a future validating
		// item type would stage-then-commit.
		for _, item := range cmd.Items {
			s.data[item.Key] = item.Value
		}
		for _, item := range cmd.Items {
			v := item.Value
			s.notify(item.Key, &v, false, index)
		}
		return ApplyResult{Response: len(cmd.Items)}

	case CommandCreateIndex:
		// Index creation has no state-machine-visible effect; it exists in
		// the log purely so every node's IndexObserver sees the same
		// CREATE_INDEX at the same index and builds the same index. The
		// field name rides in on the reserved-prefix key rather than a
		// second OnApply method, since observers have exactly one hook.
		s.notify(CreateIndexControlPrefix+cmd.Field, nil, false, index)
		return ApplyResult{Response: true}

	case CommandNoop:
		return ApplyResult{}

	default:
		return ApplyResult{Err: errors.New("kv: unknown command type")}
	}
}

func (s *Store) notify(key string, value *Value, tombstone bool, index uint64) {
	if s.observer != nil {
		s.observer.OnApply(key, value, tombstone, index)
	}
}

// Get retrieves the current value for key.
func (s *Store) Get(key string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Snapshot returns a consistent copy of the full key space. Used only by
// tests; no log compaction is in scope.
func (s *Store) Snapshot() map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Value, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Size returns the number of keys currently held.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
