package raft

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vzdtic/raftkv/pkg/kv"
	"github.com/vzdtic/raftkv/pkg/wal"
)

// Log wraps the append-only WAL (C1) with an in-memory index for O(1)
// access by log index (C3). Every mutation is reflected in the WAL before
// append/truncateSuffix returns; sync must still be called before an
// entry is considered durable.
type Log struct {
	mu      sync.RWMutex
	wal     *wal.WAL
	entries []LogEntry // entries[i].Index == i+1 (log indexes are 1-based)
}

// OpenLog opens the WAL at dir and replays it into the in-memory index.
func OpenLog(dir string) (*Log, error) {
	w, err := wal.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("raft: open wal: %w", err)
	}

	l := &Log{wal: w}
	for _, rec := range w.Entries() {
		entry, err := decodeRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("raft: decode wal record at index %d: %w", rec.Index, err)
		}
		l.entries = append(l.entries, entry)
	}
	return l, nil
}

func decodeRecord(rec wal.Entry) (LogEntry, error) {
	var cmd kv.Command
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &cmd); err != nil {
			return LogEntry{}, err
		}
	}
	return LogEntry{
		Term:    rec.Term,
		Index:   rec.Index,
		Type:    EntryType(rec.CmdTag),
		Command: cmd,
	}, nil
}

func encodeRecord(e LogEntry) (wal.Entry, error) {
	payload, err := json.Marshal(e.Command)
	if err != nil {
		return wal.Entry{}, err
	}
	return wal.Entry{
		Term:    e.Term,
		Index:   e.Index,
		CmdTag:  uint8(e.Type),
		Payload: payload,
	}, nil
}

// LastIndex returns the index of the last entry, 0 if the log is empty.
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Index
}

// LastTerm returns the term of the last entry, 0 if the log is empty.
func (l *Log) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// TermAt returns the term of the entry at index, and whether it exists.
func (l *Log) TermAt(index uint64) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index == 0 || index > uint64(len(l.entries)) {
		return 0, false
	}
	return l.entries[index-1].Term, true
}

// EntryAt returns the entry at index, and whether it exists.
func (l *Log) EntryAt(index uint64) (LogEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index == 0 || index > uint64(len(l.entries)) {
		return LogEntry{}, false
	}
	return l.entries[index-1], true
}

// Slice returns entries with index in [from, to].
func (l *Log) Slice(from, to uint64) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []LogEntry
	for _, e := range l.entries {
		if e.Index >= from && e.Index <= to {
			out = append(out, e)
		}
	}
	return out
}

// Append appends entries (assumed to already have correct, increasing
// indexes) to both the in-memory index and the underlying WAL. Does not
// fsync; call Sync for that.
func (l *Log) Append(entries ...LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := make([]wal.Entry, 0, len(entries))
	for _, e := range entries {
		rec, err := encodeRecord(e)
		if err != nil {
			return fmt.Errorf("raft: encode entry %d: %w", e.Index, err)
		}
		recs = append(recs, rec)
	}
	if err := l.wal.Append(recs...); err != nil {
		return err
	}
	l.entries = append(l.entries, entries...)
	return nil
}

// TruncateSuffix removes every entry with index >= from, from both the
// in-memory index and the WAL, then fsyncs.
func (l *Log) TruncateSuffix(from uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.wal.Truncate(from); err != nil {
		return err
	}
	kept := l.entries[:0:0]
	for _, e := range l.entries {
		if e.Index < from {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	return nil
}

// Sync fsyncs the underlying WAL, covering every entry appended since the
// previous Sync (group commit). The Raft node calls it before a follower
// acks newly appended entries and again before applying newly committed
// ones, so one AppendEntries request that does both fsyncs twice.
func (l *Log) Sync() error {
	return l.wal.Sync()
}

// Close closes the underlying WAL.
func (l *Log) Close() error {
	return l.wal.Close()
}
