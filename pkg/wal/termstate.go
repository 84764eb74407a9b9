package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const termStateFileName = "term.state"

// TermState persists current_term and voted_for in a small fixed-prefix
// file, separate from the append-only entry log because it is rewritten in
// full on every term bump and every vote — far more often than the log
// grows. Each write goes to a temp file followed by an atomic rename, so a
// crash never leaves a half-written term.state that could be confused with
// a torn log record.
type TermState struct {
	mu          sync.Mutex
	dir         string
	currentTerm uint64
	votedFor    string
}

// OpenTermState loads the persisted term/vote, or starts at (0, "") if no
// term.state file exists yet.
func OpenTermState(dir string) (*TermState, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	ts := &TermState{dir: dir}
	path := filepath.Join(dir, termStateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ts, nil
		}
		return nil, fmt.Errorf("wal: read term.state: %w", err)
	}

	term, votedFor, err := decodeTermState(data)
	if err != nil {
		return nil, fmt.Errorf("wal: decode term.state: %w", err)
	}
	ts.currentTerm = term
	ts.votedFor = votedFor
	return ts, nil
}

func decodeTermState(data []byte) (uint64, string, error) {
	if len(data) < 8+2 {
		return 0, "", io.ErrUnexpectedEOF
	}
	term := binary.LittleEndian.Uint64(data[0:8])
	votedForLen := binary.LittleEndian.Uint16(data[8:10])
	if len(data) < 10+int(votedForLen) {
		return 0, "", io.ErrUnexpectedEOF
	}
	votedFor := string(data[10 : 10+votedForLen])
	return term, votedFor, nil
}

func encodeTermState(term uint64, votedFor string) []byte {
	buf := make([]byte, 10+len(votedFor))
	binary.LittleEndian.PutUint64(buf[0:8], term)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(votedFor)))
	copy(buf[10:], votedFor)
	return buf
}

// CurrentTerm returns the persisted current term.
func (ts *TermState) CurrentTerm() uint64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.currentTerm
}

// VotedFor returns the candidate voted for in the current term, or "" if
// none.
func (ts *TermState) VotedFor() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.votedFor
}

// Save persists a new (term, votedFor) pair with write-then-rename
// atomicity.
func (ts *TermState) Save(term uint64, votedFor string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	data := encodeTermState(term, votedFor)
	path := filepath.Join(ts.dir, termStateFileName)
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("wal: create term.state.tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("wal: write term.state.tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("wal: sync term.state.tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("wal: close term.state.tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("wal: rename term.state: %w", err)
	}

	ts.currentTerm = term
	ts.votedFor = votedFor
	return nil
}
