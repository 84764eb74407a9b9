// Package wal implements the append-only durable log of state-machine
// mutations (C1): batched fsync (group commit), crash recovery by replay,
// and torn-write tolerance on the trailing record.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Entry represents a single durable log entry.
type Entry struct {
	Term    uint64
	Index   uint64
	CmdTag  uint8
	Payload []byte
}

const (
	walFileName = "wal.log"

	// u32 length | u64 term | u64 index | u8 cmd_tag | payload | u32 crc32
	headerSize = 4 + 8 + 8 + 1
	trailerSize = 4
)

// WAL is the append-only record stream for a single node. Appends are
// buffered and never fsync; Sync and Truncate do, so every append made
// between two Sync calls shares one fsync (group commit).
type WAL struct {
	mu      sync.Mutex
	dir     string
	file    *os.File
	writer  *bufio.Writer
	entries []Entry
}

// Open opens (creating if necessary) the WAL directory and replays any
// existing log, stopping at the first corrupt or partial trailing record.
func Open(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	path := filepath.Join(dir, walFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}

	w := &WAL{dir: dir, file: file}
	entries, truncateAt, err := replay(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: replay: %w", err)
	}
	w.entries = entries

	// A torn trailing record is discarded by truncating the file to the
	// last known-good record boundary, so a subsequent append starts
	// clean rather than appending after garbage bytes.
	if truncateAt >= 0 {
		if err := file.Truncate(int64(truncateAt)); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: seek end: %w", err)
	}

	w.writer = bufio.NewWriter(file)
	return w, nil
}

// replay reads every well-formed record from the start of the file. It
// returns the entries found and, if the final bytes in the file form a
// partial or corrupt record, the byte offset at which that tail begins (or
// -1 if the file ends cleanly on a record boundary).
func replay(file *os.File) ([]Entry, int, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, -1, err
	}

	r := bufio.NewReader(file)
	var entries []Entry
	offset := 0

	for {
		header := make([]byte, headerSize)
		n, err := io.ReadFull(r, header)
		if err == io.EOF {
			return entries, -1, nil
		}
		if err == io.ErrUnexpectedEOF {
			return entries, offset, nil
		}
		if err != nil {
			return entries, -1, err
		}

		length := binary.LittleEndian.Uint32(header[0:4])
		if length == 0 {
			return entries, offset, nil
		}

		body := make([]byte, length+trailerSize)
		n2, err := io.ReadFull(r, body)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return entries, offset, nil
		}
		if err != nil {
			return entries, -1, err
		}

		payload := body[:length]
		wantCRC := binary.LittleEndian.Uint32(body[length : length+trailerSize])
		gotCRC := crc32.ChecksumIEEE(append(append([]byte{}, header...), payload...))
		if gotCRC != wantCRC {
			return entries, offset, nil
		}

		term := binary.LittleEndian.Uint64(header[4:12])
		index := binary.LittleEndian.Uint64(header[12:20])
		cmdTag := header[20]

		entries = append(entries, Entry{
			Term:    term,
			Index:   index,
			CmdTag:  cmdTag,
			Payload: payload,
		})

		offset += n + n2
	}
}

// Append buffers entries for writing but does not fsync; call Sync to make
// them durable. The entries become visible to Entries()/LastIndex() etc.
// immediately (pre-fsync), matching the Raft log layer's right to read
// ahead for pipelining without treating the entries as durable.
func (w *WAL) Append(entries ...Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, e := range entries {
		if err := w.writeRecord(e); err != nil {
			return err
		}
		w.entries = append(w.entries, e)
	}
	return nil
}

func (w *WAL) writeRecord(e Entry) error {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(e.Payload)))
	binary.LittleEndian.PutUint64(header[4:12], e.Term)
	binary.LittleEndian.PutUint64(header[12:20], e.Index)
	header[20] = e.CmdTag

	crc := crc32.ChecksumIEEE(append(append([]byte{}, header...), e.Payload...))
	trailer := make([]byte, trailerSize)
	binary.LittleEndian.PutUint32(trailer, crc)

	if _, err := w.writer.Write(header); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if _, err := w.writer.Write(e.Payload); err != nil {
		return fmt.Errorf("wal: write payload: %w", err)
	}
	if _, err := w.writer.Write(trailer); err != nil {
		return fmt.Errorf("wal: write trailer: %w", err)
	}
	return nil
}

// Sync flushes the buffered writer and fsyncs the underlying file, making
// every entry appended since the previous Sync durable with one fsync
// (group commit). Each call fsyncs, whether or not anything was appended.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	return w.file.Sync()
}

// Entries returns a copy of every entry currently known to the WAL
// (including unsynced ones).
func (w *WAL) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}

// EntryAt returns the entry at the given 1-based log index, if present.
func (w *WAL) EntryAt(index uint64) (Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.entries {
		if e.Index == index {
			return e, true
		}
	}
	return Entry{}, false
}

// LastIndex returns the index of the last entry, or 0 if the log is empty.
func (w *WAL) LastIndex() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.entries) == 0 {
		return 0
	}
	return w.entries[len(w.entries)-1].Index
}

// LastTerm returns the term of the last entry, or 0 if the log is empty.
func (w *WAL) LastTerm() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.entries) == 0 {
		return 0
	}
	return w.entries[len(w.entries)-1].Term
}

// IterFrom returns every entry with index >= from, in order.
func (w *WAL) IterFrom(from uint64) []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Entry
	for _, e := range w.entries {
		if e.Index >= from {
			out = append(out, e)
		}
	}
	return out
}

// Truncate discards every entry with index >= from and rewrites the file
// to hold only the surviving prefix. Used when a follower's log conflicts
// with the leader's and must be rolled back before re-appending.
func (w *WAL) Truncate(from uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.entries[:0:0]
	for _, e := range w.entries {
		if e.Index < from {
			kept = append(kept, e)
		}
	}
	w.entries = kept

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush before truncate: %w", err)
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek start: %w", err)
	}
	w.writer = bufio.NewWriter(w.file)
	for _, e := range kept {
		if err := w.writeRecord(e); err != nil {
			return err
		}
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush after truncate: %w", err)
	}
	return w.file.Sync()
}

// Size returns the number of entries currently held.
func (w *WAL) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("wal: flush on close: %w", err)
	}
	return w.file.Close()
}
