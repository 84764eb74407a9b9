package testing

import (
	"fmt"
	"os"

	"github.com/vzdtic/raftkv/pkg/raft"
	"github.com/vzdtic/raftkv/pkg/wal"
)

// newTempLogDir creates a fresh, empty directory for one node's WAL and
// term-state files, unique to this process and test run.
func newTempLogDir(prefix string, seed int64, nodeIdx int) (string, error) {
	dir := fmt.Sprintf("%s/raftkv-%s-%d-%d-%d", os.TempDir(), prefix, os.Getpid(), seed, nodeIdx)
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// openNodeStorage opens the Raft log and term-state files a node backing
// onto dir needs.
func openNodeStorage(dir string) (*raft.Log, *wal.TermState, error) {
	raftLog, err := raft.OpenLog(dir)
	if err != nil {
		return nil, nil, err
	}
	termState, err := wal.OpenTermState(dir)
	if err != nil {
		return nil, nil, err
	}
	return raftLog, termState, nil
}

// removeDirs best-effort removes every directory in dirs.
func removeDirs(dirs []string) {
	for _, dir := range dirs {
		os.RemoveAll(dir)
	}
}
