package testing

import (
	"fmt"
	"sync"

	"github.com/vzdtic/raftkv/pkg/kv"
	"github.com/vzdtic/raftkv/pkg/raft"
)

// CommittedEntry is one entry a node has advanced its commit index past,
// recorded for cross-node safety comparison.
type CommittedEntry struct {
	Index   uint64
	Term    uint64
	Command kv.Command
	NodeID  string
}

// InvariantViolation is one detected break of a Raft safety property.
type InvariantViolation struct {
	Type        string
	Description string
	Details     map[string]interface{}
}

// InvariantChecker accumulates committed entries observed across a
// cluster's nodes and checks that they never disagree: the log-matching
// property, monotonic commit, and non-decreasing term-at-index.
type InvariantChecker struct {
	mu              sync.Mutex
	committedByNode map[string][]CommittedEntry
	violations      []InvariantViolation
}

// NewInvariantChecker creates an empty checker.
func NewInvariantChecker() *InvariantChecker {
	return &InvariantChecker{committedByNode: make(map[string][]CommittedEntry)}
}

// CollectFromNodes snapshots every node's committed prefix (entries up to
// its own commit index) into the checker.
func (ic *InvariantChecker) CollectFromNodes(nodes []*raft.Node) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	for _, node := range nodes {
		nodeID := node.ID()
		commitIndex := node.State().CommitIndex()
		log := node.Log()

		for idx := uint64(1); idx <= commitIndex; idx++ {
			entry, ok := log.EntryAt(idx)
			if !ok {
				continue
			}
			ic.committedByNode[nodeID] = append(ic.committedByNode[nodeID], CommittedEntry{
				Index:   entry.Index,
				Term:    entry.Term,
				Command: entry.Command,
				NodeID:  nodeID,
			})
		}
	}
}

// CheckSafetyInvariants runs every check and returns whether the
// collected history is consistent.
func (ic *InvariantChecker) CheckSafetyInvariants() (bool, []InvariantViolation) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	ic.violations = nil
	ic.checkLogMatchingSafety()
	ic.checkMonotonicCommit()
	ic.checkTermConsistency()
	return len(ic.violations) == 0, ic.violations
}

// checkLogMatchingSafety verifies that every node that has committed a
// given index agrees on the term and, for SET commands, the value there.
func (ic *InvariantChecker) checkLogMatchingSafety() {
	byIndex := make(map[uint64]map[string]CommittedEntry)
	for nodeID, entries := range ic.committedByNode {
		for _, e := range entries {
			if byIndex[e.Index] == nil {
				byIndex[e.Index] = make(map[string]CommittedEntry)
			}
			byIndex[e.Index][nodeID] = e
		}
	}

	for index, byNode := range byIndex {
		var refID string
		var ref CommittedEntry
		first := true
		for nodeID, e := range byNode {
			if first {
				refID, ref, first = nodeID, e, false
				continue
			}
			if e.Term != ref.Term {
				ic.violations = append(ic.violations, InvariantViolation{
					Type:        "LOG_MATCHING_VIOLATION",
					Description: fmt.Sprintf("different terms at index %d: %s has term %d, %s has term %d", index, refID, ref.Term, nodeID, e.Term),
					Details:     map[string]interface{}{"index": index, "node1": refID, "term1": ref.Term, "node2": nodeID, "term2": e.Term},
				})
			}
			if e.Command.Type == kv.CommandSet && ref.Command.Type == kv.CommandSet {
				if e.Command.Key != ref.Command.Key || !e.Command.Value.Equal(ref.Command.Value) {
					ic.violations = append(ic.violations, InvariantViolation{
						Type:        "VALUE_MISMATCH",
						Description: fmt.Sprintf("different values at index %d: %s has key %s, %s has key %s", index, refID, ref.Command.Key, nodeID, e.Command.Key),
						Details:     map[string]interface{}{"index": index, "node1": refID, "node2": nodeID},
					})
				}
			}
		}
	}
}

// checkMonotonicCommit verifies a single node's recorded commit indexes
// never go backwards.
func (ic *InvariantChecker) checkMonotonicCommit() {
	for nodeID, entries := range ic.committedByNode {
		var last uint64
		for _, e := range entries {
			if e.Index < last {
				ic.violations = append(ic.violations, InvariantViolation{
					Type:        "NON_MONOTONIC_COMMIT",
					Description: fmt.Sprintf("node %s committed index %d after index %d", nodeID, e.Index, last),
					Details:     map[string]interface{}{"nodeID": nodeID, "prevIndex": last, "currIndex": e.Index},
				})
			}
			last = e.Index
		}
	}
}

// checkTermConsistency verifies a single node's term never decreases as
// its log index increases.
func (ic *InvariantChecker) checkTermConsistency() {
	for nodeID, entries := range ic.committedByNode {
		for i := 1; i < len(entries); i++ {
			prev, curr := entries[i-1], entries[i]
			if curr.Index > prev.Index && curr.Term < prev.Term {
				ic.violations = append(ic.violations, InvariantViolation{
					Type:        "TERM_CONSISTENCY_VIOLATION",
					Description: fmt.Sprintf("node %s has term %d at index %d, then term %d at higher index %d", nodeID, prev.Term, prev.Index, curr.Term, curr.Index),
					Details:     map[string]interface{}{"nodeID": nodeID, "prevIndex": prev.Index, "prevTerm": prev.Term, "currIndex": curr.Index, "currTerm": curr.Term},
				})
			}
		}
	}
}

// Clear resets the checker for reuse across test cases.
func (ic *InvariantChecker) Clear() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.committedByNode = make(map[string][]CommittedEntry)
	ic.violations = nil
}

// CompareStateMachines reports whether every store's final key space
// agrees with the first, and describes every difference found.
func CompareStateMachines(stores []*kv.Store) (bool, []string) {
	if len(stores) == 0 {
		return true, nil
	}

	var diffs []string
	ref := stores[0].Snapshot()

	for i := 1; i < len(stores); i++ {
		state := stores[i].Snapshot()

		for key, refVal := range ref {
			val, ok := state[key]
			if !ok {
				diffs = append(diffs, fmt.Sprintf("store %d missing key %s", i, key))
			} else if !val.Equal(refVal) {
				diffs = append(diffs, fmt.Sprintf("store %d has a different value for key %s than store 0", i, key))
			}
		}
		for key := range state {
			if _, ok := ref[key]; !ok {
				diffs = append(diffs, fmt.Sprintf("store %d has unexpected key %s", i, key))
			}
		}
	}

	return len(diffs) == 0, diffs
}
