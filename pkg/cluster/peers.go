// Package cluster parses and validates the static peer set a node is
// configured with at startup. Dynamic membership changes are out of
// scope: the set returned by ParsePeers never changes for the lifetime of
// the process.
package cluster

import (
	"fmt"
	"strings"

	"github.com/vzdtic/raftkv/pkg/raft"
)

// ParsePeers parses a "--peers host:port,host:port,..." flag value into
// the ClusterMember list a raft.Config expects. A peer's address doubles
// as its ID: the wire protocol identifies peers by address, not by a
// separately assigned name.
func ParsePeers(csv string) ([]raft.ClusterMember, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}

	parts := strings.Split(csv, ",")
	members := make([]raft.ClusterMember, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		addr := strings.TrimSpace(p)
		if addr == "" {
			continue
		}
		if !strings.Contains(addr, ":") {
			return nil, fmt.Errorf("cluster: invalid peer address %q (want host:port)", addr)
		}
		if seen[addr] {
			return nil, fmt.Errorf("cluster: duplicate peer address %q", addr)
		}
		seen[addr] = true
		members = append(members, raft.ClusterMember{ID: addr, Address: addr})
	}
	return members, nil
}

// QuorumSize returns the number of nodes (including self) required for a
// majority in a cluster with the given number of peers.
func QuorumSize(peerCount int) int {
	return (peerCount+1)/2 + 1
}
