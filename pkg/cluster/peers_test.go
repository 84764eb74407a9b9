package cluster

import "testing"

func TestParsePeersEmpty(t *testing.T) {
	members, err := ParsePeers("  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected no members, got %v", members)
	}
}

func TestParsePeersAddressDoublesAsID(t *testing.T) {
	members, err := ParsePeers("10.0.0.1:8001,10.0.0.2:8001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if members[0].ID != members[0].Address {
		t.Fatalf("expected ID to double as address, got ID=%q Address=%q", members[0].ID, members[0].Address)
	}
	if members[0].ID != "10.0.0.1:8001" {
		t.Fatalf("unexpected first member: %+v", members[0])
	}
}

func TestParsePeersRejectsMissingPort(t *testing.T) {
	if _, err := ParsePeers("not-an-address"); err == nil {
		t.Fatal("expected error for address without a port")
	}
}

func TestParsePeersRejectsDuplicates(t *testing.T) {
	if _, err := ParsePeers("host:1,host:1"); err == nil {
		t.Fatal("expected error for duplicate peer address")
	}
}

func TestParsePeersTrimsWhitespaceAndSkipsEmptyEntries(t *testing.T) {
	members, err := ParsePeers(" host:1 , , host:2 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d: %v", len(members), members)
	}
}

func TestQuorumSize(t *testing.T) {
	cases := []struct {
		peers int
		want  int
	}{
		{peers: 0, want: 1},
		{peers: 2, want: 2},
		{peers: 4, want: 3},
	}
	for _, c := range cases {
		if got := QuorumSize(c.peers); got != c.want {
			t.Errorf("QuorumSize(%d) = %d, want %d", c.peers, got, c.want)
		}
	}
}
