package raft

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/vzdtic/raftkv/pkg/kv"
	"github.com/vzdtic/raftkv/pkg/wal"
)

// Node is the central Raft state machine (C4). All mutable state (role,
// term, log, commit index, peer next/match tables) is owned exclusively by
// a single goroutine started by Start; every other goroutine — peer RPC
// handlers, client requests, timers — submits a closure to cmdCh rather
// than touching the fields below directly. This is Go's realization of the
// single-threaded cooperative event loop: a command is dequeued and run to
// completion, with no blocking I/O inside it, before the next one starts.
type Node struct {
	id        string
	peers     []ClusterMember
	cfg       Config
	log       *Log
	term      *wal.TermState
	store     *kv.Store
	transport Transport
	logger    *zap.SugaredLogger

	cmdCh      chan func()
	shutdownCh chan struct{}
	doneCh     chan struct{}

	state *NodeState

	rng *rand.Rand

	// Everything below is touched only from inside the owner goroutine
	// (directly in run(), or in a closure submitted via submit()).
	role             Role
	currentTerm      uint64
	votedFor         string
	leaderID         string
	commitIndex      uint64
	lastApplied      uint64
	electionDeadline time.Time

	nextIndex     map[string]uint64
	matchIndex    map[string]uint64
	lastAck       map[string]time.Time
	votesReceived map[string]bool

	pending map[uint64]chan kv.ApplyResult
}

// New constructs a Node. Start must be called before it participates in
// elections or serves requests.
func New(cfg Config, log *Log, term *wal.TermState, store *kv.Store, transport Transport, logger *zap.SugaredLogger) *Node {
	n := &Node{
		id:         cfg.ID,
		peers:      cfg.Peers,
		cfg:        cfg,
		log:        log,
		term:       term,
		store:      store,
		transport:  transport,
		logger:     logger,
		cmdCh:      make(chan func()),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		state:      newNodeState(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(hashID(cfg.ID)))),
		nextIndex:  make(map[string]uint64),
		matchIndex: make(map[string]uint64),
		pending:    make(map[uint64]chan kv.ApplyResult),
	}
	n.currentTerm = term.CurrentTerm()
	n.votedFor = term.VotedFor()
	n.role = Follower
	n.publishState()
	return n
}

func hashID(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// Start launches the owner goroutine.
func (n *Node) Start() {
	go n.run()
}

// Stop shuts down the owner goroutine and resolves every outstanding
// client waiter with ErrNodeStopped, then closes the log.
func (n *Node) Stop() {
	close(n.shutdownCh)
	<-n.doneCh
	for idx, ch := range n.pending {
		ch <- kv.ApplyResult{Err: ErrNodeStopped}
		delete(n.pending, idx)
	}
	if err := n.log.Close(); err != nil {
		n.logger.Warnw("close wal failed", "err", err)
	}
}

func (n *Node) submit(fn func()) {
	select {
	case n.cmdCh <- fn:
	case <-n.doneCh:
	}
}

// run is the owner goroutine. It is the only goroutine that ever reads or
// writes role/currentTerm/votedFor/log/commitIndex/etc. directly.
func (n *Node) run() {
	defer close(n.doneCh)

	n.resetElectionDeadlineLocked()
	heartbeatTicker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		var electionFire <-chan time.Time
		if n.role != Leader {
			d := time.Until(n.electionDeadline)
			if d < 0 {
				d = 0
			}
			electionFire = time.After(d)
		}

		select {
		case <-n.shutdownCh:
			return
		case fn := <-n.cmdCh:
			fn()
		case <-electionFire:
			n.becomeCandidateLocked()
		case <-heartbeatTicker.C:
			if n.role == Leader {
				n.checkStepDownLocked()
				n.broadcastAppendEntriesLocked()
			}
		}
	}
}

func (n *Node) resetElectionDeadlineLocked() {
	span := int64(n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin)
	if span <= 0 {
		span = 1
	}
	d := n.cfg.ElectionTimeoutMin + time.Duration(n.rng.Int63n(span))
	n.electionDeadline = time.Now().Add(d)
}

func (n *Node) publishState() {
	n.state.publish(n.role, n.currentTerm, n.leaderID, n.commitIndex, n.lastApplied)
}

func (n *Node) persistTermStateLocked() {
	if err := n.term.Save(n.currentTerm, n.votedFor); err != nil {
		n.logger.Fatalw("persist term state failed", "err", err)
	}
}

func (n *Node) failPendingLocked(err error) {
	for idx, ch := range n.pending {
		ch <- kv.ApplyResult{Err: err}
		delete(n.pending, idx)
	}
}

// --- Role transitions -------------------------------------------------

func (n *Node) becomeFollowerLocked(term uint64, leaderID string) {
	wasLeader := n.role == Leader
	n.role = Follower
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = ""
		n.persistTermStateLocked()
	}
	if leaderID != "" {
		n.leaderID = leaderID
	}
	n.resetElectionDeadlineLocked()
	if wasLeader {
		n.failPendingLocked(ErrNotLeader)
	}
	n.publishState()
}

func (n *Node) becomeCandidateLocked() {
	if n.role == Leader {
		return
	}
	n.role = Candidate
	n.currentTerm++
	n.votedFor = n.id
	n.leaderID = ""
	n.persistTermStateLocked()
	n.resetElectionDeadlineLocked()
	n.votesReceived = map[string]bool{n.id: true}
	n.publishState()

	n.logger.Infow("starting election", "term", n.currentTerm)

	term := n.currentTerm
	lastIdx := n.log.LastIndex()
	lastTerm := n.log.LastTerm()
	for _, p := range n.peers {
		go n.requestVoteFromPeer(p, term, lastIdx, lastTerm)
	}

	if len(n.votesReceived) > (len(n.peers)+1)/2 {
		n.becomeLeaderLocked()
	}
}

func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	n.leaderID = n.id
	lastIdx := n.log.LastIndex()
	n.nextIndex = make(map[string]uint64, len(n.peers))
	n.matchIndex = make(map[string]uint64, len(n.peers))
	n.lastAck = make(map[string]time.Time, len(n.peers))
	now := time.Now()
	for _, p := range n.peers {
		n.nextIndex[p.ID] = lastIdx + 1
		n.matchIndex[p.ID] = 0
		n.lastAck[p.ID] = now
	}

	n.logger.Infow("became leader", "term", n.currentTerm)

	// A freshly elected leader appends a NOOP as the first entry of its
	// term, establishing the commit barrier the read path relies on.
	n.appendEntryLocked(EntryNoop, kv.Command{Type: kv.CommandNoop})
	n.publishState()
	n.broadcastAppendEntriesLocked()
}

// --- Client-facing writes ----------------------------------------------

func (n *Node) appendEntryLocked(t EntryType, cmd kv.Command) uint64 {
	idx := n.log.LastIndex() + 1
	entry := LogEntry{Term: n.currentTerm, Index: idx, Type: t, Command: cmd}
	if err := n.log.Append(entry); err != nil {
		n.logger.Errorw("append entry failed", "err", err)
	}
	return idx
}

// Propose appends cmd to the log (if this node is leader), replicates it
// immediately, and waits for it to be applied. The entry is pipelined: the
// append and the broadcast happen in the same owner-goroutine closure so
// no heartbeat tick is needed to start replication.
func (n *Node) Propose(ctx context.Context, cmd kv.Command) (kv.ApplyResult, error) {
	waitCh := make(chan kv.ApplyResult, 1)
	type outcome struct{ err error }
	outCh := make(chan outcome, 1)

	n.submit(func() {
		if n.role != Leader {
			outCh <- outcome{ErrNotLeader}
			return
		}
		idx := n.appendEntryLocked(EntryNormal, cmd)
		n.pending[idx] = waitCh
		outCh <- outcome{nil}
		n.broadcastAppendEntriesLocked()
	})

	select {
	case o := <-outCh:
		if o.err != nil {
			return kv.ApplyResult{}, o.err
		}
	case <-ctx.Done():
		return kv.ApplyResult{}, ctx.Err()
	case <-n.doneCh:
		return kv.ApplyResult{}, ErrNodeStopped
	}

	select {
	case res := <-waitCh:
		return res, nil
	case <-ctx.Done():
		return kv.ApplyResult{}, ctx.Err()
	case <-n.doneCh:
		return kv.ApplyResult{}, ErrNodeStopped
	}
}

// --- Client-facing reads ------------------------------------------------

// ReadIndex implements the leader-lease read barrier: a leader may only
// serve a linearizable read once it has committed an entry in its own
// current term (the NOOP appended on election is normally sufficient).
func (n *Node) ReadIndex(ctx context.Context) error {
	type outcome struct{ err error }
	outCh := make(chan outcome, 1)
	n.submit(func() {
		if n.role != Leader {
			outCh <- outcome{ErrNotLeader}
			return
		}
		if n.commitIndex == 0 {
			outCh <- outcome{ErrNotReady}
			return
		}
		term, ok := n.log.TermAt(n.commitIndex)
		if !ok || term != n.currentTerm {
			outCh <- outcome{ErrNotReady}
			return
		}
		outCh <- outcome{nil}
	})
	select {
	case o := <-outCh:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.doneCh:
		return ErrNodeStopped
	}
}

// Get is a linearizable read: it waits on the read barrier, then serves
// straight from the state machine without going through the log.
func (n *Node) Get(ctx context.Context, key string) (kv.Value, bool, error) {
	if err := n.ReadIndex(ctx); err != nil {
		return kv.Value{}, false, err
	}
	v, ok := n.store.Get(key)
	return v, ok, nil
}

// --- Accessors -----------------------------------------------------------

func (n *Node) ID() string          { return n.id }
func (n *Node) IsLeader() bool      { return n.state.IsLeader() }
func (n *Node) LeaderID() string    { return n.state.LeaderID() }
func (n *Node) CurrentTerm() uint64 { return n.state.CurrentTerm() }
func (n *Node) State() *NodeState   { return n.state }
func (n *Node) ClusterSize() int    { return len(n.peers) + 1 }

// Log exposes the node's replicated log read-only, for tests that need to
// inspect committed entries directly rather than through Get/Propose.
func (n *Node) Log() *Log { return n.log }

// --- RPC handlers (called by the transport layer, cross-goroutine-safe) -

// HandleRequestVote answers a peer's RequestVote RPC.
func (n *Node) HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	respCh := make(chan *RequestVoteResponse, 1)
	n.submit(func() { respCh <- n.handleRequestVoteLocked(req) })
	select {
	case r := <-respCh:
		return r
	case <-n.doneCh:
		return &RequestVoteResponse{Term: req.Term, VoteGranted: false}
	}
}

func (n *Node) handleRequestVoteLocked(req *RequestVoteRequest) *RequestVoteResponse {
	if req.Term > n.currentTerm {
		n.becomeFollowerLocked(req.Term, "")
	}
	if req.Term < n.currentTerm {
		return &RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}
	}

	lastIdx := n.log.LastIndex()
	lastTerm := n.log.LastTerm()
	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIdx)

	granted := false
	if (n.votedFor == "" || n.votedFor == req.CandidateID) && upToDate {
		n.votedFor = req.CandidateID
		n.persistTermStateLocked()
		n.resetElectionDeadlineLocked()
		granted = true
	}
	return &RequestVoteResponse{Term: n.currentTerm, VoteGranted: granted}
}

func (n *Node) requestVoteFromPeer(p ClusterMember, term, lastIdx, lastTerm uint64) {
	req := &RequestVoteRequest{
		Term:         term,
		CandidateID:  n.id,
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMin)
	defer cancel()
	resp, err := n.transport.RequestVote(ctx, p.Address, req)
	if err != nil {
		n.logger.Debugw("request vote rpc failed", "peer", p.ID, "err", err)
		return
	}
	n.submit(func() { n.handleRequestVoteResponseLocked(p, term, resp) })
}

func (n *Node) handleRequestVoteResponseLocked(p ClusterMember, term uint64, resp *RequestVoteResponse) {
	if n.role != Candidate || n.currentTerm != term {
		return // stale reply from a past election
	}
	if resp.Term > n.currentTerm {
		n.becomeFollowerLocked(resp.Term, "")
		return
	}
	if resp.VoteGranted {
		n.votesReceived[p.ID] = true
		if len(n.votesReceived) > (len(n.peers)+1)/2 {
			n.becomeLeaderLocked()
		}
	}
}

// HandleAppendEntries answers a peer's AppendEntries RPC (also used as the
// heartbeat when Entries is empty).
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	respCh := make(chan *AppendEntriesResponse, 1)
	n.submit(func() { respCh <- n.handleAppendEntriesLocked(req) })
	select {
	case r := <-respCh:
		return r
	case <-n.doneCh:
		return &AppendEntriesResponse{Term: req.Term, Success: false}
	}
}

func (n *Node) handleAppendEntriesLocked(req *AppendEntriesRequest) *AppendEntriesResponse {
	if req.Term < n.currentTerm {
		return &AppendEntriesResponse{Term: n.currentTerm, Success: false}
	}
	if req.Term > n.currentTerm || n.role != Follower {
		n.becomeFollowerLocked(req.Term, req.LeaderID)
	}
	n.leaderID = req.LeaderID
	n.resetElectionDeadlineLocked()

	if req.PrevLogIndex > 0 {
		term, ok := n.log.TermAt(req.PrevLogIndex)
		if !ok {
			return &AppendEntriesResponse{
				Term: n.currentTerm, Success: false,
				ConflictIndex: n.log.LastIndex() + 1,
			}
		}
		if term != req.PrevLogTerm {
			conflictTerm := term
			conflictIndex := req.PrevLogIndex
			for conflictIndex > 1 {
				t, ok := n.log.TermAt(conflictIndex - 1)
				if !ok || t != conflictTerm {
					break
				}
				conflictIndex--
			}
			return &AppendEntriesResponse{
				Term: n.currentTerm, Success: false,
				ConflictTerm: conflictTerm, ConflictIndex: conflictIndex,
			}
		}
	}

	insertAt := req.PrevLogIndex + 1
	conflictAt := -1
	for i, e := range req.Entries {
		idx := insertAt + uint64(i)
		existingTerm, ok := n.log.TermAt(idx)
		if !ok || existingTerm != e.Term {
			conflictAt = i
			break
		}
	}
	if conflictAt >= 0 {
		firstNewIndex := insertAt + uint64(conflictAt)
		if err := n.log.TruncateSuffix(firstNewIndex); err != nil {
			n.logger.Errorw("truncate suffix failed", "err", err)
			return &AppendEntriesResponse{Term: n.currentTerm, Success: false}
		}
		toAppend := make([]LogEntry, len(req.Entries)-conflictAt)
		copy(toAppend, req.Entries[conflictAt:])
		for j := range toAppend {
			toAppend[j].Index = firstNewIndex + uint64(j)
		}
		if err := n.log.Append(toAppend...); err != nil {
			n.logger.Errorw("append entries failed", "err", err)
			return &AppendEntriesResponse{Term: n.currentTerm, Success: false}
		}
		// A follower must not ack an entry until it is durable: the leader
		// advances matchIndex (and eventually commitIndex) from this reply,
		// so an unsynced "success" could let a write be counted toward a
		// majority that loses it on a simultaneous crash.
		if err := n.log.Sync(); err != nil {
			n.logger.Fatalw("wal fsync failed", "err", err)
		}
	}

	lastNew := req.PrevLogIndex + uint64(len(req.Entries))
	if req.LeaderCommit > n.commitIndex {
		if req.LeaderCommit < lastNew {
			n.commitIndex = req.LeaderCommit
		} else {
			n.commitIndex = lastNew
		}
		n.maybeApplyLocked()
	}

	return &AppendEntriesResponse{Term: n.currentTerm, Success: true}
}

// --- Replication (leader) -----------------------------------------------

func (n *Node) broadcastAppendEntriesLocked() {
	if n.role != Leader {
		return
	}
	for _, p := range n.peers {
		req := n.buildAppendEntriesRequestLocked(p.ID)
		go n.sendAppendEntries(p, req)
	}
}

func (n *Node) buildAppendEntriesRequestLocked(peerID string) *AppendEntriesRequest {
	next := n.nextIndex[peerID]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	prevTerm, _ := n.log.TermAt(prevIndex)
	entries := n.log.Slice(next, n.log.LastIndex())
	return &AppendEntriesRequest{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
}

func (n *Node) sendAppendEntries(p ClusterMember, req *AppendEntriesRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMin)
	defer cancel()
	resp, err := n.transport.AppendEntries(ctx, p.Address, req)
	n.submit(func() { n.handleAppendEntriesResponseLocked(p, req, resp, err) })
}

func (n *Node) handleAppendEntriesResponseLocked(p ClusterMember, req *AppendEntriesRequest, resp *AppendEntriesResponse, err error) {
	if err != nil {
		n.logger.Debugw("append entries rpc failed", "peer", p.ID, "err", err)
		return // transport error: retried at the next heartbeat tick with the same nextIndex
	}
	if n.role != Leader || req.Term != n.currentTerm {
		return // stale response from a term we've since left
	}
	if resp.Term > n.currentTerm {
		n.becomeFollowerLocked(resp.Term, "")
		return
	}

	if n.lastAck == nil {
		n.lastAck = make(map[string]time.Time)
	}
	n.lastAck[p.ID] = time.Now()

	if resp.Success {
		matched := req.PrevLogIndex + uint64(len(req.Entries))
		if matched > n.matchIndex[p.ID] {
			n.matchIndex[p.ID] = matched
		}
		n.nextIndex[p.ID] = matched + 1
		n.updateLeaderCommitIndexLocked()
		return
	}

	switch {
	case resp.ConflictTerm != 0:
		if idx := n.lastIndexOfTermLocked(resp.ConflictTerm); idx > 0 {
			n.nextIndex[p.ID] = idx + 1
		} else {
			n.nextIndex[p.ID] = resp.ConflictIndex
		}
	case resp.ConflictIndex > 0:
		n.nextIndex[p.ID] = resp.ConflictIndex
	default:
		if n.nextIndex[p.ID] > 1 {
			n.nextIndex[p.ID]--
		}
	}
	retryReq := n.buildAppendEntriesRequestLocked(p.ID)
	go n.sendAppendEntries(p, retryReq)
}

func (n *Node) lastIndexOfTermLocked(term uint64) uint64 {
	idx := n.log.LastIndex()
	for idx > 0 {
		t, ok := n.log.TermAt(idx)
		if !ok {
			return 0
		}
		if t == term {
			return idx
		}
		if t < term {
			return 0
		}
		idx--
	}
	return 0
}

// updateLeaderCommitIndexLocked implements §4.4's commit advancement: the
// highest index covered by a majority of match_index values whose term
// equals the current term. Counting replicas of a prior-term entry is not
// enough — only a current-term entry's majority implicitly commits the
// entries before it.
func (n *Node) updateLeaderCommitIndexLocked() {
	matched := make([]uint64, 0, len(n.peers)+1)
	matched = append(matched, n.log.LastIndex())
	for _, p := range n.peers {
		matched = append(matched, n.matchIndex[p.ID])
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i] < matched[j] })
	majorityIndex := matched[(len(matched)-1)/2]

	if majorityIndex > n.commitIndex {
		if term, ok := n.log.TermAt(majorityIndex); ok && term == n.currentTerm {
			n.commitIndex = majorityIndex
			n.maybeApplyLocked()
		}
	}
}

// checkStepDownLocked implements §4.4's step-down rule: a leader that has
// not heard from a majority within one election timeout steps down, so a
// minority-side partitioned leader stops serving stale reads.
func (n *Node) checkStepDownLocked() {
	if n.role != Leader {
		return
	}
	now := time.Now()
	acked := 1 // self
	for _, p := range n.peers {
		if now.Sub(n.lastAck[p.ID]) < n.cfg.ElectionTimeoutMin {
			acked++
		}
	}
	if acked <= (len(n.peers)+1)/2 {
		n.logger.Warnw("stepping down: lost majority heartbeat contact", "term", n.currentTerm)
		n.becomeFollowerLocked(n.currentTerm, "")
	}
}

// --- Apply loop -----------------------------------------------------------

// maybeApplyLocked fsyncs the WAL up to commitIndex (at most once per
// call, matching the group-commit contract) then applies every newly
// committed entry in order, resolving any client waiter registered for
// that index.
func (n *Node) maybeApplyLocked() {
	if n.commitIndex <= n.lastApplied {
		return
	}
	if err := n.log.Sync(); err != nil {
		n.logger.Fatalw("wal fsync failed", "err", err)
	}
	for idx := n.lastApplied + 1; idx <= n.commitIndex; idx++ {
		entry, ok := n.log.EntryAt(idx)
		if !ok {
			break
		}
		var result kv.ApplyResult
		if entry.Type != EntryNoop {
			result = n.store.Apply(entry.Command, idx)
		}
		n.lastApplied = idx
		if ch, ok := n.pending[idx]; ok {
			ch <- result
			delete(n.pending, idx)
		}
	}
	n.publishState()
}
