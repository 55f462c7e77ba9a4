// Package relay implements Loop: deterministic gossip relay and a daily
// self-advertise subtask. It is grounded on node_discovery.py's
// _address_relay and _periodically_self_advertise, reusing the same
// siphash-keyed-hash primitive as package addrmgr's bucket placement
// instead of a second construction.
package relay

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/aead/siphash"

	"github.com/coredaemon/peerbook/addrmgr"
	"github.com/coredaemon/peerbook/clock"
	"github.com/coredaemon/peerbook/netlog"
	"github.com/coredaemon/peerbook/transport"
)

var log netlog.Logger = netlog.Disabled

// UseLogger sets the Logger used by package relay.
func UseLogger(l netlog.Logger) {
	log = l
}

const (
	secondsPerDay = 24 * 60 * 60

	// selfAdvertiseIntervalSeconds is the self-advertise subtask's period.
	selfAdvertiseIntervalSeconds = secondsPerDay

	// minValidTimestamp/maxFutureSkewSeconds bound a respond_peers
	// timestamp's validity window, matching addrmgr's sanitizeTimestamp and
	// spec.md §3/§6.
	minValidTimestamp    = 100000000
	maxFutureSkewSeconds = 600

	// fullNodePenaltySeconds ages a full-node peer's advertised timestamp
	// when it is fed into add_to_new_table, matching
	// node_discovery.py's "2 * 60 * 60" penalty for second-hand hearsay.
	fullNodePenaltySeconds = 2 * 60 * 60

	// relayEligibleWindowSeconds bounds how recent a single relayed peer's
	// timestamp must be to be re-enqueued for relay to other neighbors.
	relayEligibleWindowSeconds = 10 * 60
)

// relayJob is one (relay_peer, num_peers) entry drawn from the relay queue.
type relayJob struct {
	peer     addrmgr.PeerEndpoint
	numPeers int
}

// Loop is RelayLoop: it owns the relay queue and the neighbor-known sets,
// and runs both the per-job relay procedure and the daily self-advertise
// subtask.
type Loop struct {
	transport transport.Transport
	mgr       *addrmgr.AddressManager
	clock     clock.Clock

	queue chan relayJob

	// knownMu guards neighborKnown, a second, independent mutex never held
	// across a channel send or dial. Keyed by the neighbor's endpoint (not
	// session ID), matching node_discovery.py's neighbour_known_peers dict
	// keyed by (host, port).
	knownMu       sync.Mutex
	neighborKnown map[string]map[string]bool // endpoint key -> set of peer hosts
}

// New returns a Loop with a bounded relay queue.
func New(tr transport.Transport, mgr *addrmgr.AddressManager, clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.System{}
	}
	return &Loop{
		transport:     tr,
		mgr:           mgr,
		clock:         clk,
		queue:         make(chan relayJob, 256),
		neighborKnown: make(map[string]map[string]bool),
	}
}

// Enqueue adds a (peer, numPeers) relay job to the queue, satisfying
// inbox.RelayEnqueuer.
func (l *Loop) Enqueue(peer addrmgr.PeerEndpoint, numPeers int) {
	select {
	case l.queue <- relayJob{peer: peer, numPeers: numPeers}:
	default:
		log.Warnf("relay: queue full, dropping relay job for %s", peer.Host)
	}
}

// Run drains the relay queue and runs the self-advertise subtask until ctx
// is cancelled. A placement-invariant panic out of the address manager
// (spec.md §7's programming-invariant class) is recovered, logged, and
// resolved by resetting the manager rather than taking the daemon down.
func (l *Loop) Run(ctx context.Context) error {
	selfAdvertiseTimer := l.clock.After(selfAdvertiseIntervalSeconds * time.Second)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-l.queue:
			l.safeCall(func() { l.relayOne(job) })
		case <-selfAdvertiseTimer:
			l.safeCall(l.selfAdvertise)
			selfAdvertiseTimer = l.clock.After(selfAdvertiseIntervalSeconds * time.Second)
		}
	}
}

// safeCall runs fn, recovering from a placement-invariant panic rather than
// propagating it out of Run.
func (l *Loop) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("relay: recovered from address-manager invariant panic: %v; resetting", r)
			l.mgr.Reset()
		}
	}()
	fn()
}

// relayOne scores every full-node neighbor by its keyed daily hash, sorts
// them ascending, takes the first numPeers, and pushes job's peer to each
// of those that doesn't already know it (a chosen neighbor that already
// knows it is skipped, not replaced by the next one).
func (l *Loop) relayOne(job relayJob) {
	curDay := l.clock.NowUnix() / secondsPerDay
	neighbors := l.transport.GetFullNodeConnections()

	type scored struct {
		conn transport.Conn
		h    uint64
	}
	secret := l.mgr.Key()
	key := secret[:16]

	var candidates []scored
	for _, n := range neighbors {
		if n.SessionID() == "" {
			continue // unfinalized session
		}
		h := relayHash(key, n.RemoteEndpoint().Key(), curDay)
		candidates = append(candidates, scored{conn: n, h: h})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].h < candidates[j].h })

	n := job.numPeers
	if n > len(candidates) {
		n = len(candidates)
	}
	msg := transport.RespondPeersFullNode{
		PeerList: []addrmgr.TimestampedPeer{{
			PeerEndpoint: job.peer,
			LastSeen:     l.clock.NowUnix(),
		}},
	}
	for _, c := range candidates[:n] {
		neighborKey := c.conn.RemoteEndpoint().Key()
		if l.alreadyKnows(neighborKey, job.peer.Host) {
			continue
		}
		l.markKnown(neighborKey, job.peer.Host)
		if err := l.transport.PushMessage(msg, c.conn); err != nil {
			log.Warnf("relay: push to %s failed: %v", c.conn.RemoteEndpoint().Host, err)
		}
	}
}

// relayHash computes H(key || endpointKey || curDay) as the neighbor-order
// score, using the same siphash primitive and 16-byte key that package
// addrmgr uses for bucket placement.
func relayHash(key []byte, endpointKey string, curDay uint64) uint64 {
	h, err := siphash.New64(key)
	if err != nil {
		panic(err)
	}
	h.Write([]byte(endpointKey))
	var dayBytes [8]byte
	binary.LittleEndian.PutUint64(dayBytes[:], curDay)
	h.Write(dayBytes[:])
	return h.Sum64()
}

func (l *Loop) alreadyKnows(neighborKey, host string) bool {
	l.knownMu.Lock()
	defer l.knownMu.Unlock()
	set, ok := l.neighborKnown[neighborKey]
	return ok && set[host]
}

func (l *Loop) markKnown(neighborKey, host string) {
	l.knownMu.Lock()
	defer l.knownMu.Unlock()
	set, ok := l.neighborKnown[neighborKey]
	if !ok {
		set = make(map[string]bool)
		l.neighborKnown[neighborKey] = set
	}
	set[host] = true
}

// markKnownAll records that neighbor already knows about every peer in
// peers, so a later relayOne never gossips them back — the
// add_peers_neighbour half of node_discovery.py's respond_peers handling.
func (l *Loop) markKnownAll(neighbor addrmgr.PeerEndpoint, peers []addrmgr.TimestampedPeer) {
	neighborKey := neighbor.Key()
	l.knownMu.Lock()
	defer l.knownMu.Unlock()
	set, ok := l.neighborKnown[neighborKey]
	if !ok {
		set = make(map[string]bool)
		l.neighborKnown[neighborKey] = set
	}
	for _, p := range peers {
		set[p.Host] = true
	}
}

// selfAdvertise clears every neighbor-known set and broadcasts the local
// endpoint to every neighbor.
func (l *Loop) selfAdvertise() {
	l.knownMu.Lock()
	l.neighborKnown = make(map[string]map[string]bool)
	l.knownMu.Unlock()

	local := l.transport.GetLocalPeerInfo()
	msg := transport.RespondPeersFullNode{
		PeerList: []addrmgr.TimestampedPeer{{
			PeerEndpoint: local,
			LastSeen:     l.clock.NowUnix(),
		}},
	}
	for _, n := range l.transport.GetFullNodeConnections() {
		if n.SessionID() == "" {
			continue
		}
		if err := l.transport.PushMessage(msg, n); err != nil {
			log.Warnf("relay: self-advertise to %s failed: %v", n.RemoteEndpoint().Host, err)
		}
	}
}

// RespondPeers handles an inbound respond_peers message, grounded on
// node_discovery.py's _respond_peers_common plus FullNodePeers.respond_peers.
// Every advertised timestamp at or below 10^8 or above now+600 is replaced with
// now-5days; if source is not a full node every timestamp is zeroed
// instead, matching the original's "is_full_node" branch. The sanitized
// batch is fed into the address manager with a 2-hour penalty for
// full-node sources (none for the introducer/non-full-node case). If
// source is a full node, every advertised peer is recorded as already
// known to it, and if exactly one peer was advertised and its own
// (unsanitized) timestamp is within the last 10 minutes, it is enqueued
// for relay to 2 further neighbors.
func (l *Loop) RespondPeers(peerList []addrmgr.TimestampedPeer, source addrmgr.PeerEndpoint, isFullNode bool) {
	now := l.clock.NowUnix()
	adjusted := make([]addrmgr.TimestampedPeer, len(peerList))
	for i, p := range peerList {
		ts := p.LastSeen
		if ts <= minValidTimestamp || ts > now+maxFutureSkewSeconds {
			if now > 5*secondsPerDay {
				ts = now - 5*secondsPerDay
			} else {
				ts = 0
			}
		}
		if !isFullNode {
			ts = 0
		}
		adjusted[i] = addrmgr.TimestampedPeer{PeerEndpoint: p.PeerEndpoint, LastSeen: ts}
	}

	src := addrmgr.Source{Kind: addrmgr.SourceNone}
	var penalty uint64
	if isFullNode {
		src = addrmgr.Source{Kind: addrmgr.SourcePeer, Endpoint: source}
		penalty = fullNodePenaltySeconds
	}
	l.mgr.AddToNewTable(adjusted, src, penalty)

	if !isFullNode {
		return
	}
	l.markKnownAll(source, peerList)
	if len(peerList) == 1 {
		peer := peerList[0]
		if peer.LastSeen > 0 && now < peer.LastSeen+relayEligibleWindowSeconds {
			l.Enqueue(peer.PeerEndpoint, 2)
		}
	}
}

// RequestPeers handles an inbound request_peers message, grounded on
// FullNodePeers.request_peers. Per spec.md §6's fingerprinting-attack
// mitigation, it responds only when requester is among the node's current
// outbound connections; inbound requesters receive no reply at all.
// Returns the sample, or nil if the requester is not eligible.
func (l *Loop) RequestPeers(requester addrmgr.PeerEndpoint) []addrmgr.PeerEndpoint {
	outbound := false
	for _, c := range l.transport.GetOutboundConnections() {
		if c.RemoteEndpoint() == requester {
			outbound = true
			break
		}
	}
	if !outbound {
		return nil
	}
	peers := l.mgr.GetPeers()
	timestamped := make([]addrmgr.TimestampedPeer, len(peers))
	now := l.clock.NowUnix()
	for i, p := range peers {
		timestamped[i] = addrmgr.TimestampedPeer{PeerEndpoint: p, LastSeen: now}
	}
	l.markKnownAll(requester, timestamped)
	return peers
}
