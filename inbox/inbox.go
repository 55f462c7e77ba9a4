// Package inbox implements Inbox, a single-consumer event queue that
// serializes every mutation of an address manager behind one goroutine.
// It is grounded on PKT-FullNode's addressHandler goroutine (a single
// goroutine draining a channel of typed requests against the AddrManager)
// and on node_discovery.py's _process_messages event dispatch table, which
// this package's event kinds mirror directly.
package inbox

import (
	"context"
	"sync"

	"github.com/coredaemon/peerbook/addrmgr"
	"github.com/coredaemon/peerbook/clock"
	"github.com/coredaemon/peerbook/netlog"
	"github.com/coredaemon/peerbook/transport"
)

var log netlog.Logger = netlog.Disabled

// UseLogger sets the Logger used by package inbox.
func UseLogger(l netlog.Logger) {
	log = l
}

// connectionTimeRateLimitSeconds is the per-host update_connection_time
// rate limit.
const connectionTimeRateLimitSeconds = 60

// Event is one (event_kind, endpoint) pair delivered by the transport.
type Event struct {
	Kind     transport.EventKind
	Endpoint addrmgr.PeerEndpoint
}

// RelayEnqueuer is the subset of RelayLoop's API the inbox depends on, kept
// as a narrow interface here to avoid an inbox<->relay import cycle (relay
// also reads from the address manager the inbox mutates).
type RelayEnqueuer interface {
	Enqueue(peer addrmgr.PeerEndpoint, numPeers int)
}

// Inbox is a single-consumer queue serializing all mutations to an
// AddressManager: no AddrMan operation runs concurrently with another.
type Inbox struct {
	mgr   *addrmgr.AddressManager
	relay RelayEnqueuer
	clock clock.Clock

	events chan Event

	// connTimeMu guards lastConnTime, the connection_time_pretest map from
	// node_discovery.py, keyed by host only (not host:port) exactly as the
	// original does — see DESIGN.md's Open Question on this.
	connTimeMu   sync.Mutex
	lastConnTime map[string]uint64
}

// New returns an Inbox with a bounded event channel of 256 events; capacity
// bounds memory under a burst, and Put blocks while the channel is full.
func New(mgr *addrmgr.AddressManager, relay RelayEnqueuer, clk clock.Clock) *Inbox {
	if clk == nil {
		clk = clock.System{}
	}
	return &Inbox{
		mgr:          mgr,
		relay:        relay,
		clock:        clk,
		events:       make(chan Event, 256),
		lastConnTime: make(map[string]uint64),
	}
}

// Put enqueues an event for the consumer goroutine; it is safe to call from
// any goroutine, matching PKT-FullNode's channel-based request submission.
func (ib *Inbox) Put(kind transport.EventKind, endpoint addrmgr.PeerEndpoint) {
	ib.events <- Event{Kind: kind, Endpoint: endpoint}
}

// Run drains the event queue until ctx is cancelled, applying every event
// to the address manager in submission order. A placement-invariant panic
// out of the address manager (spec.md §7's programming-invariant class) is
// recovered, logged, and resolved by resetting the manager so one bad
// event cannot take the whole daemon down.
func (ib *Inbox) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ib.events:
			ib.safeApply(func() { ib.apply(ev) })
		}
	}
}

// safeApply runs fn, recovering from a placement-invariant panic rather
// than propagating it out of Run.
func (ib *Inbox) safeApply(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("inbox: recovered from address-manager invariant panic: %v; resetting", r)
			ib.mgr.Reset()
		}
	}()
	fn()
}

func (ib *Inbox) apply(ev Event) {
	switch ev.Kind {
	case transport.EventMakeTried:
		ib.mgr.MarkGood(ev.Endpoint, true)
		ib.mgr.Connect(ev.Endpoint)
	case transport.EventMarkAttempted:
		ib.mgr.Attempt(ev.Endpoint, true)
	case transport.EventMarkAttemptedSoft:
		ib.mgr.Attempt(ev.Endpoint, false)
	case transport.EventUpdateConnectionTime:
		if ib.shouldRateLimit(ev.Endpoint.Host) {
			return
		}
		ib.mgr.Connect(ev.Endpoint)
	case transport.EventNewInboundConnection:
		ib.mgr.AddToNewTable(
			[]addrmgr.TimestampedPeer{{PeerEndpoint: ev.Endpoint, LastSeen: ib.clock.NowUnix()}},
			addrmgr.Source{Kind: addrmgr.SourcePeer, Endpoint: ev.Endpoint},
			0,
		)
		ib.mgr.MarkGood(ev.Endpoint, false)
		if ib.relay != nil {
			ib.relay.Enqueue(ev.Endpoint, 1)
		}
	default:
		log.Warnf("inbox: unknown event kind %v", ev.Kind)
	}
}

// shouldRateLimit reports whether host has had a connection-time update
// within the last 60 seconds, and if not, records now as its latest update.
func (ib *Inbox) shouldRateLimit(host string) bool {
	now := ib.clock.NowUnix()
	ib.connTimeMu.Lock()
	defer ib.connTimeMu.Unlock()
	last, ok := ib.lastConnTime[host]
	if ok && now >= last && now-last < connectionTimeRateLimitSeconds {
		return true
	}
	ib.lastConnTime[host] = now
	return false
}
