package discovery

import (
	"context"
	"math/rand"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/coredaemon/peerbook/addrmgr"
	"github.com/coredaemon/peerbook/clock"
	"github.com/coredaemon/peerbook/transport"
)

// feelerMeanInterval is the Poisson process mean interval between feeler
// dials.
const feelerMeanInterval = 240 * time.Second

// Config holds the tunables Loop needs from the daemon's configuration.
type Config struct {
	// PeerConnectInterval bounds every sleep this loop performs.
	PeerConnectInterval time.Duration
	// TargetOutboundCount is the desired steady-state outbound connection
	// count; feelers only occur once this is met.
	TargetOutboundCount int
}

// Loop is the outbound-connection driver, grounded on
// node_discovery.py's _connect_to_peers state machine.
type Loop struct {
	transport  transport.Transport
	mgr        *addrmgr.AddressManager
	introducer *IntroducerClient
	clock      clock.Clock
	rand       *rand.Rand
	cfg        Config

	nextFeelerAt time.Time
	gotPeerOnce  bool
}

// New returns a Loop.
func New(tr transport.Transport, mgr *addrmgr.AddressManager, introducer *IntroducerClient, clk clock.Clock, randSrc *rand.Rand, cfg Config) *Loop {
	if clk == nil {
		clk = clock.System{}
	}
	if randSrc == nil {
		randSrc = rand.New(rand.NewSource(1))
	}
	return &Loop{
		transport:    tr,
		mgr:          mgr,
		introducer:   introducer,
		clock:        clk,
		rand:         randSrc,
		cfg:          cfg,
		nextFeelerAt: clk.Now().Add(feelerMeanInterval),
	}
}

// Run executes the discovery procedure until ctx is cancelled. Every
// iteration's transient errors are logged and the loop continues; a
// placement-invariant panic (spec.md §7's "should be impossible"
// programming-invariant class) is recovered, logged, and resets the
// address manager rather than taking the whole daemon down.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		emptyCandidates := l.safeIterate(ctx)
		var sleep time.Duration
		if l.mgr.Size() == 0 || emptyCandidates {
			sleep = minDuration(10*time.Second, l.cfg.PeerConnectInterval)
			l.introducer.Bootstrap(ctx)
		} else {
			groups := l.outboundGroups()
			sleep = minDuration(l.cfg.PeerConnectInterval, 5*time.Second+5*time.Duration(len(groups))*time.Second)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(sleep):
		}
	}
}

// safeIterate wraps one iteration in a recover block: a placement-invariant
// panic out of l.mgr is caught, logged, and resolved by resetting the
// address manager, matching the recover-log-reinitialize pattern this
// module uses for the programming-invariant error class.
func (l *Loop) safeIterate(ctx context.Context) (emptyCandidates bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("discovery: recovered from address-manager invariant panic: %v; resetting", r)
			l.mgr.Reset()
			emptyCandidates = true
		}
	}()
	l.mgr.CheckInvariants()
	return l.iterate(ctx)
}

// iterate runs one pass of candidate selection and dialing, returning true
// if no candidate survived the selection attempts.
func (l *Loop) iterate(ctx context.Context) bool {
	groups := l.outboundGroups()

	isFeeler := false
	outboundDeficit := l.cfg.TargetOutboundCount - l.transport.CountOutboundConnections()
	if outboundDeficit <= 0 && l.clock.Now().After(l.nextFeelerAt) {
		isFeeler = true
		l.nextFeelerAt = clock.PoissonNext(l.clock.Now(), feelerMeanInterval, l.rand)
	}

	l.mgr.ResolveTriedCollisions()

	maxTries := 50
	switch {
	case len(groups) < 3:
		maxTries = 10
	case len(groups) <= 5:
		maxTries = 25
	}

	local := l.transport.GetLocalPeerInfo()
	backoff := minDuration(minDuration(15*time.Second, l.cfg.PeerConnectInterval), time.Duration(1+3*len(groups))*time.Second)

	for try := 0; try < maxTries; try++ {
		select {
		case <-ctx.Done():
			return true
		case <-l.clock.After(backoff):
		}

		candidate, isCollisionProbe, ok := l.pickCandidate(isFeeler)
		if !ok {
			continue
		}
		if l.rejectCandidate(candidate, groups, isFeeler, try, local) {
			continue
		}

		disconnectAfter := isFeeler || outboundDeficit <= 0
		l.dial(ctx, candidate, disconnectAfter, isCollisionProbe)
		log.Tracef("discovery: dialing %s", spew.Sdump(candidate))
		return false
	}
	return true
}

func (l *Loop) pickCandidate(isFeeler bool) (addrmgr.PeerEndpoint, bool, bool) {
	if probe, ok := l.mgr.SelectTriedCollision(); ok {
		return probe, true, true
	}
	ep, ok := l.mgr.SelectPeer(isFeeler)
	return ep, false, ok
}

// rejectCandidate rejects a candidate if non-feeler and its group is
// already represented; already connected; last_try within the last hour
// and fewer than 30 tries so far; or equal to the local endpoint.
func (l *Loop) rejectCandidate(candidate addrmgr.PeerEndpoint, groups map[string]bool, isFeeler bool, tries int, local addrmgr.PeerEndpoint) bool {
	if candidate == local {
		return true
	}
	if !isFeeler && groups[candidate.Group()] {
		return true
	}
	for _, conn := range l.transport.GetConnections() {
		if conn.RemoteEndpoint() == candidate {
			return true
		}
	}
	now := l.clock.NowUnix()
	lastTry := l.mgr.LastTry(candidate)
	if lastTry > 0 && now >= lastTry && now-lastTry < 3600 && tries < 30 {
		return true
	}
	return false
}

func (l *Loop) dial(ctx context.Context, candidate addrmgr.PeerEndpoint, disconnectAfter, isCollisionProbe bool) {
	l.mgr.Attempt(candidate, true)
	filter := func(remote addrmgr.PeerEndpoint) bool {
		return remote != l.transport.GetLocalPeerInfo()
	}
	err := l.transport.StartClient(ctx, candidate, func(conn transport.Conn, dialErr error) {
		if dialErr != nil {
			return
		}
		if isCollisionProbe {
			// candidate here is the occupant being re-probed, per
			// SelectTriedCollision; a successful connect refreshes its
			// liveness so it wins the pending collision in
			// ResolveTriedCollisions.
			l.mgr.Connect(candidate)
		} else {
			l.mgr.MarkGood(candidate, true)
		}
		l.transport.PushMessage(transport.RequestPeers{}, conn)
	}, filter, disconnectAfter)
	if err != nil {
		log.Warnf("discovery: dial to %s failed: %v", candidate.Host, err)
	}
}

// outboundGroups returns the set of NetworkGroups currently represented by
// outbound connections.
func (l *Loop) outboundGroups() map[string]bool {
	groups := make(map[string]bool)
	for _, conn := range l.transport.GetOutboundConnections() {
		groups[conn.RemoteEndpoint().Group()] = true
	}
	return groups
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
