// Package addrmgr implements an in-memory, bucketed address manager: a new
// table and a tried table, deterministic attack-resistant bucket placement,
// biased-random selection, and tried-slot collision resolution. It is
// grounded on PKT-FullNode's addrmgr/addrmanager.go (itself descended from
// btcsuite's AddrManager), generalized from its map-based "bucket capacity"
// model to an explicit (bucket, slot) 2-D addressing so that slot
// collisions, in both tables, not just tried, are resolved deterministically
// rather than by an ad-hoc "expire oldest" sweep.
package addrmgr

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	mrand "math/rand"
	"net"
	"sync"

	"github.com/coredaemon/peerbook/addrmgr/addrutil"
	"github.com/coredaemon/peerbook/clock"
)

// Table geometry and behavior constants not already declared in bucket.go.
const (
	// minValidTimestamp is the lower bound at or below which an advertised
	// timestamp is considered invalid.
	minValidTimestamp = 100000000

	// timestampUpdateCooldownSeconds gates how often an existing AddrInfo's
	// last_seen may be advanced by a re-advertisement, mirroring the
	// teacher's Connected() cooldown ("20 minutes since last we did so") —
	// reused here for new-table timestamp updates since both guard against
	// the same churn.
	timestampUpdateCooldownSeconds = 20 * 60

	// getPeersPercent / getPeersMax bound GetPeers' sample: 23% of the
	// candidate pool, capped at 1000 (the whole pool when 23% rounds down
	// to zero).
	getPeersPercent = 23
	getPeersMax     = 1000

	// staleSeconds is the "last_seen older than 30 days" threshold GetPeers
	// excludes unless nothing fresher exists.
	staleSeconds = 30 * secondsPerDay

	// selectPeerMaxRetries bounds SelectPeer's rejection-sampling loop so
	// it always returns in bounded time.
	selectPeerMaxRetries = 100
)

// LookupFunc resolves a non-literal host to IP addresses, matching the
// teacher's HostToNetAddress/lookupFunc indirection so tests can substitute
// a deterministic resolver.
type LookupFunc func(host string) ([]net.IP, error)

// AddressManager is a concurrency-safe new/tried address table. All
// exported methods are mutually exclusive under a single manager-wide
// lock.
type AddressManager struct {
	mu sync.Mutex

	clock      clock.Clock
	rand       *mrand.Rand
	lookupFunc LookupFunc

	key [32]byte // 256-bit secret parameterizing every bucket hash

	addrIndex map[string]*AddrInfo

	newTable     [newBucketCount][newBucketSize]string
	newSlotsUsed int

	triedTable     [triedBucketCount][triedBucketSize]string
	triedSlotsUsed int

	collisions []collisionEntry
}

// New returns a fresh AddressManager with a freshly generated secret key.
// Use package store to restore a persisted manager instead.
func New(lookupFunc LookupFunc, clk clock.Clock, randSrc *mrand.Rand) *AddressManager {
	if clk == nil {
		clk = clock.System{}
	}
	if randSrc == nil {
		randSrc = mrand.New(mrand.NewSource(secureSeed()))
	}
	a := &AddressManager{
		clock:      clk,
		rand:       randSrc,
		lookupFunc: lookupFunc,
		addrIndex:  make(map[string]*AddrInfo),
	}
	if _, err := io.ReadFull(rand.Reader, a.key[:]); err != nil {
		panic("addrmgr: failed to seed secret key: " + err.Error())
	}
	return a
}

func secureSeed() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		panic("addrmgr: failed to seed PRNG: " + err.Error())
	}
	return n.Int64()
}

// Key returns the manager's persisted 256-bit secret, for use by package
// store and package relay (which shares the same keyed-hash primitive).
func (a *AddressManager) Key() [32]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.key
}

// SetKey installs a previously persisted secret, used by package store when
// restoring a snapshot. It must be called before any other method.
func (a *AddressManager) SetKey(key [32]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.key = key
}

// ResolveEndpoint resolves host through the injected LookupFunc if it is not
// already a literal IP address, matching PKT-FullNode's HostToNetAddress.
func (a *AddressManager) ResolveEndpoint(host string, port uint16) (PeerEndpoint, error) {
	if net.ParseIP(host) != nil {
		return PeerEndpoint{Host: host, Port: port}, nil
	}
	if a.lookupFunc == nil {
		return PeerEndpoint{}, fmt.Errorf("addrmgr: no lookup function configured for host %q", host)
	}
	ips, err := a.lookupFunc(host)
	if err != nil {
		return PeerEndpoint{}, err
	}
	if len(ips) == 0 {
		return PeerEndpoint{}, fmt.Errorf("addrmgr: no addresses found for %q", host)
	}
	return PeerEndpoint{Host: ips[0].String(), Port: port}, nil
}

func sanitizeTimestamp(ts, now uint64) uint64 {
	if ts <= minValidTimestamp || ts > now+600 {
		if now > 5*secondsPerDay {
			return now - 5*secondsPerDay
		}
		return 0
	}
	return ts
}

// AddToNewTable ingests a batch of advertised peers.
func (a *AddressManager) AddToNewTable(peers []TimestampedPeer, source Source, penaltySeconds uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range peers {
		a.addOrUpdateLocked(p, source, penaltySeconds)
	}
}

func (a *AddressManager) addOrUpdateLocked(peer TimestampedPeer, source Source, penaltySeconds uint64) {
	if !addrutil.IsRoutable(peer.Host) {
		return
	}
	now := a.clock.NowUnix()
	ts := sanitizeTimestamp(peer.LastSeen, now)
	if penaltySeconds > 0 {
		if ts > penaltySeconds {
			ts -= penaltySeconds
		} else {
			ts = 0
		}
	}
	key := peer.PeerEndpoint.Key()

	if existing, ok := a.addrIndex[key]; ok {
		if existing.inTried {
			return
		}
		if ts > existing.lastSeen && now > existing.lastSeen && now-existing.lastSeen > timestampUpdateCooldownSeconds {
			existing.lastSeen = ts
		}
		if len(existing.newRefs) >= newBucketsPerAddress {
			return
		}
		// The more buckets already reference this address, the less
		// likely a further reference is added: anti-flood rejection
		// sampling carried over from PKT-FullNode's updateAddress.
		factor := 2 * len(existing.newRefs)
		if factor > 0 && a.rand.Intn(factor) != 0 {
			return
		}
		bucket := a.newBucketOf(existing.endpoint.Group(), source.Group())
		slot := a.newSlotOf(bucket, key)
		a.placeNew(existing, bucket, slot, now)
		return
	}

	ai := &AddrInfo{endpoint: peer.PeerEndpoint, source: source, lastSeen: ts}
	bucket := a.newBucketOf(ai.endpoint.Group(), source.Group())
	slot := a.newSlotOf(bucket, key)
	if !a.placeNew(ai, bucket, slot, now) {
		// Slot occupied by a non-terrible entry: matches real addrman
		// behavior of simply not incorporating the candidate rather than
		// keeping an orphaned AddrInfo with zero placements.
		return
	}
	a.addrIndex[key] = ai
}

// placeNew attempts to place ai at (bucket, slot), evicting the occupant
// only if it is terrible. Returns false if the slot is occupied by a
// non-terrible entry.
func (a *AddressManager) placeNew(ai *AddrInfo, bucket, slot int, now uint64) bool {
	key := ai.endpoint.Key()
	occupantKey := a.newTable[bucket][slot]
	if occupantKey == key {
		return true
	}
	if occupantKey != "" {
		occupant := a.addrIndex[occupantKey]
		if occupant == nil || !occupant.isTerrible(now) {
			return false
		}
		a.clearNewRef(occupant, bucket, slot)
	}
	a.setNewSlot(bucket, slot, key)
	ai.newRefs = append(ai.newRefs, newRef{bucket, slot})
	return true
}

func (a *AddressManager) setNewSlot(bucket, slot int, key string) {
	if a.newTable[bucket][slot] == "" && key != "" {
		a.newSlotsUsed++
	}
	a.newTable[bucket][slot] = key
}

func (a *AddressManager) clearNewSlot(bucket, slot int) {
	if a.newTable[bucket][slot] != "" {
		a.newSlotsUsed--
	}
	a.newTable[bucket][slot] = ""
}

// clearNewRef removes one (bucket, slot) reference from ai; if that was its
// last reference and it is not in tried, the AddrInfo is dropped entirely —
// an AddrInfo is never left referencing nothing.
func (a *AddressManager) clearNewRef(ai *AddrInfo, bucket, slot int) {
	a.clearNewSlot(bucket, slot)
	for i, r := range ai.newRefs {
		if r.bucket == bucket && r.slot == slot {
			ai.newRefs = append(ai.newRefs[:i], ai.newRefs[i+1:]...)
			break
		}
	}
	if len(ai.newRefs) == 0 && !ai.inTried {
		delete(a.addrIndex, ai.endpoint.Key())
	}
}

func (a *AddressManager) setTriedSlot(bucket, slot int, key string) {
	if a.triedTable[bucket][slot] == "" && key != "" {
		a.triedSlotsUsed++
	}
	a.triedTable[bucket][slot] = key
}

func (a *AddressManager) clearTriedSlot(bucket, slot int) {
	if a.triedTable[bucket][slot] != "" {
		a.triedSlotsUsed--
	}
	a.triedTable[bucket][slot] = ""
}

// MarkGood records a successful connect and promotes endpoint into tried.
func (a *AddressManager) MarkGood(endpoint PeerEndpoint, testBeforeEvict bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := endpoint.Key()
	ai, ok := a.addrIndex[key]
	if !ok {
		return
	}
	now := a.clock.NowUnix()
	ai.lastSuccess = now
	ai.lastTry = now
	ai.numAttempts = 0

	if ai.inTried {
		return
	}

	// Pull ai out of every new-bucket it currently occupies; it is now
	// neither-new-nor-tried until the promotion below completes (or it
	// lands on the collision list, also counted in neither).
	for _, r := range ai.newRefs {
		a.clearNewSlot(r.bucket, r.slot)
	}
	ai.newRefs = nil

	bucket := a.triedBucketOf(key, endpoint.Group())
	slot := a.triedSlotOf(bucket, key)
	occupantKey := a.triedTable[bucket][slot]

	if occupantKey == "" {
		a.setTriedSlot(bucket, slot, key)
		ai.inTried = true
		ai.triedBucket = bucket
		ai.triedSlot = slot
		return
	}

	if testBeforeEvict {
		a.collisions = append(a.collisions, collisionEntry{
			candidateKey: key,
			occupantKey:  occupantKey,
			bucket:       bucket,
			slot:         slot,
		})
		return
	}

	occupant := a.addrIndex[occupantKey]
	a.clearTriedSlot(bucket, slot)
	if occupant != nil {
		a.demoteToNewLocked(occupant, now)
	}
	a.setTriedSlot(bucket, slot, key)
	ai.inTried = true
	ai.triedBucket = bucket
	ai.triedSlot = slot
}

// demoteToNewLocked moves ai from tried back into the new table, the
// collision-loser path out of MarkGood and ResolveTriedCollisions. If no
// room can be found even by evicting a terrible occupant, ai is dropped
// entirely.
func (a *AddressManager) demoteToNewLocked(ai *AddrInfo, now uint64) {
	ai.inTried = false
	bucket := a.newBucketOf(ai.endpoint.Group(), ai.source.Group())
	slot := a.newSlotOf(bucket, ai.endpoint.Key())
	if !a.placeNew(ai, bucket, slot, now) {
		delete(a.addrIndex, ai.endpoint.Key())
	}
}

// Attempt records a connection attempt. It never mutates placement.
func (a *AddressManager) Attempt(endpoint PeerEndpoint, countFailure bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ai, ok := a.addrIndex[endpoint.Key()]
	if !ok {
		return
	}
	ai.lastTry = a.clock.NowUnix()
	if countFailure {
		ai.numAttempts++
	}
}

// Connect refreshes an already-tried entry's liveness timestamp without
// re-promoting it.
func (a *AddressManager) Connect(endpoint PeerEndpoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ai, ok := a.addrIndex[endpoint.Key()]
	if !ok {
		return
	}
	ai.lastSuccess = a.clock.NowUnix()
}

// LastTry returns the last connection-attempt time for endpoint, 0 if
// unknown, for DiscoveryLoop's "recently tried" rejection rule.
func (a *AddressManager) LastTry(endpoint PeerEndpoint) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ai, ok := a.addrIndex[endpoint.Key()]
	if !ok {
		return 0
	}
	return ai.lastTry
}

// Size returns the number of known AddrInfos.
func (a *AddressManager) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.addrIndex)
}

// RestoreAttempt sets endpoint's lastTry/lastSuccess/numAttempts directly
// from persisted values, for package store's Load path. It must be called
// after the endpoint has already been placed via AddToNewTable (and,
// for a tried entry, promoted via MarkGood), mirroring PKT-FullNode's
// deserializePeers, which assigns ka.attempts/lastattempt/lastsuccess
// straight from the serialized record rather than replaying them through
// Good/Attempt. A no-op if endpoint is unknown.
func (a *AddressManager) RestoreAttempt(endpoint PeerEndpoint, lastTry, lastSuccess uint64, numAttempts int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ai, ok := a.addrIndex[endpoint.Key()]
	if !ok {
		return
	}
	ai.lastTry = lastTry
	ai.lastSuccess = lastSuccess
	ai.numAttempts = numAttempts
}

// Reset reinitializes the manager in place to a fresh, empty state: a new
// secret key and empty new/tried tables. This is the corruption-recovery
// fallback discovery/relay/inbox's Run loops take after recovering from a
// placement-invariant panic, per spec.md §7 ("programming invariants...
// should be impossible; if detected, log and fall back to restoring from
// snapshot or re-initializing") — re-initializing is the cheaper of the
// two named fallbacks and requires no dependency on package store from
// these callers.
func (a *AddressManager) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := io.ReadFull(rand.Reader, a.key[:]); err != nil {
		panic("addrmgr: failed to seed secret key: " + err.Error())
	}
	a.addrIndex = make(map[string]*AddrInfo)
	a.newTable = [newBucketCount][newBucketSize]string{}
	a.newSlotsUsed = 0
	a.triedTable = [triedBucketCount][triedBucketSize]string{}
	a.triedSlotsUsed = 0
	a.collisions = nil
}

// CheckInvariants verifies placement bookkeeping consistency: the
// new/tried slot-used counters match actual table occupancy, and every
// AddrInfo is in the new table xor the tried table (active collision
// candidates excepted, per spec.md §8's invariant list). It panics on
// violation; callers recover from this as the "programming invariants...
// should be impossible" error class from spec.md §7.
func (a *AddressManager) CheckInvariants() {
	a.mu.Lock()
	defer a.mu.Unlock()

	newCount := 0
	for b := 0; b < newBucketCount; b++ {
		for s := 0; s < newBucketSize; s++ {
			if a.newTable[b][s] != "" {
				newCount++
			}
		}
	}
	if newCount != a.newSlotsUsed {
		panic(fmt.Sprintf("addrmgr: invariant violation: newSlotsUsed=%d but %d slots occupied", a.newSlotsUsed, newCount))
	}

	triedCount := 0
	for b := 0; b < triedBucketCount; b++ {
		for s := 0; s < triedBucketSize; s++ {
			if a.triedTable[b][s] != "" {
				triedCount++
			}
		}
	}
	if triedCount != a.triedSlotsUsed {
		panic(fmt.Sprintf("addrmgr: invariant violation: triedSlotsUsed=%d but %d slots occupied", a.triedSlotsUsed, triedCount))
	}

	for key, ai := range a.addrIndex {
		if ai.inTried && len(ai.newRefs) != 0 {
			panic(fmt.Sprintf("addrmgr: invariant violation: %s placed in tried and new simultaneously", key))
		}
		if !ai.inTried && len(ai.newRefs) == 0 && !a.isCollisionCandidateLocked(key) {
			panic(fmt.Sprintf("addrmgr: invariant violation: %s placed in neither table", key))
		}
	}
}

func (a *AddressManager) isCollisionCandidateLocked(key string) bool {
	for _, c := range a.collisions {
		if c.candidateKey == key {
			return true
		}
	}
	return false
}

// ExportedAddr is the flattened view of one AddrInfo handed to package store
// for serialization, keeping the manager's internal table/index layout
// private to this package.
type ExportedAddr struct {
	Endpoint    PeerEndpoint
	Source      Source
	LastSeen    uint64
	LastTry     uint64
	LastSuccess uint64
	NumAttempts int
	InTried     bool
}

// Export returns a snapshot of every known AddrInfo, for package store.
func (a *AddressManager) Export() []ExportedAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ExportedAddr, 0, len(a.addrIndex))
	for _, ai := range a.addrIndex {
		out = append(out, ExportedAddr{
			Endpoint:    ai.endpoint,
			Source:      ai.source,
			LastSeen:    ai.lastSeen,
			LastTry:     ai.lastTry,
			LastSuccess: ai.lastSuccess,
			NumAttempts: ai.numAttempts,
			InTried:     ai.inTried,
		})
	}
	return out
}

// Occupancy returns a flattened (bucket*size+slot) occupied-or-not bitmap
// for the new and tried tables, for package store's compact occupancy
// summary.
func (a *AddressManager) Occupancy() (newOccupied, triedOccupied []bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	newOccupied = make([]bool, newBucketCount*newBucketSize)
	for b := 0; b < newBucketCount; b++ {
		for s := 0; s < newBucketSize; s++ {
			newOccupied[b*newBucketSize+s] = a.newTable[b][s] != ""
		}
	}
	triedOccupied = make([]bool, triedBucketCount*triedBucketSize)
	for b := 0; b < triedBucketCount; b++ {
		for s := 0; s < triedBucketSize; s++ {
			triedOccupied[b*triedBucketSize+s] = a.triedTable[b][s] != ""
		}
	}
	return newOccupied, triedOccupied
}

// SelectPeer draws a candidate via a biased random walk across the new and
// tried tables. It returns false only after exhausting its retry budget.
func (a *AddressManager) SelectPeer(newOnly bool) (PeerEndpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.NowUnix()
	for i := 0; i < selectPeerMaxRetries; i++ {
		useNew := newOnly || (a.rand.Float64() < 0.5 && a.newSlotsUsed > 0)
		if !useNew && a.triedSlotsUsed == 0 {
			if a.newSlotsUsed == 0 {
				return PeerEndpoint{}, false
			}
			useNew = true
		}
		var ai *AddrInfo
		if useNew {
			ai = a.pickRandomNewLocked()
		} else {
			ai = a.pickRandomTriedLocked()
		}
		if ai == nil {
			continue
		}
		if a.rand.Float64() < ai.chance(now) {
			return ai.endpoint, true
		}
	}
	return PeerEndpoint{}, false
}

func (a *AddressManager) pickRandomNewLocked() *AddrInfo {
	if a.newSlotsUsed == 0 {
		return nil
	}
	start := a.rand.Intn(newBucketCount)
	for i := 0; i < newBucketCount; i++ {
		bucket := (start + i) % newBucketCount
		var occupied []int
		for s := 0; s < newBucketSize; s++ {
			if a.newTable[bucket][s] != "" {
				occupied = append(occupied, s)
			}
		}
		if len(occupied) == 0 {
			continue
		}
		slot := occupied[a.rand.Intn(len(occupied))]
		if ai, ok := a.addrIndex[a.newTable[bucket][slot]]; ok {
			return ai
		}
	}
	return nil
}

func (a *AddressManager) pickRandomTriedLocked() *AddrInfo {
	if a.triedSlotsUsed == 0 {
		return nil
	}
	start := a.rand.Intn(triedBucketCount)
	for i := 0; i < triedBucketCount; i++ {
		bucket := (start + i) % triedBucketCount
		var occupied []int
		for s := 0; s < triedBucketSize; s++ {
			if a.triedTable[bucket][s] != "" {
				occupied = append(occupied, s)
			}
		}
		if len(occupied) == 0 {
			continue
		}
		slot := occupied[a.rand.Intn(len(occupied))]
		if ai, ok := a.addrIndex[a.triedTable[bucket][slot]]; ok {
			return ai
		}
	}
	return nil
}

// SelectTriedCollision returns the occupant of a tried slot whose candidate
// is due for a probe (occupant's last_try older than 60 seconds). The
// caller dials the returned endpoint; the result of that dial feeds back
// through Attempt/MarkGood/Connect as usual.
func (a *AddressManager) SelectTriedCollision() (PeerEndpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.NowUnix()
	for _, c := range a.collisions {
		if a.probeDue(c, now) {
			if occ, ok := a.addrIndex[c.occupantKey]; ok {
				return occ.endpoint, true
			}
		}
	}
	return PeerEndpoint{}, false
}

// ResolveTriedCollisions resolves every collision whose probe has
// completed.
func (a *AddressManager) ResolveTriedCollisions() {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.NowUnix()

	remaining := a.collisions[:0]
	for _, c := range a.collisions {
		occupant := a.addrIndex[c.occupantKey]
		candidate := a.addrIndex[c.candidateKey]

		if candidate == nil {
			continue // candidate vanished; drop the entry
		}
		if !a.probeResolved(c, now) {
			remaining = append(remaining, c)
			continue
		}

		occupantLost := occupant == nil || occupant.isTerrible(now) || occupant.lastSuccess < occupant.lastTry
		if occupantLost {
			a.clearTriedSlot(c.bucket, c.slot)
			if occupant != nil {
				a.demoteToNewLocked(occupant, now)
			}
			a.setTriedSlot(c.bucket, c.slot, c.candidateKey)
			candidate.inTried = true
			candidate.triedBucket = c.bucket
			candidate.triedSlot = c.slot
		} else {
			delete(a.addrIndex, c.candidateKey)
		}
	}
	a.collisions = remaining
}

// GetPeers returns a random sample of known addresses for gossip responses:
// 23% of the pool (rounded down), capped at 1000, drawn from addresses seen
// within the last 30 days unless nothing fresher exists. When 23% of the
// pool rounds down to zero (fewer than 5 entries), the whole pool is
// returned.
func (a *AddressManager) GetPeers() []PeerEndpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.NowUnix()

	all := make([]*AddrInfo, 0, len(a.addrIndex))
	fresh := make([]*AddrInfo, 0, len(a.addrIndex))
	for _, ai := range a.addrIndex {
		all = append(all, ai)
		if now <= ai.lastSeen || now-ai.lastSeen <= staleSeconds {
			fresh = append(fresh, ai)
		}
	}
	pool := fresh
	if len(pool) == 0 {
		pool = all
	}
	if len(pool) == 0 {
		return nil
	}

	n := len(pool) * getPeersPercent / 100
	if n > getPeersMax {
		n = getPeersMax
	}
	if n == 0 {
		n = len(pool)
	}

	for i := 0; i < n; i++ {
		j := i + a.rand.Intn(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}

	out := make([]PeerEndpoint, n)
	for i := 0; i < n; i++ {
		out[i] = pool[i].endpoint
	}
	return out
}
