package addrmgr

const (
	// terribleDays is the "unreachable for this long" threshold in the
	// terrible-address definition.
	terribleDays = 30
	// maxFailuresSinceSuccess is the ">3 failures since last success"
	// threshold.
	maxFailuresSinceSuccess = 3
	// maxConsecutiveFailures is the ">10 consecutive failures" threshold
	// paired with a last-try older than one hour.
	maxConsecutiveFailures = 10

	secondsPerDay = 24 * 60 * 60
)

// newRef records one (bucket, slot) pair in the new table that references
// an AddrInfo; an AddrInfo may hold up to newBucketsPerAddress of these.
type newRef struct {
	bucket int
	slot   int
}

// AddrInfo is the managed record for one known endpoint.
type AddrInfo struct {
	endpoint PeerEndpoint
	source   Source

	lastSeen    uint64 // last advertised timestamp (TimestampedPeer.LastSeen)
	lastTry     uint64 // 0 if never attempted
	lastSuccess uint64 // 0 if never succeeded
	numAttempts int    // attempts since last success

	newRefs []newRef // (bucket, slot) placements in the new table; empty if in tried

	inTried     bool
	triedBucket int
	triedSlot   int
}

// Endpoint returns the endpoint this record describes.
func (k *AddrInfo) Endpoint() PeerEndpoint { return k.endpoint }

// LastSuccess returns the last successful connection time, 0 if never.
func (k *AddrInfo) LastSuccess() uint64 { return k.lastSuccess }

// LastTry returns the last connection attempt time, 0 if never.
func (k *AddrInfo) LastTry() uint64 { return k.lastTry }

// Attempts returns the number of attempts since the last success.
func (k *AddrInfo) Attempts() int { return k.numAttempts }

// InTried reports whether this record currently occupies a tried slot.
func (k *AddrInfo) InTried() bool { return k.inTried }

// isTerrible reports whether ka is a "terrible" address under three
// conditions: unreachable for more than terribleDays days, more than
// maxFailuresSinceSuccess failures since the last success, or a last-try
// more than an hour ago with more than maxConsecutiveFailures consecutive
// failures.
func (k *AddrInfo) isTerrible(now uint64) bool {
	if k.lastSuccess == 0 {
		if now > k.lastSeen && now-k.lastSeen > terribleDays*secondsPerDay {
			return true
		}
	} else if now > k.lastSuccess && now-k.lastSuccess > terribleDays*secondsPerDay {
		return true
	}
	if k.numAttempts > maxFailuresSinceSuccess {
		return true
	}
	if k.lastTry > 0 && now > k.lastTry && now-k.lastTry > 3600 && k.numAttempts > maxConsecutiveFailures {
		return true
	}
	return false
}

// chance returns the acceptance probability SelectPeer uses in its
// rejection test: a value in (0,1] that decreases with num_attempts
// (minus 0.01 per failed attempt, floor 0.01) and with staleness of
// last_success (divided by 1 + days-since-success/30).
func (k *AddrInfo) chance(now uint64) float64 {
	c := 1.0 - 0.01*float64(k.numAttempts)
	if c < 0.01 {
		c = 0.01
	}
	if k.lastSuccess > 0 && now > k.lastSuccess {
		daysSinceSuccess := float64(now-k.lastSuccess) / secondsPerDay
		c /= 1.0 + daysSinceSuccess/30.0
	}
	if c < 0.01 {
		c = 0.01
	}
	return c
}
