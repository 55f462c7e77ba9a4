package main

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Config holds every flag this entrypoint accepts, in the same
// flag-struct-with-tags style the teacher's own daemon entrypoint uses via
// jessevdk/go-flags.
type Config struct {
	DataDir string `short:"d" long:"datadir" description:"Directory holding the address-manager snapshot" default:"./addrnode-data"`

	IntroducerHost string `long:"introducer-host" description:"Bootstrap introducer host" default:"introducer.example.org"`
	IntroducerPort uint16 `long:"introducer-port" description:"Bootstrap introducer port" default:"8444"`
	WebSeedURL     string `long:"web-seed-url" description:"Optional JSON web-seed URL tried before the introducer dial"`

	TargetOutboundCount int           `long:"target-outbound" description:"Desired steady-state outbound connection count" default:"8"`
	PeerConnectInterval time.Duration `long:"peer-connect-interval" description:"Upper bound on every discovery sleep" default:"5s"`

	DebugListenAddr string `long:"debug-listen" description:"Address the debugstats HTTP server listens on (empty disables it)" default:"127.0.0.1:9991"`

	LogLevel string `long:"log-level" description:"One of trace, debug, info, warn, error" default:"info"`
}

// snapshotPath is the path Config.DataDir resolves to for the address
// manager's persisted snapshot, per spec.md §6's "path derived from
// configured root + relative db path".
func (c Config) snapshotPath() string {
	return c.DataDir + "/peers.dat"
}

// randomSnapshotInterval returns a uniformly random duration in [15, 30)
// minutes, matching spec.md §3's "random 15-30 minute interval".
func randomSnapshotInterval() time.Duration {
	const minMinutes, maxMinutes = 15, 30
	n, err := rand.Int(rand.Reader, big.NewInt(maxMinutes-minMinutes))
	if err != nil {
		return minMinutes * time.Minute
	}
	return time.Duration(minMinutes+n.Int64()) * time.Minute
}
