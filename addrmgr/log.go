package addrmgr

import "github.com/coredaemon/peerbook/netlog"

// log is used throughout this package like btcsuite/pktlog's package-level
// logger: call UseLogger once at startup to wire in a real backend,
// otherwise everything is silently discarded.
var log netlog.Logger = netlog.Disabled

// UseLogger sets the Logger used by package addrmgr.
func UseLogger(l netlog.Logger) {
	log = l
}
