// Command addrnode is a standalone entrypoint wiring the address manager,
// its persistent store, the discovery loop, the relay loop, and the
// message inbox together, in the style of the teacher's own daemon
// entrypoint: jessevdk/go-flags for configuration, netlog for logging,
// and a debugstats HTTP server for live inspection.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/coredaemon/peerbook/addrmgr"
	"github.com/coredaemon/peerbook/clock"
	"github.com/coredaemon/peerbook/debugstats"
	"github.com/coredaemon/peerbook/discovery"
	"github.com/coredaemon/peerbook/inbox"
	"github.com/coredaemon/peerbook/netlog"
	"github.com/coredaemon/peerbook/relay"
	"github.com/coredaemon/peerbook/store"
	"github.com/coredaemon/peerbook/transport"
)

var log netlog.Logger = netlog.Disabled

func lookupHost(host string) ([]net.IP, error) { return net.LookupIP(host) }

func main() {
	var cfg Config
	if _, err := flags.Parse(&cfg); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	log = netlog.NewStdLogger("addrnode")
	addrmgr.UseLogger(log)
	discovery.UseLogger(log)
	relay.UseLogger(log)
	inbox.UseLogger(log)
	store.UseLogger(log)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Errorf("addrnode: failed to create data directory %s: %v", cfg.DataDir, err)
		os.Exit(1)
	}

	clk := clock.System{}
	addrStore := store.New(cfg.snapshotPath())
	mgr := addrStore.Load(lookupHost, clk)
	log.Infof("addrnode: loaded %d known addresses", mgr.Size())

	tr := &nullTransport{local: addrmgr.PeerEndpoint{Host: "0.0.0.0", Port: 0}}

	relayLoop := relay.New(tr, mgr, clk)
	inboxQueue := inbox.New(mgr, relayLoop, clk)
	tr.SetFullNodePeersCallback(func(kind transport.EventKind, endpoint addrmgr.PeerEndpoint) {
		inboxQueue.Put(kind, endpoint)
	})
	tr.SetWalletCallback(func(kind transport.EventKind, endpoint addrmgr.PeerEndpoint) {
		inboxQueue.Put(kind, endpoint)
	})

	introducerEndpoint := addrmgr.PeerEndpoint{Host: cfg.IntroducerHost, Port: cfg.IntroducerPort}
	introducer := discovery.NewIntroducerClient(tr, mgr, introducerEndpoint, cfg.WebSeedURL)
	discoveryLoop := discovery.New(tr, mgr, introducer, clk, nil, discovery.Config{
		PeerConnectInterval: cfg.PeerConnectInterval,
		TargetOutboundCount: cfg.TargetOutboundCount,
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	runTask := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("addrnode: %s task exited: %v", name, err)
			}
		}()
	}
	runTask("inbox", inboxQueue.Run)
	runTask("discovery", discoveryLoop.Run)
	runTask("relay", relayLoop.Run)
	runTask("snapshot", func(ctx context.Context) error {
		return runSnapshotLoop(ctx, clk, addrStore, mgr)
	})

	if cfg.DebugListenAddr != "" {
		mux, err := debugstats.Mount(http.NewServeMux(), mgr)
		if err != nil {
			log.Warnf("addrnode: debugstats mount failed: %v", err)
		} else {
			srv := &http.Server{Addr: cfg.DebugListenAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Warnf("addrnode: debugstats server: %v", err)
				}
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Infof("addrnode: shutting down")
	cancel()
	wg.Wait()

	if err := addrStore.Serialize(mgr); err != nil {
		log.Errorf("addrnode: final snapshot failed: %v", err)
	}
}

// runSnapshotLoop serializes mgr to addrStore on a random 15-30 minute
// interval, per spec.md §3's lifecycle ("serialized on a random 15-30
// minute interval and on orderly shutdown").
func runSnapshotLoop(ctx context.Context, clk clock.Clock, addrStore *store.AddressStore, mgr *addrmgr.AddressManager) error {
	for {
		interval := randomSnapshotInterval()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(interval):
			if err := addrStore.Serialize(mgr); err != nil {
				log.Warnf("addrnode: periodic snapshot failed: %v", err)
			}
		}
	}
}
