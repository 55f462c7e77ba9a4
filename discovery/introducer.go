// Package discovery implements Loop and IntroducerClient, the
// outbound-connection driver and one-shot bootstrap client. It is grounded
// on PKT-FullNode's addressHandler goroutine idiom and on
// node_discovery.py's _connect_to_peers/_introducer_client, with the
// "contact, then fall back on a schedule" structure additionally grounded
// on PeernetOfficial-core's rootPeer bootstrap pattern.
package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sethgrid/pester"

	"github.com/coredaemon/peerbook/addrmgr"
	"github.com/coredaemon/peerbook/netlog"
	"github.com/coredaemon/peerbook/transport"
)

var log netlog.Logger = netlog.Disabled

// UseLogger sets the Logger used by package discovery.
func UseLogger(l netlog.Logger) {
	log = l
}

// Inbox mirrors inbox.Inbox's Put method. IntroducerClient and Loop do not
// hold one: the web-seed path writes to the address manager directly, and
// the introducer's response reaches the inbox through the transport's
// registered callback.
type Inbox interface {
	Put(kind transport.EventKind, endpoint addrmgr.PeerEndpoint)
}

// IntroducerClient is a one-shot bootstrap: it opens a session to a
// configured introducer, sends request_peers, routes the response into the
// inbox as an ordinary add_to_new_table with source=introducer and
// penalty=0, then closes the session.
type IntroducerClient struct {
	transport transport.Transport
	mgr       *addrmgr.AddressManager
	endpoint  addrmgr.PeerEndpoint

	// webSeedURL, if set, is tried first via a bounded-retry HTTP fetch —
	// a genuine supplement over node_discovery.py's TCP-only bootstrap,
	// common in Bitcoin-lineage nodes as a hardcoded-seed fallback.
	webSeedURL string
	httpClient *pester.Client
}

// NewIntroducerClient returns an IntroducerClient targeting endpoint, with
// an optional web-seed URL tried first.
func NewIntroducerClient(tr transport.Transport, mgr *addrmgr.AddressManager, endpoint addrmgr.PeerEndpoint, webSeedURL string) *IntroducerClient {
	client := pester.New()
	client.MaxRetries = 3
	client.Backoff = pester.ExponentialBackoff
	client.Timeout = 10 * time.Second
	return &IntroducerClient{
		transport:  tr,
		mgr:        mgr,
		endpoint:   endpoint,
		webSeedURL: webSeedURL,
		httpClient: client,
	}
}

// webSeedPeer is one entry of the web-seed JSON peer list.
type webSeedPeer struct {
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
	LastSeen uint64 `json:"last_seen"`
}

// Bootstrap performs one bootstrap attempt: the web seed first if
// configured, then the TCP introducer dial. It never blocks past its own
// HTTP/dial timeouts and never returns an error the caller must act on:
// bootstrap failures are transient I/O, logged and skipped.
func (c *IntroducerClient) Bootstrap(ctx context.Context) {
	if c.webSeedURL != "" {
		if c.fetchWebSeed() {
			return
		}
		log.Warnf("discovery: web seed fetch failed, falling back to introducer dial")
	}
	c.dialIntroducer(ctx)
}

func (c *IntroducerClient) fetchWebSeed() bool {
	resp, err := c.httpClient.Get(c.webSeedURL)
	if err != nil {
		log.Warnf("discovery: web seed request failed: %v", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Warnf("discovery: web seed returned status %d", resp.StatusCode)
		return false
	}
	var peers []webSeedPeer
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		log.Warnf("discovery: web seed decode failed: %v", err)
		return false
	}
	if len(peers) == 0 {
		return false
	}
	timestamped := make([]addrmgr.TimestampedPeer, 0, len(peers))
	for _, p := range peers {
		timestamped = append(timestamped, addrmgr.TimestampedPeer{
			PeerEndpoint: addrmgr.PeerEndpoint{Host: p.Host, Port: p.Port},
			LastSeen:     p.LastSeen,
		})
	}
	c.mgr.AddToNewTable(timestamped, addrmgr.Source{Kind: addrmgr.SourceIntroducer}, 0)
	log.Infof("discovery: web seed supplied %d peers", len(timestamped))
	return true
}

func (c *IntroducerClient) dialIntroducer(ctx context.Context) {
	done := make(chan error, 1)
	err := c.transport.StartClient(ctx, c.endpoint, func(conn transport.Conn, dialErr error) {
		if dialErr != nil {
			done <- dialErr
			return
		}
		defer c.transport.Close(conn)
		if pushErr := c.transport.PushMessage(transport.RequestPeers{}, conn); pushErr != nil {
			done <- pushErr
			return
		}
		// The response is delivered asynchronously into the inbox by the
		// transport's registered callback, matching node_discovery.py's
		// _introducer_client: this client's job ends once the request is
		// sent and the session is about to close.
		done <- nil
	}, nil, true)
	if err != nil {
		log.Warnf("discovery: introducer dial failed: %v", err)
		return
	}
	select {
	case err := <-done:
		if err != nil {
			log.Warnf("discovery: introducer session failed: %v", err)
		}
	case <-ctx.Done():
	}
}
