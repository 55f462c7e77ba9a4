package addrmgr_test

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/coredaemon/peerbook/addrmgr"
	"github.com/coredaemon/peerbook/clock"
)

func TestAddrmgrSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "AddrMgr Suite")
}

var _ = Describe("AddressManager", func() {
	var (
		mgr *addrmgr.AddressManager
		clk *clock.Fake
	)

	BeforeEach(func() {
		clk = clock.NewFake(time.Unix(1_700_000_000, 0))
		mgr = addrmgr.New(nil, clk, rand.New(rand.NewSource(42)))
	})

	// Scenario 1 (spec.md §8): bootstrap from empty.
	Describe("bootstrapping from empty", func() {
		It("admits every freshly introduced peer into the new table", func() {
			Expect(mgr.Size()).To(Equal(0))
			_, ok := mgr.SelectPeer(false)
			Expect(ok).To(BeFalse())

			now := clk.NowUnix()
			var introduced []addrmgr.TimestampedPeer
			for i := 0; i < 5; i++ {
				introduced = append(introduced, addrmgr.TimestampedPeer{
					PeerEndpoint: addrmgr.PeerEndpoint{Host: fmt.Sprintf("198.51.100.%d", i+1), Port: 8444},
					LastSeen:     now - uint64(i*60),
				})
			}
			mgr.AddToNewTable(introduced, addrmgr.Source{Kind: addrmgr.SourceIntroducer}, 0)

			Expect(mgr.Size()).To(Equal(5))
			for _, a := range mgr.Export() {
				Expect(a.Source.Kind).To(Equal(addrmgr.SourceIntroducer))
				Expect(a.InTried).To(BeFalse())
			}

			ep, ok := mgr.SelectPeer(true)
			Expect(ok).To(BeTrue())
			Expect(ep.Host).To(HavePrefix("198.51.100."))
		})
	})

	// Scenario 4 (spec.md §8): tried-slot collision resolution.
	Describe("tried-slot collision resolution", func() {
		It("routes a colliding candidate onto the collision list, not an immediate evict", func() {
			now := clk.NowUnix()

			// Find two distinct endpoints whose tried placement collides,
			// searching over the manager's actual (randomly generated)
			// secret key via the export_test.go whitebox helper.
			type placed struct {
				ep           addrmgr.PeerEndpoint
				bucket, slot int
			}
			seen := make(map[[2]int]placed)
			var occupantEP, candidateEP addrmgr.PeerEndpoint
			found := false
			for i := 0; i < 20000 && !found; i++ {
				ep := addrmgr.PeerEndpoint{Host: fmt.Sprintf("203.0.%d.%d", (i/250)%256, i%250+1), Port: uint16(i%65000 + 1)}
				b, s := mgr.TriedPlacement(ep)
				key := [2]int{b, s}
				if prior, ok := seen[key]; ok {
					occupantEP = prior.ep
					candidateEP = ep
					found = true
					break
				}
				seen[key] = placed{ep: ep, bucket: b, slot: s}
			}
			Expect(found).To(BeTrue(), "expected to find a tried-slot collision within the search budget")

			mgr.AddToNewTable([]addrmgr.TimestampedPeer{{PeerEndpoint: occupantEP, LastSeen: now}}, addrmgr.Source{Kind: addrmgr.SourceIntroducer}, 0)
			mgr.MarkGood(occupantEP, true)

			mgr.AddToNewTable([]addrmgr.TimestampedPeer{{PeerEndpoint: candidateEP, LastSeen: now}}, addrmgr.Source{Kind: addrmgr.SourceIntroducer}, 0)
			mgr.MarkGood(candidateEP, true)

			// The candidate must not have displaced the occupant yet: it
			// sits on the collision list.
			byEP := make(map[addrmgr.PeerEndpoint]addrmgr.ExportedAddr)
			for _, a := range mgr.Export() {
				byEP[a.Endpoint] = a
			}
			Expect(byEP[occupantEP].InTried).To(BeTrue())
			Expect(byEP[candidateEP].InTried).To(BeFalse())

			_, dueImmediately := mgr.SelectTriedCollision()
			Expect(dueImmediately).To(BeFalse(), "a probe should not be due until 60s have elapsed")

			// Advance time so the occupant's liveness probe is due, then
			// simulate it failing (no further success recorded), which
			// should make the occupant terrible and let the candidate win.
			clk.Advance(61 * time.Second)
			occProbe, due := mgr.SelectTriedCollision()
			Expect(due).To(BeTrue())
			Expect(occProbe).To(Equal(occupantEP))

			// Drive enough failed attempts and elapsed time that the
			// occupant becomes "terrible" so the probe resolves decisively.
			for i := 0; i < 11; i++ {
				mgr.Attempt(occupantEP, true)
			}
			clk.Advance(41 * time.Minute)

			mgr.ResolveTriedCollisions()

			byEP = make(map[addrmgr.PeerEndpoint]addrmgr.ExportedAddr)
			for _, a := range mgr.Export() {
				byEP[a.Endpoint] = a
			}
			Expect(byEP[candidateEP].InTried).To(BeTrue())
		})
	})
})
