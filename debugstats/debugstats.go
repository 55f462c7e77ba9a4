// Package debugstats mounts a small debug HTTP surface over the running
// address manager: a live runtime visualization via arl/statsviz (the same
// purpose the teacher mounts it for) plus a bucket-occupancy endpoint this
// module adds on top, since table occupancy is specific to this module and
// not something statsviz itself knows how to show.
package debugstats

import (
	"encoding/json"
	"net/http"

	"github.com/arl/statsviz"

	"github.com/coredaemon/peerbook/addrmgr"
)

// occupancyReport is the JSON shape served at /debug/addrman/occupancy.
type occupancyReport struct {
	Size            int     `json:"size"`
	NewSlotsUsed    int     `json:"new_slots_used"`
	NewSlotsTotal   int     `json:"new_slots_total"`
	TriedSlotsUsed  int     `json:"tried_slots_used"`
	TriedSlotsTotal int     `json:"tried_slots_total"`
	NewFillRatio    float64 `json:"new_fill_ratio"`
	TriedFillRatio  float64 `json:"tried_fill_ratio"`
}

// Mount registers statsviz's live runtime dashboard and an
// addrman-occupancy JSON endpoint onto mux, returning the mux for
// convenience chaining.
func Mount(mux *http.ServeMux, mgr *addrmgr.AddressManager) (*http.ServeMux, error) {
	if mux == nil {
		mux = http.NewServeMux()
	}
	if err := statsviz.Register(mux); err != nil {
		return nil, err
	}
	mux.HandleFunc("/debug/addrman/occupancy", func(w http.ResponseWriter, r *http.Request) {
		newOcc, triedOcc := mgr.Occupancy()
		report := occupancyReport{
			Size:            mgr.Size(),
			NewSlotsTotal:   len(newOcc),
			TriedSlotsTotal: len(triedOcc),
		}
		for _, occ := range newOcc {
			if occ {
				report.NewSlotsUsed++
			}
		}
		for _, occ := range triedOcc {
			if occ {
				report.TriedSlotsUsed++
			}
		}
		if report.NewSlotsTotal > 0 {
			report.NewFillRatio = float64(report.NewSlotsUsed) / float64(report.NewSlotsTotal)
		}
		if report.TriedSlotsTotal > 0 {
			report.TriedFillRatio = float64(report.TriedSlotsUsed) / float64(report.TriedSlotsTotal)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	})
	return mux, nil
}
