// Package store implements AddressStore, a single-file snapshot
// persistence layer for an AddressManager. It is grounded on
// PKT-FullNode's addrmgr/addrmanager.go savePeers/loadPeers/deserializePeers,
// generalized with an atomic write-temp-then-rename commit (PKT-FullNode
// writes its target file directly, which is not crash-safe) and a snappy-compressed,
// blake2b-checksummed payload so a truncated or corrupt file is detected
// cheaply before JSON decode is attempted.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dchest/blake2b"
	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"

	"github.com/coredaemon/peerbook/addrmgr"
	"github.com/coredaemon/peerbook/clock"
	"github.com/coredaemon/peerbook/netlog"
)

var log netlog.Logger = netlog.Disabled

// UseLogger sets the Logger used by package store.
func UseLogger(l netlog.Logger) {
	log = l
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// snapshotVersion guards against loading a snapshot written by an
// incompatible future layout, matching PKT-FullNode's serializedAddrManager
// Version field.
const snapshotVersion = 1

// snapshot is the on-disk representation, modeled on PKT-FullNode's
// serializedAddrManager/serializedKnownAddress pair. Per-address (bucket,
// slot) placement is not stored: load recomputes it from the restored key,
// and the occupancy bitmaps below only summarize which slots were filled.
type snapshot struct {
	Version int        `json:"version"`
	Key     [32]byte   `json:"key"`
	Addrs   []snapAddr `json:"addrs"`

	// NewOccupancy/TriedOccupancy are a redundant, compactly bit-packed
	// summary of which (bucket, slot) pairs are occupied, independent of
	// Addrs — a cheap consistency check on load, and the shape a consumer
	// wanting occupancy alone (e.g. debugstats) can decode without walking
	// every AddrInfo.
	NewOccupancy   []byte `json:"new_occupancy"`
	TriedOccupancy []byte `json:"tried_occupancy"`
}

type snapAddr struct {
	Host        string `json:"host"`
	Port        uint16 `json:"port"`
	SourceKind  uint8  `json:"source_kind"`
	SourceHost  string `json:"source_host,omitempty"`
	SourcePort  uint16 `json:"source_port,omitempty"`
	LastSeen    uint64 `json:"last_seen"`
	LastTry     uint64 `json:"last_try"`
	LastSuccess uint64 `json:"last_success"`
	NumAttempts int    `json:"num_attempts"`
	InTried     bool   `json:"in_tried"`
}

// AddressStore persists a single AddressManager snapshot to one file on
// disk — a single file, not a database.
type AddressStore struct {
	path string
}

// New returns an AddressStore writing to path.
func New(path string) *AddressStore {
	return &AddressStore{path: path}
}

// Load reads the snapshot and reconstructs an AddressManager. Any missing
// file, checksum mismatch, or decode failure is treated as "empty" rather
// than returned as an error: the caller is meant to start fresh rather
// than fail to boot over a damaged snapshot.
func (s *AddressStore) Load(lookup addrmgr.LookupFunc, clk clock.Clock) *addrmgr.AddressManager {
	mgr, err := s.load(lookup, clk)
	if err != nil {
		return addrmgr.New(lookup, clk, nil)
	}
	return mgr
}

func (s *AddressStore) load(lookup addrmgr.LookupFunc, clk clock.Clock) (*addrmgr.AddressManager, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	if len(raw) < blake2b.Size256 {
		return nil, fmt.Errorf("store: snapshot too short")
	}
	sum := raw[:blake2b.Size256]
	payload := raw[blake2b.Size256:]
	want := blake2b.Sum256(payload)
	if !bytesEqual(sum, want[:]) {
		return nil, fmt.Errorf("store: checksum mismatch")
	}
	decompressed, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("store: snappy decode: %w", err)
	}
	var snap snapshot
	if err := jsonAPI.Unmarshal(decompressed, &snap); err != nil {
		return nil, fmt.Errorf("store: json decode: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("store: unsupported snapshot version %d", snap.Version)
	}

	mgr := addrmgr.New(lookup, clk, nil)
	mgr.SetKey(snap.Key)
	for _, sa := range snap.Addrs {
		src := addrmgr.Source{Kind: addrmgr.SourceKind(sa.SourceKind)}
		if src.Kind == addrmgr.SourcePeer {
			src.Endpoint = addrmgr.PeerEndpoint{Host: sa.SourceHost, Port: sa.SourcePort}
		}
		ep := addrmgr.PeerEndpoint{Host: sa.Host, Port: sa.Port}
		mgr.AddToNewTable([]addrmgr.TimestampedPeer{{
			PeerEndpoint: ep,
			LastSeen:     sa.LastSeen,
		}}, src, 0)
		if sa.InTried {
			// MarkGood promotes ep into tried; test_before_evict=false since
			// a freshly restored table can never already hold ep's tried
			// slot. The raw counters below then overwrite whatever
			// MarkGood/AddToNewTable derived from load-time state.
			mgr.MarkGood(ep, false)
		}
		mgr.RestoreAttempt(ep, sa.LastTry, sa.LastSuccess, sa.NumAttempts)
	}

	newOcc, triedOcc := mgr.Occupancy()
	wantNew, err := decodeOccupancy(snap.NewOccupancy, len(newOcc))
	if err == nil && !boolSlicesEqual(newOcc, wantNew) {
		log.Warnf("store: reconstructed new-table occupancy disagrees with snapshot summary")
	}
	wantTried, err := decodeOccupancy(snap.TriedOccupancy, len(triedOcc))
	if err == nil && !boolSlicesEqual(triedOcc, wantTried) {
		log.Warnf("store: reconstructed tried-table occupancy disagrees with snapshot summary")
	}

	return mgr, nil
}

func boolSlicesEqual(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Serialize writes mgr's current state to the store: the prior snapshot
// remains intact unless a complete new one is committed, implemented with
// write-temp-then-rename.
func (s *AddressStore) Serialize(mgr *addrmgr.AddressManager) error {
	snap := snapshot{
		Version: snapshotVersion,
		Key:     mgr.Key(),
	}
	for _, a := range mgr.Export() {
		sa := snapAddr{
			Host:        a.Endpoint.Host,
			Port:        a.Endpoint.Port,
			SourceKind:  uint8(a.Source.Kind),
			LastSeen:    a.LastSeen,
			LastTry:     a.LastTry,
			LastSuccess: a.LastSuccess,
			NumAttempts: a.NumAttempts,
			InTried:     a.InTried,
		}
		if a.Source.Kind == addrmgr.SourcePeer {
			sa.SourceHost = a.Source.Endpoint.Host
			sa.SourcePort = a.Source.Endpoint.Port
		}
		snap.Addrs = append(snap.Addrs, sa)
	}
	newOcc, triedOcc := mgr.Occupancy()
	snap.NewOccupancy = encodeOccupancy(newOcc)
	snap.TriedOccupancy = encodeOccupancy(triedOcc)

	encoded, err := jsonAPI.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: json encode: %w", err)
	}
	compressed := snappy.Encode(nil, encoded)
	sum := blake2b.Sum256(compressed)

	out := make([]byte, 0, len(sum)+len(compressed))
	out = append(out, sum[:]...)
	out = append(out, compressed...)

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("store: rename temp file: %w", err)
	}
	return nil
}
