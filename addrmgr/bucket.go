package addrmgr

import (
	"encoding/binary"

	"github.com/aead/siphash"
)

// Table geometry, carried over from PKT-FullNode's addrmgr constants: 1024
// new-buckets of 64 slots each, 256 tried-buckets of 64 slots each.
const (
	newBucketCount       = 1024
	newBucketSize        = 64
	triedBucketCount     = 256
	triedBucketSize      = 64
	newBucketsPerAddress = 8  // an AddrInfo lives in at most this many new-buckets
	newBucketsPerGroup   = 64 // one source-group populates at most this many buckets
	triedBucketsPerGroup = 8
)

// sipKey derives the 16-byte siphash key from the manager's persisted
// 256-bit secret. The same key parameterizes every hash this package and
// package relay compute; domain separation between uses comes from literal
// prefix bytes mixed into the hashed data, not from distinct keys.
func sipKey(secret [32]byte) []byte {
	return secret[:16]
}

// sipHash64 hashes the concatenation of parts under key, matching the
// two-stage doublesha256 construction PKT-FullNode's getNewBucket /
// getTriedBucket use, but built on siphash's keyed PRF instead: the
// purpose-built primitive for attacker-unpredictable bucket placement.
func sipHash64(key []byte, parts ...[]byte) uint64 {
	h, err := siphash.New64(key)
	if err != nil {
		// Only possible if key is not exactly 16 bytes, which sipKey
		// guarantees; a panic here means a programming invariant broke.
		panic(err)
	}
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum64()
}

func uint64Bytes(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func intBytes(v int) []byte {
	return uint64Bytes(uint64(v))
}

// newBucketOf computes the new-bucket index for an endpoint advertised by a
// source with group sourceGroup:
//
//	new-bucket = H(key || source_group || endpoint_group) mod 1024
//
// with the same two-stage construction PKT-FullNode uses so that a single
// source group can populate at most newBucketsPerGroup buckets.
func (a *AddressManager) newBucketOf(endpointGroup, sourceGroup string) int {
	key := sipKey(a.key)
	hash1 := sipHash64(key, a.key[:], []byte(endpointGroup), []byte(sourceGroup))
	hash1 %= newBucketsPerGroup
	hash2 := sipHash64(key, a.key[:], []byte(sourceGroup), uint64Bytes(hash1))
	return int(hash2 % newBucketCount)
}

// newSlotOf computes the new-slot index within bucket for endpointKey:
// new-slot = H(key || "N" || bucket || endpoint) mod 64.
func (a *AddressManager) newSlotOf(bucket int, endpointKey string) int {
	key := sipKey(a.key)
	h := sipHash64(key, a.key[:], []byte("N"), intBytes(bucket), []byte(endpointKey))
	return int(h % newBucketSize)
}

// triedBucketOf computes the tried-bucket index for endpointKey in two
// stages: h1 = H(key || endpoint) mod triedBucketsPerGroup, then
// tried-bucket = H(key || endpoint_group || h1) mod 256, so one network
// group can occupy at most triedBucketsPerGroup tried buckets.
func (a *AddressManager) triedBucketOf(endpointKey, endpointGroup string) int {
	key := sipKey(a.key)
	hash1 := sipHash64(key, a.key[:], []byte(endpointKey))
	hash1 %= triedBucketsPerGroup
	hash2 := sipHash64(key, a.key[:], []byte(endpointGroup), uint64Bytes(hash1))
	return int(hash2 % triedBucketCount)
}

// triedSlotOf computes the tried-slot index within bucket for endpointKey:
// tried-slot = H(key || "T" || bucket || endpoint) mod 64.
func (a *AddressManager) triedSlotOf(bucket int, endpointKey string) int {
	key := sipKey(a.key)
	h := sipHash64(key, a.key[:], []byte("T"), intBytes(bucket), []byte(endpointKey))
	return int(h % triedBucketSize)
}
