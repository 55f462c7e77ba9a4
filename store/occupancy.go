package store

import (
	"github.com/kkdai/bstream"
)

// encodeOccupancy packs a []bool slot-occupancy bitmap into one bit per
// slot instead of one JSON array entry per slot, per the DOMAIN STACK's use
// of kkdai/bstream for "compact bitset encoding of occupied-slot membership
// per bucket".
func encodeOccupancy(occupied []bool) []byte {
	w := bstream.NewBStreamWriter(len(occupied) / 8)
	for _, occ := range occupied {
		if occ {
			w.WriteBit(bstream.One)
		} else {
			w.WriteBit(bstream.Zero)
		}
	}
	return w.Bytes()
}

// decodeOccupancy unpacks n bits from a buffer written by encodeOccupancy.
func decodeOccupancy(data []byte, n int) ([]bool, error) {
	r := bstream.NewBStreamReader(data)
	out := make([]bool, n)
	for i := 0; i < n; i++ {
		bit, err := r.ReadBit()
		if err != nil {
			return nil, err
		}
		out[i] = bit == bstream.One
	}
	return out, nil
}
