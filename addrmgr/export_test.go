package addrmgr

// Whitebox indirections exposed only to tests (package addrmgr_test), in
// the standard export_test.go idiom: production code never calls these.

// TriedPlacement returns the (bucket, slot) endpoint would hash to in the
// tried table, letting external tests construct a genuine slot collision
// instead of only exercising the collision-list API in isolation.
func (a *AddressManager) TriedPlacement(endpoint PeerEndpoint) (bucket, slot int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := endpoint.Key()
	bucket = a.triedBucketOf(key, endpoint.Group())
	slot = a.triedSlotOf(bucket, key)
	return bucket, slot
}

// CorruptNewSlotsUsedForTest desynchronizes newSlotsUsed from actual table
// occupancy, giving CheckInvariants something real to catch without reaching
// into unexported table/bucket internals from the test package itself.
func (a *AddressManager) CorruptNewSlotsUsedForTest() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.newSlotsUsed++
}
