package core

// DuplicateTracker enforces the "at most one transaction per key" rule
// within a single block's unconfirmed set, independent of anything
// persisted to state. The canonical example is alias assignment: a block
// may contain a transaction assigning name "foo" at most once, even though
// two different senders could each have a perfectly valid, individually
// signed transaction claiming it (spec §3 "Duplicate tracker"). It is
// rebuilt fresh for every block — generation and validation each start
// with an empty tracker.
type DuplicateTracker struct {
	seen map[string]map[string]bool // type-name -> key -> seen
}

// NewDuplicateTracker returns an empty tracker.
func NewDuplicateTracker() *DuplicateTracker {
	return &DuplicateTracker{seen: make(map[string]map[string]bool)}
}

// Check reports whether key is still unclaimed under kind during this
// tracker's lifetime, and records it if so. A false return means the
// caller must reject (validation) or skip (generation) the transaction.
func (d *DuplicateTracker) Check(kind, key string) (ok bool) {
	bucket, exists := d.seen[kind]
	if !exists {
		bucket = make(map[string]bool)
		d.seen[kind] = bucket
	}
	if bucket[key] {
		return false
	}
	bucket[key] = true
	return true
}
