// Package crdt provides the small set of conflict-free replicated data
// types the sync engine is built from: version vectors, last-writer-wins
// registers and maps, and a character-level text sequence. These unify what
// the original source split across two CRDT libraries and a custom registry
// (spec.md §9) into one coherent model.
package crdt

import (
	"maps"

	"github.com/inkwell-sync/vaultsync/internal/peerid"
)

// VersionVector maps a peer to the highest logical clock value it has
// observed from that peer's own writes.
type VersionVector map[peerid.PeerId]uint64

// Clone returns an independent copy.
func (v VersionVector) Clone() VersionVector {
	if v == nil {
		return VersionVector{}
	}
	return maps.Clone(v)
}

// Get returns the clock for peer, or 0 if unseen.
func (v VersionVector) Get(p peerid.PeerId) uint64 {
	return v[p]
}

// Advance bumps the local peer's own clock by one and returns the new value.
func (v VersionVector) Advance(self peerid.PeerId) uint64 {
	next := v[self] + 1
	v[self] = next
	return next
}

// Observe records that an op with the given (peer, counter) has been seen,
// advancing the vector if counter is newer than what's recorded.
func (v VersionVector) Observe(p peerid.PeerId, counter uint64) {
	if counter > v[p] {
		v[p] = counter
	}
}

// Merge returns the pointwise-max of v and other, as a new VersionVector.
func (v VersionVector) Merge(other VersionVector) VersionVector {
	out := v.Clone()
	for p, c := range other {
		if c > out[p] {
			out[p] = c
		}
	}
	return out
}

// Dominates reports whether v has observed everything other has (v >= other
// pointwise). Two vectors that neither dominates the other are concurrent.
func (v VersionVector) Dominates(other VersionVector) bool {
	for p, c := range other {
		if v[p] < c {
			return false
		}
	}
	return true
}

// Equal reports whether v and other record exactly the same clocks.
func (v VersionVector) Equal(other VersionVector) bool {
	if len(v) != len(other) {
		return false
	}
	for p, c := range v {
		if other[p] != c {
			return false
		}
	}
	return true
}
