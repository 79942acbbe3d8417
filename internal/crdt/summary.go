package crdt

// VersionSummary records, per replica, the highest clock whose operation has
// been integrated. Every replica's operations depend on its previous one, so
// the summary describes a causally closed prefix per replica.
type VersionSummary map[ReplicaID]uint64

// Covers reports whether the operation identified by id is included.
func (v VersionSummary) Covers(id OpID) bool {
	if id.IsZero() {
		return true
	}

	return v[id.Replica] >= id.Clock
}

// Observe raises the entry for id.Replica to id.Clock if it is lower.
func (v VersionSummary) Observe(id OpID) {
	if v[id.Replica] < id.Clock {
		v[id.Replica] = id.Clock
	}
}

// Merge raises every entry to the maximum of both summaries.
func (v VersionSummary) Merge(other VersionSummary) {
	for replica, clock := range other {
		if v[replica] < clock {
			v[replica] = clock
		}
	}
}

// Dominates reports whether v includes everything other includes.
func (v VersionSummary) Dominates(other VersionSummary) bool {
	for replica, clock := range other {
		if v[replica] < clock {
			return false
		}
	}

	return true
}

// Equal reports whether both summaries describe the same set of operations.
func (v VersionSummary) Equal(other VersionSummary) bool {
	return v.Dominates(other) && other.Dominates(v)
}

// Max returns the highest clock in the summary.
func (v VersionSummary) Max() uint64 {
	var highest uint64

	for _, clock := range v {
		if clock > highest {
			highest = clock
		}
	}

	return highest
}

// Clone returns an independent copy.
func (v VersionSummary) Clone() VersionSummary {
	out := make(VersionSummary, len(v))

	for replica, clock := range v {
		if clock > 0 {
			out[replica] = clock
		}
	}

	return out
}
