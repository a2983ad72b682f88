package storage

// MergeUpdates collapses two checkpoint updates into one that is equivalent
// to observing both. It is the combine function for checkpoint watch
// mailboxes: a slow consumer that missed intermediate updates still learns
// about every bucket and lookup that changed since its last read.
//
// The merged update keeps the newer checkpoint position. Tracked bucket and
// lookup sets are unioned; if the union would exceed MaxTrackedUpdates the
// result degrades to Invalidate, telling consumers to re-check everything.
// A version switch also invalidates, since per-bucket deltas from a previous
// rules version mean nothing to the new one.
func MergeUpdates(old, next CheckpointUpdate) CheckpointUpdate {
	if old.Version != next.Version || old.Invalidate || next.Invalidate {
		return invalidated(next)
	}
	buckets, ok := union(old.UpdatedBuckets, next.UpdatedBuckets)
	if !ok {
		return invalidated(next)
	}
	lookups, ok := union(old.UpdatedLookups, next.UpdatedLookups)
	if !ok {
		return invalidated(next)
	}
	next.UpdatedBuckets = buckets
	next.UpdatedLookups = lookups
	return next
}

func invalidated(u CheckpointUpdate) CheckpointUpdate {
	u.Invalidate = true
	u.UpdatedBuckets = nil
	u.UpdatedLookups = nil
	return u
}

// union merges two tracked-change sets, preserving first-seen order. It
// fails once the result would exceed MaxTrackedUpdates.
func union[T comparable](a, b []T) ([]T, bool) {
	if len(a) == 0 {
		if len(b) > MaxTrackedUpdates {
			return nil, false
		}
		return b, true
	}
	seen := make(map[T]struct{}, len(a)+len(b))
	out := make([]T, 0, len(a)+len(b))
	for _, v := range a {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, v := range b {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) > MaxTrackedUpdates {
		return nil, false
	}
	return out, true
}
