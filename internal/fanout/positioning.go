package fanout

// This file implements the positioning engine: pure, read-only functions
// over the queue that compute a new client's starting index or a slow
// client's recovery index. Nothing here mutates the queue; the only
// documented side effects are newClientStart downgrading a client's
// SyncMethod when it can't find a keyframe to sync on, and resetting its
// Bufpos to -1 when a keyframe-based method has to wait.

// limitSpec is the internal (bytes, buffers, time) triple used by
// find_limits. Each field is -1 when that bound is not configured. It
// generalizes the single (unit, value) Spec used for burst windows (where
// only one field is ever set) and the three independent buffers_min /
// bytes_min / time_min knobs used by the queue controller (where any subset
// may be set simultaneously).
type limitSpec struct {
	Buffers int64
	Bytes   int64
	Time    int64
}

var noLimit = limitSpec{Buffers: -1, Bytes: -1, Time: -1}

func specToLimit(s Spec) limitSpec {
	l := noLimit
	if !s.isSet() {
		return l
	}
	switch s.Unit {
	case UnitBuffers:
		l.Buffers = s.Value
	case UnitBytes:
		l.Bytes = s.Value
	case UnitTime:
		l.Time = s.Value
	}
	return l
}

// buffersMaxFor computes the smallest count k such that the first k
// payloads (from index 0, newest) satisfy limit.
func buffersMaxFor(q *BufferQueue, limit Spec) int64 {
	n := int64(q.Len())
	switch limit.Unit {
	case UnitBuffers:
		return limit.Value
	case UnitBytes:
		var bytes int64
		for i := 0; i < q.Len(); i++ {
			bytes += int64(q.Get(i).Size())
			if bytes >= limit.Value {
				return int64(i + 1)
			}
		}
		return n + 1
	case UnitTime:
		var first int64
		haveFirst := false
		for i := 0; i < q.Len(); i++ {
			p := q.Get(i)
			if !p.HasTS {
				continue
			}
			if !haveFirst {
				first = p.Timestamp
				haveFirst = true
			}
			elapsed := first - p.Timestamp
			if elapsed < 0 {
				elapsed = 0
			}
			if elapsed >= limit.Value {
				return int64(i + 1)
			}
		}
		return n + 1
	default:
		return -1
	}
}

// findLimits scans the queue newest-to-oldest accumulating bytes, buffer
// count, and elapsed time against min and max bounds. minIdx is
// the earliest index at which every configured min bound is satisfied;
// maxIdx is the last index before any configured max bound is exceeded (or
// len-1 if no max is ever hit). complete reports whether both the min side
// was reached and the max side was determined (hit, or not configured).
func findLimits(q *BufferQueue, min, max limitSpec) (minIdx, maxIdx int, complete bool) {
	n := q.Len()
	if n == 0 {
		return -1, -1, false
	}
	if min.Buffers >= 0 && int(min.Buffers) > n {
		return n - 1, n - 1, false
	}

	minBytesDone := min.Bytes < 0
	minBuffersDone := min.Buffers < 0
	minTimeDone := min.Time < 0
	minSatisfiedAt := -1

	maxBytesSet := max.Bytes >= 0
	maxBuffersSet := max.Buffers >= 0
	maxTimeSet := max.Time >= 0
	maxHit := false
	maxIdx = n - 1

	var bytes int64
	var first int64
	haveFirst := false

	for i := 0; i < n; i++ {
		p := q.Get(i)
		buffers := int64(i + 1)
		bytes += int64(p.Size())

		var elapsed int64
		haveElapsed := false
		if p.HasTS {
			if !haveFirst {
				first = p.Timestamp
				haveFirst = true
			}
			elapsed = first - p.Timestamp
			if elapsed < 0 {
				elapsed = 0
			}
			haveElapsed = true
		}

		if minSatisfiedAt == -1 {
			okBytes := minBytesDone || bytes >= min.Bytes
			okBuffers := minBuffersDone || buffers >= min.Buffers
			okTime := minTimeDone || (haveElapsed && elapsed >= min.Time)
			if okBytes && okBuffers && okTime {
				minSatisfiedAt = i
			}
		}

		if !maxHit {
			exceedBytes := maxBytesSet && bytes > max.Bytes
			exceedBuffers := maxBuffersSet && buffers > max.Buffers
			exceedTime := maxTimeSet && haveElapsed && elapsed > max.Time
			if exceedBytes || exceedBuffers || exceedTime {
				maxHit = true
				maxIdx = i - 1
				if maxIdx < 0 {
					maxIdx = 0
				}
			}
		}
	}

	if minSatisfiedAt >= 0 {
		minIdx = minSatisfiedAt
	} else {
		minIdx = n - 1
	}
	if !maxHit {
		maxIdx = n - 1
	}

	minSatisfied := minSatisfiedAt >= 0
	maxSatisfied := !(maxBytesSet || maxBuffersSet || maxTimeSet) || maxHit
	complete = minSatisfied && maxSatisfied
	return minIdx, maxIdx, complete
}

// findPrevSyncframe scans from fromIdx toward index 0 (newer payloads) and
// returns the first keyframe index encountered, or -1.
func findPrevSyncframe(q *BufferQueue, fromIdx int) int {
	if fromIdx >= q.Len() {
		fromIdx = q.Len() - 1
	}
	for i := fromIdx; i >= 0; i-- {
		if p := q.Get(i); p != nil && p.Keyframe {
			return i
		}
	}
	return -1
}

// findNextSyncframe scans from fromIdx toward the tail (older payloads) and
// returns the first keyframe index encountered, or -1.
func findNextSyncframe(q *BufferQueue, fromIdx int) int {
	if fromIdx < 0 {
		fromIdx = 0
	}
	for i := fromIdx; i < q.Len(); i++ {
		if p := q.Get(i); p != nil && p.Keyframe {
			return i
		}
	}
	return -1
}

// keyframeInRange reports whether any payload in [lo, hi) is a keyframe,
// returning the newest (lowest-index) match.
func keyframeInRange(q *BufferQueue, lo, hi int) (int, bool) {
	if lo < 0 {
		lo = 0
	}
	if hi > q.Len() {
		hi = q.Len()
	}
	for i := lo; i < hi; i++ {
		if p := q.Get(i); p != nil && p.Keyframe {
			return i, true
		}
	}
	return -1, false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// newClientStart computes a new client's starting queue index from its
// sync method, or -1 ("wait, call again after next buffer"). It may
// downgrade c.SyncMethod as documented (LATEST_KEYFRAME/BURST_KEYFRAME →
// NEXT_KEYFRAME on failure to find any keyframe), and it sets c.Bufpos to
// -1 when NEXT_KEYFRAME or BURST_KEYFRAME finds no keyframe.
func newClientStart(q *BufferQueue, c *Client) int {
	switch c.SyncMethod {
	case SyncLatest:
		return c.Bufpos

	case SyncNextKeyframe:
		idx := findPrevSyncframe(q, c.Bufpos)
		if idx < 0 {
			c.Bufpos = -1
			return -1
		}
		return idx

	case SyncLatestKeyframe:
		idx := findNextSyncframe(q, 0)
		if idx < 0 {
			c.SyncMethod = SyncNextKeyframe
			return -1
		}
		return idx

	case SyncBurst:
		min, max, _ := findLimits(q, specToLimit(c.Burst.Min), specToLimit(c.Burst.Max))
		result := min
		if max <= min {
			result = maxInt(max-1, 0)
		}
		return result

	case SyncBurstKeyframe:
		min, max, _ := findLimits(q, specToLimit(c.Burst.Min), specToLimit(c.Burst.Max))
		if idx, ok := keyframeInRange(q, min, max); ok {
			return idx
		}
		if idx := findPrevSyncframe(q, min); idx >= 0 {
			return idx
		}
		c.SyncMethod = SyncNextKeyframe
		c.Bufpos = -1
		return -1

	case SyncBurstWithKeyframe:
		min, max, _ := findLimits(q, specToLimit(c.Burst.Min), specToLimit(c.Burst.Max))
		if idx, ok := keyframeInRange(q, min, max); ok {
			return idx
		}
		result := min
		if max <= min {
			result = maxInt(max-1, 0)
		}
		return result

	default:
		return c.Bufpos
	}
}

// recover computes a slow client's new position once it crosses the soft
// retention limit, according to the configured recover policy.
func recover(q *BufferQueue, c *Client, policy RecoverPolicy, unitsSoftMax Spec) int {
	switch policy {
	case RecoverNone:
		return c.Bufpos

	case RecoverResyncLatest:
		return -1

	case RecoverResyncSoftLimit:
		return int(buffersMaxFor(q, unitsSoftMax))

	case RecoverResyncKeyframe:
		softCount := int(buffersMaxFor(q, unitsSoftMax))
		start := q.Len() - 1
		if softCount-1 < start {
			start = softCount - 1
		}
		if idx := findPrevSyncframe(q, start); idx >= 0 {
			return idx
		}
		return softCount

	default:
		return c.Bufpos
	}
}
