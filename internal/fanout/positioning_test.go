package fanout

import "testing"

// buildQueue constructs a queue from payloads given newest-first, matching
// the index-0-is-newest convention the positioning engine assumes.
func buildQueue(newestFirst []*Payload) *BufferQueue {
	q := NewBufferQueue()
	for i := len(newestFirst) - 1; i >= 0; i-- {
		q.Prepend(newestFirst[i])
	}
	return q
}

func keyframePattern(pattern ...bool) []*Payload {
	out := make([]*Payload, len(pattern))
	for i, kf := range pattern {
		out[i] = NewPayload([]byte("x"), 0, false, false, kf)
	}
	return out
}

func TestBuffersMaxForBuffersUnitIsLiteral(t *testing.T) {
	q := buildQueue(keyframePattern(false, false, false))
	got := buffersMaxFor(q, Spec{Unit: UnitBuffers, Value: 7})
	if got != 7 {
		t.Errorf("expected literal 7, got %d", got)
	}
}

func TestBuffersMaxForBytesUnit(t *testing.T) {
	sizes := []string{"aa", "bb", "cc", "dd"} // 2 bytes each
	payloads := make([]*Payload, len(sizes))
	for i, s := range sizes {
		payloads[i] = NewPayload([]byte(s), 0, false, false, false)
	}
	q := buildQueue(payloads)

	// cumulative bytes: 2, 4, 6, 8. limit 5 is first satisfied at index 2 (6 bytes).
	got := buffersMaxFor(q, Spec{Unit: UnitBytes, Value: 5})
	if got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
}

func TestBuffersMaxForBytesUnitNeverSatisfied(t *testing.T) {
	q := buildQueue([]*Payload{NewPayload([]byte("a"), 0, false, false, false)})
	got := buffersMaxFor(q, Spec{Unit: UnitBytes, Value: 1000})
	if got != int64(q.Len()+1) {
		t.Errorf("expected len+1 (%d), got %d", q.Len()+1, got)
	}
}

func TestBuffersMaxForTimeUnit(t *testing.T) {
	ts := []int64{1000, 800, 500, 100}
	payloads := make([]*Payload, len(ts))
	for i, ns := range ts {
		payloads[i] = NewPayload([]byte("x"), ns, true, false, false)
	}
	q := buildQueue(payloads)

	// elapsed relative to first(=1000): 0, 200, 500, 900.
	got := buffersMaxFor(q, Spec{Unit: UnitTime, Value: 300})
	if got != 3 {
		t.Errorf("expected 3 (index 2, elapsed 500 >= 300), got %d", got)
	}
}

func TestFindLimitsMinAndMaxBuffers(t *testing.T) {
	q := buildQueue(keyframePattern(false, false, false, false, false, false)) // len 6

	minIdx, maxIdx, complete := findLimits(q,
		limitSpec{Buffers: 2, Bytes: -1, Time: -1},
		limitSpec{Buffers: 4, Bytes: -1, Time: -1})

	if minIdx != 1 {
		t.Errorf("expected minIdx 1, got %d", minIdx)
	}
	if maxIdx != 3 {
		t.Errorf("expected maxIdx 3, got %d", maxIdx)
	}
	if !complete {
		t.Error("expected complete=true")
	}
}

func TestFindLimitsNoMaxConfigured(t *testing.T) {
	q := buildQueue(keyframePattern(false, false, false))

	minIdx, maxIdx, complete := findLimits(q, noLimit, noLimit)
	// With no min bound every min holds at the newest entry; with no max
	// bound the max index runs to the tail.
	if minIdx != 0 || maxIdx != q.Len()-1 {
		t.Errorf("expected min at head and max at tail, got min=%d max=%d", minIdx, maxIdx)
	}
	if !complete {
		t.Error("expected complete=true when nothing is configured")
	}
}

func TestFindLimitsEmptyQueue(t *testing.T) {
	q := NewBufferQueue()
	minIdx, maxIdx, complete := findLimits(q, noLimit, noLimit)
	if minIdx != -1 || maxIdx != -1 || complete {
		t.Errorf("expected (-1,-1,false) for empty queue, got (%d,%d,%v)", minIdx, maxIdx, complete)
	}
}

func TestFindPrevSyncframeScansTowardNewest(t *testing.T) {
	q := buildQueue(keyframePattern(false, true, false, true, false))

	if idx := findPrevSyncframe(q, 4); idx != 3 {
		t.Errorf("expected 3, got %d", idx)
	}
	if idx := findPrevSyncframe(q, 0); idx != -1 {
		t.Errorf("expected -1 starting at the newest entry with no keyframe there, got %d", idx)
	}
}

func TestFindNextSyncframeScansTowardOldest(t *testing.T) {
	q := buildQueue(keyframePattern(false, true, false, true, false))

	if idx := findNextSyncframe(q, 0); idx != 1 {
		t.Errorf("expected 1, got %d", idx)
	}
	if idx := findNextSyncframe(q, 4); idx != -1 {
		t.Errorf("expected -1 from the oldest entry with no keyframe there, got %d", idx)
	}
}

func TestKeyframeInRange(t *testing.T) {
	q := buildQueue(keyframePattern(false, false, true, false, true))

	if idx, ok := keyframeInRange(q, 0, 3); !ok || idx != 2 {
		t.Errorf("expected (2,true), got (%d,%v)", idx, ok)
	}
	if _, ok := keyframeInRange(q, 0, 2); ok {
		t.Error("expected no keyframe in [0,2)")
	}
}

func TestNewClientStartLatest(t *testing.T) {
	c := &Client{SyncMethod: SyncLatest, Bufpos: 5}
	if got := newClientStart(nil, c); got != 5 {
		t.Errorf("expected 5, got %d", got)
	}
}

func TestNewClientStartNextKeyframeFound(t *testing.T) {
	q := buildQueue(keyframePattern(false, true, false))
	c := &Client{SyncMethod: SyncNextKeyframe, Bufpos: 2}

	got := newClientStart(q, c)
	if got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
}

func TestNewClientStartNextKeyframeNotFound(t *testing.T) {
	q := buildQueue(keyframePattern(false, false, false))
	c := &Client{SyncMethod: SyncNextKeyframe, Bufpos: 2}

	got := newClientStart(q, c)
	if got != -1 {
		t.Errorf("expected -1, got %d", got)
	}
	if c.Bufpos != -1 {
		t.Errorf("expected bufpos reset to -1, got %d", c.Bufpos)
	}
}

func TestNewClientStartLatestKeyframeDowngrades(t *testing.T) {
	q := buildQueue(keyframePattern(false, false, false))
	c := &Client{SyncMethod: SyncLatestKeyframe}

	got := newClientStart(q, c)
	if got != -1 {
		t.Errorf("expected -1, got %d", got)
	}
	if c.SyncMethod != SyncNextKeyframe {
		t.Errorf("expected downgrade to SyncNextKeyframe, got %v", c.SyncMethod)
	}
}

func TestNewClientStartBurstReturnsMinIndex(t *testing.T) {
	q := buildQueue(keyframePattern(false, false, false, false, false))
	c := &Client{
		SyncMethod: SyncBurst,
		Burst: BurstSpec{
			Min: Spec{Unit: UnitBuffers, Value: 2},
			Max: Spec{Unit: UnitBuffers, Value: 4},
		},
	}

	if got := newClientStart(q, c); got != 1 {
		t.Errorf("expected min index 1, got %d", got)
	}
}

func TestNewClientStartBurstClampsWhenMaxAtOrBelowMin(t *testing.T) {
	// burst_min larger than the queue forces findLimits to report both
	// bounds at the tail, so the result is clamped to max-1.
	q := buildQueue(keyframePattern(false, false, false, false))
	c := &Client{
		SyncMethod: SyncBurst,
		Burst: BurstSpec{
			Min: Spec{Unit: UnitBuffers, Value: 10},
			Max: Unset,
		},
	}

	if got := newClientStart(q, c); got != 2 {
		t.Errorf("expected clamp to max-1 = 2, got %d", got)
	}
}

func TestNewClientStartBurstKeyframeInsideWindow(t *testing.T) {
	// Queue [non-key, non-key, key, non-key, non-key] with a 3..5 buffer
	// burst window: the window search lands on index 2 and the keyframe
	// there is used directly.
	q := buildQueue(keyframePattern(false, false, true, false, false))
	c := &Client{
		SyncMethod: SyncBurstKeyframe,
		Burst: BurstSpec{
			Min: Spec{Unit: UnitBuffers, Value: 3},
			Max: Spec{Unit: UnitBuffers, Value: 5},
		},
	}

	if got := newClientStart(q, c); got != 2 {
		t.Errorf("expected keyframe index 2, got %d", got)
	}
	if c.SyncMethod != SyncBurstKeyframe {
		t.Errorf("expected sync method unchanged, got %v", c.SyncMethod)
	}
}

func TestNewClientStartBurstWithKeyframeFallsBackToWindow(t *testing.T) {
	q := buildQueue(keyframePattern(false, false, false, false, false))
	c := &Client{
		SyncMethod: SyncBurstWithKeyframe,
		Burst: BurstSpec{
			Min: Spec{Unit: UnitBuffers, Value: 2},
			Max: Spec{Unit: UnitBuffers, Value: 4},
		},
	}

	// No keyframe anywhere: falls back to plain burst positioning without
	// downgrading the sync method.
	if got := newClientStart(q, c); got != 1 {
		t.Errorf("expected burst min index 1, got %d", got)
	}
	if c.SyncMethod != SyncBurstWithKeyframe {
		t.Errorf("expected sync method unchanged, got %v", c.SyncMethod)
	}
}

func TestNewClientStartBurstKeyframeFallsBackThenDowngrades(t *testing.T) {
	q := buildQueue(keyframePattern(false, false, false, false))
	c := &Client{
		SyncMethod: SyncBurstKeyframe,
		Burst: BurstSpec{
			Min: Spec{Unit: UnitBuffers, Value: 1},
			Max: Spec{Unit: UnitBuffers, Value: 3},
		},
	}

	got := newClientStart(q, c)
	if got != -1 {
		t.Errorf("expected -1, got %d", got)
	}
	if c.SyncMethod != SyncNextKeyframe {
		t.Errorf("expected downgrade to SyncNextKeyframe, got %v", c.SyncMethod)
	}
	if c.Bufpos != -1 {
		t.Errorf("expected bufpos reset to -1, got %d", c.Bufpos)
	}
}

func TestRecoverNone(t *testing.T) {
	c := &Client{Bufpos: 9}
	if got := recover(nil, c, RecoverNone, Unset); got != 9 {
		t.Errorf("expected 9, got %d", got)
	}
}

func TestRecoverResyncLatest(t *testing.T) {
	c := &Client{Bufpos: 9}
	if got := recover(nil, c, RecoverResyncLatest, Unset); got != -1 {
		t.Errorf("expected -1, got %d", got)
	}
}

func TestRecoverResyncSoftLimit(t *testing.T) {
	q := buildQueue(keyframePattern(false, false, false))
	c := &Client{Bufpos: 9}

	got := recover(q, c, RecoverResyncSoftLimit, Spec{Unit: UnitBuffers, Value: 2})
	if got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
}

func TestRecoverResyncKeyframe(t *testing.T) {
	q := buildQueue(keyframePattern(false, true, false, false))
	c := &Client{Bufpos: 9}

	got := recover(q, c, RecoverResyncKeyframe, Spec{Unit: UnitBuffers, Value: 3})
	if got != 1 {
		t.Errorf("expected 1 (nearest keyframe at or before softCount-1), got %d", got)
	}
}

func TestRecoverResyncKeyframeScansBackFromSoftLimit(t *testing.T) {
	// Queue [n, n, k, n, n, n, n], soft limit 4 buffers: the scan starts at
	// min(6, 4-1) = 3 and walks toward the head, landing on the keyframe at
	// index 2.
	q := buildQueue(keyframePattern(false, false, true, false, false, false, false))
	c := &Client{Bufpos: 4}

	got := recover(q, c, RecoverResyncKeyframe, Spec{Unit: UnitBuffers, Value: 4})
	if got != 2 {
		t.Errorf("expected keyframe index 2, got %d", got)
	}
}

func TestRecoverResyncKeyframeFallsBackToSoftLimit(t *testing.T) {
	q := buildQueue(keyframePattern(false, false, false, false, false))
	c := &Client{Bufpos: 4}

	got := recover(q, c, RecoverResyncKeyframe, Spec{Unit: UnitBuffers, Value: 3})
	if got != 3 {
		t.Errorf("expected soft-limit fallback position 3, got %d", got)
	}
}
