package fanout

import "sync/atomic"

// Payload is an opaque, immutable, reference-counted byte buffer flowing
// through the sink. It carries the presentation timestamp and flags the
// positioning engine needs to reason about retention and sync points.
type Payload struct {
	Data      []byte
	Timestamp int64 // nanoseconds, monotonic newest-first within a session; meaningful only when HasTS is set
	HasTS     bool
	Header    bool // part of the streamheader preamble
	Keyframe  bool // valid resync point on its own

	refs int32
}

// NewPayload wraps data into a Payload with a single reference held by the
// caller (typically the queue).
func NewPayload(data []byte, timestamp int64, hasTS, header, keyframe bool) *Payload {
	return &Payload{
		Data:      data,
		Timestamp: timestamp,
		HasTS:     hasTS,
		Header:    header,
		Keyframe:  keyframe,
		refs:      1,
	}
}

// Ref increments the reference count. Called whenever a client's sending
// backlog takes a copy of a queue entry.
func (p *Payload) Ref() *Payload {
	atomic.AddInt32(&p.refs, 1)
	return p
}

// Unref decrements the reference count. The payload has no finalizer of its
// own — Go's GC reclaims the backing array once nothing references it — but
// callers use the refcount to assert against use-after-trim bugs in tests.
func (p *Payload) Unref() {
	atomic.AddInt32(&p.refs, -1)
}

// RefCount returns the current reference count, for tests and diagnostics.
func (p *Payload) RefCount() int32 {
	return atomic.LoadInt32(&p.refs)
}

// Size returns the payload's byte length.
func (p *Payload) Size() int {
	return len(p.Data)
}

// Streamheader is an ordered run of header Payloads, replaced atomically
// whenever a new run of header buffers arrives.
type Streamheader struct {
	Payloads []*Payload
}

// Equal reports whether two streamheaders carry byte-identical payload
// sequences. Used to decide whether a caps change actually altered the
// preamble clients need re-sent.
func (s *Streamheader) Equal(o *Streamheader) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.Payloads) != len(o.Payloads) {
		return false
	}
	for i, p := range s.Payloads {
		if len(p.Data) != len(o.Payloads[i].Data) {
			return false
		}
		for j := range p.Data {
			if p.Data[j] != o.Payloads[i].Data[j] {
				return false
			}
		}
	}
	return true
}

// Clone returns a shallow copy (new slice, same Payload pointers with bumped
// refcounts) suitable for attaching to a client's sending backlog.
func (s *Streamheader) Clone() []*Payload {
	if s == nil {
		return nil
	}
	out := make([]*Payload, len(s.Payloads))
	for i, p := range s.Payloads {
		out[i] = p.Ref()
	}
	return out
}
