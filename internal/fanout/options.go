package fanout

import "time"

// Unit is the measurement used to interpret a numeric limit: a count of
// buffers, a byte count, a time span, or unset.
type Unit int

const (
	UnitUndefined Unit = iota
	UnitBuffers
	UnitBytes
	UnitTime
)

// SyncMethod selects a new client's starting position in the queue.
type SyncMethod int

const (
	SyncLatest SyncMethod = iota
	SyncNextKeyframe
	SyncLatestKeyframe
	SyncBurst
	SyncBurstKeyframe
	SyncBurstWithKeyframe
)

func (m SyncMethod) String() string {
	switch m {
	case SyncLatest:
		return "latest"
	case SyncNextKeyframe:
		return "next-keyframe"
	case SyncLatestKeyframe:
		return "latest-keyframe"
	case SyncBurst:
		return "burst"
	case SyncBurstKeyframe:
		return "burst-keyframe"
	case SyncBurstWithKeyframe:
		return "burst-with-keyframe"
	default:
		return "unknown"
	}
}

// RecoverPolicy selects how a client that has crossed the soft retention
// limit is relocated.
type RecoverPolicy int

const (
	RecoverNone RecoverPolicy = iota
	RecoverResyncLatest
	RecoverResyncSoftLimit
	RecoverResyncKeyframe
)

// Status is a client's lifecycle state. Writes proceed in OK and, while a
// client drains its backlog before removal, in FLUSHING.
type Status int

const (
	StatusOK Status = iota
	StatusClosed
	StatusRemoved
	StatusSlow
	StatusError
	StatusFlushing
	StatusDuplicate
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusClosed:
		return "CLOSED"
	case StatusRemoved:
		return "REMOVED"
	case StatusSlow:
		return "SLOW"
	case StatusError:
		return "ERROR"
	case StatusFlushing:
		return "FLUSHING"
	case StatusDuplicate:
		return "DUPLICATE"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether a client in this status is due for removal once
// the dispatch loop observes it (every status except OK and the transient
// FLUSHING state).
func (s Status) Terminal() bool {
	return s != StatusOK && s != StatusFlushing
}

// Spec is a (unit, value) pair: a burst bound or a min/max retention bound.
type Spec struct {
	Unit  Unit
	Value int64
}

// Unset is the sentinel spec meaning "no bound configured".
var Unset = Spec{Unit: UnitUndefined, Value: -1}

func (s Spec) isSet() bool {
	return s.Unit != UnitUndefined && s.Value >= 0
}

// BurstSpec is the (min, max) prefetch window used by BURST* sync methods.
type BurstSpec struct {
	Min Spec
	Max Spec
}

// Config is the sink-wide configuration.
type Config struct {
	UnitType     Unit
	UnitsMax     int64 // hard retention bound, in UnitType units; <=0 disables
	UnitsSoftMax int64 // recovery threshold, in UnitType units; <=0 disables

	BuffersMin Spec // minimum retention regardless of client demand
	BytesMin   Spec
	TimeMin    Spec

	DefSyncMethod SyncMethod
	DefBurst      BurstSpec

	RecoverPolicy RecoverPolicy

	ResendStreamheader bool
	HandleRead         bool
	Timeout            time.Duration // per-client inactivity limit; 0 = none

	QoSDSCP int // 0-63, -1 = default/unset

	PollTimeout time.Duration // dispatch loop wait() timeout; each expiry runs the inactivity sweep

	StopGracePeriod time.Duration // bound on how long Stop() waits for FLUSHING clients to drain before tearing down the dispatch loop
}

// DefaultConfig returns sensible defaults in the same spirit as
// ws/config.go's envDefault-tagged Config, adapted to this core's options.
func DefaultConfig() Config {
	return Config{
		UnitType:           UnitBuffers,
		UnitsMax:           -1,
		UnitsSoftMax:       -1,
		BuffersMin:         Unset,
		BytesMin:           Unset,
		TimeMin:            Unset,
		DefSyncMethod:      SyncLatest,
		DefBurst:           BurstSpec{Min: Unset, Max: Unset},
		RecoverPolicy:      RecoverNone,
		ResendStreamheader: true,
		HandleRead:         true,
		Timeout:            0,
		QoSDSCP:            -1,
		PollTimeout:        2 * time.Second,
		StopGracePeriod:    5 * time.Second,
	}
}
