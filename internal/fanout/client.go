package fanout

import (
	"time"

	"golang.org/x/time/rate"
)

// Stats holds the per-client counters exposed through GetStats.
type Stats struct {
	BytesSent        int64
	ConnectTime      time.Time
	DisconnectTime   time.Time
	LastActivityTime time.Time
	DroppedBuffers   int64
	FirstBufferTS    int64
	FirstBufferTSSet bool
	LastBufferTS     int64
	LastBufferTSSet  bool
}

// StatsSnapshot is the point-in-time tuple returned by GetStats.
type StatsSnapshot struct {
	BytesSent         int64
	ConnectTime       time.Time
	DisconnectTime    time.Time
	ConnectedDuration time.Duration
	LastActivityTime  time.Time
	DroppedBuffers    int64
	FirstBufferTS     int64
	LastBufferTS      int64
}

// SessionCaps is the opaque "caps" attached to a client once it has
// received its first buffer; the sink only cares whether it changed and
// whether the streamheader attached to it differs.
type SessionCaps struct {
	Value        any
	Streamheader *Streamheader
}

// Client is the per-descriptor record the sink tracks for each registered
// handle.
type Client struct {
	Handle Handle
	id     uint64

	Status     Status
	SyncMethod SyncMethod
	Burst      BurstSpec

	Bufpos    int // -1 = waiting
	Bufoffset int // bytes already written from sending[0]

	Sending []*Payload

	Flushcount    int // -1 = unlimited
	NewConnection bool
	SessionCaps   *SessionCaps
	Discont       bool

	WriteArmed bool
	ReadArmed  bool

	Stats Stats

	// ReadLimiter throttles noise bytes drained in the read handler.
	ReadLimiter *rate.Limiter

	// currentlyRemoving guards removeClientLink against reentry.
	currentlyRemoving bool
}

// NewClient constructs a fresh client record: status OK, bufpos -1
// (unpositioned), new connection, unlimited flushcount, connect and last
// activity time set to now.
func NewClient(id uint64, h Handle, sync SyncMethod, burst BurstSpec) *Client {
	now := time.Now()
	return &Client{
		Handle:        h,
		id:            id,
		Status:        StatusOK,
		SyncMethod:    sync,
		Burst:         burst,
		Bufpos:        -1,
		Bufoffset:     0,
		Flushcount:    -1,
		NewConnection: true,
		Stats: Stats{
			ConnectTime:      now,
			LastActivityTime: now,
		},
	}
}

// ID returns the client's unique handle-index key.
func (c *Client) ID() uint64 {
	return c.id
}

// Snapshot produces the GetStats tuple, synthesising connected duration
// from disconnect time or now.
func (c *Client) Snapshot() StatsSnapshot {
	end := time.Now()
	if !c.Stats.DisconnectTime.IsZero() {
		end = c.Stats.DisconnectTime
	}
	return StatsSnapshot{
		BytesSent:         c.Stats.BytesSent,
		ConnectTime:       c.Stats.ConnectTime,
		DisconnectTime:    c.Stats.DisconnectTime,
		ConnectedDuration: end.Sub(c.Stats.ConnectTime),
		LastActivityTime:  c.Stats.LastActivityTime,
		DroppedBuffers:    c.Stats.DroppedBuffers,
		FirstBufferTS:     c.Stats.FirstBufferTS,
		LastBufferTS:      c.Stats.LastBufferTS,
	}
}

// dropSendingBacklog unrefs every payload still queued for this client and
// clears Sending, called from removeClientLink.
func (c *Client) dropSendingBacklog() {
	for _, p := range c.Sending {
		p.Unref()
	}
	c.Sending = nil
	c.SessionCaps = nil
}
