package fanout

import (
	"time"

	"github.com/adred-codev/fanoutsink/internal/telemetry"
)

// queueBuffer is the queue controller, invoked by Render for non-header
// buffers. Called with s.mu held.
func (s *Sink) queueBuffer(buf *Payload) {
	queueLen := s.queue.Prepend(buf)

	var maxBuffers int64 = -1
	if s.cfg.UnitsMax > 0 {
		maxBuffers = buffersMaxFor(s.queue, Spec{Unit: s.cfg.UnitType, Value: s.cfg.UnitsMax})
	}
	var softMaxBuffers int64 = -1
	if s.cfg.UnitsSoftMax > 0 {
		softMaxBuffers = buffersMaxFor(s.queue, Spec{Unit: s.cfg.UnitType, Value: s.cfg.UnitsSoftMax})
	}

	maxBufferUsage := -1
	needSignal := false
	now := time.Now()

	s.forEachClient(func(c *Client) bool {
		if c.Status.Terminal() {
			return false
		}

		c.Bufpos++

		if softMaxBuffers > 0 && int64(c.Bufpos) >= softMaxBuffers {
			newpos := recover(s.queue, c, s.cfg.RecoverPolicy, Spec{Unit: s.cfg.UnitType, Value: s.cfg.UnitsSoftMax})
			if newpos != c.Bufpos {
				if c.Bufpos > newpos {
					dropped := int64(c.Bufpos - newpos)
					c.Stats.DroppedBuffers += dropped
					telemetry.DroppedBuffersTotal.Add(float64(dropped))
				}
				c.Discont = true
				c.Bufpos = newpos
			}
		}

		timedOut := s.cfg.Timeout > 0 && now.Sub(c.Stats.LastActivityTime) > s.cfg.Timeout
		overHardLimit := maxBuffers > 0 && int64(c.Bufpos) >= maxBuffers
		if overHardLimit || timedOut {
			c.Status = StatusSlow
			c.Bufpos = -1
			s.removeClientLink(c)
			needSignal = true
			return false
		}

		if c.Bufpos == 0 || c.NewConnection {
			if !c.WriteArmed {
				_ = s.poll.SetWrite(c.ID(), true)
				c.WriteArmed = true
			}
			needSignal = true
		}

		if c.Bufpos > maxBufferUsage {
			maxBufferUsage = c.Bufpos
		}
		return false
	})

	minSpec := limitSpec{
		Buffers: -1,
		Bytes:   -1,
		Time:    -1,
	}
	if s.cfg.BuffersMin.isSet() {
		minSpec.Buffers = s.cfg.BuffersMin.Value
	}
	if s.cfg.BytesMin.isSet() {
		minSpec.Bytes = s.cfg.BytesMin.Value
	}
	if s.cfg.TimeMin.isSet() {
		minSpec.Time = s.cfg.TimeMin.Value
	}
	minIdx, _, _ := findLimits(s.queue, minSpec, noLimit)
	if minIdx+1 > maxBufferUsage {
		maxBufferUsage = minIdx + 1
	}

	if s.cfg.DefSyncMethod == SyncLatestKeyframe || s.cfg.DefSyncMethod == SyncBurstKeyframe {
		bound := queueLen
		if softMaxBuffers > 0 && int(softMaxBuffers) < bound {
			bound = int(softMaxBuffers)
		}
		if idx, ok := keyframeInRange(s.queue, 0, bound); ok && idx > maxBufferUsage {
			maxBufferUsage = idx
		}
	}

	newLen := maxBufferUsage + 1
	if newLen < 0 {
		newLen = 0
	}
	if newLen > queueLen {
		newLen = queueLen
	}
	s.queue.TrimTo(newLen)

	s.buffersQueued = int64(maxBufferUsage)

	if needSignal {
		s.poll.Restart()
	}
}
