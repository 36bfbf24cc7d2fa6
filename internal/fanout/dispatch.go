package fanout

import (
	"errors"
	"io"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/adred-codev/fanoutsink/internal/telemetry"
)

// dispatchLoop is the single dispatch thread: wait for readiness, then run
// the read handler and write handler for whichever clients became ready.
// It is the only goroutine that ever calls PollSet.Wait.
func (s *Sink) dispatchLoop() {
	defer s.wg.Done()

	for {
		if s.isStopping() {
			return
		}

		result, events, err := s.poll.Wait(s.cfg.PollTimeout)

		switch result {
		case WaitTimeout:
			s.sweepTimeouts()
			continue

		case WaitInterrupted:
			if s.isStopping() {
				return
			}
			continue

		case WaitError:
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if errors.Is(err, syscall.EBADF) {
				s.probeHandles()
				continue
			}
			s.logger.Error().Err(err).Msg("dispatch: poll wait failed, stopping loop")
			return

		case WaitReady:
			s.handleReady(events)
		}
	}
}

// sweepTimeouts removes clients that have been inactive past cfg.Timeout,
// the counterpart to queueBuffer's per-arrival timeout check for periods
// with no new data at all.
func (s *Sink) sweepTimeouts() {
	if s.cfg.Timeout <= 0 {
		return
	}
	now := time.Now()
	s.mu.Lock()
	s.forEachClient(func(c *Client) bool {
		if c.Status.Terminal() {
			return false
		}
		if now.Sub(c.Stats.LastActivityTime) > s.cfg.Timeout {
			c.Status = StatusSlow
			s.removeClientLink(c)
		}
		return false
	})
	s.mu.Unlock()
}

// probeHandles is called after an EBADF from epoll_wait to find and remove
// whichever client's descriptor was closed out from under the poll set.
func (s *Sink) probeHandles() {
	s.mu.Lock()
	s.forEachClient(func(c *Client) bool {
		if c.Status.Terminal() {
			return false
		}
		fd, err := c.Handle.FD()
		if err == nil {
			// fcntl(F_GETFD) fails with EBADF once the descriptor is closed.
			if _, _, errno := syscall.Syscall(syscall.SYS_FCNTL, fd, syscall.F_GETFD, 0); errno == syscall.EBADF {
				err = errno
			}
		}
		if err != nil {
			c.Status = StatusError
			s.removeClientLink(c)
		}
		return false
	})
	s.mu.Unlock()
}

func (s *Sink) handleReady(events []ReadyEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		c, ok := s.clients[ev.Key]
		if !ok || c.Status.Terminal() {
			continue
		}
		if ev.Closed {
			c.Status = StatusClosed
			s.removeClientLink(c)
			continue
		}
		if ev.ErrorFlag {
			c.Status = StatusError
			s.removeClientLink(c)
			continue
		}
		if ev.Readable {
			s.readHandler(c)
			if _, stillPresent := s.clients[ev.Key]; !stillPresent {
				continue
			}
		}
		if ev.Writable {
			s.writeHandler(c)
		}
	}
}

// readHandler drains and discards bytes a client sends on its read side,
// rate-limited. Clients in this sink are write-only consumers; any inbound
// bytes are treated as noise or a close signal.
func (s *Sink) readHandler(c *Client) {
	if !c.ReadArmed {
		return
	}
	avail, err := c.Handle.ReadAvailable()
	if err != nil {
		c.Status = StatusError
		s.removeClientLink(c)
		return
	}
	if avail == 0 {
		c.Status = StatusClosed
		s.removeClientLink(c)
		return
	}

	n := avail
	if c.ReadLimiter != nil {
		if burst := c.ReadLimiter.Burst(); n > burst {
			n = burst
		}
		if !c.ReadLimiter.AllowN(time.Now(), n) {
			n = 0
		}
	}
	if n == 0 {
		return
	}

	_, err = c.Handle.ReadDiscard(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.Status = StatusClosed
		} else if isWouldBlock(err) {
			return
		} else {
			c.Status = StatusError
		}
		s.removeClientLink(c)
		return
	}
	c.Stats.LastActivityTime = time.Now()
}

// writeHandler advances a client's send state until the descriptor would
// block or nothing is left to send: positioning it in the queue if it is
// still a fresh connection, pulling queued payloads into its backlog, and
// draining bytes queued for send.
func (s *Sink) writeHandler(c *Client) {
	if len(c.Sending) == 0 {
		if !s.fillSendingBacklog(c) {
			return
		}
	}

	for len(c.Sending) > 0 {
		p := c.Sending[0]
		n, err := c.Handle.Write(p.Data[c.Bufoffset:])
		if n > 0 {
			c.Bufoffset += n
			c.Stats.BytesSent += int64(n)
			c.Stats.LastActivityTime = time.Now()
			atomic.AddInt64(&s.bytesServed, int64(n))
			telemetry.BytesServed.Add(float64(n))
		}
		if err != nil {
			if isWouldBlock(err) {
				return
			}
			if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
				c.Status = StatusClosed
			} else {
				c.Status = StatusError
			}
			s.removeClientLink(c)
			return
		}
		if c.Bufoffset < len(p.Data) {
			return
		}

		p.Unref()
		c.Sending = c.Sending[1:]
		c.Bufoffset = 0

		if len(c.Sending) == 0 && !s.fillSendingBacklog(c) {
			return
		}
	}
}

// disarmWrite clears write interest for c, called whenever fillSendingBacklog
// finds nothing left to pull (bufpos still -1, or the queue has nothing at
// the current position).
func (s *Sink) disarmWrite(c *Client) {
	if c.WriteArmed {
		_ = s.poll.SetWrite(c.ID(), false)
		c.WriteArmed = false
	}
}

// fillSendingBacklog refills an empty Sending backlog from the shared
// queue. It returns false when there is nothing new to send yet (the
// client is caught up, still waiting on a sync method that needs more
// buffered data, or has just been flushed out and removed).
func (s *Sink) fillSendingBacklog(c *Client) bool {
	if len(c.Sending) == 0 && c.Bufpos < 0 && !c.NewConnection {
		s.disarmWrite(c)
		if c.Status == StatusFlushing && c.Flushcount == 0 {
			c.Status = StatusRemoved
			s.removeClientLink(c)
		}
		return false
	}

	if c.NewConnection {
		idx := newClientStart(s.queue, c)
		if idx < 0 {
			// Nothing suitable buffered yet. The queue controller re-arms
			// write interest for new connections on the next prepend.
			s.disarmWrite(c)
			return false
		}
		c.Bufpos = idx
		c.NewConnection = false
		c.Discont = false
	}

	if c.Bufpos < 0 {
		s.disarmWrite(c)
		return false
	}

	p := s.queue.Get(c.Bufpos)
	if p == nil {
		c.Bufpos = -1
		s.disarmWrite(c)
		return false
	}
	c.Bufpos--
	if c.Status == StatusFlushing && c.Flushcount > 0 {
		c.Flushcount--
	}
	if p.HasTS {
		if !c.Stats.FirstBufferTSSet {
			c.Stats.FirstBufferTS = p.Timestamp
			c.Stats.FirstBufferTSSet = true
		}
		c.Stats.LastBufferTS = p.Timestamp
		c.Stats.LastBufferTSSet = true
	}

	s.queueBufferForClient(c, p.Ref())
	return true
}

// queueBufferForClient implements queue_buffer(client, buf) from the write
// handler: it attaches the sink's current streamheader as the client's
// recorded session caps, prepending the streamheader payloads to the
// client's backlog either the first time a client sees caps at all, or when
// caps changed and the resend policy calls for it, then appends buf.
func (s *Sink) queueBufferForClient(c *Client, buf *Payload) {
	switch {
	case c.SessionCaps == nil:
		c.Sending = append(c.Sending, s.streamheader.Clone()...)
	case !c.SessionCaps.Streamheader.Equal(s.streamheader) &&
		s.streamheader != nil &&
		(c.SessionCaps.Streamheader == nil || s.cfg.ResendStreamheader):
		c.Sending = append(c.Sending, s.streamheader.Clone()...)
	}
	c.SessionCaps = &SessionCaps{Streamheader: s.streamheader}
	c.Sending = append(c.Sending, buf)
}

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}
