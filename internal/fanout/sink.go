package fanout

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/fanoutsink/internal/telemetry"
)

// Sink is the facade exposing add/remove/remove-flush/stats/render plus
// streamheader handling and start/stop lifecycle. It exclusively owns the
// queue, the client collection, and the poll set; it never owns the
// client's file descriptor.
type Sink struct {
	cfg    Config
	logger zerolog.Logger
	poll   PollSet
	notes  *notifier

	mu            sync.Mutex // the single client lock
	queue         *BufferQueue
	streamheader  *Streamheader
	lastWasHeader bool

	clients     map[uint64]*Client
	order       []uint64
	handleIndex map[any]*Client
	nextID      uint64
	cookie      uint32

	running       int32
	stopping      int32
	bytesToServe  int64
	bytesServed   int64
	buffersQueued int64

	dscpSetter DSCPSetter

	wg sync.WaitGroup
}

// ErrSinkNotOpen is returned by Render when the sink is not running.
var ErrSinkNotOpen = fmt.Errorf("fanout: sink is not open")

// NewSink constructs a Sink. The poll set is created but the dispatch loop
// is not started until Start is called.
func NewSink(cfg Config, logger zerolog.Logger) (*Sink, error) {
	poll, err := NewPollSet()
	if err != nil {
		return nil, fmt.Errorf("fanout: poll set creation failed: %w", err)
	}

	s := &Sink{
		cfg:         cfg,
		logger:      logger.With().Str("component", "fanout-sink").Logger(),
		poll:        poll,
		queue:       NewBufferQueue(),
		clients:     make(map[uint64]*Client),
		handleIndex: make(map[any]*Client),
		dscpSetter:  DefaultDSCPSetter,
	}
	s.notes = newNotifier(1024, s.onNotificationDropped)
	return s, nil
}

func (s *Sink) onNotificationDropped(n Notification) {
	telemetry.NotificationsDropped.Inc()
	s.logger.Warn().
		Int("kind", int(n.Kind)).
		Msg("notification channel full, dropping event")
}

// Notifications returns the channel the embedder drains for client_added,
// client_removed, and client_fd_removed events.
func (s *Sink) Notifications() <-chan Notification {
	return s.notes.Notifications()
}

// SetDSCPSetter overrides the default DSCP socket-option hook applied to
// newly registered clients.
func (s *Sink) SetDSCPSetter(f DSCPSetter) {
	s.dscpSetter = f
}

// Start opens the sink (render begins accepting buffers) and launches the
// dispatch loop goroutine.
func (s *Sink) Start() {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return
	}
	atomic.StoreInt32(&s.stopping, 0)
	s.wg.Add(1)
	go s.dispatchLoop()
}

// Stop closes the sink to new Renders, then gives any client still in
// StatusFlushing up to cfg.StopGracePeriod to drain its backlog — the
// dispatch loop keeps running normally during this window, so writeHandler's
// ordinary flush-then-remove path does the draining. Once the grace period
// elapses (or nothing is left to flush) it halts the dispatch loop via
// set_flushing and waits for it to exit, then closes the poll set.
func (s *Sink) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}

	if grace := s.cfg.StopGracePeriod; grace > 0 {
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			if !s.hasFlushingClients() {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	atomic.StoreInt32(&s.stopping, 1)
	s.poll.SetFlushing(true)
	s.wg.Wait()
	s.poll.Close()
	s.notes.close()
}

func (s *Sink) hasFlushingClients() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.Status == StatusFlushing {
			return true
		}
	}
	return false
}

func (s *Sink) isRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

func (s *Sink) isStopping() bool {
	return atomic.LoadInt32(&s.stopping) == 1
}

// bumpCookie invalidates any in-progress forEachClient iteration. Must be
// called with s.mu held.
func (s *Sink) bumpCookie() {
	s.cookie++
}

// Add registers h using the sink's configured default sync method and
// burst window.
func (s *Sink) Add(h Handle) error {
	return s.AddFull(h, s.cfg.DefSyncMethod, s.cfg.DefBurst.Min, s.cfg.DefBurst.Max)
}

// AddFull validates the burst spec, creates a client, and registers it.
func (s *Sink) AddFull(h Handle, sync SyncMethod, burstMin, burstMax Spec) error {
	if burstMin.isSet() && burstMax.isSet() && burstMin.Unit == burstMax.Unit && burstMax.Value < burstMin.Value {
		s.logger.Warn().
			Str("sync_method", sync.String()).
			Msg("add_full: burst max < burst min, dropping client")
		return fmt.Errorf("fanout: burst max (%d) < burst min (%d)", burstMax.Value, burstMin.Value)
	}

	key := handleKey(h)

	s.mu.Lock()
	if _, dup := s.handleIndex[key]; dup {
		s.mu.Unlock()
		s.notes.emit(Notification{Kind: ClientRemoved, Handle: h, Status: StatusDuplicate})
		s.notes.emit(Notification{Kind: ClientFDRemoved, Handle: h})
		return fmt.Errorf("fanout: handle already registered (duplicate)")
	}

	id := s.nextID
	s.nextID++
	c := NewClient(id, h, sync, BurstSpec{Min: burstMin, Max: burstMax})
	c.ReadLimiter = rate.NewLimiter(rate.Limit(readNoiseRatePerSec), readNoiseBurst)

	s.clients[id] = c
	s.order = append(s.order, id)
	s.handleIndex[key] = c
	s.bumpCookie()

	if fd, err := h.FD(); err == nil {
		if err := s.poll.Add(id, fd); err != nil {
			s.logger.Error().Err(err).Msg("add_full: poll set registration failed")
		} else if s.cfg.HandleRead {
			_ = s.poll.SetRead(id, true)
			c.ReadArmed = true
		}
		if s.dscpSetter != nil && s.cfg.QoSDSCP >= 0 {
			_ = s.dscpSetter(fd, s.cfg.QoSDSCP)
		}
	}
	s.mu.Unlock()

	s.poll.Restart()
	telemetry.ClientsAdded.Inc()
	telemetry.ClientsActive.Inc()
	s.notes.emit(Notification{Kind: ClientAdded, Handle: h})
	return nil
}

// Remove marks a client REMOVED and unlinks it.
func (s *Sink) Remove(h Handle) {
	key := handleKey(h)
	s.mu.Lock()
	c, ok := s.handleIndex[key]
	if !ok || c.Status != StatusOK {
		s.mu.Unlock()
		s.logger.Info().Bool("found", ok).Msg("remove: client not present or not OK")
		return
	}
	c.Status = StatusRemoved
	s.removeClientLink(c)
	s.mu.Unlock()
}

// RemoveFlush arranges for a client's pending sends to drain before removal.
func (s *Sink) RemoveFlush(h Handle) {
	key := handleKey(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.handleIndex[key]
	if !ok || c.Status != StatusOK {
		s.logger.Info().Bool("found", ok).Msg("remove_flush: client not present or not OK")
		return
	}
	if c.Bufpos < 0 && len(c.Sending) == 0 {
		c.Status = StatusRemoved
		s.removeClientLink(c)
		return
	}
	c.Flushcount = c.Bufpos + 1
	c.Status = StatusFlushing
}

// GetStats returns a snapshot for handle, or the zero value and false if
// handle is not currently indexed.
func (s *Sink) GetStats(h Handle) (StatsSnapshot, bool) {
	key := handleKey(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.handleIndex[key]
	if !ok {
		return StatsSnapshot{}, false
	}
	return c.Snapshot(), true
}

// Render accepts a new payload from the producer.
func (s *Sink) Render(p *Payload) error {
	if !s.isRunning() {
		return ErrSinkNotOpen
	}

	s.mu.Lock()
	if p.Header {
		if !s.lastWasHeader {
			s.streamheader = &Streamheader{}
		}
		s.streamheader.Payloads = append(s.streamheader.Payloads, p.Ref())
		s.lastWasHeader = true
		s.mu.Unlock()
		return nil
	}
	s.lastWasHeader = false
	s.queueBuffer(p)
	atomic.AddInt64(&s.bytesToServe, int64(p.Size()))
	queueLen := s.queue.Len()
	bufferUsage := s.buffersQueued
	s.mu.Unlock()

	telemetry.BuffersRendered.Inc()
	telemetry.QueueDepth.Set(float64(queueLen))
	telemetry.MaxBufferUsage.Set(float64(bufferUsage))
	return nil
}

// ClientCount returns the number of currently registered clients.
func (s *Sink) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// BytesToServe returns the cumulative size of every non-header payload
// accepted by Render.
func (s *Sink) BytesToServe() int64 {
	return atomic.LoadInt64(&s.bytesToServe)
}

// BytesServed returns the cumulative bytes written across all clients.
func (s *Sink) BytesServed() int64 {
	return atomic.LoadInt64(&s.bytesServed)
}

// handleKey returns the comparable identity used for duplicate detection
// and handle→client lookup.
func handleKey(h Handle) any {
	type keyer interface{ underlyingKey() any }
	if k, ok := h.(keyer); ok {
		return k.underlyingKey()
	}
	return h
}

const (
	readNoiseRatePerSec = 50
	readNoiseBurst      = 100
)

// removeClientLink runs the three-stage removal protocol: unregister from
// the poll set, emit ClientRemoved, unlink from the client collection, then
// emit ClientFDRemoved. Called with s.mu held; it releases and reacquires
// the lock around each notification emission so callers may safely
// Add/Remove from a Notifications() receiver, and leaves it held on return.
func (s *Sink) removeClientLink(c *Client) {
	if c.currentlyRemoving {
		return
	}
	c.currentlyRemoving = true

	_ = s.poll.Remove(c.ID())
	c.Stats.DisconnectTime = time.Now()
	c.dropSendingBacklog()

	status := c.Status
	handle := c.Handle

	telemetry.ClientsActive.Dec()
	telemetry.ClientsRemoved.WithLabelValues(status.String()).Inc()
	if status == StatusSlow {
		telemetry.SlowClientsTotal.Inc()
	}

	s.mu.Unlock()
	s.notes.emit(Notification{Kind: ClientRemoved, Handle: handle, Status: status})
	s.mu.Lock()

	delete(s.handleIndex, handleKey(handle))
	delete(s.clients, c.ID())
	for i, id := range s.order {
		if id == c.ID() {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.bumpCookie()

	s.mu.Unlock()
	s.notes.emit(Notification{Kind: ClientFDRemoved, Handle: handle})
	s.mu.Lock()
}

// forEachClient iterates the client collection applying fn, restarting from
// the head whenever the cookie changes underneath it. Must be called with
// s.mu held; fn may unlock/relock s.mu (e.g. via removeClientLink) but must
// leave it held on return.
func (s *Sink) forEachClient(fn func(c *Client) (stop bool)) {
restart:
	cookie := s.cookie
	order := append([]uint64(nil), s.order...)
	for _, id := range order {
		c, ok := s.clients[id]
		if !ok {
			continue
		}
		if fn(c) {
			return
		}
		if s.cookie != cookie {
			goto restart
		}
	}
}
