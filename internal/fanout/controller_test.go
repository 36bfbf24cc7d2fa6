package fanout

import "testing"

func soleClient(t *testing.T, s *Sink) *Client {
	t.Helper()
	if len(s.clients) != 1 {
		t.Fatalf("expected exactly 1 client, got %d", len(s.clients))
	}
	for _, c := range s.clients {
		return c
	}
	return nil
}

func TestQueueBufferEvictsClientOverHardLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnitType = UnitBuffers
	cfg.UnitsMax = 2
	s := newTestSink(t, cfg)

	h, _ := newPipeHandle(t)
	if err := s.AddFull(h, SyncLatest, Unset, Unset); err != nil {
		t.Fatalf("AddFull: %v", err)
	}

	s.mu.Lock()
	for i := 0; i < 3; i++ {
		s.queueBuffer(NewPayload([]byte("x"), 0, false, false, false))
	}
	s.mu.Unlock()

	if len(s.clients) != 0 {
		t.Errorf("expected client to be evicted once bufpos crosses the hard limit, got %d remaining", len(s.clients))
	}

	if n := nextNotification(t, s); n.Kind != ClientAdded {
		t.Fatalf("expected ClientAdded, got kind %d", n.Kind)
	}
	n := nextNotification(t, s)
	if n.Kind != ClientRemoved || n.Status != StatusSlow {
		t.Fatalf("expected ClientRemoved(SLOW), got kind %d status %v", n.Kind, n.Status)
	}
	if n := nextNotification(t, s); n.Kind != ClientFDRemoved {
		t.Fatalf("expected ClientFDRemoved, got kind %d", n.Kind)
	}
}

func TestQueueBufferRecoversClientOverSoftLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnitType = UnitBuffers
	cfg.UnitsMax = -1
	cfg.UnitsSoftMax = 1
	cfg.RecoverPolicy = RecoverResyncLatest
	s := newTestSink(t, cfg)

	h, _ := newPipeHandle(t)
	if err := s.AddFull(h, SyncLatest, Unset, Unset); err != nil {
		t.Fatalf("AddFull: %v", err)
	}

	s.mu.Lock()
	s.queueBuffer(NewPayload([]byte("x"), 0, false, false, false))
	s.queueBuffer(NewPayload([]byte("y"), 0, false, false, false))
	c := soleClient(t, s)
	s.mu.Unlock()

	if !c.Discont {
		t.Error("expected Discont to be set after soft-limit recovery")
	}
	if c.Bufpos != -1 {
		t.Errorf("expected bufpos reset to -1 by RecoverResyncLatest, got %d", c.Bufpos)
	}
	if c.Stats.DroppedBuffers == 0 {
		t.Error("expected dropped buffer count to be recorded")
	}
}

func TestQueueBufferTrimsBelowMinRetention(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BuffersMin = Spec{Unit: UnitBuffers, Value: 2}
	s := newTestSink(t, cfg)

	// No clients: with nothing to position against, the queue should still
	// be trimmed back to at least BuffersMin entries, not to zero.
	s.mu.Lock()
	for i := 0; i < 5; i++ {
		s.queueBuffer(NewPayload([]byte("x"), 0, false, false, false))
	}
	queueLen := s.queue.Len()
	s.mu.Unlock()

	if queueLen < 2 {
		t.Errorf("expected queue to retain at least BuffersMin (2) entries, got %d", queueLen)
	}
}
