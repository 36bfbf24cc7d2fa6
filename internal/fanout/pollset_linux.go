//go:build linux

package fanout

import (
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// epollPollSet is the Linux poll set backing, grounded on
// go-server/pkg/websocket/netpoll.go's EpollServer: epoll_create1 +
// epoll_ctl + epoll_wait via the stdlib syscall package, no third-party
// epoll wrapper exists anywhere in the retrieved corpus. A self-pipe
// registered in the same epoll instance implements restart()/flushing,
// since the stdlib doesn't expose eventfd.
type epollPollSet struct {
	epfd int

	mu   sync.Mutex
	fds  map[uint64]*fdEntry // key -> state
	byFD map[int32]uint64    // system fd -> key

	wakeR int32
	wakeW int32

	flushing int32 // atomic bool
	closed   int32 // atomic bool
}

type fdEntry struct {
	fd    int32
	read  bool
	write bool
}

// NewPollSet constructs the Linux epoll-backed PollSet.
func NewPollSet() (PollSet, error) {
	epfd, err := syscall.EpollCreate1(syscall.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	var pipefds [2]int
	if err := syscall.Pipe2(pipefds[:], syscall.O_NONBLOCK|syscall.O_CLOEXEC); err != nil {
		syscall.Close(epfd)
		return nil, err
	}

	ps := &epollPollSet{
		epfd:  epfd,
		fds:   make(map[uint64]*fdEntry),
		byFD:  make(map[int32]uint64),
		wakeR: int32(pipefds[0]),
		wakeW: int32(pipefds[1]),
	}

	ev := syscall.EpollEvent{Events: syscall.EPOLLIN, Fd: ps.wakeR}
	if err := syscall.EpollCtl(epfd, syscall.EPOLL_CTL_ADD, int(ps.wakeR), &ev); err != nil {
		syscall.Close(epfd)
		syscall.Close(int(ps.wakeR))
		syscall.Close(int(ps.wakeW))
		return nil, err
	}

	return ps, nil
}

func (p *epollPollSet) eventsFor(e *fdEntry) uint32 {
	var ev uint32
	if e.read {
		ev |= syscall.EPOLLIN
	}
	if e.write {
		ev |= syscall.EPOLLOUT
	}
	return ev
}

func (p *epollPollSet) Add(key uint64, fd uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.fds[key]; exists {
		return errors.New("fanout: poll set key already registered")
	}

	entry := &fdEntry{fd: int32(fd)}
	ev := syscall.EpollEvent{Events: p.eventsFor(entry), Fd: entry.fd}
	if err := syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return err
	}
	p.fds[key] = entry
	p.byFD[entry.fd] = key
	return nil
}

func (p *epollPollSet) Remove(key uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.fds[key]
	if !ok {
		return nil
	}
	delete(p.fds, key)
	delete(p.byFD, entry.fd)
	// EPOLL_CTL_DEL on an already-closed fd returns EBADF; that is expected
	// once the embedder has closed the handle and is not an error here.
	_ = syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_DEL, int(entry.fd), nil)
	return nil
}

func (p *epollPollSet) setInterest(key uint64, read *bool, write *bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.fds[key]
	if !ok {
		return errors.New("fanout: poll set key not registered")
	}
	if read != nil {
		entry.read = *read
	}
	if write != nil {
		entry.write = *write
	}
	ev := syscall.EpollEvent{Events: p.eventsFor(entry), Fd: entry.fd}
	return syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_MOD, int(entry.fd), &ev)
}

func (p *epollPollSet) SetRead(key uint64, on bool) error {
	return p.setInterest(key, &on, nil)
}

func (p *epollPollSet) SetWrite(key uint64, on bool) error {
	return p.setInterest(key, nil, &on)
}

func (p *epollPollSet) Restart() {
	var b [1]byte
	_, _ = syscall.Write(int(p.wakeW), b[:])
}

func (p *epollPollSet) SetFlushing(on bool) {
	if on {
		atomic.StoreInt32(&p.flushing, 1)
		p.Restart()
	} else {
		atomic.StoreInt32(&p.flushing, 0)
	}
}

func (p *epollPollSet) drainWake() {
	var buf [64]byte
	for {
		n, err := syscall.Read(int(p.wakeR), buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *epollPollSet) Wait(timeout time.Duration) (WaitResult, []ReadyEvent, error) {
	if atomic.LoadInt32(&p.flushing) == 1 {
		p.drainWake()
		return WaitInterrupted, nil, nil
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	events := make([]syscall.EpollEvent, 256)
	n, err := syscall.EpollWait(p.epfd, events, ms)
	if err != nil {
		if errors.Is(err, syscall.EINTR) {
			return WaitError, nil, syscall.EINTR
		}
		if errors.Is(err, syscall.EBADF) {
			return WaitError, nil, syscall.EBADF
		}
		return WaitError, nil, err
	}
	if n == 0 {
		return WaitTimeout, nil, nil
	}

	p.mu.Lock()
	ready := make([]ReadyEvent, 0, n)
	interrupted := false
	for i := 0; i < n; i++ {
		e := events[i]
		if e.Fd == p.wakeR {
			interrupted = true
			continue
		}
		key, ok := p.byFD[e.Fd]
		if !ok {
			continue
		}
		ready = append(ready, ReadyEvent{
			Key:       key,
			Readable:  e.Events&(syscall.EPOLLIN|syscall.EPOLLHUP) != 0,
			Writable:  e.Events&syscall.EPOLLOUT != 0,
			Closed:    e.Events&syscall.EPOLLHUP != 0,
			ErrorFlag: e.Events&syscall.EPOLLERR != 0,
		})
	}
	p.mu.Unlock()

	if interrupted {
		p.drainWake()
		if len(ready) == 0 {
			return WaitInterrupted, nil, nil
		}
	}
	if atomic.LoadInt32(&p.flushing) == 1 {
		return WaitInterrupted, nil, nil
	}
	return WaitReady, ready, nil
}

func (p *epollPollSet) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}
	syscall.Close(int(p.wakeR))
	syscall.Close(int(p.wakeW))
	return syscall.Close(p.epfd)
}
