//go:build linux

// File: reactor/backend_linux.go
// Author: momentics <momentics@gmail.com>
//
// epoll(7) backend: the reactor's wait primitive, readiness dispatch
// onto pollable fds, the wakeup eventfd, and the timerfd that mirrors
// the steady timer set's nearest expiry.

package reactor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-runtime/api"
	"github.com/momentics/hioload-runtime/clock"
	"github.com/momentics/hioload-runtime/future"
)

// eventfd counters are host-endian; every supported target is
// little-endian.
var hostEndian = binary.LittleEndian

type epollBackend struct {
	r        *Reactor
	epollFD  int
	wakeupFD int
	timerFD  int
	fds      map[int]*PollableFD
	events   []unix.EpollEvent
}

func newEpollBackend(r *Reactor) (*epollBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		unix.Close(wfd)
		unix.Close(epfd)
		return nil, err
	}
	b := &epollBackend{
		r:        r,
		epollFD:  epfd,
		wakeupFD: wfd,
		timerFD:  tfd,
		fds:      make(map[int]*PollableFD),
		events:   make([]unix.EpollEvent, 128),
	}
	for _, fd := range []int{wfd, tfd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			b.close()
			return nil, err
		}
	}
	return b, nil
}

func (b *epollBackend) close() {
	unix.Close(b.timerFD)
	unix.Close(b.wakeupFD)
	unix.Close(b.epollFD)
}

// wakeup is the only backend entry point other threads may call.
func (b *epollBackend) wakeup() {
	var one [8]byte
	hostEndian.PutUint64(one[:], 1)
	for {
		_, err := unix.Write(b.wakeupFD, one[:])
		if err != unix.EINTR {
			return
		}
	}
}

func (b *epollBackend) drainEventfd(fd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// armTimerFD programs the kernel timer for the nearest steady expiry.
func (b *epollBackend) armTimerFD(next int64) {
	var spec unix.ItimerSpec
	if next != maxInt64 {
		delta := next - clock.SteadyNow()
		if delta < 1 {
			delta = 1 // zero disarms; the past still must fire
		}
		spec.Value = unix.NsecToTimespec(delta)
	}
	unix.TimerfdSettime(b.timerFD, 0, &spec, nil)
}

// waitAndProcess waits up to timeoutMs (0 = just poll, -1 = forever)
// and dispatches readiness. It returns whether any event was handled.
func (b *epollBackend) waitAndProcess(timeoutMs int) bool {
	n, err := unix.EpollWait(b.epollFD, b.events, timeoutMs)
	if err != nil {
		return false // EINTR: the loop comes back around
	}
	for i := 0; i < n; i++ {
		ev := b.events[i]
		fd := int(ev.Fd)
		switch fd {
		case b.wakeupFD:
			b.drainEventfd(b.wakeupFD)
		case b.timerFD:
			b.drainEventfd(b.timerFD)
			b.r.expireTimers(clock.Steady)
		default:
			if s, ok := b.fds[fd]; ok {
				b.dispatch(s, ev.Events)
			}
		}
	}
	return n > 0
}

func (b *epollBackend) dispatch(s *PollableFD, events uint32) {
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		events |= unix.EPOLLIN | unix.EPOLLOUT
	}
	s.complete(events, unix.EPOLLIN, &s.pollin)
	s.complete(events, unix.EPOLLOUT, &s.pollout)
	// Drop interest that no longer has a waiter.
	if remove := s.eventsEpoll &^ s.eventsRequested; remove != 0 {
		s.eventsEpoll &^= remove
		s.updateEpoll()
	}
}

// PollableFD tracks one file descriptor's epoll bookkeeping: the
// interest requested by pending readable/writable futures, the interest
// installed in epoll, and speculation bits caching known readiness.
type PollableFD struct {
	r  *Reactor
	fd int

	eventsRequested uint32
	eventsEpoll     uint32
	eventsKnown     uint32

	pollin  *future.Promise[future.Unit]
	pollout *future.Promise[future.Unit]
}

// NewPollableFD adopts a non-blocking fd into the shard's epoll set.
// speculate pre-loads readiness bits (e.g. EPOLLOUT on a fresh accept).
func (r *Reactor) NewPollableFD(fd int, speculate uint32) *PollableFD {
	s := &PollableFD{r: r, fd: fd, eventsKnown: speculate}
	r.backend.fds[fd] = s
	return s
}

// FD returns the raw descriptor.
func (s *PollableFD) FD() int { return s.fd }

// SpeculateEpoll records that a short read/write implied the fd is
// still ready, letting the next wait skip epoll.
func (s *PollableFD) SpeculateEpoll(events uint32) {
	s.eventsKnown |= events
}

// Readable resolves once the fd is known readable.
func (s *PollableFD) Readable() *future.Future[future.Unit] {
	return s.pollEvent(unix.EPOLLIN, &s.pollin)
}

// Writable resolves once the fd is known writable.
func (s *PollableFD) Writable() *future.Future[future.Unit] {
	return s.pollEvent(unix.EPOLLOUT, &s.pollout)
}

func (s *PollableFD) pollEvent(event uint32, slot **future.Promise[future.Unit]) *future.Future[future.Unit] {
	if s.eventsKnown&event != 0 {
		s.eventsKnown &^= event
		return future.Done(s.r)
	}
	s.eventsRequested |= event
	if s.eventsEpoll&event == 0 {
		s.eventsEpoll |= event
		s.updateEpoll()
	}
	pr := future.NewPromise[future.Unit](s.r)
	*slot = pr
	return pr.Future()
}

func (s *PollableFD) complete(events, event uint32, slot **future.Promise[future.Unit]) {
	if s.eventsRequested&events&event == 0 {
		return
	}
	s.eventsRequested &^= event
	s.eventsKnown &^= event
	pr := *slot
	*slot = nil
	pr.SetValue(future.Unit{})
}

func (s *PollableFD) updateEpoll() {
	b := s.r.backend
	if s.eventsEpoll == 0 {
		unix.EpollCtl(b.epollFD, unix.EPOLL_CTL_DEL, s.fd, nil)
		return
	}
	ev := unix.EpollEvent{Events: s.eventsEpoll, Fd: int32(s.fd)}
	// ADD when this is the first interest, MOD otherwise; EpollCtl tells
	// us which through EEXIST/ENOENT, so try MOD first.
	if err := unix.EpollCtl(b.epollFD, unix.EPOLL_CTL_MOD, s.fd, &ev); err == unix.ENOENT {
		unix.EpollCtl(b.epollFD, unix.EPOLL_CTL_ADD, s.fd, &ev)
	}
}

func (s *PollableFD) abort(err error, event uint32, slot **future.Promise[future.Unit]) {
	s.eventsRequested &^= event
	if pr := *slot; pr != nil {
		*slot = nil
		pr.SetError(err)
	}
	if s.eventsEpoll&event != 0 {
		s.eventsEpoll &^= event
		s.updateEpoll()
	}
}

// AbortReader fails the pending readable future with err.
func (s *PollableFD) AbortReader(err error) {
	s.abort(err, unix.EPOLLIN, &s.pollin)
}

// AbortWriter fails the pending writable future with err.
func (s *PollableFD) AbortWriter(err error) {
	s.abort(err, unix.EPOLLOUT, &s.pollout)
}

// Close deregisters from epoll and closes the descriptor. Pending
// futures are failed.
func (s *PollableFD) Close() error {
	closed := api.NewIOError(unix.EBADF, "pollable fd closed")
	s.AbortReader(closed)
	s.AbortWriter(closed)
	if s.eventsEpoll != 0 {
		unix.EpollCtl(s.r.backend.epollFD, unix.EPOLL_CTL_DEL, s.fd, nil)
	}
	delete(s.r.backend.fds, s.fd)
	return unix.Close(s.fd)
}
