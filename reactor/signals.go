// File: reactor/signals.go
// Author: momentics <momentics@gmail.com>
//
// Signal intake. A relay goroutine owns the channel the Go runtime
// delivers on; it marks a pending bit and wakes the shard, and the
// signal poller dispatches registered handlers as high-priority tasks.

package reactor

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/momentics/hioload-runtime/future"
)

type signals struct {
	r        *Reactor
	pending  atomic.Uint64 // bitmask by signal number
	handlers map[int]func()
	ch       chan os.Signal
	done     chan struct{}
}

func newSignals(r *Reactor) *signals {
	s := &signals{
		r:        r,
		handlers: make(map[int]func()),
		ch:       make(chan os.Signal, 8),
		done:     make(chan struct{}),
	}
	go s.relay()
	return s
}

func (s *signals) relay() {
	for {
		select {
		case sig := <-s.ch:
			if n, ok := sig.(syscall.Signal); ok && int(n) < 64 {
				s.pending.Or(1 << uint(n))
				s.r.Wakeup()
			}
		case <-s.done:
			return
		}
	}
}

func (s *signals) close() {
	signal.Stop(s.ch)
	close(s.done)
}

// handle registers fn for signal number sig and subscribes the channel.
func (s *signals) handle(sig int, fn func()) {
	s.handlers[sig] = fn
	signal.Notify(s.ch, syscall.Signal(sig))
}

// handleShutdownSignals wires SIGINT and SIGTERM to graceful shutdown.
func (s *signals) handleShutdownSignals() {
	stop := func() { s.r.Stop() }
	s.handle(int(syscall.SIGINT), stop)
	s.handle(int(syscall.SIGTERM), stop)
}

// poll dispatches pending signals as high-priority tasks.
func (s *signals) poll() bool {
	bits := s.pending.Swap(0)
	if bits == 0 {
		return false
	}
	for n := 0; n < 64; n++ {
		if bits&(1<<uint(n)) == 0 {
			continue
		}
		if fn, ok := s.handlers[n]; ok {
			s.r.ScheduleUrgent(future.Func(fn))
		}
	}
	return true
}

type signalPoller struct {
	sigs *signals
}

func (p *signalPoller) Poll() bool { return p.sigs.poll() }

// Sleeping is safe: the relay goroutine wakes the shard on delivery.
func (p *signalPoller) TryEnterInterruptMode() bool { return true }

func (p *signalPoller) ExitInterruptMode() {}
