//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package socket implements the base socket pipeline of spec.md §4.E: a
// single event-loop thread owning a handler table keyed by file descriptor,
// an epoll poller capable of waiting with an absolute timeout, an inbound
// kernel queue, and the start-timeout bookkeeping that evicts connections
// stuck in Starting. Grounded on the original `basic_socket_pipeline.hh`
// and, for the direct `golang.org/x/sys/unix` syscall style, on the
// teacher's own `process/process.go` and `seccomp/tracer.go`.
package socket

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/subordination/domain"
	"github.com/nestybox/subordination/kernel"
)

// Fder is implemented by connections the base pipeline can poll: it must
// expose the raw file descriptor epoll watches. protocol.Conn implements
// this via its underlying net.Conn's syscall.Conn.
type Fder interface {
	Fd() (int, error)
}

// Delegate lets remote/process pipelines hook the component-specific half
// of the event loop: moving inbound kernels into their own queues (spec.md
// §4.E.2 "process_kernels()"). Readiness events go straight to each
// registered connection's Handle, not through the Delegate.
type Delegate interface {
	// ProcessKernels is called once per loop iteration, after the pipeline's
	// lock has been released, with every kernel Submit accumulated since the
	// last call; an iteration with no new kernels does not call it.
	ProcessKernels(inbound []*kernel.Kernel)
}

type handlerEntry struct {
	fd        int
	conn      domain.ConnectionIface
	startedAt time.Time
}

// Base is the event-loop pipeline of spec.md §4.E. Embedded (not
// subclassed, Go has no inheritance) by remote.Pipeline and
// procpipeline.Pipeline, which add their own server/client tables or spawn
// bookkeeping on top.
type Base struct {
	mu sync.Mutex

	epfd        int
	wakeR       int // self-pipe read end: EpollWait wakes on Submit/Stop
	wakeW       int
	handlers    map[int]*handlerEntry
	inbound     []*kernel.Kernel
	startTimeout time.Duration
	stopping    bool
	sack        []*kernel.Kernel

	delegate Delegate

	wg   sync.WaitGroup
	done chan struct{}
}

var _ domain.SocketPipelineIface = (*Base)(nil)

// New creates an epoll-backed base pipeline. startTimeout bounds how long a
// connection may remain in the Starting state before the loop evicts it
// (spec.md §4.E "Each iteration: 1. determine the earliest start_time +
// start_timeout...").
func New(startTimeout time.Duration, delegate Delegate) (*Base, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("socket: epoll_create1: %w", err)
	}
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("socket: pipe2: %w", err)
	}
	b := &Base{
		epfd:         epfd,
		wakeR:        fds[0],
		wakeW:        fds[1],
		handlers:     make(map[int]*handlerEntry),
		startTimeout: startTimeout,
		delegate:     delegate,
		done:         make(chan struct{}),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, b.wakeR, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(b.wakeR)}); err != nil {
		b.closeFds()
		return nil, fmt.Errorf("socket: epoll_ctl(wake): %w", err)
	}
	return b, nil
}

func (b *Base) closeFds() {
	unix.Close(b.wakeR)
	unix.Close(b.wakeW)
	unix.Close(b.epfd)
}

// wake unblocks a pending EpollWait; best-effort, a full pipe buffer just
// means the loop is already about to wake up.
func (b *Base) wake() {
	var one [1]byte
	unix.Write(b.wakeW, one[:])
}

// AddConn registers conn's fd with the poller and the handler table in the
// Starting state, recording its start time per spec.md §3's Connection
// invariant ("while Starting, start_time is non-zero").
func (b *Base) AddConn(conn domain.ConnectionIface) error {
	fdr, ok := conn.(Fder)
	if !ok {
		return fmt.Errorf("socket: connection does not expose a file descriptor")
	}
	fd, err := fdr.Fd()
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[fd] = &handlerEntry{fd: fd, conn: conn, startedAt: time.Now()}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		delete(b.handlers, fd)
		return fmt.Errorf("socket: epoll_ctl(add, %d): %w", fd, err)
	}
	return nil
}

// Submit enqueues a locally-originated kernel addressed to a peer (spec.md
// §4.E "an inbound kernel queue (local submissions addressed to peers)").
func (b *Base) Submit(k *kernel.Kernel) {
	b.mu.Lock()
	b.inbound = append(b.inbound, k)
	b.mu.Unlock()
	b.wake()
}

// Start spawns the event-loop goroutine.
func (b *Base) Start() error {
	b.wg.Add(1)
	go b.loop()
	return nil
}

// Stop requests orderly shutdown: the loop flushes once more, clears queues
// into a sack and exits (spec.md §4.E "Stopping flushes once more, clears
// queues into a sack").
func (b *Base) Stop() {
	b.mu.Lock()
	b.stopping = true
	b.mu.Unlock()
	b.wake()
}

// Wait joins the event-loop goroutine.
func (b *Base) Wait() {
	b.wg.Wait()
	b.closeFds()
}

// Sack returns the kernels orphaned by shutdown — retained so callers can
// inspect or release them only after the loop has fully stopped, avoiding
// a double-free from a connection reference still in flight (spec.md §4.E).
func (b *Base) Sack() []*kernel.Kernel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sack
}

const maxEpollEvents = 64

// earliestDeadline returns the soonest start_time+start_timeout among
// connections still Starting, or the zero time if none are.
func (b *Base) earliestDeadline() time.Time {
	var earliest time.Time
	for _, h := range b.handlers {
		if h.conn.State() != domain.Starting {
			continue
		}
		deadline := h.startedAt.Add(b.startTimeout)
		if earliest.IsZero() || deadline.Before(earliest) {
			earliest = deadline
		}
	}
	return earliest
}

func (b *Base) loop() {
	defer b.wg.Done()
	events := make([]unix.EpollEvent, maxEpollEvents)

	for {
		b.mu.Lock()
		deadline := b.earliestDeadline()
		stopping := b.stopping
		b.mu.Unlock()

		timeout := -1
		if !deadline.IsZero() {
			if d := time.Until(deadline); d > 0 {
				timeout = int(d.Milliseconds())
				if timeout == 0 {
					timeout = 1
				}
			} else {
				timeout = 0
			}
		}
		if stopping {
			timeout = 0
		}

		n, err := unix.EpollWait(b.epfd, events, timeout)
		if err != nil && err != unix.EINTR {
			logrus.WithError(err).Error("socket: epoll_wait failed")
			break
		}

		b.mu.Lock()
		drained := b.drainWake(events[:max(n, 0)])

		var inbound []*kernel.Kernel
		if len(b.inbound) > 0 {
			inbound = b.inbound
			b.inbound = nil
		}
		delegate := b.delegate
		b.mu.Unlock()

		if delegate != nil && inbound != nil {
			delegate.ProcessKernels(inbound)
		}

		b.serviceEvents(events[:n], drained)
		b.evictExpired()

		b.mu.Lock()
		stop := b.stopping && len(b.handlers) == 0
		b.mu.Unlock()
		if stop {
			break
		}
		if b.stopping {
			// Flush once more and drain remaining connections into the
			// sack so they can be released after Wait returns.
			b.flushAndSack()
			break
		}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// drainWake reports whether the self-pipe was among the ready fds, draining
// it so EpollWait doesn't spin.
func (b *Base) drainWake(events []unix.EpollEvent) bool {
	woke := false
	for _, ev := range events {
		if int(ev.Fd) == b.wakeR {
			woke = true
			var buf [64]byte
			for {
				n, err := unix.Read(b.wakeR, buf[:])
				if n <= 0 || err != nil {
					break
				}
			}
		}
	}
	return woke
}

func (b *Base) serviceEvents(events []unix.EpollEvent, _ bool) {
	for _, ev := range events {
		fd := int(ev.Fd)
		if fd == b.wakeR {
			continue
		}
		b.mu.Lock()
		h, ok := b.handlers[fd]
		b.mu.Unlock()
		if !ok {
			continue
		}
		readable := ev.Events&unix.EPOLLIN != 0
		writable := ev.Events&unix.EPOLLOUT != 0
		if err := h.conn.Handle(readable, writable); err != nil {
			logrus.WithError(err).WithField("fd", fd).Warn("socket: connection handle error")
			h.conn.Close()
		}
	}
}

// evictExpired removes connections that are Stopped, or Starting past
// their deadline, from the handler table at the end of the iteration
// (spec.md §3 "Stopped connections are removed from the pipeline's handler
// table at end of loop iteration"; §8's testable property on Starting →
// Stopped eviction).
func (b *Base) evictExpired() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for fd, h := range b.handlers {
		expired := h.conn.State() == domain.Starting && now.After(h.startedAt.Add(b.startTimeout))
		if h.conn.State() == domain.Stopped || expired {
			unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			delete(b.handlers, fd)
		}
	}
}

func (b *Base) flushAndSack() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for fd, h := range b.handlers {
		h.conn.Handle(false, true) // final flush
		h.conn.Close()
		unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		delete(b.handlers, fd)
	}
	b.sack = append(b.sack, b.inbound...)
	b.inbound = nil
}
