// Copyright (c) 2023 Andy Pan
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package asyncudp

import (
	"net/netip"
	"sync/atomic"

	"golang.org/x/sys/unix"

	errorx "github.com/panjf2000/asyncudp/errors"
	"github.com/panjf2000/asyncudp/internal/netpoll"
	"github.com/panjf2000/asyncudp/internal/socket"
)

// pollLoop is the readiness-notification backend: epoll on Linux, kqueue on
// *BSD/Darwin. The kernel only signals that a non-blocking syscall may now
// succeed; the loop performs the syscall itself on dispatch.
type pollLoop struct {
	poller  *netpoll.Poller
	sockets map[int]*pollSocket // fd -> socket owning the pending operations
	state   int32
	opts    *Options
}

func newPollLoop(opts *Options) (*pollLoop, error) {
	poller, err := netpoll.OpenPoller()
	if err != nil {
		return nil, err
	}
	return &pollLoop{
		poller:  poller,
		sockets: make(map[int]*pollSocket),
		opts:    opts,
	}, nil
}

// pollSendOp records one registered-but-unfinished send: the borrowed buffer,
// the resolved destination and the single-shot handler.
type pollSendOp struct {
	buf     []byte
	sa      unix.Sockaddr
	handler SendHandler
}

// pollRecvOp records one registered-but-unfinished receive.
type pollRecvOp struct {
	buf     []byte
	handler RecvHandler
}

// pollSocket holds at most one pending operation per direction; that pair is
// the loop's descriptor->pending-operation table entry for this fd.
type pollSocket struct {
	loop        *pollLoop
	fd          int
	closed      bool
	pendingSend *pollSendOp
	pendingRecv *pollRecvOp
}

func (l *pollLoop) OpenSocket() (Socket, error) {
	if atomic.LoadInt32(&l.state) == loopClosed {
		return nil, errorx.ErrLoopClosed
	}
	fd, err := socket.UDPSocket(true)
	if err != nil {
		return nil, wrapSysErr("socket", err)
	}
	if err = l.poller.Attach(fd); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	s := &pollSocket{loop: l, fd: fd}
	l.sockets[fd] = s
	return s, nil
}

func (l *pollLoop) Run() error {
	if !atomic.CompareAndSwapInt32(&l.state, loopCreated, loopRunning) {
		switch atomic.LoadInt32(&l.state) {
		case loopRunning:
			return errorx.ErrLoopAlreadyRunning
		case loopClosed:
			return errorx.ErrLoopClosed
		default:
			return errorx.ErrLoopShutdown
		}
	}
	err := l.poller.Polling(l.opts.PollEventsCap, l.dispatch)
	atomic.StoreInt32(&l.state, loopStopped)
	if err == errorx.ErrLoopShutdown {
		return nil
	}
	return err
}

func (l *pollLoop) Stop() {
	if atomic.LoadInt32(&l.state) == loopClosed {
		return
	}
	err := l.poller.Trigger(func() error { return errorx.ErrLoopShutdown })
	if err != nil {
		l.opts.Logger.Errorf("failed to deliver stop to the poll loop: %v", err)
	}
}

func (l *pollLoop) Post(fn func()) error {
	if atomic.LoadInt32(&l.state) == loopClosed {
		return errorx.ErrLoopClosed
	}
	return l.poller.Trigger(func() error {
		fn()
		return nil
	})
}

func (l *pollLoop) Close() error {
	if atomic.LoadInt32(&l.state) == loopRunning {
		return errorx.ErrLoopAlreadyRunning
	}
	if !atomic.CompareAndSwapInt32(&l.state, loopCreated, loopClosed) &&
		!atomic.CompareAndSwapInt32(&l.state, loopStopped, loopClosed) {
		return nil
	}
	// Cancel whatever is still pending so every record completes before the
	// queue goes away.
	for _, s := range l.sockets {
		_ = s.Close()
	}
	return l.poller.Close()
}

// dispatch resolves a readiness event to the fd's pending operations,
// performs the syscalls and re-arms whatever is still outstanding.
func (l *pollLoop) dispatch(fd int, readable, writable bool) error {
	s := l.sockets[fd]
	if s == nil {
		return nil
	}
	if writable && s.pendingSend != nil {
		op := s.pendingSend
		s.pendingSend = nil
		if err := unix.Sendto(s.fd, op.buf, 0, op.sa); err != nil {
			if err == unix.EAGAIN {
				s.pendingSend = op // spurious wake, keep waiting
			} else {
				op.handler(sysOpErr("sendto", err), 0)
			}
		} else {
			op.handler(nil, len(op.buf))
		}
	}
	if readable && s.pendingRecv != nil {
		op := s.pendingRecv
		s.pendingRecv = nil
		n, sa, err := unix.Recvfrom(s.fd, op.buf, 0)
		if err != nil {
			if err == unix.EAGAIN {
				s.pendingRecv = op
			} else {
				op.handler(sysOpErr("recvfrom", err), 0, Endpoint{})
			}
		} else {
			op.handler(nil, n, endpointFromSockaddr(sa))
		}
	}
	return s.rearm()
}

// pendingOps reports how many operation records are still alive across the
// loop's sockets.
func (l *pollLoop) pendingOps() (n int) {
	for _, s := range l.sockets {
		if s.pendingSend != nil {
			n++
		}
		if s.pendingRecv != nil {
			n++
		}
	}
	return
}

func (s *pollSocket) Bind(ep Endpoint) error {
	if s.closed {
		return errorx.ErrSocketClosed
	}
	if !ep.IsValid() {
		return errorx.New(errorx.InvalidAddress, "bind", errorx.ErrInvalidEndpoint)
	}
	if err := socket.Bind(s.fd, netip.AddrPortFrom(ep.Addr, ep.Port)); err != nil {
		return sysOpErr("bind", err)
	}
	return nil
}

func (s *pollSocket) LocalEndpoint() (Endpoint, error) {
	if s.closed {
		return Endpoint{}, errorx.ErrSocketClosed
	}
	ap, err := socket.LocalAddrPort(s.fd)
	if err != nil {
		return Endpoint{}, sysOpErr("getsockname", err)
	}
	return Endpoint{Addr: ap.Addr(), Port: ap.Port()}, nil
}

// AsyncSendTo attempts the send immediately; only a would-block result
// registers the operation and arms write interest.
func (s *pollSocket) AsyncSendTo(p []byte, to Endpoint, h SendHandler) {
	if s.closed {
		h(errorx.New(errorx.Cancelled, "sendto", errorx.ErrSocketClosed), 0)
		return
	}
	if s.pendingSend != nil {
		h(errorx.New(errorx.ResourceExhausted, "sendto", errorx.ErrAlreadyPending), 0)
		return
	}
	sa, err := socket.AddrPortToSockaddr(netip.AddrPortFrom(to.Addr, to.Port))
	if err != nil {
		h(errorx.New(errorx.InvalidAddress, "sendto", errorx.ErrInvalidEndpoint), 0)
		return
	}
	for {
		err = unix.Sendto(s.fd, p, 0, sa)
		if err != unix.EINTR {
			break
		}
	}
	if err == nil {
		h(nil, len(p))
		return
	}
	if err != unix.EAGAIN {
		h(sysOpErr("sendto", err), 0)
		return
	}
	s.pendingSend = &pollSendOp{buf: p, sa: sa, handler: h}
	if err = s.rearm(); err != nil {
		s.pendingSend = nil
		h(err, 0)
	}
}

// AsyncRecvFrom attempts the receive immediately; only a would-block result
// registers the operation and arms read interest.
func (s *pollSocket) AsyncRecvFrom(p []byte, h RecvHandler) {
	if s.closed {
		h(errorx.New(errorx.Cancelled, "recvfrom", errorx.ErrSocketClosed), 0, Endpoint{})
		return
	}
	if s.pendingRecv != nil {
		h(errorx.New(errorx.ResourceExhausted, "recvfrom", errorx.ErrAlreadyPending), 0, Endpoint{})
		return
	}
	var (
		n   int
		sa  unix.Sockaddr
		err error
	)
	for {
		n, sa, err = unix.Recvfrom(s.fd, p, 0)
		if err != unix.EINTR {
			break
		}
	}
	if err == nil {
		h(nil, n, endpointFromSockaddr(sa))
		return
	}
	if err != unix.EAGAIN {
		h(sysOpErr("recvfrom", err), 0, Endpoint{})
		return
	}
	s.pendingRecv = &pollRecvOp{buf: p, handler: h}
	if err = s.rearm(); err != nil {
		s.pendingRecv = nil
		h(err, 0, Endpoint{})
	}
}

// Close cancels the pending operations through their handlers, removes the fd
// from the poller's interest set and releases it. Closing twice is a no-op.
func (s *pollSocket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if op := s.pendingSend; op != nil {
		s.pendingSend = nil
		op.handler(errorx.New(errorx.Cancelled, "sendto", errorx.ErrOperationCancelled), 0)
	}
	if op := s.pendingRecv; op != nil {
		s.pendingRecv = nil
		op.handler(errorx.New(errorx.Cancelled, "recvfrom", errorx.ErrOperationCancelled), 0, Endpoint{})
	}
	delete(s.loop.sockets, s.fd)
	_ = s.loop.poller.Detach(s.fd)
	return wrapSysErr("close", unix.Close(s.fd))
}

// rearm narrows the armed interest set to exactly the directions that still
// have a pending operation. One-shot registrations fired by the poller are
// re-added here, never left armed behind a completed operation.
func (s *pollSocket) rearm() error {
	if s.closed {
		return nil
	}
	return s.loop.poller.Arm(s.fd, s.pendingRecv != nil, s.pendingSend != nil)
}

func endpointFromSockaddr(sa unix.Sockaddr) Endpoint {
	ap := socket.SockaddrToAddrPort(sa)
	return Endpoint{Addr: ap.Addr(), Port: ap.Port()}
}
