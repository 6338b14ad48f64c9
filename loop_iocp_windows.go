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

//go:build windows

package asyncudp

import (
	"net/netip"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"

	errorx "github.com/panjf2000/asyncudp/errors"
	"github.com/panjf2000/asyncudp/internal/queue"
	"github.com/panjf2000/asyncudp/internal/socket"
)

// Completion keys: sockets are associated with opKey; wake packets are posted
// with wakeKey and a nil overlapped pointer.
const (
	opKey uintptr = iota
	wakeKey
)

type iocpOpKind uint8

const (
	iocpOpSend iocpOpKind = iota + 1
	iocpOpRecv
)

// iocpOp is one overlapped operation. The Overlapped header must stay the
// first field: the port hands back its address and the loop converts it to
// the record. The loop's pending set pins the record (and through it the
// caller's buffer and the address capture slot) until the packet arrives.
type iocpOp struct {
	o    windows.Overlapped
	kind iocpOpKind
	sock *iocpSocket

	sendHandler SendHandler
	recvHandler RecvHandler

	wsabuf windows.WSABuf
	qty    uint32
	flags  uint32
	rsa    windows.RawSockaddrAny
	rsaLen int32
}

// iocpLoop is the kernel-completion backend built on an I/O completion port.
// Operations are handed to the kernel immediately; even an instantly
// satisfied one reports through a queued packet, never inline.
type iocpLoop struct {
	port    windows.Handle
	sockets map[windows.Handle]*iocpSocket
	pending map[*iocpOp]struct{}
	tasks   queue.AsyncTaskQueue
	wakeSig int32
	state   int32
	opts    *Options
}

func newIOCPLoop(opts *Options) (*iocpLoop, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 1)
	if err != nil {
		return nil, os.NewSyscallError("CreateIoCompletionPort", err)
	}
	return &iocpLoop{
		port:    port,
		sockets: make(map[windows.Handle]*iocpSocket),
		pending: make(map[*iocpOp]struct{}),
		tasks:   queue.NewLockFreeQueue(),
		opts:    opts,
	}, nil
}

func (l *iocpLoop) OpenSocket() (Socket, error) {
	if atomic.LoadInt32(&l.state) == loopClosed {
		return nil, errorx.ErrLoopClosed
	}
	fd, err := socket.UDPSocket()
	if err != nil {
		return nil, wrapSysErr("socket", err)
	}
	if _, err = windows.CreateIoCompletionPort(fd, l.port, opKey, 0); err != nil {
		_ = windows.Closesocket(fd)
		return nil, os.NewSyscallError("CreateIoCompletionPort", err)
	}
	s := &iocpSocket{loop: l, fd: fd}
	l.sockets[fd] = s
	return s, nil
}

func (l *iocpLoop) Run() error {
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
	err := l.eventLoop()
	atomic.StoreInt32(&l.state, loopStopped)
	if err == errorx.ErrLoopShutdown {
		return nil
	}
	return err
}

func (l *iocpLoop) eventLoop() error {
	for {
		var (
			qty uint32
			key uintptr
			ov  *windows.Overlapped
		)
		err := windows.GetQueuedCompletionStatus(l.port, &qty, &key, &ov, windows.INFINITE)
		if ov == nil {
			if err != nil {
				l.opts.Logger.Errorf("error occurs in the completion port: %v",
					os.NewSyscallError("GetQueuedCompletionStatus", err))
				return os.NewSyscallError("GetQueuedCompletionStatus", err)
			}
			// A wake packet carries no overlapped pointer.
			if key == wakeKey {
				if err = l.runTasks(); err != nil {
					return err
				}
			}
			continue
		}
		op := (*iocpOp)(unsafe.Pointer(ov))
		delete(l.pending, op)
		l.complete(op, qty, err)
	}
}

// complete fires the handler of a dequeued packet. A non-nil err is the
// operation's own failure, already unwrapped by the port.
func (l *iocpLoop) complete(op *iocpOp, qty uint32, err error) {
	switch op.kind {
	case iocpOpSend:
		if op.sock.pendingSend == op {
			op.sock.pendingSend = nil
		}
		if err != nil {
			op.sendHandler(sysOpErr("wsasendto", err), 0)
		} else {
			op.sendHandler(nil, int(qty))
		}
	case iocpOpRecv:
		if op.sock.pendingRecv == op {
			op.sock.pendingRecv = nil
		}
		if err == windows.WSAEMSGSIZE {
			// Datagram larger than the buffer: the kernel copied what fits
			// and discarded the rest, which is the contract here.
			err = nil
		}
		if err != nil {
			op.recvHandler(sysOpErr("wsarecvfrom", err), 0, Endpoint{})
		} else {
			ap := socket.RawToAddrPort(&op.rsa)
			op.recvHandler(nil, int(qty), Endpoint{Addr: ap.Addr(), Port: ap.Port()})
		}
	}
}

func (l *iocpLoop) runTasks() error {
	task := l.tasks.Dequeue()
	for ; task != nil; task = l.tasks.Dequeue() {
		err := task.Run()
		queue.PutTask(task)
		if err != nil {
			return err
		}
	}
	atomic.StoreInt32(&l.wakeSig, 0)
	if !l.tasks.IsEmpty() {
		l.wakeup()
	}
	return nil
}

func (l *iocpLoop) wakeup() {
	if atomic.CompareAndSwapInt32(&l.wakeSig, 0, 1) {
		if err := windows.PostQueuedCompletionStatus(l.port, 0, wakeKey, nil); err != nil {
			l.opts.Logger.Errorf("failed to post a wake packet: %v",
				os.NewSyscallError("PostQueuedCompletionStatus", err))
		}
	}
}

func (l *iocpLoop) trigger(fn queue.TaskFunc) error {
	if atomic.LoadInt32(&l.state) == loopClosed {
		return errorx.ErrLoopClosed
	}
	task := queue.GetTask()
	task.Run = fn
	l.tasks.Enqueue(task)
	l.wakeup()
	return nil
}

func (l *iocpLoop) Stop() {
	if atomic.LoadInt32(&l.state) == loopClosed {
		return
	}
	err := l.trigger(func() error { return errorx.ErrLoopShutdown })
	if err != nil {
		l.opts.Logger.Errorf("failed to deliver stop to the completion loop: %v", err)
	}
}

func (l *iocpLoop) Post(fn func()) error {
	return l.trigger(func() error {
		fn()
		return nil
	})
}

func (l *iocpLoop) Close() error {
	if atomic.LoadInt32(&l.state) == loopRunning {
		return errorx.ErrLoopAlreadyRunning
	}
	if !atomic.CompareAndSwapInt32(&l.state, loopCreated, loopClosed) &&
		!atomic.CompareAndSwapInt32(&l.state, loopStopped, loopClosed) {
		return nil
	}
	// No packets will be dequeued anymore; retire every pinned record through
	// its handler before the port goes away.
	for op := range l.pending {
		delete(l.pending, op)
		switch op.kind {
		case iocpOpSend:
			op.sock.pendingSend = nil
			op.sendHandler(errorx.New(errorx.Cancelled, "wsasendto", errorx.ErrOperationCancelled), 0)
		case iocpOpRecv:
			op.sock.pendingRecv = nil
			op.recvHandler(errorx.New(errorx.Cancelled, "wsarecvfrom", errorx.ErrOperationCancelled), 0, Endpoint{})
		}
	}
	for fd, s := range l.sockets {
		delete(l.sockets, fd)
		s.closed = true
		_ = windows.Closesocket(fd)
	}
	return os.NewSyscallError("CloseHandle", windows.CloseHandle(l.port))
}

// pendingOps reports how many operation records are still pinned.
func (l *iocpLoop) pendingOps() int {
	return len(l.pending)
}

// iocpSocket holds at most one overlapped operation per direction.
type iocpSocket struct {
	loop        *iocpLoop
	fd          windows.Handle
	closed      bool
	pendingSend *iocpOp
	pendingRecv *iocpOp
}

func (s *iocpSocket) Bind(ep Endpoint) error {
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

func (s *iocpSocket) LocalEndpoint() (Endpoint, error) {
	if s.closed {
		return Endpoint{}, errorx.ErrSocketClosed
	}
	ap, err := socket.LocalAddrPort(s.fd)
	if err != nil {
		return Endpoint{}, sysOpErr("getsockname", err)
	}
	return Endpoint{Addr: ap.Addr(), Port: ap.Port()}, nil
}

// AsyncSendTo hands the datagram to the kernel. Success, like everything
// else, reports through the completion port; only a hard submission failure
// fires the handler here.
func (s *iocpSocket) AsyncSendTo(p []byte, to Endpoint, h SendHandler) {
	if s.closed {
		h(errorx.New(errorx.Cancelled, "wsasendto", errorx.ErrSocketClosed), 0)
		return
	}
	if s.pendingSend != nil {
		h(errorx.New(errorx.ResourceExhausted, "wsasendto", errorx.ErrAlreadyPending), 0)
		return
	}
	sa, err := socket.AddrPortToSockaddr(netip.AddrPortFrom(to.Addr, to.Port))
	if err != nil {
		h(errorx.New(errorx.InvalidAddress, "wsasendto", errorx.ErrInvalidEndpoint), 0)
		return
	}
	op := &iocpOp{kind: iocpOpSend, sock: s, sendHandler: h}
	op.wsabuf.Len = uint32(len(p))
	if len(p) > 0 {
		op.wsabuf.Buf = &p[0]
	}
	err = windows.WSASendto(s.fd, &op.wsabuf, 1, &op.qty, 0, sa, &op.o, nil)
	if err != nil && err != windows.ERROR_IO_PENDING {
		h(sysOpErr("wsasendto", err), 0)
		return
	}
	s.pendingSend = op
	s.loop.pending[op] = struct{}{}
}

// AsyncRecvFrom hands the buffer and an address capture slot to the kernel.
func (s *iocpSocket) AsyncRecvFrom(p []byte, h RecvHandler) {
	if s.closed {
		h(errorx.New(errorx.Cancelled, "wsarecvfrom", errorx.ErrSocketClosed), 0, Endpoint{})
		return
	}
	if s.pendingRecv != nil {
		h(errorx.New(errorx.ResourceExhausted, "wsarecvfrom", errorx.ErrAlreadyPending), 0, Endpoint{})
		return
	}
	op := &iocpOp{kind: iocpOpRecv, sock: s, recvHandler: h}
	op.wsabuf.Len = uint32(len(p))
	if len(p) > 0 {
		op.wsabuf.Buf = &p[0]
	}
	op.rsaLen = int32(unsafe.Sizeof(op.rsa))
	err := windows.WSARecvFrom(s.fd, &op.wsabuf, 1, &op.qty, &op.flags, &op.rsa, &op.rsaLen, &op.o, nil)
	if err != nil && err != windows.ERROR_IO_PENDING {
		h(sysOpErr("wsarecvfrom", err), 0, Endpoint{})
		return
	}
	s.pendingRecv = op
	s.loop.pending[op] = struct{}{}
}

// Close releases the descriptor. While the loop runs, closing the socket
// makes its in-flight operations complete with ERROR_OPERATION_ABORTED, so
// each handler fires from its own packet; otherwise the handlers fire here.
// Closing twice is a no-op.
func (s *iocpSocket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.loop.sockets, s.fd)
	if atomic.LoadInt32(&s.loop.state) != loopRunning {
		if op := s.pendingSend; op != nil {
			s.pendingSend = nil
			delete(s.loop.pending, op)
			op.sendHandler(errorx.New(errorx.Cancelled, "wsasendto", errorx.ErrOperationCancelled), 0)
		}
		if op := s.pendingRecv; op != nil {
			s.pendingRecv = nil
			delete(s.loop.pending, op)
			op.recvHandler(errorx.New(errorx.Cancelled, "wsarecvfrom", errorx.ErrOperationCancelled), 0, Endpoint{})
		}
	}
	return wrapSysErr("closesocket", windows.Closesocket(s.fd))
}
