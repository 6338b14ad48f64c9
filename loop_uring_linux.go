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

//go:build linux

package asyncudp

import (
	"net/netip"
	"os"
	"sync/atomic"
	"unsafe"

	backlogq "github.com/eapache/queue"
	"golang.org/x/sys/unix"

	errorx "github.com/panjf2000/asyncudp/errors"
	"github.com/panjf2000/asyncudp/internal/queue"
	"github.com/panjf2000/asyncudp/internal/socket"
	"github.com/panjf2000/asyncudp/internal/uring"
)

// wakeToken is the reserved user-data value of the loop's eventfd read; real
// operations are issued tokens starting at 1.
const wakeToken uint64 = 0

type ringOpKind uint8

const (
	ringOpSend ringOpKind = iota + 1
	ringOpRecv
	ringOpCancel
	ringOpWake
)

// ringOp is one submitted operation. The kernel sees only its token as user
// data; the loop's ops table pins the record (and through it the caller's
// buffer, the iovec and the address storage the msghdr points at) until the
// completion is reaped, then resolves the token back to this record.
type ringOp struct {
	tok    uint64
	kind   ringOpKind
	fd     int
	target uint64 // token the cancellation aims at
	sock   *ringSocket

	sendHandler SendHandler
	recvHandler RecvHandler

	buf []byte
	iov unix.Iovec
	msg unix.Msghdr
	rsa unix.RawSockaddrAny
}

// fill writes the operation into a claimed submission-queue entry.
func (op *ringOp) fill(sqe *uring.SQE) {
	switch op.kind {
	case ringOpSend:
		sqe.PrepMsg(uring.OpSendmsg, op.fd, &op.msg, op.tok)
	case ringOpRecv:
		sqe.PrepMsg(uring.OpRecvmsg, op.fd, &op.msg, op.tok)
	case ringOpCancel:
		sqe.PrepCancel(op.target, op.tok)
	case ringOpWake:
		sqe.PrepRead(op.fd, op.buf, op.tok)
	}
}

// prepMsghdr points the msghdr at the record's own iovec and address storage.
// Must run after the record has its final address, never on a copy.
func (op *ringOp) prepMsghdr(namelen uint32) {
	if len(op.buf) > 0 {
		op.iov.Base = &op.buf[0]
	}
	op.iov.SetLen(len(op.buf))
	op.msg.Name = (*byte)(unsafe.Pointer(&op.rsa))
	op.msg.Namelen = namelen
	op.msg.Iov = &op.iov
	op.msg.SetIovlen(1)
}

// ringLoop is the submission/completion backend built on io_uring. Sockets
// stay blocking; the kernel performs the I/O and reports results through the
// completion queue.
type ringLoop struct {
	ring    *uring.Ring
	sockets map[int]*ringSocket
	ops     map[uint64]*ringOp // token -> in-flight operation, pinned until its CQE
	backlog *backlogq.Queue    // operations waiting for a free submission slot
	tasks   queue.AsyncTaskQueue
	wakeFd  int // eventfd; a persistent ring read turns writes into wake CQEs
	wakeBuf []byte
	wakeOp  *ringOp
	wakeSig int32
	nextTok uint64
	state   int32
	opts    *Options
}

func newRingLoop(opts *Options) (*ringLoop, error) {
	ring, err := uring.New(uint32(opts.RingEntries))
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		_ = ring.Close()
		return nil, os.NewSyscallError("eventfd", err)
	}
	l := &ringLoop{
		ring:    ring,
		sockets: make(map[int]*ringSocket),
		ops:     make(map[uint64]*ringOp),
		backlog: backlogq.New(),
		tasks:   queue.NewLockFreeQueue(),
		wakeFd:  wakeFd,
		wakeBuf: make([]byte, 8),
		nextTok: 1,
		opts:    opts,
	}
	l.wakeOp = &ringOp{tok: wakeToken, kind: ringOpWake, fd: wakeFd, buf: l.wakeBuf}
	l.ops[wakeToken] = l.wakeOp
	l.submit(l.wakeOp)
	return l, nil
}

func (l *ringLoop) token() uint64 {
	tok := l.nextTok
	l.nextTok++
	return tok
}

// submit claims a submission slot for the operation, or parks it in the
// backlog until completions free one. Backlogged operations keep FIFO order.
func (l *ringLoop) submit(op *ringOp) {
	if l.backlog.Length() > 0 {
		l.backlog.Add(op)
		return
	}
	sqe, ok := l.ring.NextSQE()
	if !ok {
		l.backlog.Add(op)
		return
	}
	op.fill(sqe)
}

func (l *ringLoop) flushBacklog() {
	for l.backlog.Length() > 0 {
		sqe, ok := l.ring.NextSQE()
		if !ok {
			return
		}
		l.backlog.Remove().(*ringOp).fill(sqe)
	}
}

func (l *ringLoop) OpenSocket() (Socket, error) {
	if atomic.LoadInt32(&l.state) == loopClosed {
		return nil, errorx.ErrLoopClosed
	}
	// Blocking mode: the ring's async workers absorb the blocking, and the
	// completion queue delivers the result.
	fd, err := socket.UDPSocket(false)
	if err != nil {
		return nil, wrapSysErr("socket", err)
	}
	s := &ringSocket{loop: l, fd: fd}
	l.sockets[fd] = s
	return s, nil
}

func (l *ringLoop) Run() error {
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

func (l *ringLoop) eventLoop() error {
	for {
		l.flushBacklog()
		if err := l.ring.Enter(1); err != nil {
			if err == unix.EINTR {
				continue
			}
			l.opts.Logger.Errorf("error occurs in io_uring: %v", os.NewSyscallError("io_uring_enter", err))
			return os.NewSyscallError("io_uring_enter", err)
		}
		for {
			cqe, ok := l.ring.PeekCQE()
			if !ok {
				break
			}
			op := l.ops[cqe.UserData]
			if op == nil {
				continue
			}
			if op.kind != ringOpWake {
				delete(l.ops, cqe.UserData)
			}
			if err := l.complete(op, cqe.Res); err != nil {
				return err
			}
		}
	}
}

// complete dispatches one reaped completion. A negative result is the negated
// errno of the failed operation.
func (l *ringLoop) complete(op *ringOp, res int32) error {
	switch op.kind {
	case ringOpWake:
		if err := l.runTasks(); err != nil {
			return err
		}
		l.submit(op) // re-arm the eventfd read for the next wake
	case ringOpCancel:
		// Result is 0, -ENOENT or -EALREADY; the target's own completion
		// carries the outcome that matters.
	case ringOpSend:
		op.sock.pendingSend = nil
		if res < 0 {
			op.sendHandler(sysOpErr("sendmsg", unix.Errno(-res)), 0)
		} else {
			op.sendHandler(nil, int(res))
		}
	case ringOpRecv:
		op.sock.pendingRecv = nil
		if res < 0 {
			op.recvHandler(sysOpErr("recvmsg", unix.Errno(-res)), 0, Endpoint{})
		} else {
			ap := socket.RawToAddrPort(&op.rsa)
			op.recvHandler(nil, int(res), Endpoint{Addr: ap.Addr(), Port: ap.Port()})
		}
	}
	return nil
}

func (l *ringLoop) runTasks() error {
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

// Eventfd counters are written in host byte order, per eventfd(2).
var (
	wakeVal   uint64 = 1
	wakeBytes        = (*(*[8]byte)(unsafe.Pointer(&wakeVal)))[:]
)

func (l *ringLoop) wakeup() {
	if atomic.CompareAndSwapInt32(&l.wakeSig, 0, 1) {
		var err error
		for _, err = unix.Write(l.wakeFd, wakeBytes); err == unix.EINTR || err == unix.EAGAIN; _, err = unix.Write(l.wakeFd, wakeBytes) {
		}
	}
}

func (l *ringLoop) trigger(fn queue.TaskFunc) error {
	if atomic.LoadInt32(&l.state) == loopClosed {
		return errorx.ErrLoopClosed
	}
	task := queue.GetTask()
	task.Run = fn
	l.tasks.Enqueue(task)
	l.wakeup()
	return nil
}

func (l *ringLoop) Stop() {
	if atomic.LoadInt32(&l.state) == loopClosed {
		return
	}
	err := l.trigger(func() error { return errorx.ErrLoopShutdown })
	if err != nil {
		l.opts.Logger.Errorf("failed to deliver stop to the ring loop: %v", err)
	}
}

func (l *ringLoop) Post(fn func()) error {
	return l.trigger(func() error {
		fn()
		return nil
	})
}

func (l *ringLoop) Close() error {
	if atomic.LoadInt32(&l.state) == loopRunning {
		return errorx.ErrLoopAlreadyRunning
	}
	if !atomic.CompareAndSwapInt32(&l.state, loopCreated, loopClosed) &&
		!atomic.CompareAndSwapInt32(&l.state, loopStopped, loopClosed) {
		return nil
	}
	// No completions will be reaped anymore; retire every in-flight record
	// through its handler before tearing the ring down.
	for tok, op := range l.ops {
		delete(l.ops, tok)
		switch op.kind {
		case ringOpSend:
			op.sock.pendingSend = nil
			op.sendHandler(errorx.New(errorx.Cancelled, "sendmsg", errorx.ErrOperationCancelled), 0)
		case ringOpRecv:
			op.sock.pendingRecv = nil
			op.recvHandler(errorx.New(errorx.Cancelled, "recvmsg", errorx.ErrOperationCancelled), 0, Endpoint{})
		}
	}
	for fd, s := range l.sockets {
		delete(l.sockets, fd)
		s.closed = true
		_ = unix.Close(fd)
	}
	_ = unix.Close(l.wakeFd)
	return l.ring.Close()
}

// pendingOps reports how many send/receive records are still in flight.
func (l *ringLoop) pendingOps() (n int) {
	for _, op := range l.ops {
		if op.kind == ringOpSend || op.kind == ringOpRecv {
			n++
		}
	}
	return
}

// ringSocket holds at most one in-flight operation per direction.
type ringSocket struct {
	loop        *ringLoop
	fd          int
	closed      bool
	pendingSend *ringOp
	pendingRecv *ringOp
}

func (s *ringSocket) Bind(ep Endpoint) error {
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

func (s *ringSocket) LocalEndpoint() (Endpoint, error) {
	if s.closed {
		return Endpoint{}, errorx.ErrSocketClosed
	}
	ap, err := socket.LocalAddrPort(s.fd)
	if err != nil {
		return Endpoint{}, sysOpErr("getsockname", err)
	}
	return Endpoint{Addr: ap.Addr(), Port: ap.Port()}, nil
}

// AsyncSendTo submits a sendmsg to the ring; the handler fires when its
// completion is reaped.
func (s *ringSocket) AsyncSendTo(p []byte, to Endpoint, h SendHandler) {
	if s.closed {
		h(errorx.New(errorx.Cancelled, "sendmsg", errorx.ErrSocketClosed), 0)
		return
	}
	if s.pendingSend != nil {
		h(errorx.New(errorx.ResourceExhausted, "sendmsg", errorx.ErrAlreadyPending), 0)
		return
	}
	rsa, err := socket.AddrPortToRaw(netip.AddrPortFrom(to.Addr, to.Port))
	if err != nil {
		h(errorx.New(errorx.InvalidAddress, "sendmsg", errorx.ErrInvalidEndpoint), 0)
		return
	}
	op := &ringOp{tok: s.loop.token(), kind: ringOpSend, fd: s.fd, sock: s, sendHandler: h, buf: p}
	*(*unix.RawSockaddrInet4)(unsafe.Pointer(&op.rsa)) = rsa
	op.prepMsghdr(unix.SizeofSockaddrInet4)
	s.pendingSend = op
	s.loop.ops[op.tok] = op
	s.loop.submit(op)
}

// AsyncRecvFrom submits a recvmsg to the ring; the handler fires when its
// completion is reaped.
func (s *ringSocket) AsyncRecvFrom(p []byte, h RecvHandler) {
	if s.closed {
		h(errorx.New(errorx.Cancelled, "recvmsg", errorx.ErrSocketClosed), 0, Endpoint{})
		return
	}
	if s.pendingRecv != nil {
		h(errorx.New(errorx.ResourceExhausted, "recvmsg", errorx.ErrAlreadyPending), 0, Endpoint{})
		return
	}
	op := &ringOp{tok: s.loop.token(), kind: ringOpRecv, fd: s.fd, sock: s, recvHandler: h, buf: p}
	op.prepMsghdr(uint32(unsafe.Sizeof(op.rsa)))
	s.pendingRecv = op
	s.loop.ops[op.tok] = op
	s.loop.submit(op)
}

// Close cancels the in-flight operations and releases the descriptor. While
// the loop runs, cancellation goes through the ring so each handler fires from
// its own ECANCELED completion; otherwise the handlers fire here. Closing
// twice is a no-op.
func (s *ringSocket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.loop.sockets, s.fd)
	if atomic.LoadInt32(&s.loop.state) == loopRunning {
		if op := s.pendingSend; op != nil {
			s.loop.cancelOp(op)
		}
		if op := s.pendingRecv; op != nil {
			s.loop.cancelOp(op)
		}
	} else {
		if op := s.pendingSend; op != nil {
			s.pendingSend = nil
			delete(s.loop.ops, op.tok)
			op.sendHandler(errorx.New(errorx.Cancelled, "sendmsg", errorx.ErrOperationCancelled), 0)
		}
		if op := s.pendingRecv; op != nil {
			s.pendingRecv = nil
			delete(s.loop.ops, op.tok)
			op.recvHandler(errorx.New(errorx.Cancelled, "recvmsg", errorx.ErrOperationCancelled), 0, Endpoint{})
		}
	}
	return wrapSysErr("close", unix.Close(s.fd))
}

// cancelOp asks the kernel to abort the in-flight operation carrying the
// target token. In-flight requests hold a reference to the descriptor, so
// closing the fd alone would leave them running.
func (l *ringLoop) cancelOp(op *ringOp) {
	cop := &ringOp{tok: l.token(), kind: ringOpCancel, target: op.tok}
	l.ops[cop.tok] = cop
	l.submit(cop)
}
