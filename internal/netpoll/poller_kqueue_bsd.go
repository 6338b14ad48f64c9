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

//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package netpoll

import (
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/panjf2000/asyncudp/internal/queue"
	"github.com/panjf2000/asyncudp/logging"
)

// Poller monitors file descriptors through kqueue and runs tasks posted from
// other goroutines after being woken through EVFILT_USER.
type Poller struct {
	fd             int
	netpollWakeSig int32
	asyncTaskQueue queue.AsyncTaskQueue
}

// OpenPoller instantiates a poller.
func OpenPoller() (poller *Poller, err error) {
	poller = new(Poller)
	if poller.fd, err = unix.Kqueue(); err != nil {
		poller = nil
		err = os.NewSyscallError("kqueue", err)
		return
	}
	if _, err = unix.Kevent(poller.fd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil); err != nil {
		_ = poller.Close()
		poller = nil
		err = os.NewSyscallError("kevent add|clear", err)
		return
	}
	poller.asyncTaskQueue = queue.NewLockFreeQueue()
	return
}

// Close closes the poller.
func (p *Poller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

var note = []unix.Kevent_t{{
	Ident:  0,
	Filter: unix.EVFILT_USER,
	Fflags: unix.NOTE_TRIGGER,
}}

// Trigger enqueues a task and wakes up the poller blocked in Polling to run it.
func (p *Poller) Trigger(fn queue.TaskFunc) (err error) {
	task := queue.GetTask()
	task.Run = fn
	p.asyncTaskQueue.Enqueue(task)
	if atomic.CompareAndSwapInt32(&p.netpollWakeSig, 0, 1) {
		if _, err = unix.Kevent(p.fd, note, nil, nil); err == unix.EAGAIN {
			err = nil
		}
	}
	return os.NewSyscallError("kevent trigger", err)
}

// Polling blocks the current goroutine, dispatching readiness events to the
// callback, until the callback or a triggered task returns a non-nil error
// (returned verbatim) or the wait syscall fails hard.
func (p *Poller) Polling(initEventsCap int, callback func(fd int, readable, writable bool) error) error {
	el := newEventList(initEventsCap)
	var doChores bool

	for {
		n, err := unix.Kevent(p.fd, nil, el.events, nil)
		if n == 0 || (n < 0 && err == unix.EINTR) {
			runtime.Gosched()
			continue
		} else if err != nil {
			logging.Errorf("error occurs in kqueue: %v", os.NewSyscallError("kevent wait", err))
			return os.NewSyscallError("kevent wait", err)
		}

		for i := 0; i < n; i++ {
			ev := &el.events[i]
			if fd := int(ev.Ident); fd != 0 {
				// EV_ERROR and EV_EOF force a syscall attempt so the
				// pending operation surfaces the failure itself.
				abnormal := ev.Flags&(unix.EV_ERROR|unix.EV_EOF) != 0
				readable := ev.Filter == unix.EVFILT_READ || abnormal
				writable := ev.Filter == unix.EVFILT_WRITE || abnormal
				if err = callback(fd, readable, writable); err != nil {
					return err
				}
			} else { // poller is awakened to run tasks in the queue.
				doChores = true
			}
		}

		if doChores {
			doChores = false
			task := p.asyncTaskQueue.Dequeue()
			for ; task != nil; task = p.asyncTaskQueue.Dequeue() {
				err = task.Run()
				queue.PutTask(task)
				if err != nil {
					return err
				}
			}
			atomic.StoreInt32(&p.netpollWakeSig, 0)
			if !p.asyncTaskQueue.IsEmpty() && atomic.CompareAndSwapInt32(&p.netpollWakeSig, 0, 1) {
				if _, err = unix.Kevent(p.fd, note, nil, nil); err != nil && err != unix.EAGAIN {
					doChores = true
				}
			}
		}

		if n == el.size {
			el.expand()
		} else if n < el.size>>1 {
			el.shrink()
		}
	}
}

// Attach is a no-op under kqueue: interests are one-shot kevents added by Arm.
func (p *Poller) Attach(_ int) error { return nil }

// Arm adds a one-shot kevent for each requested direction. Arming with both
// directions false is a no-op; fired one-shot filters remove themselves.
func (p *Poller) Arm(fd int, readable, writable bool) error {
	evs := make([]unix.Kevent_t, 0, 2)
	if readable {
		evs = append(evs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ONESHOT})
	}
	if writable {
		evs = append(evs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ONESHOT})
	}
	if len(evs) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.fd, evs, nil, nil)
	return os.NewSyscallError("kevent add", err)
}

// Detach drops whatever interests fd still has armed. Missing filters are
// fine: a fired one-shot has already removed itself.
func (p *Poller) Detach(fd int) error {
	_, _ = unix.Kevent(p.fd, []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
	}, nil, nil)
	_, _ = unix.Kevent(p.fd, []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}, nil, nil)
	return nil
}
