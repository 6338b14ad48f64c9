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

// Package asyncudp provides an asynchronous UDP socket abstraction that runs
// unmodified over three different operating-system I/O facilities:
//
//   - a readiness-notification backend driven by epoll on Linux and kqueue on
//     *BSD/Darwin, where the kernel only reports that a non-blocking syscall
//     is now likely to succeed;
//   - a submission/completion-ring backend driven by io_uring on Linux, where
//     the application enqueues work descriptors and the kernel reports results
//     through a separate completion queue;
//   - a kernel-completion backend driven by IOCP on Windows, where the kernel
//     performs the operation itself and later posts the result.
//
// NewLoop returns the backend matching the host OS; NewRingLoop (Linux only)
// selects io_uring explicitly. All backends implement the same Socket and
// Loop contracts, so calling code is backend-agnostic.
//
// # Concurrency model
//
// A Loop is a single-threaded cooperative scheduler: exactly one goroutine
// calls Run and that same goroutine executes every completion handler.
// Handlers must not block, since doing so stalls every outstanding operation
// on that loop. Multiple loops may run concurrently on separate goroutines,
// each owning disjoint sockets; nothing is shared between loops. The only
// methods that are safe to call from other goroutines are Stop and Post,
// which use the backend's OS-safe wake primitive.
//
// # Buffer lifetime
//
// AsyncSendTo and AsyncRecvFrom borrow the caller's byte slice and hold it
// until the completion handler has run. The caller must keep the backing
// array alive and untouched for that whole window; reusing it earlier is a
// data race with the kernel.
package asyncudp

import (
	"net/netip"
	"syscall"

	errorx "github.com/panjf2000/asyncudp/errors"
)

// Endpoint identifies a UDP peer as an IPv4 address and port. It is a plain
// comparable value: copying it carries no ownership and two endpoints are
// equal exactly when their address and port are equal.
//
// IPv4-mapped IPv6 addresses (::ffff:a.b.c.d) are accepted and treated as
// their IPv4 form.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// IsValid reports whether the endpoint carries a usable address.
func (e Endpoint) IsValid() bool {
	return e.Addr.IsValid() && (e.Addr.Is4() || e.Addr.Is4In6())
}

func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr.Unmap(), e.Port).String()
}

// SendHandler is the single-shot completion callback of AsyncSendTo.
// It receives the number of bytes handed to the OS, or a non-nil error.
type SendHandler func(err error, n int)

// RecvHandler is the single-shot completion callback of AsyncRecvFrom.
// On success it receives the datagram length after truncation to the buffer's
// capacity and the sender's endpoint.
type RecvHandler func(err error, n int, from Endpoint)

// Socket is an asynchronous UDP socket bound to one event loop. Its methods
// must be called from the goroutine that runs the owning loop (or before the
// loop is started).
//
// At most one send and one receive may be in flight per socket; a second
// call in the same direction is rejected through its handler with
// errors.ErrAlreadyPending. The core provides no per-operation timeout:
// expiry, if desired, is layered by the caller closing the socket or
// abandoning the exchange.
type Socket interface {
	// Bind binds the socket to a local endpoint. It must precede any
	// receive. Failures surface as AddressInUse, PermissionDenied or
	// InvalidAddress error kinds.
	Bind(ep Endpoint) error

	// AsyncSendTo initiates a send of p to the given endpoint. The handler
	// runs exactly once, either synchronously before AsyncSendTo returns
	// (immediate completion) or later from the loop's dispatch step.
	AsyncSendTo(p []byte, to Endpoint, h SendHandler)

	// AsyncRecvFrom initiates a receive into p. The handler runs exactly
	// once. A datagram larger than p is truncated to len(p) and the excess
	// is discarded; truncation is not an error.
	AsyncRecvFrom(p []byte, h RecvHandler)

	// LocalEndpoint resolves the locally bound address, which is how a
	// caller that bound port 0 discovers its ephemeral port.
	LocalEndpoint() (Endpoint, error)

	// Close releases the descriptor. Operations already registered with
	// the OS still complete through their handlers with a Cancelled error
	// before their records are dropped. Closing twice is a no-op.
	Close() error
}

// Loop owns one OS-level completion queue or poll descriptor and drives the
// sockets opened through it.
type Loop interface {
	// OpenSocket creates a UDP socket attached to this loop.
	OpenSocket() (Socket, error)

	// Run blocks, dispatching completions to their handlers, until Stop is
	// observed or the wait syscall fails unrecoverably. It does not return
	// merely because no operations are pending; handlers are expected to
	// re-arm themselves.
	Run() error

	// Stop makes Run return. It is safe to call from a handler running on
	// the loop goroutine and from any other goroutine; either way it wakes
	// a blocked Run.
	Stop()

	// Post schedules fn to run on the loop goroutine before its next wait.
	// It is safe to call from any goroutine.
	Post(fn func()) error

	// Close cancels whatever is still pending, delivering Cancelled to the
	// affected handlers, and releases the loop's OS resources. The loop
	// must not be running.
	Close() error
}

// Loop lifecycle states.
const (
	loopCreated int32 = iota
	loopRunning
	loopStopped
	loopClosed
)

// NewLoop creates an event loop backed by the platform-default I/O facility:
// epoll on Linux, kqueue on *BSD/Darwin, IOCP on Windows.
func NewLoop(opts ...Option) (Loop, error) {
	return newDefaultLoop(loadOptions(opts...))
}

// sysOpErr classifies a syscall failure into the portable taxonomy.
func sysOpErr(op string, err error) error {
	if errno, ok := err.(syscall.Errno); ok {
		return errorx.FromCode(op, errno)
	}
	return errorx.New(errorx.Unknown, op, err)
}

// wrapSysErr is sysOpErr for paths that may legitimately see a nil error.
func wrapSysErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return sysOpErr(op, err)
}
