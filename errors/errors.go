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

// Package errors defines the error surface of asyncudp: sentinel values for
// contract violations and a Kind-carrying Error that pairs a portable
// classification with the OS-native code it was derived from.
package errors

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrLoopShutdown occurs when the event loop is going to be shutdown.
	ErrLoopShutdown = errors.New("event loop is going to be shutdown")
	// ErrLoopAlreadyRunning occurs when Run is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("event loop is already running")
	// ErrLoopClosed occurs when using a loop after Close.
	ErrLoopClosed = errors.New("event loop is closed")
	// ErrSocketClosed occurs when issuing an operation on a closed socket.
	ErrSocketClosed = errors.New("socket is closed")
	// ErrAlreadyPending occurs when a second send or a second receive is issued
	// on a socket while one of the same direction is still in flight.
	ErrAlreadyPending = errors.New("an operation of this direction is already in flight")
	// ErrOperationCancelled occurs when a pending operation is reaped by Close.
	ErrOperationCancelled = errors.New("operation cancelled by close")
	// ErrInvalidEndpoint occurs when an endpoint carries no usable IPv4 address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrUnsupportedPlatform occurs when running asyncudp on an unsupported platform.
	ErrUnsupportedPlatform = errors.New("unsupported platform in asyncudp")
)

// Kind is the portable classification of an operation failure.
type Kind int

const (
	// Unknown wraps any native code the mapping tables do not cover.
	Unknown Kind = iota
	// WouldBlock is internal to the readiness backend: it means "register
	// and wait" and is never delivered to a completion handler.
	WouldBlock
	// AddressInUse reports a bind conflict.
	AddressInUse
	// PermissionDenied reports an OS-level permission failure.
	PermissionDenied
	// InvalidAddress reports an unusable local or remote address.
	InvalidAddress
	// ConnectionReset reports an ICMP-derived reset on a previously
	// targeted send.
	ConnectionReset
	// Cancelled reports an operation whose socket was closed while it was
	// pending.
	Cancelled
	// ResourceExhausted reports an OS resource limit, or a rejected second
	// in-flight operation per direction.
	ResourceExhausted
)

func (k Kind) String() string {
	switch k {
	case WouldBlock:
		return "would block"
	case AddressInUse:
		return "address in use"
	case PermissionDenied:
		return "permission denied"
	case InvalidAddress:
		return "invalid address"
	case ConnectionReset:
		return "connection reset"
	case Cancelled:
		return "cancelled"
	case ResourceExhausted:
		return "resource exhausted"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with the operation name and the underlying OS-native
// error (or sentinel) it was derived from.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("asyncudp: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("asyncudp: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with an explicit Kind, for failures that do not
// originate in an OS code (cancellation, rejected second operation).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromCode classifies an OS-native code into an Error. The mapping table is
// platform-specific.
func FromCode(op string, code syscall.Errno) *Error {
	return &Error{Kind: classify(code), Op: op, Err: code}
}

// KindOf extracts the Kind from any error produced by this package, or
// Unknown if the error did not come from it.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
