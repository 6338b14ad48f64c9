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

//go:build !windows

package errors

import "syscall"

// classify maps an errno into the portable taxonomy. EAGAIN doubles as
// EWOULDBLOCK on every supported platform. A UDP socket reports an
// ICMP-derived reset as ECONNREFUSED on the next send or receive.
func classify(code syscall.Errno) Kind {
	switch code {
	case syscall.EAGAIN:
		return WouldBlock
	case syscall.EADDRINUSE:
		return AddressInUse
	case syscall.EACCES, syscall.EPERM:
		return PermissionDenied
	case syscall.EINVAL, syscall.EADDRNOTAVAIL, syscall.EAFNOSUPPORT, syscall.EDESTADDRREQ, syscall.EFAULT:
		return InvalidAddress
	case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ENETRESET:
		return ConnectionReset
	case syscall.ECANCELED, syscall.EBADF:
		return Cancelled
	case syscall.ENOBUFS, syscall.ENOMEM, syscall.EMFILE, syscall.ENFILE, syscall.EBUSY:
		return ResourceExhausted
	default:
		return Unknown
	}
}
