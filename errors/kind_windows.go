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

package errors

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// classify maps a Winsock or NT error code into the portable taxonomy.
// WSAECONNRESET on a UDP socket is the ICMP port-unreachable echo of a
// previous send.
func classify(code syscall.Errno) Kind {
	switch code {
	case windows.WSAEWOULDBLOCK:
		return WouldBlock
	case windows.WSAEADDRINUSE:
		return AddressInUse
	case windows.WSAEACCES:
		return PermissionDenied
	case windows.WSAEINVAL, windows.WSAEADDRNOTAVAIL, windows.WSAEAFNOSUPPORT, windows.WSAEFAULT, windows.WSAEDESTADDRREQ:
		return InvalidAddress
	case windows.WSAECONNRESET, windows.WSAECONNREFUSED, windows.WSAENETRESET:
		return ConnectionReset
	case windows.ERROR_OPERATION_ABORTED, windows.WSAENOTSOCK, windows.WSAEINTR:
		return Cancelled
	case windows.WSAENOBUFS, windows.WSAEMFILE:
		return ResourceExhausted
	default:
		return Unknown
	}
}
