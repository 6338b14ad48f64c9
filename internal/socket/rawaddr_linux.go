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

package socket

import (
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The io_uring backend hands sockaddr storage straight to the kernel inside
// a msghdr, so it needs the raw wire layout rather than the unix.Sockaddr
// interface values.

// AddrPortToRaw encodes an IPv4 address and port into the raw sockaddr_in
// layout. Port bytes are stored in network order.
func AddrPortToRaw(ap netip.AddrPort) (unix.RawSockaddrInet4, error) {
	addr := ap.Addr().Unmap()
	if !addr.Is4() {
		return unix.RawSockaddrInet4{}, unix.EAFNOSUPPORT
	}
	rsa := unix.RawSockaddrInet4{Family: unix.AF_INET, Addr: addr.As4()}
	p := ap.Port()
	rsa.Port = p<<8 | p>>8
	return rsa, nil
}

// RawToAddrPort decodes the sockaddr the kernel wrote into a recvmsg name
// buffer. It returns the zero AddrPort for unexpected address families.
func RawToAddrPort(rsa *unix.RawSockaddrAny) netip.AddrPort {
	if rsa.Addr.Family != unix.AF_INET {
		return netip.AddrPort{}
	}
	rsa4 := (*unix.RawSockaddrInet4)(unsafe.Pointer(rsa))
	p := rsa4.Port
	return netip.AddrPortFrom(netip.AddrFrom4(rsa4.Addr), p<<8|p>>8)
}
