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

// Package socket creates UDP descriptors and converts between netip values
// and the kernel's sockaddr representations.
package socket

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

// UDPSocket opens an IPv4 datagram socket. The descriptor is close-on-exec;
// nonblock selects O_NONBLOCK, which the readiness backend requires and the
// ring backend must avoid.
func UDPSocket(nonblock bool) (fd int, err error) {
	if fd, err = unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0); err != nil {
		return
	}
	unix.CloseOnExec(fd)
	if err = unix.SetNonblock(fd, nonblock); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return
}

// Bind binds fd to the given address and port.
func Bind(fd int, ap netip.AddrPort) error {
	sa, err := AddrPortToSockaddr(ap)
	if err != nil {
		return err
	}
	return unix.Bind(fd, sa)
}

// LocalAddrPort resolves the locally bound address of fd.
func LocalAddrPort(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return SockaddrToAddrPort(sa), nil
}

// AddrPortToSockaddr converts an IPv4 (or IPv4-mapped IPv6) address and port
// to a kernel sockaddr. An unspecified address becomes INADDR_ANY.
func AddrPortToSockaddr(ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr().Unmap()
	if !addr.Is4() {
		return nil, unix.EAFNOSUPPORT
	}
	sa := &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	return sa, nil
}

// SockaddrToAddrPort converts a kernel sockaddr back to a netip value.
// It returns the zero AddrPort for address families this package never
// produces.
func SockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr).Unmap()
		return netip.AddrPortFrom(addr, uint16(sa.Port))
	}
	return netip.AddrPort{}
}
