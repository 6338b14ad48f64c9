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

// Package socket creates UDP descriptors and converts between netip values
// and the kernel's sockaddr representations.
package socket

import (
	"net/netip"
	"sync"

	"golang.org/x/sys/windows"
)

var wsaOnce sync.Once

func startup() {
	wsaOnce.Do(func() {
		var d windows.WSAData
		_ = windows.WSAStartup(uint32(0x202), &d)
	})
}

// UDPSocket opens an IPv4 overlapped datagram socket, the mode IOCP requires.
func UDPSocket() (windows.Handle, error) {
	startup()
	return windows.WSASocket(windows.AF_INET, windows.SOCK_DGRAM, windows.IPPROTO_UDP,
		nil, 0, windows.WSA_FLAG_OVERLAPPED)
}

// Bind binds the socket to the given address and port.
func Bind(h windows.Handle, ap netip.AddrPort) error {
	sa, err := AddrPortToSockaddr(ap)
	if err != nil {
		return err
	}
	return windows.Bind(h, sa)
}

// LocalAddrPort resolves the locally bound address of the socket.
func LocalAddrPort(h windows.Handle) (netip.AddrPort, error) {
	sa, err := windows.Getsockname(h)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return SockaddrToAddrPort(sa), nil
}

// AddrPortToSockaddr converts an IPv4 (or IPv4-mapped IPv6) address and port
// to a Winsock sockaddr. An unspecified address becomes INADDR_ANY.
func AddrPortToSockaddr(ap netip.AddrPort) (windows.Sockaddr, error) {
	addr := ap.Addr().Unmap()
	if !addr.Is4() {
		return nil, windows.WSAEAFNOSUPPORT
	}
	return &windows.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
}

// SockaddrToAddrPort converts a Winsock sockaddr back to a netip value.
func SockaddrToAddrPort(sa windows.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *windows.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *windows.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr).Unmap()
		return netip.AddrPortFrom(addr, uint16(sa.Port))
	}
	return netip.AddrPort{}
}

// RawToAddrPort decodes the sockaddr WSARecvFrom wrote into its capture slot.
func RawToAddrPort(rsa *windows.RawSockaddrAny) netip.AddrPort {
	sa, err := rsa.Sockaddr()
	if err != nil {
		return netip.AddrPort{}
	}
	return SockaddrToAddrPort(sa)
}
