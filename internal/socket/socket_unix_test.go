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

package socket

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAddrPortSockaddrRoundTrip(t *testing.T) {
	ap := netip.MustParseAddrPort("10.20.30.40:5678")
	sa, err := AddrPortToSockaddr(ap)
	require.NoError(t, err)
	sa4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	assert.Equal(t, [4]byte{10, 20, 30, 40}, sa4.Addr)
	assert.Equal(t, 5678, sa4.Port)
	assert.Equal(t, ap, SockaddrToAddrPort(sa))
}

func TestAddrPortToSockaddrRejectsIPv6(t *testing.T) {
	_, err := AddrPortToSockaddr(netip.MustParseAddrPort("[::1]:80"))
	assert.ErrorIs(t, err, unix.EAFNOSUPPORT)
}

func TestAddrPortToSockaddrUnmapsV4InV6(t *testing.T) {
	sa, err := AddrPortToSockaddr(netip.MustParseAddrPort("[::ffff:127.0.0.1]:9000"))
	require.NoError(t, err)
	sa4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	assert.Equal(t, [4]byte{127, 0, 0, 1}, sa4.Addr)
}

func TestUDPSocketBindAndResolve(t *testing.T) {
	fd, err := UDPSocket(true)
	require.NoError(t, err)
	defer unix.Close(fd) //nolint:errcheck

	require.NoError(t, Bind(fd, netip.MustParseAddrPort("127.0.0.1:0")))
	ap, err := LocalAddrPort(fd)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), ap.Addr())
	assert.NotZero(t, ap.Port())
}
