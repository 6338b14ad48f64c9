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

package asyncudp

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndpointIsValid(t *testing.T) {
	assert.False(t, Endpoint{}.IsValid())
	assert.False(t, Endpoint{Addr: netip.MustParseAddr("::1"), Port: 80}.IsValid())
	assert.True(t, Endpoint{Addr: netip.MustParseAddr("127.0.0.1"), Port: 80}.IsValid())
	assert.True(t, Endpoint{Addr: netip.MustParseAddr("0.0.0.0")}.IsValid())
	assert.True(t, Endpoint{Addr: netip.MustParseAddr("::ffff:10.0.0.1"), Port: 9}.IsValid())
}

func TestEndpointEquality(t *testing.T) {
	a := Endpoint{Addr: netip.MustParseAddr("10.1.2.3"), Port: 4242}
	b := Endpoint{Addr: netip.MustParseAddr("10.1.2.3"), Port: 4242}
	c := Endpoint{Addr: netip.MustParseAddr("10.1.2.3"), Port: 4243}
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	// Endpoints are comparable values, usable as map keys.
	seen := map[Endpoint]int{a: 1}
	seen[b]++
	assert.Equal(t, 2, seen[a])
}

func TestEndpointString(t *testing.T) {
	ep := Endpoint{Addr: netip.MustParseAddr("192.168.0.7"), Port: 5353}
	assert.Equal(t, "192.168.0.7:5353", ep.String())
}
