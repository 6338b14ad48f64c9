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

package asyncudp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/panjf2000/asyncudp/errors"
)

func newRingLoopOrSkip(t *testing.T) Loop {
	t.Helper()
	l, err := NewRingLoop()
	if err != nil {
		t.Skipf("io_uring unavailable on this kernel: %v", err)
	}
	return l
}

func TestRingEchoRoundTrip(t *testing.T) {
	l := newRingLoopOrSkip(t)
	defer l.Close() //nolint:errcheck

	receiver, recvEP := boundSocket(t, l)
	sender, sendEP := boundSocket(t, l)

	recvCh := make(chan recvResult, 1)
	buf := make([]byte, 64)
	receiver.AsyncRecvFrom(buf, func(err error, n int, from Endpoint) {
		recvCh <- recvResult{err, n, from}
	})

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	sendCh := make(chan sendResult, 1)
	require.NoError(t, l.Post(func() {
		sender.AsyncSendTo([]byte("ring"), recvEP, func(err error, n int) {
			sendCh <- sendResult{err, n}
		})
	}))

	sr := waitSend(t, sendCh)
	require.NoError(t, sr.err)
	assert.Equal(t, 4, sr.n)

	rr := waitRecv(t, recvCh)
	require.NoError(t, rr.err)
	assert.Equal(t, "ring", string(buf[:rr.n]))
	assert.Equal(t, sendEP, rr.from)

	l.Stop()
	require.NoError(t, <-done)
}

func TestRingSubmissionBacklog(t *testing.T) {
	l := newRingLoopOrSkip(t)
	rl := l.(*ringLoop)
	defer l.Close() //nolint:errcheck

	// Exhaust the submission queue without entering the kernel; the overflow
	// must park in the backlog and survive until slots free up.
	filled := 0
	for {
		sqe, ok := rl.ring.NextSQE()
		if !ok {
			break
		}
		sqe.PrepNop(rl.token())
		filled++
	}
	require.NotZero(t, filled)

	s, _ := boundSocket(t, l)
	recvCh := make(chan recvResult, 1)
	s.AsyncRecvFrom(make([]byte, 8), func(err error, n int, from Endpoint) {
		recvCh <- recvResult{err, n, from}
	})
	assert.NotZero(t, rl.backlog.Length())

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	// Once the nops drain, the backlogged receive reaches the kernel; it is
	// still pending, so closing the socket must cancel it.
	require.NoError(t, l.Post(func() {
		assert.NoError(t, s.Close())
	}))

	rr := waitRecv(t, recvCh)
	require.Error(t, rr.err)

	l.Stop()
	require.NoError(t, <-done)

	select {
	case rr = <-recvCh:
		require.FailNow(t, "receive handler fired more than once", "second result: %+v", rr)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRingSecondPendingSendRejected(t *testing.T) {
	l := newRingLoopOrSkip(t)

	s, _ := boundSocket(t, l)
	dst := Endpoint{Addr: loopback, Port: 9}

	// Nothing enters the kernel before Run, so the first send stays in
	// flight and the second must bounce.
	first := make(chan sendResult, 1)
	s.AsyncSendTo([]byte("one"), dst, func(err error, n int) {
		first <- sendResult{err, n}
	})

	var rejected error
	s.AsyncSendTo([]byte("two"), dst, func(err error, _ int) {
		rejected = err
	})
	require.Error(t, rejected)
	assert.Equal(t, errorx.ResourceExhausted, errorx.KindOf(rejected))
	assert.ErrorIs(t, rejected, errorx.ErrAlreadyPending)

	require.NoError(t, l.Close())
	sr := waitSend(t, first)
	assert.Equal(t, errorx.Cancelled, errorx.KindOf(sr.err))
}
