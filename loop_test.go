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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/panjf2000/asyncudp/errors"
)

var loopback = netip.MustParseAddr("127.0.0.1")

type recvResult struct {
	err  error
	n    int
	from Endpoint
}

type sendResult struct {
	err error
	n   int
}

func waitRecv(t *testing.T, ch <-chan recvResult) recvResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for a receive completion")
	}
	return recvResult{}
}

func waitSend(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for a send completion")
	}
	return sendResult{}
}

// opCounter is implemented by every backend for white-box assertions on the
// operation table.
type opCounter interface {
	pendingOps() int
}

func boundSocket(t *testing.T, l Loop) (Socket, Endpoint) {
	t.Helper()
	s, err := l.OpenSocket()
	require.NoError(t, err)
	require.NoError(t, s.Bind(Endpoint{Addr: loopback}))
	ep, err := s.LocalEndpoint()
	require.NoError(t, err)
	assert.Equal(t, loopback, ep.Addr)
	assert.NotZero(t, ep.Port)
	return s, ep
}

func TestEchoRoundTrip(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
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
		sender.AsyncSendTo([]byte("hello"), recvEP, func(err error, n int) {
			sendCh <- sendResult{err, n}
		})
	}))

	sr := waitSend(t, sendCh)
	require.NoError(t, sr.err)
	assert.Equal(t, 5, sr.n)

	rr := waitRecv(t, recvCh)
	require.NoError(t, rr.err)
	assert.Equal(t, 5, rr.n)
	assert.Equal(t, "hello", string(buf[:rr.n]))
	assert.Equal(t, sendEP, rr.from)

	l.Stop()
	require.NoError(t, <-done)
}

func TestRecvTruncatesOversizedDatagram(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	defer l.Close() //nolint:errcheck

	receiver, recvEP := boundSocket(t, l)
	sender, _ := boundSocket(t, l)

	recvCh := make(chan recvResult, 1)
	buf := make([]byte, 3)
	receiver.AsyncRecvFrom(buf, func(err error, n int, from Endpoint) {
		recvCh <- recvResult{err, n, from}
	})

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	require.NoError(t, l.Post(func() {
		sender.AsyncSendTo([]byte("hello"), recvEP, func(err error, _ int) {
			require.NoError(t, err)
		})
	}))

	rr := waitRecv(t, recvCh)
	require.NoError(t, rr.err)
	assert.Equal(t, 3, rr.n)
	assert.Equal(t, "hel", string(buf[:rr.n]))

	l.Stop()
	require.NoError(t, <-done)
}

func TestCloseCancelsPendingReceive(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	defer l.Close() //nolint:errcheck

	s, _ := boundSocket(t, l)

	recvCh := make(chan recvResult, 2)
	s.AsyncRecvFrom(make([]byte, 16), func(err error, n int, from Endpoint) {
		recvCh <- recvResult{err, n, from}
	})

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	require.NoError(t, l.Post(func() {
		assert.NoError(t, s.Close())
	}))

	rr := waitRecv(t, recvCh)
	require.Error(t, rr.err)
	assert.Equal(t, errorx.Cancelled, errorx.KindOf(rr.err))

	// The record must be destroyed once the handler has fired.
	pending := make(chan int, 1)
	require.NoError(t, l.Post(func() {
		pending <- l.(opCounter).pendingOps()
	}))
	assert.Zero(t, <-pending)

	select {
	case rr = <-recvCh:
		require.FailNow(t, "receive handler fired more than once", "second result: %+v", rr)
	case <-time.After(100 * time.Millisecond):
	}

	l.Stop()
	require.NoError(t, <-done)
}

func TestSecondPendingOperationRejected(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	s, _ := boundSocket(t, l)

	first := make(chan recvResult, 1)
	s.AsyncRecvFrom(make([]byte, 16), func(err error, n int, from Endpoint) {
		first <- recvResult{err, n, from}
	})

	var rejected error
	s.AsyncRecvFrom(make([]byte, 16), func(err error, _ int, _ Endpoint) {
		rejected = err
	})
	require.Error(t, rejected)
	assert.Equal(t, errorx.ResourceExhausted, errorx.KindOf(rejected))
	assert.ErrorIs(t, rejected, errorx.ErrAlreadyPending)

	// Tearing the loop down retires the first operation through its handler.
	require.NoError(t, l.Close())
	rr := waitRecv(t, first)
	assert.Equal(t, errorx.Cancelled, errorx.KindOf(rr.err))
}

func TestSendToInvalidEndpoint(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	s, _ := boundSocket(t, l)

	var sendErr error
	s.AsyncSendTo([]byte("x"), Endpoint{}, func(err error, _ int) {
		sendErr = err
	})
	require.Error(t, sendErr)
	assert.Equal(t, errorx.InvalidAddress, errorx.KindOf(sendErr))
	assert.ErrorIs(t, sendErr, errorx.ErrInvalidEndpoint)

	require.NoError(t, s.Close())
	require.NoError(t, l.Close())
}

func TestSequentialSendsDeliverEveryDatagram(t *testing.T) {
	const rounds = 8

	l, err := NewLoop()
	require.NoError(t, err)
	defer l.Close() //nolint:errcheck

	receiver, recvEP := boundSocket(t, l)
	sender, _ := boundSocket(t, l)

	payloads := make(chan string, rounds)
	buf := make([]byte, 16)
	var rearm func(err error, n int, from Endpoint)
	rearm = func(err error, n int, _ Endpoint) {
		if err != nil {
			return
		}
		payloads <- string(buf[:n])
		receiver.AsyncRecvFrom(buf, rearm)
	}
	receiver.AsyncRecvFrom(buf, rearm)

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	// Each send is issued from the previous one's completion handler.
	var sendNext func(i int)
	sendNext = func(i int) {
		if i == rounds {
			return
		}
		sender.AsyncSendTo([]byte{'a' + byte(i)}, recvEP, func(err error, _ int) {
			assert.NoError(t, err)
			sendNext(i + 1)
		})
	}
	require.NoError(t, l.Post(func() { sendNext(0) }))

	for i := 0; i < rounds; i++ {
		select {
		case p := <-payloads:
			assert.Equal(t, string(rune('a'+i)), p)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "datagram never arrived", "round %d", i)
		}
	}

	l.Stop()
	require.NoError(t, <-done)
}

func TestPostRunsTasksInOrder(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	defer l.Close() //nolint:errcheck

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	const n = 100
	var order []int
	for i := 0; i < n; i++ {
		i := i
		require.NoError(t, l.Post(func() { order = append(order, i) }))
	}
	flushed := make(chan struct{})
	require.NoError(t, l.Post(func() { close(flushed) }))
	select {
	case <-flushed:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "posted tasks never ran")
	}

	require.Len(t, order, n)
	for i, v := range order {
		assert.Equal(t, i, v)
	}

	l.Stop()
	require.NoError(t, <-done)
}

func TestStopFromHandler(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	defer l.Close() //nolint:errcheck

	receiver, recvEP := boundSocket(t, l)
	sender, _ := boundSocket(t, l)

	receiver.AsyncRecvFrom(make([]byte, 16), func(err error, _ int, _ Endpoint) {
		if err == nil {
			l.Stop()
		}
	})

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	require.NoError(t, l.Post(func() {
		sender.AsyncSendTo([]byte("bye"), recvEP, func(error, int) {})
	}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "loop did not stop")
	}
}

func TestLoopLifecycle(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	started := make(chan struct{})
	require.NoError(t, l.Post(func() { close(started) }))
	<-started

	assert.ErrorIs(t, l.Run(), errorx.ErrLoopAlreadyRunning)
	assert.ErrorIs(t, l.Close(), errorx.ErrLoopAlreadyRunning)

	l.Stop()
	require.NoError(t, <-done)

	assert.ErrorIs(t, l.Run(), errorx.ErrLoopShutdown)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close()) // repeated close is a no-op

	_, err = l.OpenSocket()
	assert.ErrorIs(t, err, errorx.ErrLoopClosed)
	assert.ErrorIs(t, l.Post(func() {}), errorx.ErrLoopClosed)
}

func TestSocketDoubleClose(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	s, _ := boundSocket(t, l)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	var sendErr error
	s.AsyncSendTo([]byte("x"), Endpoint{Addr: loopback, Port: 1}, func(err error, _ int) {
		sendErr = err
	})
	assert.ErrorIs(t, sendErr, errorx.ErrSocketClosed)
	assert.Equal(t, errorx.Cancelled, errorx.KindOf(sendErr))

	require.NoError(t, l.Close())
}
