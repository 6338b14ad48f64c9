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

package queue

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockFreeQueueSequential(t *testing.T) {
	q := NewLockFreeQueue()
	require.True(t, q.IsEmpty())
	require.Nil(t, q.Dequeue())

	for i := 0; i < 100; i++ {
		task := GetTask()
		task.Run = func() error { return nil }
		q.Enqueue(task)
	}
	assert.False(t, q.IsEmpty())

	var n int
	for task := q.Dequeue(); task != nil; task = q.Dequeue() {
		n++
		PutTask(task)
	}
	assert.Equal(t, 100, n)
	assert.True(t, q.IsEmpty())
}

func TestLockFreeQueueConcurrent(t *testing.T) {
	const (
		producers = 8
		perWorker = 1000
	)
	q := NewLockFreeQueue()

	var produced, consumed int64
	var wg sync.WaitGroup
	wg.Add(producers)
	for i := 0; i < producers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				task := GetTask()
				task.Run = func() error { return nil }
				q.Enqueue(task)
				atomic.AddInt64(&produced, 1)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for atomic.LoadInt64(&consumed) < producers*perWorker {
			if task := q.Dequeue(); task != nil {
				atomic.AddInt64(&consumed, 1)
				PutTask(task)
			}
		}
	}()

	wg.Wait()
	<-done
	assert.EqualValues(t, producers*perWorker, atomic.LoadInt64(&produced))
	assert.EqualValues(t, producers*perWorker, atomic.LoadInt64(&consumed))
	assert.True(t, q.IsEmpty())
}
