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

import "sync"

// TaskFunc is a function executed on the event-loop goroutine. Returning
// a non-nil error terminates the loop's dispatch with that error.
type TaskFunc func() error

// Task wraps a TaskFunc for pooling.
type Task struct {
	Run TaskFunc
}

var taskPool = sync.Pool{New: func() interface{} { return new(Task) }}

// GetTask gets a cached Task from pool.
func GetTask() *Task {
	return taskPool.Get().(*Task)
}

// PutTask puts the used Task back in pool.
func PutTask(task *Task) {
	task.Run = nil
	taskPool.Put(task)
}

// AsyncTaskQueue is a queue storing tasks posted to an event loop, possibly
// from other goroutines.
type AsyncTaskQueue interface {
	Enqueue(*Task)
	Dequeue() *Task
	IsEmpty() bool
}
