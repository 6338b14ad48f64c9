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

func newDefaultLoop(opts *Options) (Loop, error) {
	return newPollLoop(opts)
}

// NewRingLoop creates an event loop backed by io_uring instead of the
// platform-default epoll. It fails on kernels without io_uring support.
func NewRingLoop(opts ...Option) (Loop, error) {
	return newRingLoop(loadOptions(opts...))
}
