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

import "github.com/panjf2000/asyncudp/logging"

// Option is a functional option for loop construction.
type Option func(opts *Options)

// Options are the configuration knobs of an event loop.
type Options struct {
	// Logger receives the loop's diagnostics. Defaults to the package-level
	// logger from asyncudp/logging.
	Logger logging.Logger

	// PollEventsCap is the initial capacity of the readiness backend's
	// event list. It grows and shrinks with load.
	PollEventsCap int

	// RingEntries is the submission-queue depth of the io_uring backend.
	RingEntries uint32
}

func loadOptions(options ...Option) *Options {
	opts := new(Options)
	for _, option := range options {
		option(opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	if opts.PollEventsCap <= 0 {
		opts.PollEventsCap = 128
	}
	if opts.RingEntries == 0 {
		opts.RingEntries = 256
	}
	return opts
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithPollEventsCap sets the initial event-list capacity of the readiness
// backend.
func WithPollEventsCap(capacity int) Option {
	return func(opts *Options) {
		opts.PollEventsCap = capacity
	}
}

// WithRingEntries sets the submission-queue depth of the io_uring backend.
func WithRingEntries(entries uint32) Option {
	return func(opts *Options) {
		opts.RingEntries = entries
	}
}
