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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadOptions(t *testing.T) {
	opts := loadOptions()
	assert.NotNil(t, opts.Logger)
	assert.Equal(t, 128, opts.PollEventsCap)
	assert.Equal(t, uint32(256), opts.RingEntries)

	opts = loadOptions(WithPollEventsCap(32), WithRingEntries(64))
	assert.Equal(t, 32, opts.PollEventsCap)
	assert.Equal(t, uint32(64), opts.RingEntries)
}
