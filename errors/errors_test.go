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

package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorWrapsSentinel(t *testing.T) {
	err := New(Cancelled, "recvfrom", ErrOperationCancelled)
	assert.ErrorIs(t, err, ErrOperationCancelled)
	assert.Equal(t, Cancelled, KindOf(err))
	assert.Contains(t, err.Error(), "recvfrom")
	assert.Contains(t, err.Error(), "cancelled")
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("somebody else's error")))
	assert.Equal(t, Unknown, KindOf(nil))
}

func TestKindOfWrappedDeep(t *testing.T) {
	inner := New(AddressInUse, "bind", ErrInvalidEndpoint)
	outer := fmt.Errorf("opening listener: %w", inner)
	assert.Equal(t, AddressInUse, KindOf(outer))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "would block", WouldBlock.String())
	assert.Equal(t, "resource exhausted", ResourceExhausted.String())
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, "unknown", Kind(937).String())
}
