// Copyright 2025 The clatd authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package serrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xlat464/clatd/pkg/private/serrors"
)

func TestWrapPreservesCause(t *testing.T) {
	sentinel := serrors.New("sentinel")
	err := serrors.Wrap("operation failed", sentinel, "fd", 3)
	assert.True(t, errors.Is(err, sentinel))
	assert.Contains(t, err.Error(), "operation failed")
	assert.Contains(t, err.Error(), "fd=3")
	assert.Contains(t, err.Error(), "sentinel")
}

func TestJoin(t *testing.T) {
	sentinel := serrors.New("sentinel")
	cause := errors.New("cause")
	err := serrors.Join(sentinel, cause, "k", "v")
	assert.True(t, errors.Is(err, sentinel))
	assert.True(t, errors.Is(err, cause))

	assert.NoError(t, serrors.Join(nil, nil))
}

func TestContextSorted(t *testing.T) {
	err := serrors.New("msg", "b", 2, "a", 1)
	assert.Equal(t, "msg {a=1; b=2}", err.Error())
}
