// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/rproxyd/backend"
)

func TestSemaphoreTryAcquireRespectsCapacity(t *testing.T) {
	s := NewSemaphore(2)
	assert.True(t, s.TryAcquire())
	assert.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())
	assert.Equal(t, 2, s.InUse())

	s.Release()
	assert.True(t, s.TryAcquire())
}

func TestSemaphoreUnboundedWhenZeroCapacity(t *testing.T) {
	s := NewSemaphore(0)
	for i := 0; i < 100; i++ {
		assert.True(t, s.TryAcquire())
	}
	assert.Equal(t, 0, s.Capacity())
}

func TestSemaphoreAcquireBlocksUntilContextCancel(t *testing.T) {
	s := NewSemaphore(1)
	require.True(t, s.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGatesUpstreamIsolatedPerBackend(t *testing.T) {
	g := NewGates(0, 1)
	b1 := backend.Backend{Host: "10.0.0.1", Port: 80}
	b2 := backend.Backend{Host: "10.0.0.2", Port: 80}

	require.True(t, g.Upstream(b1).TryAcquire())
	assert.False(t, g.Upstream(b1).TryAcquire())
	assert.True(t, g.Upstream(b2).TryAcquire())
}

func TestGatesSnapshot(t *testing.T) {
	g := NewGates(0, 2)
	b := backend.Backend{Host: "10.0.0.1", Port: 80}
	require.True(t, g.Upstream(b).TryAcquire())

	snap := g.Snapshot()
	assert.Equal(t, 1, snap[b])
}
