// Copyright (c) 2023 The Unio Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package unio

import (
	"context"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/unio-io/unio/pkg/errors"
)

func newTestGroup(t *testing.T, size int, opts ...Option) *Group {
	t.Helper()
	g, err := NewGroup(size, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = g.Shutdown(context.Background())
	})
	return g
}

func TestGroupSizing(t *testing.T) {
	g := newTestGroup(t, 4)
	assert.Equal(t, 4, g.Len())

	seen := 0
	g.Iterate(func(i int, r *Reactor) bool {
		assert.Equal(t, seen, i)
		assert.NotNil(t, r)
		seen++
		return true
	})
	assert.Equal(t, 4, seen)

	auto := newTestGroup(t, 0)
	assert.Equal(t, runtime.NumCPU(), auto.Len())

	_, err := NewGroup(maxGroupSize + 1)
	assert.ErrorIs(t, err, errorx.ErrTooManyReactors)
}

func TestGroupRoundRobin(t *testing.T) {
	g := newTestGroup(t, 3)

	first := g.Next(nil)
	second := g.Next(nil)
	third := g.Next(nil)
	assert.NotSame(t, first, second)
	assert.NotSame(t, second, third)
	assert.NotSame(t, first, third)
	assert.Same(t, first, g.Next(nil), "rotation wraps around")
}

func TestGroupLeastInflight(t *testing.T) {
	g := newTestGroup(t, 2, WithLoadBalancing(LeastInflight))

	busy := g.Next(nil)
	for i := 0; i < 3; i++ {
		_, err := busy.Submit(NewTimeout(time.Hour))
		require.NoError(t, err)
	}
	idle := g.Next(nil)
	assert.NotSame(t, busy, idle, "submissions steer away from the loaded reactor")
}

func TestGroupSourceAddrHash(t *testing.T) {
	g := newTestGroup(t, 4, WithLoadBalancing(SourceAddrHash))

	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 7777}
	first := g.Next(addr)
	for i := 0; i < 8; i++ {
		assert.Same(t, first, g.Next(addr), "one peer sticks to one reactor")
	}
	assert.Same(t, g.Next(nil), g.Next(nil), "nil address has a stable fallback")
}

func TestGroupRunAndSubmit(t *testing.T) {
	g := newTestGroup(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- g.Run(ctx) }()

	for i := 0; i < 4; i++ {
		r := g.Next(nil)
		c, err := r.SubmitAndWait(context.Background(), NewNop())
		require.NoError(t, err)
		assert.NoError(t, c.Err)
	}

	cancel()
	err := <-runErr
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, g.Shutdown(context.Background()))
	_, err = g.Next(nil).Submit(NewNop())
	assert.ErrorIs(t, err, errorx.ErrReactorShutdown)
}

func TestGroupDoubleRun(t *testing.T) {
	g := newTestGroup(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- g.Run(ctx) }()

	// A completed round trip proves the first Run owns the group.
	c, err := g.Next(nil).SubmitAndWait(context.Background(), NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Err)

	assert.ErrorIs(t, g.Run(context.Background()), errorx.ErrConcurrentPoll)

	cancel()
	<-runErr
}
