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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerQueueOrdering(t *testing.T) {
	var tq timerQueue
	now := time.Now()

	p1, p2, p3 := &pending{id: 1}, &pending{id: 2}, &pending{id: 3}
	tq.add(p2, now.Add(20*time.Millisecond))
	tq.add(p1, now.Add(10*time.Millisecond))
	tq.add(p3, now.Add(30*time.Millisecond))

	next, ok := tq.next()
	require.True(t, ok)
	assert.Equal(t, now.Add(10*time.Millisecond), next)

	assert.Nil(t, tq.popExpired(now), "nothing is due yet")

	e := tq.popExpired(now.Add(15 * time.Millisecond))
	require.NotNil(t, e)
	assert.Equal(t, ID(1), e.p.id)
	assert.Nil(t, e.p.timer, "fired entries unlink their pending")

	e = tq.popExpired(now.Add(time.Hour))
	require.NotNil(t, e)
	assert.Equal(t, ID(2), e.p.id)
	e = tq.popExpired(now.Add(time.Hour))
	require.NotNil(t, e)
	assert.Equal(t, ID(3), e.p.id)

	_, ok = tq.next()
	assert.False(t, ok)
}

func TestTimerQueueRemove(t *testing.T) {
	var tq timerQueue
	now := time.Now()

	p1, p2 := &pending{id: 1}, &pending{id: 2}
	tq.add(p1, now.Add(10*time.Millisecond))
	tq.add(p2, now.Add(20*time.Millisecond))
	require.NotNil(t, p1.timer)

	tq.remove(p1.timer)
	assert.Nil(t, p1.timer)

	e := tq.popExpired(now.Add(time.Hour))
	require.NotNil(t, e)
	assert.Equal(t, ID(2), e.p.id, "removed entry must not fire")
	assert.Nil(t, tq.popExpired(now.Add(time.Hour)))

	// Removing an already popped entry is harmless.
	tq.remove(e)
}

func TestTimerQueueRemoveMiddle(t *testing.T) {
	var tq timerQueue
	now := time.Now()

	ps := make([]*pending, 5)
	for i := range ps {
		ps[i] = &pending{id: ID(i + 1)}
		tq.add(ps[i], now.Add(time.Duration(i+1)*time.Millisecond))
	}

	tq.remove(ps[2].timer)

	var fired []ID
	for {
		e := tq.popExpired(now.Add(time.Hour))
		if e == nil {
			break
		}
		fired = append(fired, e.p.id)
	}
	assert.Equal(t, []ID{1, 2, 4, 5}, fired)
}
