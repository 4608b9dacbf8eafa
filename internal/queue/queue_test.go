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

package queue_test

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unio-io/unio/internal/queue"
)

func TestLockFreeQueueOrdering(t *testing.T) {
	q := queue.NewLockFreeQueue()
	require.True(t, q.IsEmpty())

	for i := 0; i < 8; i++ {
		q.Enqueue(&queue.Task{Arg: i})
	}
	for i := 0; i < 8; i++ {
		task := q.Dequeue()
		require.NotNil(t, task)
		assert.Equal(t, i, task.Arg)
	}
	assert.Nil(t, q.Dequeue())
	assert.True(t, q.IsEmpty())
}

func TestLockFreeQueueConcurrent(t *testing.T) {
	const (
		producers   = 2
		consumers   = 2
		perProducer = 10000
	)
	q := queue.NewLockFreeQueue()

	var consumed int32
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				task := queue.GetTask()
				task.Arg = i
				q.Enqueue(task)
			}
		}()
	}
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task := q.Dequeue()
				if task == nil {
					if atomic.LoadInt32(&consumed) == producers*perProducer {
						return
					}
					runtime.Gosched()
					continue
				}
				queue.PutTask(task)
				atomic.AddInt32(&consumed, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, producers*perProducer, atomic.LoadInt32(&consumed))
	assert.True(t, q.IsEmpty())
}
