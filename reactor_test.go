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

//go:build linux || freebsd || dragonfly || darwin

package unio

import (
	"context"
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	errorx "github.com/unio-io/unio/pkg/errors"
)

// newTestReactor builds a reactor that is shut down when the test ends.
// The loop is not driven; pair it with pollUntil or drive Poll directly.
func newTestReactor(t *testing.T, opts ...Option) *Reactor {
	t.Helper()
	r, err := NewReactor(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := r.Shutdown(context.Background()); err != nil && !errors.Is(err, errorx.ErrReactorInShutdown) {
			t.Errorf("shutdown: %v", err)
		}
	})
	return r
}

// startReactor builds a reactor and drives Run on its own goroutine.
func startReactor(t *testing.T, opts ...Option) *Reactor {
	t.Helper()
	r := newTestReactor(t, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

// pollUntil drives the loop from the test goroutine until cond holds.
func pollUntil(t *testing.T, r *Reactor, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.False(t, time.Now().After(deadline), "poll condition not met in time")
		_, err := r.Poll(10 * time.Millisecond)
		require.NoError(t, err)
	}
}

// socketPair returns two connected nonblocking stream descriptors,
// closed when the test ends unless the test closed them itself.
func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReactorDefaults(t *testing.T) {
	r := newTestReactor(t)

	caps := r.Capability()
	assert.NotEqual(t, BackendAuto, caps.Backend, "negotiated backend must be concrete")
	assert.Equal(t, DefaultQueueDepth, caps.QueueDepth)
	assert.False(t, caps.SQE128)
	assert.False(t, caps.CQE32)
	assert.True(t, caps.Supports(Nop))
	assert.True(t, caps.Supports(Read))
	assert.True(t, caps.Supports(Timeout))

	opts := r.Options()
	assert.Equal(t, DefaultQueueDepth, opts.QueueDepth)
	assert.Zero(t, r.Inflight())
}

func TestBackendSelection(t *testing.T) {
	t.Run("forced-readiness", func(t *testing.T) {
		r, err := NewReactor(WithBackend(BackendReadiness))
		require.NoError(t, err)
		assert.Equal(t, BackendReadiness, r.Capability().Backend)
		require.NoError(t, r.Shutdown(context.Background()))
	})
	t.Run("readiness-rejects-wide-entries", func(t *testing.T) {
		_, err := NewReactor(WithBackend(BackendReadiness), WithSQE128(true))
		assert.ErrorIs(t, err, errorx.ErrUnsupported)
		_, err = NewReactor(WithBackend(BackendReadiness), WithCQE32(true))
		assert.ErrorIs(t, err, errorx.ErrUnsupported)
	})
	t.Run("forced-completion", func(t *testing.T) {
		r, err := NewReactor(WithBackend(BackendCompletion))
		if runtime.GOOS != "linux" {
			assert.ErrorIs(t, err, errorx.ErrUnsupported)
			return
		}
		if errors.Is(err, errorx.ErrUnsupported) {
			t.Skip("kernel without io_uring")
		}
		require.NoError(t, err)
		assert.Equal(t, BackendCompletion, r.Capability().Backend)
		require.NoError(t, r.Shutdown(context.Background()))
	})
}

func TestSubmitValidation(t *testing.T) {
	r := newTestReactor(t)

	_, err := r.Submit(nil)
	assert.ErrorIs(t, err, errorx.ErrNilOperation)

	_, err = r.Submit(NewConnect(3, nil))
	assert.ErrorIs(t, err, errorx.ErrInvalidOperation)

	_, err = r.Submit(NewSendTo(3, []byte("x"), nil))
	assert.ErrorIs(t, err, errorx.ErrInvalidOperation)

	_, err = r.Submit(NewReadv(3, nil))
	assert.ErrorIs(t, err, errorx.ErrInvalidOperation)

	_, err = r.Submit(NewRead(-1, make([]byte, 1)))
	assert.ErrorIs(t, err, errorx.ErrInvalidOperation)

	// A rejected descriptor keeps no trace of the attempt.
	op := NewRead(-1, make([]byte, 1))
	_, err = r.Submit(op)
	require.ErrorIs(t, err, errorx.ErrInvalidOperation)
	op.fd = 0
	op.kind = Nop
	_, err = r.Submit(op)
	assert.NoError(t, err)
}

func TestUnsupportedKindRejected(t *testing.T) {
	r := newTestReactor(t)

	op := &Operation{kind: Kind(31), fd: 0}
	_, err := r.Submit(op)
	assert.ErrorIs(t, err, errorx.ErrUnsupported)
	assert.Equal(t, "unknown", Kind(31).String())
}

func TestDoubleSubmitRejected(t *testing.T) {
	r := newTestReactor(t)

	op := NewTimeout(time.Hour)
	_, err := r.Submit(op)
	require.NoError(t, err)
	_, err = r.Submit(op)
	assert.ErrorIs(t, err, errorx.ErrOperationInFlight)
}

func TestSubmitPollRoundTrip(t *testing.T) {
	r := newTestReactor(t)

	id, err := r.Submit(NewNop())
	require.NoError(t, err)
	require.NotZero(t, id)

	pollUntil(t, r, func() bool { return r.table.parked(id) })

	var c Completion
	require.True(t, r.OnReady(id, func(got Completion) { c = got }))
	assert.Equal(t, id, c.ID)
	assert.Equal(t, Nop, c.Kind)
	assert.Zero(t, c.Res)
	assert.NoError(t, c.Err)

	// The completion was observed once; the ID is gone for good.
	assert.False(t, r.OnReady(id, func(Completion) {}))
	assert.Equal(t, CancelUnknown, r.Cancel(id))
	assert.Zero(t, r.Inflight())
}

func TestOnReadyAttachBeforeDelivery(t *testing.T) {
	r := newTestReactor(t)

	id, err := r.Submit(NewNop())
	require.NoError(t, err)

	var c Completion
	require.True(t, r.OnReady(id, func(got Completion) { c = got }))
	require.False(t, r.OnReady(0, func(Completion) {}), "unknown id must not attach")
	require.False(t, r.OnReady(id, nil), "nil callback must not attach")

	pollUntil(t, r, func() bool { return c.ID == id })
	assert.NoError(t, c.Err)
}

func TestSubmitAndWaitNop(t *testing.T) {
	r := startReactor(t)

	c, err := r.SubmitAndWait(context.Background(), NewNop())
	require.NoError(t, err)
	assert.NoError(t, c.Err)
	assert.Equal(t, Nop, c.Kind)
}

func TestTimeoutFires(t *testing.T) {
	r := startReactor(t)

	const d = 50 * time.Millisecond
	start := time.Now()
	c, err := r.SubmitAndWait(context.Background(), NewTimeout(d))
	require.NoError(t, err)
	assert.NoError(t, c.Err)
	assert.Equal(t, Timeout, c.Kind)
	assert.GreaterOrEqual(t, time.Since(start), d)
}

func TestTimeoutCancel(t *testing.T) {
	r := newTestReactor(t)

	id, err := r.Submit(NewTimeout(time.Hour))
	require.NoError(t, err)

	// Let the loop arm it before cancelling.
	_, err = r.Poll(0)
	require.NoError(t, err)

	assert.Equal(t, CancelRequested, r.Cancel(id))
	pollUntil(t, r, func() bool { return r.table.parked(id) })

	var c Completion
	require.True(t, r.OnReady(id, func(got Completion) { c = got }))
	assert.True(t, c.Cancelled())
	assert.ErrorIs(t, c.Err, errorx.ErrCancelled)
}

func TestSubmitAndWaitContextCancel(t *testing.T) {
	r := startReactor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	c, err := r.SubmitAndWait(ctx, NewTimeout(time.Hour))
	require.NoError(t, err)
	assert.True(t, c.Cancelled())
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCancelOutcomes(t *testing.T) {
	r := newTestReactor(t)

	assert.Equal(t, CancelUnknown, r.Cancel(12345))

	// Cancel while still queued: the backend never sees the operation.
	id, err := r.Submit(NewTimeout(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, CancelRequested, r.Cancel(id))
	pollUntil(t, r, func() bool { return r.table.parked(id) })

	// Resolved but unobserved: done, nothing to cancel, result intact.
	assert.Equal(t, CancelDone, r.Cancel(id))
	var c Completion
	require.True(t, r.OnReady(id, func(got Completion) { c = got }))
	assert.True(t, c.Cancelled())

	assert.Equal(t, CancelUnknown, r.Cancel(id))

	assert.Equal(t, "requested", CancelRequested.String())
	assert.Equal(t, "done", CancelDone.String())
	assert.Equal(t, "unknown", CancelUnknown.String())
}

func TestQueueSaturation(t *testing.T) {
	const depth = 8
	r := newTestReactor(t, WithQueueDepth(depth))
	require.Equal(t, depth, r.Capability().QueueDepth)

	ids := make([]ID, depth)
	for i := range ids {
		id, err := r.Submit(NewTimeout(time.Hour))
		require.NoError(t, err)
		ids[i] = id
	}

	op := NewTimeout(time.Hour)
	_, err := r.Submit(op)
	require.ErrorIs(t, err, errorx.ErrQueueSaturated)
	require.Equal(t, depth, r.Inflight())

	// Free one slot and the rejected descriptor goes through.
	require.Equal(t, CancelRequested, r.Cancel(ids[0]))
	pollUntil(t, r, func() bool { return r.Inflight() < depth })

	_, err = r.Submit(op)
	assert.NoError(t, err)
}

func TestZeroLengthTransfers(t *testing.T) {
	r := startReactor(t)
	rfd, wfd := socketPair(t)

	c, err := r.SubmitAndWait(context.Background(), NewRead(rfd, nil))
	require.NoError(t, err)
	assert.NoError(t, c.Err)
	assert.Zero(t, c.Res)

	c, err = r.SubmitAndWait(context.Background(), NewWrite(wfd, nil))
	require.NoError(t, err)
	assert.NoError(t, c.Err)
	assert.Zero(t, c.Res)
}

func TestStreamReadWrite(t *testing.T) {
	r := startReactor(t)
	rfd, wfd := socketPair(t)

	payload := make([]byte, 4096)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	// 4KB sits well inside the socket buffer, one write carries it all.
	c, err := r.SubmitAndWait(context.Background(), NewWrite(wfd, payload))
	require.NoError(t, err)
	require.NoError(t, c.Err)
	require.Equal(t, len(payload), c.Res)

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 1024)
	for len(got) < len(payload) {
		rc, err := r.SubmitAndWait(context.Background(), NewRead(rfd, buf))
		require.NoError(t, err)
		require.NoError(t, rc.Err)
		require.NotZero(t, rc.Res)
		got = append(got, buf[:rc.Res]...)
	}
	assert.Equal(t, payload, got)
}

func TestVectoredReadWrite(t *testing.T) {
	r := startReactor(t)
	rfd, wfd := socketPair(t)

	c, err := r.SubmitAndWait(context.Background(),
		NewWritev(wfd, [][]byte{[]byte("hello, "), []byte("world")}))
	require.NoError(t, err)
	require.NoError(t, c.Err)
	require.Equal(t, len("hello, world"), c.Res)

	head := make([]byte, 7)
	tail := make([]byte, 5)
	c, err = r.SubmitAndWait(context.Background(), NewReadv(rfd, [][]byte{head, tail}))
	require.NoError(t, err)
	require.NoError(t, c.Err)
	require.Equal(t, len("hello, world"), c.Res)
	assert.Equal(t, "hello, ", string(head))
	assert.Equal(t, "world", string(tail))
}

func TestReadCancelLeavesDescriptorUsable(t *testing.T) {
	r := startReactor(t)
	rfd, wfd := socketPair(t)

	buf := make([]byte, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c, err := r.SubmitAndWait(ctx, NewRead(rfd, buf))
	require.NoError(t, err)
	require.True(t, c.Cancelled())

	c, err = r.SubmitAndWait(context.Background(), NewWrite(wfd, []byte("ping")))
	require.NoError(t, err)
	require.NoError(t, c.Err)

	c, err = r.SubmitAndWait(context.Background(), NewRead(rfd, buf))
	require.NoError(t, err)
	require.NoError(t, c.Err)
	require.Equal(t, 4, c.Res)
	assert.Equal(t, "ping", string(buf[:4]))
}

func TestShutdownCancelsInflight(t *testing.T) {
	r := startReactor(t)
	rfd, _ := socketPair(t)

	results := make(chan Completion, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c, err := r.SubmitAndWait(context.Background(), NewRead(rfd, make([]byte, 8)))
		assert.NoError(t, err)
		results <- c
	}()
	go func() {
		defer wg.Done()
		c, err := r.SubmitAndWait(context.Background(), NewTimeout(time.Hour))
		assert.NoError(t, err)
		results <- c
	}()

	require.Eventually(t, func() bool { return r.Inflight() == 2 },
		5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	wg.Wait()
	close(results)
	n := 0
	for c := range results {
		n++
		assert.True(t, c.Cancelled(), "inflight %s must resolve as cancelled", c.Kind)
	}
	assert.Equal(t, 2, n)

	_, err := r.Submit(NewNop())
	assert.ErrorIs(t, err, errorx.ErrReactorShutdown)
	assert.ErrorIs(t, r.Shutdown(context.Background()), errorx.ErrReactorInShutdown)
}

func TestPollAfterShutdown(t *testing.T) {
	r, err := NewReactor()
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Poll(0)
	assert.ErrorIs(t, err, errorx.ErrReactorShutdown)
	_, err = r.Submit(NewNop())
	assert.ErrorIs(t, err, errorx.ErrReactorShutdown)
}

func TestConcurrentPollRejected(t *testing.T) {
	r := newTestReactor(t)

	r.pollMu.Lock()
	_, err := r.Poll(0)
	r.pollMu.Unlock()
	assert.ErrorIs(t, err, errorx.ErrConcurrentPoll)

	_, err = r.Poll(0)
	assert.NoError(t, err)
}

func TestReactorsAreIsolated(t *testing.T) {
	r1 := newTestReactor(t)
	r2 := newTestReactor(t)

	id1, err := r1.Submit(NewNop())
	require.NoError(t, err)

	// The twin reactor issues its own IDs and knows nothing of r1's.
	assert.Equal(t, CancelUnknown, r2.Cancel(id1))

	pollUntil(t, r1, func() bool { return r1.table.parked(id1) })
	assert.Zero(t, r2.Inflight())
}

func TestExactlyOnceUnderConcurrentCancel(t *testing.T) {
	r := startReactor(t)

	const n = 128
	var delivered int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			var op *Operation
			if i%2 == 0 {
				op = NewNop()
			} else {
				op = NewTimeout(time.Duration(i%7) * time.Millisecond)
			}
			id, err := r.Submit(op)
			if !assert.NoError(t, err) {
				return
			}
			if i%3 == 0 {
				r.Cancel(id)
			}
			assert.True(t, r.OnReady(id, func(Completion) {
				atomic.AddInt64(&delivered, 1)
			}))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&delivered) == n
	}, 10*time.Second, time.Millisecond)

	// Settle and make sure nothing is delivered twice.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, n, atomic.LoadInt64(&delivered))
	assert.Zero(t, r.Inflight())
}
