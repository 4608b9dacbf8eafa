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
	"sync"
	"sync/atomic"
	"time"

	equeue "github.com/eapache/queue"

	"github.com/unio-io/unio/internal/queue"
	errorx "github.com/unio-io/unio/pkg/errors"
	"github.com/unio-io/unio/pkg/logging"
)

// Reactor lifecycle states.
const (
	stateRunning int32 = iota
	stateClosing
	stateClosed
)

// maxTasksAtOneTime caps how many queued submissions one cycle arms, so
// a burst of Submit calls cannot starve completions already in flight.
const maxTasksAtOneTime = 256

// peerAddrPin is implemented by backend pins that carry a kernel-filled
// peer address; deliver lifts it into Completion.Addr on success.
type peerAddrPin interface {
	peerAddr() net.Addr
}

// CancelOutcome reports what Cancel achieved.
type CancelOutcome int32

const (
	// CancelRequested means the operation was live and a cancellation
	// was pushed towards the backend. A Completion still arrives: with
	// ErrCancelled when the cancel won, or with the natural result when
	// the operation finished first.
	CancelRequested CancelOutcome = iota
	// CancelDone means the operation already resolved and its completion
	// is parked waiting to be claimed; there was nothing left to cancel.
	CancelDone
	// CancelUnknown means the ID was never issued by this reactor or its
	// completion has already been observed.
	CancelUnknown
)

func (o CancelOutcome) String() string {
	switch o {
	case CancelRequested:
		return "requested"
	case CancelDone:
		return "done"
	case CancelUnknown:
		return "unknown"
	}
	return "invalid"
}

// Reactor drives asynchronous operations against one platform backend.
// Poll and Run are owned by a single goroutine at a time; every other
// method is safe for concurrent use from any goroutine.
type Reactor struct {
	opts    *Options
	table   *opTable
	backend backend
	cap     Capability

	// pollMu is held by whoever drives the loop: Poll, Run or Shutdown.
	pollMu sync.Mutex
	state  int32

	// Multi-producer funnels into the loop goroutine. Cancellations ride
	// the urgent queue so they overtake queued submissions.
	urgentTasks queue.AsyncTaskQueue
	normalTasks queue.AsyncTaskQueue

	// Loop-owned state.
	timers     timerQueue
	retries    *equeue.Queue
	dispatched int

	// Pins of operations force-resolved at shutdown while the kernel
	// might still write into them. Kept referenced for the reactor's
	// lifetime so a late completion cannot land in recycled memory.
	graveyard []interface{}

	logger   logging.Logger
	logFlush func() error
}

// NewReactor builds a reactor backed by the platform's best driver, or
// by the variant forced with WithBackend. The reactor is inert until a
// goroutine drives Poll or Run.
func NewReactor(opts ...Option) (*Reactor, error) {
	options := initOptions(opts...)

	logger, logFlush := options.Logger, (func() error)(nil)
	if logger == nil {
		if options.LogPath != "" {
			var err error
			if logger, logFlush, err = logging.CreateLoggerAsLocalFile(options.LogPath, options.LogLevel); err != nil {
				return nil, err
			}
		} else {
			logger = logging.GetDefaultLogger()
		}
		options.Logger = logger
	}

	r := &Reactor{
		opts:        options,
		table:       newOpTable(options.QueueDepth),
		urgentTasks: queue.NewLockFreeQueue(),
		normalTasks: queue.NewLockFreeQueue(),
		retries:     equeue.New(),
		logger:      logger,
		logFlush:    logFlush,
	}
	be, err := newReactorBackend(options, r.deliver)
	if err != nil {
		if logFlush != nil {
			_ = logFlush()
		}
		return nil, err
	}
	r.backend = be
	r.cap = be.capability()
	logger.Infof("unio: reactor is ready with %s backend, queue depth %d",
		r.cap.Backend, r.cap.QueueDepth)
	return r, nil
}

// Capability reports what the negotiated backend can do. It never
// changes after construction.
func (r *Reactor) Capability() Capability { return r.cap }

// Options returns a copy of the effective options, after normalization.
func (r *Reactor) Options() Options { return *r.opts }

// Inflight reports how many operations are registered and not yet
// resolved. Groups use it to steer submissions to the idlest reactor.
func (r *Reactor) Inflight() int { return r.table.Inflight() }

// Submit queues op for execution and returns its ID. The reactor owns
// every buffer op references from here until the Completion carrying
// the same ID is observed. Submit never blocks: when the queue is at
// depth it fails with ErrQueueSaturated and op may be resubmitted after
// completions have been reaped.
func (r *Reactor) Submit(op *Operation) (ID, error) {
	return r.submit(op, nil, nil)
}

func (r *Reactor) submit(op *Operation, cb func(Completion), waiter chan<- Completion) (ID, error) {
	if op == nil {
		return 0, errorx.ErrNilOperation
	}
	if !atomic.CompareAndSwapInt32(&op.submitted, 0, 1) {
		return 0, errorx.ErrOperationInFlight
	}
	id, err := r.enqueue(op, cb, waiter)
	if err != nil {
		// Rejected without side effects, the descriptor may be reused.
		atomic.StoreInt32(&op.submitted, 0)
		return 0, err
	}
	return id, nil
}

func (r *Reactor) enqueue(op *Operation, cb func(Completion), waiter chan<- Completion) (ID, error) {
	if atomic.LoadInt32(&r.state) != stateRunning {
		return 0, errorx.ErrReactorShutdown
	}
	if err := op.validate(); err != nil {
		return 0, err
	}
	if !r.cap.Supports(op.kind) {
		return 0, errorx.ErrUnsupported
	}
	p, err := r.table.register(op, cb, waiter)
	if err != nil {
		return 0, err
	}
	task := queue.GetTask()
	task.Run = r.armTask
	task.Arg = p
	r.normalTasks.Enqueue(task)
	r.wakeLoop()
	return p.id, nil
}

// SubmitAndWait submits op and blocks until its completion arrives. It
// must not be called from the goroutine driving Poll or Run, and the
// loop must be driven elsewhere for the completion to surface. When ctx
// ends first a cancellation is pushed and the call still waits for the
// operation's final Completion, which reports ErrCancelled only if the
// cancel won the race.
func (r *Reactor) SubmitAndWait(ctx context.Context, op *Operation) (Completion, error) {
	ch := make(chan Completion, 1)
	id, err := r.submit(op, nil, ch)
	if err != nil {
		return Completion{}, err
	}
	select {
	case c := <-ch:
		return c, nil
	case <-ctx.Done():
		r.Cancel(id)
		return <-ch, nil
	}
}

// Cancel requests termination of the operation id. It never blocks and
// never discards a result: whatever the outcome, a completion for id is
// still delivered exactly once through the usual route.
func (r *Reactor) Cancel(id ID) CancelOutcome {
	if r.table.parked(id) {
		return CancelDone
	}
	p := r.table.lookup(id)
	if p == nil {
		return CancelUnknown
	}
	task := queue.GetTask()
	task.Run = r.cancelTask
	task.Arg = p
	r.urgentTasks.Enqueue(task)
	r.wakeLoop()
	return CancelRequested
}

// OnReady binds fn to consume the completion of id. When the completion
// already surfaced unclaimed, fn runs immediately on the calling
// goroutine; otherwise it will run on the loop goroutine at delivery.
// It reports false when id is not known to the reactor anymore.
func (r *Reactor) OnReady(id ID, fn func(Completion)) bool {
	if fn == nil {
		return false
	}
	if r.table.attach(id, fn) {
		return true
	}
	if c, ok := r.table.claim(id); ok {
		fn(c)
		return true
	}
	return false
}

// Poll drives one reactor cycle: it arms queued submissions, fires due
// timeouts, waits on the backend for at most timeout and dispatches the
// completions that surfaced, returning their number. A negative timeout
// blocks until something happens, zero polls without blocking. The wait
// is cut short as soon as at least one completion has been dispatched.
func (r *Reactor) Poll(timeout time.Duration) (int, error) {
	if !r.pollMu.TryLock() {
		return 0, errorx.ErrConcurrentPoll
	}
	defer r.pollMu.Unlock()
	if atomic.LoadInt32(&r.state) != stateRunning {
		return 0, errorx.ErrReactorShutdown
	}
	return r.cycle(timeout)
}

// Run drives the loop until ctx ends or the reactor is shut down. With
// the LockOSThread option the driving goroutine is pinned to its thread
// for the duration.
func (r *Reactor) Run(ctx context.Context) error {
	if r.opts.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	if !r.pollMu.TryLock() {
		return errorx.ErrConcurrentPoll
	}
	defer r.pollMu.Unlock()

	// The watcher turns a context cancellation into a backend wakeup so
	// a parked wait notices it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			r.wakeLoop()
		case <-stop:
		}
	}()

	for atomic.LoadInt32(&r.state) == stateRunning {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.cycle(-1); err != nil {
			return err
		}
	}
	return nil
}

// cycle is one turn of the loop. The caller holds pollMu.
func (r *Reactor) cycle(timeout time.Duration) (int, error) {
	r.dispatched = 0

	r.drainRetries()
	r.drainTasks()
	r.fireTimers()

	wait := timeout
	if next, ok := r.timers.next(); ok {
		d := time.Until(next)
		if d < 0 {
			d = 0
		}
		if wait < 0 || d < wait {
			wait = d
		}
	}
	if r.dispatched > 0 {
		// Results are already in hand, reap without blocking.
		wait = 0
	}

	err := r.backend.wait(wait)

	r.drainTasks()
	r.drainRetries()
	r.fireTimers()
	return r.dispatched, err
}

// drainTasks runs queued cancellations and submissions, cancellations
// first at every step.
func (r *Reactor) drainTasks() {
	for n := 0; ; {
		if task := r.urgentTasks.Dequeue(); task != nil {
			_ = task.Run(task.Arg)
			queue.PutTask(task)
			continue
		}
		if n >= maxTasksAtOneTime {
			return
		}
		task := r.normalTasks.Dequeue()
		if task == nil {
			return
		}
		_ = task.Run(task.Arg)
		queue.PutTask(task)
		n++
	}
}

// drainRetries re-arms operations the backend pushed back with
// errArmRetry. One pass over the current length; anything pushed back
// again waits for the next cycle, after the ring has been flushed.
func (r *Reactor) drainRetries() {
	for n := r.retries.Length(); n > 0; n-- {
		p := r.retries.Remove().(*pending)
		if p.state != opQueued {
			continue
		}
		r.armPending(p)
	}
}

// fireTimers resolves every reactor-owned Timeout whose deadline has
// passed.
func (r *Reactor) fireTimers() {
	now := time.Now()
	for {
		e := r.timers.popExpired(now)
		if e == nil {
			return
		}
		r.finish(e.p, Completion{ID: e.p.id, Kind: Timeout})
	}
}

// armTask hands one registered operation to the backend, unless it was
// cancelled while still queued.
func (r *Reactor) armTask(arg interface{}) error {
	p := arg.(*pending)
	if p.state != opQueued {
		return nil
	}
	r.armPending(p)
	return nil
}

func (r *Reactor) armPending(p *pending) {
	op := p.op

	// Timeouts stay on the reactor's heap when the backend has no native
	// timeout operation; the heap also bounds every backend wait.
	if op.kind == Timeout && !r.backend.nativeTimeout() {
		p.state = opArmed
		r.timers.add(p, time.Now().Add(op.dur))
		return
	}

	// The readiness tables cannot express these as syscalls; they
	// resolve here instead of being armed.
	if r.cap.Backend == BackendReadiness {
		if op.kind == Nop || ((op.kind == Read || op.kind == Write) && len(op.buf) == 0) {
			r.finish(p, Completion{ID: p.id, Kind: op.kind})
			return
		}
	}

	p.state = opArmed
	if err := r.backend.arm(p); err != nil {
		if err == errArmRetry {
			p.state = opQueued
			r.retries.Add(p)
			return
		}
		r.finish(p, Completion{ID: p.id, Kind: op.kind, Err: err})
	}
}

// cancelTask runs on the loop goroutine for every Cancel request.
func (r *Reactor) cancelTask(arg interface{}) error {
	p := arg.(*pending)
	if p.state == opDone || p.cancelled {
		return nil
	}
	p.cancelled = true

	switch p.state {
	case opQueued:
		// Not armed yet: the backend never saw it, resolve right here.
		r.finish(p, Completion{ID: p.id, Kind: p.op.kind, Err: errorx.ErrCancelled})
	case opArmed:
		if p.timer != nil {
			r.timers.remove(p.timer)
			r.finish(p, Completion{ID: p.id, Kind: p.op.kind, Err: errorx.ErrCancelled})
			return nil
		}
		if r.backend.cancel(p) {
			// The backend already forgot the operation.
			r.finish(p, Completion{ID: p.id, Kind: p.op.kind, Err: errorx.ErrCancelled})
		}
	}
	return nil
}

// deliver is the completion sink handed to the backend. A delivery for
// an ID the table does not know is a duplicate or a stray and aborts.
func (r *Reactor) deliver(id ID, res int, flags uint32, err error, addr net.Addr) {
	p := r.table.lookup(id)
	if p == nil {
		corrupted(id)
	}
	c := Completion{ID: id, Kind: p.op.kind, Res: res, Err: err, Flags: flags, Addr: addr}
	if c.Err == nil && c.Addr == nil && (c.Kind == Accept || c.Kind == RecvFrom) {
		if pin, ok := p.pin.(peerAddrPin); ok {
			c.Addr = pin.peerAddr()
		}
	}
	r.finish(p, c)
}

// finish releases the operation's buffers and routes its completion to
// the waiter, the callback or the unclaimed table, exactly once.
func (r *Reactor) finish(p *pending, c Completion) {
	if p.state == opDone {
		corrupted(p.id)
	}
	p.state = opDone
	if p.timer != nil {
		r.timers.remove(p.timer)
	}
	p.pin = nil

	cb, waiter := r.table.unregister(p, c)
	switch {
	case waiter != nil:
		waiter <- c
	case cb != nil:
		cb(c)
	}
	r.table.retire()
	r.dispatched++
}

func (r *Reactor) wakeLoop() {
	if err := r.backend.wake(); err != nil {
		r.logger.Warnf("unio: failed to wake the reactor loop: %v", err)
	}
}

// Shutdown cancels everything in flight, drains the resulting
// completions and releases the backend. ctx bounds the drain: when it
// ends, the operations still unresolved are force-completed with
// ErrCancelled and their buffers are kept referenced, since the kernel
// was not confirmed to be done with them.
func (r *Reactor) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.state, stateRunning, stateClosing) {
		return errorx.ErrReactorInShutdown
	}
	r.wakeLoop()
	r.pollMu.Lock()
	defer r.pollMu.Unlock()

	quantum := 50 * time.Millisecond
	if ctx.Err() != nil {
		quantum = 0
	}
	for r.table.Inflight() > 0 {
		for _, id := range r.table.snapshotIDs() {
			if p := r.table.lookup(id); p != nil {
				_ = r.cancelTask(p)
			}
		}
		if _, err := r.cycle(quantum); err != nil {
			r.logger.Errorf("unio: draining completions during shutdown: %v", err)
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	for _, id := range r.table.snapshotIDs() {
		p := r.table.lookup(id)
		if p == nil {
			continue
		}
		if p.pin != nil {
			r.graveyard = append(r.graveyard, p.pin)
		}
		r.finish(p, Completion{ID: p.id, Kind: p.op.kind, Err: errorx.ErrCancelled})
	}

	atomic.StoreInt32(&r.state, stateClosed)
	err := r.backend.close()
	if r.logFlush != nil {
		_ = r.logFlush()
	}
	return err
}

// Close shuts the reactor down without waiting for in-flight operations
// to resolve on their own terms.
func (r *Reactor) Close() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return r.Shutdown(ctx)
}
