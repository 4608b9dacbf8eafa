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
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	errorx "github.com/unio-io/unio/pkg/errors"
)

// Completion is the single result of one submitted operation. Res carries
// the byte count for transfers, the new descriptor for accepts and zero
// otherwise. Err is nil on success or one of the pkg/errors sentinels,
// with operating system failures wrapped so that errors.Is can still
// reach the underlying errno. Addr is set for RecvFrom and Accept.
type Completion struct {
	ID    ID
	Kind  Kind
	Res   int
	Err   error
	Flags uint32
	Addr  net.Addr
}

// Cancelled reports whether the operation was terminated by Cancel or
// by reactor shutdown rather than by running to completion.
func (c Completion) Cancelled() bool {
	return errors.Is(c.Err, errorx.ErrCancelled)
}

// pending states, owned by the reactor goroutine.
const (
	opQueued int8 = iota // sitting in the submission queue
	opArmed              // handed to the backend
	opDone               // resolved, entry retired
)

// pending tracks one in-flight operation between Submit and resolution.
// The table holds the only reference to the operation's buffers while
// the kernel may touch them; pin carries whatever backend state must
// survive until the completion is reaped.
type pending struct {
	id ID
	op *Operation

	callback func(Completion)
	waiter   chan<- Completion

	state     int8
	cancelled bool

	pin   interface{}
	timer *timerEntry
}

// opTable is the completion table: every live operation keyed by ID.
// register and unregister are O(1); entries are reclaimed the moment
// their completion is delivered.
type opTable struct {
	mu        sync.Mutex
	pendings  map[ID]*pending
	unclaimed map[ID]Completion

	nextID   uint64
	inflight int32
	depth    int32
}

func newOpTable(depth int) *opTable {
	return &opTable{
		pendings:  make(map[ID]*pending, depth),
		unclaimed: make(map[ID]Completion),
		nextID:    firstOperationID - 1,
		depth:     int32(depth),
	}
}

// register reserves a depth slot and assigns the next ID. It fails with
// ErrQueueSaturated without queueing anything when the table is full,
// leaving every in-flight operation untouched.
func (t *opTable) register(op *Operation, cb func(Completion), waiter chan<- Completion) (*pending, error) {
	if atomic.AddInt32(&t.inflight, 1) > t.depth {
		atomic.AddInt32(&t.inflight, -1)
		return nil, errorx.ErrQueueSaturated
	}
	p := &pending{
		id:       ID(atomic.AddUint64(&t.nextID, 1)),
		op:       op,
		callback: cb,
		waiter:   waiter,
	}
	t.mu.Lock()
	t.pendings[p.id] = p
	t.mu.Unlock()
	return p, nil
}

// unregister removes p and picks its delivery route in one critical
// section: the callback or waiter when one is bound, the unclaimed
// table otherwise. The atomicity matters, a concurrent OnReady must
// either attach in time or find the parked completion, never neither.
func (t *opTable) unregister(p *pending, c Completion) (func(Completion), chan<- Completion) {
	t.mu.Lock()
	delete(t.pendings, p.id)
	cb, waiter := p.callback, p.waiter
	if cb == nil && waiter == nil {
		t.unclaimed[c.ID] = c
	}
	t.mu.Unlock()
	return cb, waiter
}

// lookup returns the live entry for id without removing it.
func (t *opTable) lookup(id ID) *pending {
	t.mu.Lock()
	p := t.pendings[id]
	t.mu.Unlock()
	return p
}

// attach binds a readiness callback to a live operation. It returns
// false when id is no longer live.
func (t *opTable) attach(id ID, fn func(Completion)) bool {
	t.mu.Lock()
	p := t.pendings[id]
	if p != nil {
		p.callback = fn
	}
	t.mu.Unlock()
	return p != nil
}

// park stores a completion nobody was waiting for yet.
func (t *opTable) park(c Completion) {
	t.mu.Lock()
	t.unclaimed[c.ID] = c
	t.mu.Unlock()
}

// claim removes and returns a parked completion.
func (t *opTable) claim(id ID) (Completion, bool) {
	t.mu.Lock()
	c, ok := t.unclaimed[id]
	if ok {
		delete(t.unclaimed, id)
	}
	t.mu.Unlock()
	return c, ok
}

// parked reports whether a completion for id is waiting unclaimed,
// without consuming it.
func (t *opTable) parked(id ID) bool {
	t.mu.Lock()
	_, ok := t.unclaimed[id]
	t.mu.Unlock()
	return ok
}

// retire releases the depth slot of a resolved operation.
func (t *opTable) retire() {
	atomic.AddInt32(&t.inflight, -1)
}

// Inflight returns the number of operations between Submit and delivery.
func (t *opTable) Inflight() int {
	return int(atomic.LoadInt32(&t.inflight))
}

// snapshotIDs lists the live operations, used by shutdown to cancel
// everything still in flight.
func (t *opTable) snapshotIDs() []ID {
	t.mu.Lock()
	ids := make([]ID, 0, len(t.pendings))
	for id := range t.pendings {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	return ids
}

// corrupted aborts the process: a duplicate or unknown resolution means
// the table and the kernel disagree about who owns which buffers, and
// continuing would hand corrupted results to callers.
func corrupted(id ID) {
	panic(fmt.Sprintf("unio: completion for unknown or already resolved operation %d", id))
}
