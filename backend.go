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
	"net"
	"time"
)

// Operation IDs below firstOperationID are reserved for backend
// bookkeeping such as wakeup reads and auxiliary wait timeouts; they
// never reach the completion table.
const firstOperationID = 16

// completionSink receives one resolved operation from the backend. The
// reactor hands its delivery routine to the backend constructor;
// backends never touch the completion table themselves.
type completionSink func(id ID, res int, flags uint32, err error, addr net.Addr)

// errArmRetry is returned by arm when the backend is transiently unable
// to take the operation; the reactor requeues it for the next cycle.
var errArmRetry = errors.New("unio: backend busy, rearm next cycle")

// backend is the driver variant behind a Reactor. All methods except
// wake are called from the reactor goroutine only.
type backend interface {
	kind() BackendKind
	capability() Capability

	// nativeTimeout reports whether Timeout operations are armed in the
	// kernel. When false the reactor keeps them on its own timer heap.
	nativeTimeout() bool

	// arm hands one registered operation to the kernel or to the
	// readiness tables. Operations that finish or fail on the spot are
	// delivered through the sink before arm returns. A non-nil error
	// resolves the operation with that error, except errArmRetry which
	// requeues it for the next poll cycle.
	arm(p *pending) error

	// cancel requests termination of an armed operation. When done is
	// true the backend has already forgotten the operation and the
	// reactor synthesizes the cancelled completion; otherwise the
	// backend delivers it through the sink later.
	cancel(p *pending) (done bool)

	// wait blocks for completions or readiness for at most d, routing
	// results into the sink. A negative d blocks indefinitely, zero
	// polls. Wakeups are consumed internally.
	wait(d time.Duration) error

	// wake makes a concurrent or future wait return early. Callable
	// from any goroutine, idempotent between waits.
	wake() error

	close() error
}
