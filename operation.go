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
	"net"
	"time"

	errorx "github.com/unio-io/unio/pkg/errors"
)

// ID identifies one submitted operation. IDs are unique for the lifetime
// of a Reactor and are never reused, even after the operation completes.
type ID uint64

// Kind enumerates the operations a Reactor can drive.
type Kind int32

const (
	// Nop completes immediately with a zero result. It is useful for
	// draining tests and for waking a waiter through the normal path.
	Nop Kind = iota
	// Read reads into a single buffer at the descriptor's position.
	Read
	// Write writes a single buffer at the descriptor's position.
	Write
	// Readv reads into a vector of buffers.
	Readv
	// Writev writes a vector of buffers.
	Writev
	// RecvFrom receives one datagram and reports its source address.
	RecvFrom
	// SendTo sends one datagram to an explicit address.
	SendTo
	// Accept waits for an inbound connection on a listening socket and
	// yields the new descriptor as the completion result.
	Accept
	// Connect establishes an outbound connection.
	Connect
	// Timeout completes successfully when its duration elapses. It is a
	// first-class operation: it can be cancelled like any other and it
	// bounds the reactor's sleep like any pending deadline.
	Timeout
	// Shutdown half-closes a socket in the given direction.
	Shutdown
	// Close closes a descriptor asynchronously.
	Close
	kindCount
)

var kindNames = [...]string{
	"nop", "read", "write", "readv", "writev", "recvfrom", "sendto",
	"accept", "connect", "timeout", "shutdown", "close",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Directions for NewShutdown. The values match both the POSIX SHUT_*
// and the Windows SD_* constants.
const (
	ShutRead      = 0
	ShutWrite     = 1
	ShutReadWrite = 2
)

// Operation describes one unit of asynchronous work. An Operation is
// built by one of the New* constructors, submitted exactly once, and
// owns every buffer it references from Submit until its Completion is
// observed. Touching or recycling those buffers in between is a data
// race against the kernel.
type Operation struct {
	kind Kind
	fd   int
	buf  []byte
	bufs [][]byte
	addr net.Addr
	dur  time.Duration
	how  int

	submitted int32
}

// Kind returns the operation kind.
func (op *Operation) Kind() Kind { return op.kind }

// NewNop returns an operation that completes immediately with result 0.
func NewNop() *Operation {
	return &Operation{kind: Nop, fd: -1}
}

// NewRead returns a read of up to len(buf) bytes from fd.
// A zero-length buf completes immediately with result 0.
func NewRead(fd int, buf []byte) *Operation {
	return &Operation{kind: Read, fd: fd, buf: buf}
}

// NewWrite returns a write of buf to fd. A zero-length buf completes
// immediately with result 0.
func NewWrite(fd int, buf []byte) *Operation {
	return &Operation{kind: Write, fd: fd, buf: buf}
}

// NewReadv returns a vectored read into bufs.
func NewReadv(fd int, bufs [][]byte) *Operation {
	return &Operation{kind: Readv, fd: fd, bufs: bufs}
}

// NewWritev returns a vectored write of bufs.
func NewWritev(fd int, bufs [][]byte) *Operation {
	return &Operation{kind: Writev, fd: fd, bufs: bufs}
}

// NewRecvFrom returns a datagram receive into buf. The source address
// arrives in Completion.Addr.
func NewRecvFrom(fd int, buf []byte) *Operation {
	return &Operation{kind: RecvFrom, fd: fd, buf: buf}
}

// NewSendTo returns a datagram send of buf to addr.
func NewSendTo(fd int, buf []byte, addr net.Addr) *Operation {
	return &Operation{kind: SendTo, fd: fd, buf: buf, addr: addr}
}

// NewAccept returns an accept on the listening descriptor lfd. The new
// descriptor arrives as Completion.Res, already nonblocking and ready
// for further submissions; the peer address arrives in Completion.Addr.
func NewAccept(lfd int) *Operation {
	return &Operation{kind: Accept, fd: lfd}
}

// NewConnect returns a connect of fd to addr.
func NewConnect(fd int, addr net.Addr) *Operation {
	return &Operation{kind: Connect, fd: fd, addr: addr}
}

// NewTimeout returns an operation that completes with result 0 once d
// has elapsed. Cancelling it yields a Completion with ErrCancelled.
func NewTimeout(d time.Duration) *Operation {
	return &Operation{kind: Timeout, fd: -1, dur: d}
}

// NewShutdown returns a socket shutdown. how is one of ShutRead,
// ShutWrite or ShutReadWrite.
func NewShutdown(fd, how int) *Operation {
	return &Operation{kind: Shutdown, fd: fd, how: how}
}

// NewClose returns an asynchronous close of fd. No further operations
// may be submitted against fd once this is in flight.
func NewClose(fd int) *Operation {
	return &Operation{kind: Close, fd: fd}
}

// validate rejects descriptors and arguments the backends cannot act on.
func (op *Operation) validate() error {
	switch op.kind {
	case Nop, Timeout:
		return nil
	case Connect, SendTo:
		if op.addr == nil {
			return errorx.ErrInvalidOperation
		}
	case Readv, Writev:
		if len(op.bufs) == 0 {
			return errorx.ErrInvalidOperation
		}
	}
	if op.fd < 0 {
		return errorx.ErrInvalidOperation
	}
	return nil
}
