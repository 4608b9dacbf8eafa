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

package uring

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// currentPos makes read/write opcodes honor the descriptor offset, the
// behavior every socket opcode expects.
const currentPos = ^uint64(0)

func (r *Ring) prep(op uint8, fd int32, addr uint64, length uint32, off, userData uint64, opFlags uint32) error {
	sqe, err := r.NextSQE()
	if err != nil {
		return err
	}
	sqe.Opcode = op
	sqe.Fd = fd
	sqe.Addr = addr
	sqe.Len = length
	sqe.Off = off
	sqe.OpFlags = opFlags
	sqe.UserData = userData
	return nil
}

func bufAddr(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

// PrepNop queues a no-op that completes with res 0.
func (r *Ring) PrepNop(userData uint64) error {
	return r.prep(OpNop, -1, 0, 0, 0, userData, 0)
}

// PrepRead queues a read into buf at the current descriptor position.
// buf must stay referenced until the completion is reaped; the same
// holds for every buffer-carrying prep below.
func (r *Ring) PrepRead(userData uint64, fd int, buf []byte) error {
	return r.prep(OpRead, int32(fd), bufAddr(buf), uint32(len(buf)), currentPos, userData, 0)
}

// PrepWrite queues a write of buf at the current descriptor position.
func (r *Ring) PrepWrite(userData uint64, fd int, buf []byte) error {
	return r.prep(OpWrite, int32(fd), bufAddr(buf), uint32(len(buf)), currentPos, userData, 0)
}

// PrepReadv queues a vectored read.
func (r *Ring) PrepReadv(userData uint64, fd int, iovs []unix.Iovec) error {
	var addr uint64
	if len(iovs) > 0 {
		addr = uint64(uintptr(unsafe.Pointer(&iovs[0])))
	}
	return r.prep(OpReadv, int32(fd), addr, uint32(len(iovs)), currentPos, userData, 0)
}

// PrepWritev queues a vectored write.
func (r *Ring) PrepWritev(userData uint64, fd int, iovs []unix.Iovec) error {
	var addr uint64
	if len(iovs) > 0 {
		addr = uint64(uintptr(unsafe.Pointer(&iovs[0])))
	}
	return r.prep(OpWritev, int32(fd), addr, uint32(len(iovs)), currentPos, userData, 0)
}

// PrepRecvmsg queues a recvmsg. msg and every buffer it references must
// stay referenced until the completion is reaped.
func (r *Ring) PrepRecvmsg(userData uint64, fd int, msg *unix.Msghdr, flags uint32) error {
	return r.prep(OpRecvmsg, int32(fd), uint64(uintptr(unsafe.Pointer(msg))), 1, 0, userData, flags)
}

// PrepSendmsg queues a sendmsg. msg and every buffer it references must
// stay referenced until the completion is reaped.
func (r *Ring) PrepSendmsg(userData uint64, fd int, msg *unix.Msghdr, flags uint32) error {
	return r.prep(OpSendmsg, int32(fd), uint64(uintptr(unsafe.Pointer(msg))), 1, 0, userData, flags)
}

// PrepRecv queues a single-buffer recv.
func (r *Ring) PrepRecv(userData uint64, fd int, buf []byte, flags uint32) error {
	return r.prep(OpRecv, int32(fd), bufAddr(buf), uint32(len(buf)), 0, userData, flags)
}

// PrepSend queues a single-buffer send.
func (r *Ring) PrepSend(userData uint64, fd int, buf []byte, flags uint32) error {
	return r.prep(OpSend, int32(fd), bufAddr(buf), uint32(len(buf)), 0, userData, flags)
}

// PrepAccept queues an accept. rsa and socklen receive the peer address
// and must stay referenced until the completion is reaped. flags take
// accept4 semantics, so new descriptors arrive nonblocking and cloexec.
func (r *Ring) PrepAccept(userData uint64, fd int, rsa *unix.RawSockaddrAny, socklen *uint32, flags uint32) error {
	return r.prep(OpAccept, int32(fd),
		uint64(uintptr(unsafe.Pointer(rsa))), 0,
		uint64(uintptr(unsafe.Pointer(socklen))), userData, flags)
}

// PrepConnect queues a connect to the raw address. rsa must stay
// referenced until the completion is reaped.
func (r *Ring) PrepConnect(userData uint64, fd int, rsa *unix.RawSockaddrAny, socklen uint32) error {
	return r.prep(OpConnect, int32(fd),
		uint64(uintptr(unsafe.Pointer(rsa))), 0, uint64(socklen), userData, 0)
}

// PrepTimeout queues a relative timeout that completes with -ETIME at
// expiry. ts must stay referenced until the completion is reaped.
func (r *Ring) PrepTimeout(userData uint64, ts *unix.Timespec) error {
	return r.prep(OpTimeout, -1, uint64(uintptr(unsafe.Pointer(ts))), 1, 0, userData, 0)
}

// PrepTimeoutRemove queues removal of the timeout identified by target.
// The removed timeout completes with -ECANCELED.
func (r *Ring) PrepTimeoutRemove(userData, target uint64) error {
	return r.prep(OpTimeoutRemove, -1, target, 0, 0, userData, 0)
}

// PrepCancel queues cancellation of the operation identified by target.
// The victim completes with -ECANCELED if it had not already finished.
func (r *Ring) PrepCancel(userData, target uint64) error {
	return r.prep(OpAsyncCancel, -1, target, 0, 0, userData, 0)
}

// PrepShutdown queues a socket shutdown, how takes SHUT_* values.
func (r *Ring) PrepShutdown(userData uint64, fd, how int) error {
	return r.prep(OpShutdown, int32(fd), 0, uint32(how), 0, userData, 0)
}

// PrepClose queues a descriptor close.
func (r *Ring) PrepClose(userData uint64, fd int) error {
	return r.prep(OpClose, int32(fd), 0, 0, 0, userData, 0)
}
