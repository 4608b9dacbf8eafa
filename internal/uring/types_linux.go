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

// sqRingOffsets mirrors struct io_sqring_offsets.
type sqRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	Resv2       uint64
}

// cqRingOffsets mirrors struct io_cqring_offsets.
type cqRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	Resv2       uint64
}

// Params mirrors struct io_uring_params, filled in by io_uring_setup(2).
type Params struct {
	SQEntries    uint32
	CQEntries    uint32
	Flags        uint32
	SQThreadCPU  uint32
	SQThreadIdle uint32
	Features     uint32
	WQFd         uint32
	Resv         [3]uint32
	SQOff        sqRingOffsets
	CQOff        cqRingOffsets
}

// SQE mirrors the 64-byte struct io_uring_sqe. When the ring is created
// with SetupSQE128 each slot occupies 128 bytes and the trailing half is
// zeroed padding available to extended opcodes.
type SQE struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	_pad2       uint64
}

// CQE mirrors the 16-byte struct io_uring_cqe. With SetupCQE32 each slot
// occupies 32 bytes and carries 16 extra bytes of opcode-specific data.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// getEventsArg mirrors struct io_uring_getevents_arg, consumed by
// io_uring_enter(2) when EnterExtArg is set.
type getEventsArg struct {
	Sigmask   uint64
	SigmaskSz uint32
	Pad       uint32
	TS        uint64
}

// probeOp mirrors struct io_uring_probe_op.
type probeOp struct {
	Op    uint8
	Resv  uint8
	Flags uint16
	Resv2 uint32
}

// probe mirrors struct io_uring_probe followed by 256 probe ops.
type probe struct {
	LastOp uint8
	OpsLen uint8
	Resv   uint16
	Resv2  [3]uint32
	Ops    [256]probeOp
}

// Supported reports whether the probed kernel accepts op.
func (p *probe) Supported(op uint8) bool {
	if op > p.LastOp {
		return false
	}
	return p.Ops[op].Flags&opSupportedFlag != 0
}
