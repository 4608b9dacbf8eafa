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

// Package uring wraps the raw io_uring system calls. It owns the ring
// file descriptor and the three shared-memory regions and exposes slot
// acquisition, submission and completion draining to the Linux driver.
// A Ring is not safe for concurrent use; the driver serializes access.
package uring

import (
	"errors"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrRingFull is returned by NextSQE when every submission slot is
// occupied by entries not yet consumed by the kernel.
var ErrRingFull = errors.New("uring: submission queue is full")

// sigsetSize is _NSIG/8, the signal mask size io_uring_enter expects
// inside getEventsArg even when no mask is supplied.
const sigsetSize = 8

// Ring is a userspace handle to one io_uring instance.
type Ring struct {
	fd     int
	params Params

	sqMem  []byte
	cqMem  []byte
	sqeMem []byte

	sqHead    *uint32
	sqTail    *uint32
	sqMask    *uint32
	sqArray   []uint32
	sqeStride uintptr

	cqHead    *uint32
	cqTail    *uint32
	cqMask    *uint32
	cqeStride uintptr

	// SQEs handed out since the last successful enter.
	sqePending uint32
}

// New creates an io_uring instance with at least entries submission
// slots. Flag sets are walked from richest to plainest because older
// kernels reject unknown setup bits, and the ring is halved on ENOMEM
// since memlock limits commonly bite unprivileged processes.
func New(entries, flags uint32) (*Ring, error) {
	if entries == 0 {
		entries = DefaultEntries
	}
	flagSets := [...]uint32{
		flags | SetupClamp | SetupCoopTaskrun,
		flags | SetupClamp,
	}
	var err error
	for i, setupFlags := range flagSets {
		var r *Ring
		r, err = setup(entries, setupFlags)
		if err == nil {
			return r, nil
		}
		if i < len(flagSets)-1 && errors.Is(err, unix.EINVAL) {
			continue
		}
		break
	}
	return nil, err
}

func setup(entries, flags uint32) (*Ring, error) {
	for {
		params := Params{Flags: flags}
		fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP,
			uintptr(entries), uintptr(unsafe.Pointer(&params)), 0)
		if errno != 0 {
			if errno == unix.ENOMEM && entries > minEntries {
				entries /= 2
				continue
			}
			return nil, os.NewSyscallError("io_uring_setup", errno)
		}

		r := &Ring{fd: int(fd), params: params}
		if err := r.mapRings(); err != nil {
			unix.Close(r.fd)
			return nil, err
		}
		r.limitWorkers()
		return r, nil
	}
}

// mapRings maps the submission ring, the completion ring and the SQE
// slab. The kernel serves the SQ and CQ offsets from one region on
// recent kernels, but mapping them separately stays valid there too,
// so no FeatSingleMmap special case is needed.
func (r *Ring) mapRings() error {
	r.sqeStride = sqeSize64
	if r.params.Flags&SetupSQE128 != 0 {
		r.sqeStride = sqeSize128
	}
	r.cqeStride = cqeSize16
	if r.params.Flags&SetupCQE32 != 0 {
		r.cqeStride = cqeSize32
	}

	sqSize := pageAlign(uintptr(r.params.SQOff.Array) + uintptr(r.params.SQEntries)*4)
	cqSize := pageAlign(uintptr(r.params.CQOff.Cqes) + uintptr(r.params.CQEntries)*r.cqeStride)
	sqeSize := pageAlign(uintptr(r.params.SQEntries) * r.sqeStride)

	var err error
	r.sqMem, err = unix.Mmap(r.fd, offSQRing, int(sqSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return os.NewSyscallError("mmap", err)
	}
	r.cqMem, err = unix.Mmap(r.fd, offCQRing, int(cqSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		r.unmap()
		return os.NewSyscallError("mmap", err)
	}
	r.sqeMem, err = unix.Mmap(r.fd, offSQEs, int(sqeSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		r.unmap()
		return os.NewSyscallError("mmap", err)
	}

	sqOff := &r.params.SQOff
	r.sqHead = (*uint32)(unsafe.Pointer(&r.sqMem[sqOff.Head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&r.sqMem[sqOff.Tail]))
	r.sqMask = (*uint32)(unsafe.Pointer(&r.sqMem[sqOff.RingMask]))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&r.sqMem[sqOff.Array])), r.params.SQEntries)

	cqOff := &r.params.CQOff
	r.cqHead = (*uint32)(unsafe.Pointer(&r.cqMem[cqOff.Head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.cqMem[cqOff.Tail]))
	r.cqMask = (*uint32)(unsafe.Pointer(&r.cqMem[cqOff.RingMask]))

	// The indirection array never changes, map slot i to SQE i once.
	for i := range r.sqArray {
		r.sqArray[i] = uint32(i)
	}
	return nil
}

// limitWorkers caps the kernel io-wq pool that io_uring spawns for
// operations punted to worker threads. Errors are ignored, the opcode
// does not exist before 5.15 and the default behavior is still correct.
func (r *Ring) limitWorkers() {
	workers := [2]uint32{4, 4}
	unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(r.fd),
		RegisterIowqMaxWorkers, uintptr(unsafe.Pointer(&workers[0])), 2, 0, 0)
}

// Probe queries the kernel for the opcodes this ring supports.
func (r *Ring) Probe() (*Probe, error) {
	var p Probe
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(r.fd),
		RegisterProbe, uintptr(unsafe.Pointer(&p)), uintptr(len(p.Ops)), 0, 0)
	if errno != 0 {
		return nil, os.NewSyscallError("io_uring_register", errno)
	}
	return &p, nil
}

// Fd returns the ring file descriptor.
func (r *Ring) Fd() int { return r.fd }

// Features returns the feature bits reported at setup.
func (r *Ring) Features() uint32 { return r.params.Features }

// Flags returns the setup flags the ring was actually created with.
func (r *Ring) Flags() uint32 { return r.params.Flags }

// SQEntries returns the negotiated submission ring size.
func (r *Ring) SQEntries() uint32 { return r.params.SQEntries }

// CQEntries returns the negotiated completion ring size.
func (r *Ring) CQEntries() uint32 { return r.params.CQEntries }

// HasExtArg reports whether io_uring_enter accepts a timeout argument,
// sparing the driver a sentinel timeout SQE per wait.
func (r *Ring) HasExtArg() bool { return r.params.Features&FeatExtArg != 0 }

// Pending returns the number of SQEs acquired but not yet submitted.
func (r *Ring) Pending() uint32 { return r.sqePending }

func (r *Ring) sqeAt(idx uint32) *SQE {
	return (*SQE)(unsafe.Pointer(&r.sqeMem[uintptr(idx)*r.sqeStride]))
}

func (r *Ring) cqeAt(idx uint32) *CQE {
	return (*CQE)(unsafe.Pointer(&r.cqMem[uintptr(r.params.CQOff.Cqes)+uintptr(idx)*r.cqeStride]))
}

// NextSQE acquires and zeroes the next submission slot. The entry only
// becomes visible to the kernel at the next enter, so the caller fills
// it in after the tail bump. Any buffers an entry points at must stay
// referenced until its completion is reaped.
func (r *Ring) NextSQE() (*SQE, error) {
	head := atomic.LoadUint32(r.sqHead)
	tail := atomic.LoadUint32(r.sqTail)
	if tail-head >= r.params.SQEntries {
		return nil, ErrRingFull
	}

	idx := tail & *r.sqMask
	sqe := r.sqeAt(idx)
	if r.sqeStride == sqeSize128 {
		slot := r.sqeMem[uintptr(idx)*sqeSize128:]
		for i := 0; i < sqeSize128; i++ {
			slot[i] = 0
		}
	} else {
		*sqe = SQE{}
	}

	atomic.StoreUint32(r.sqTail, tail+1)
	r.sqePending++
	return sqe, nil
}

// Flush submits acquired SQEs without waiting for completions.
func (r *Ring) Flush() error {
	if r.sqePending == 0 {
		return nil
	}
	return r.enter(r.sqePending, 0, 0, nil)
}

// Submit flushes acquired SQEs and waits for at least one completion.
// A nil ts blocks indefinitely; otherwise the wait is bounded through
// the enter timeout argument, which the caller must have verified via
// HasExtArg. Returning nil with no completions reaped is possible when
// the wait times out or is interrupted.
func (r *Ring) Submit(ts *unix.Timespec) error {
	flags := EnterGetevents
	var arg *getEventsArg
	if ts != nil {
		arg = &getEventsArg{
			SigmaskSz: sigsetSize,
			TS:        uint64(uintptr(unsafe.Pointer(ts))),
		}
		flags |= EnterExtArg
	}
	err := r.enter(r.sqePending, 1, flags, arg)
	runtime.KeepAlive(ts)
	return err
}

func (r *Ring) enter(toSubmit, minComplete, flags uint32, arg *getEventsArg) error {
	var argp uintptr
	var argsz uintptr
	if arg != nil {
		argp = uintptr(unsafe.Pointer(arg))
		argsz = unsafe.Sizeof(*arg)
	}
	for {
		_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd),
			uintptr(toSubmit), uintptr(minComplete), uintptr(flags), argp, argsz)
		runtime.KeepAlive(arg)
		switch errno {
		case 0:
			r.sqePending = 0
			return nil
		case unix.EINTR:
			// A signal lands before any SQE is consumed, otherwise the
			// call reports the submit count. Retry while entries are at
			// stake, hand a bare wait back to the caller's poll cycle.
			if toSubmit > 0 {
				continue
			}
			return nil
		case unix.EBUSY:
			// Completion ring overflow. Entries stay pending until the
			// caller drains and retries.
			return os.NewSyscallError("io_uring_enter", errno)
		default:
			return os.NewSyscallError("io_uring_enter", errno)
		}
	}
}

// Drain invokes fn for every reaped completion and advances the CQ
// head. Buffers pinned by the corresponding submissions may be released
// once fn has seen the entry.
func (r *Ring) Drain(fn func(CQE)) int {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	n := 0
	for ; head != tail; head++ {
		fn(*r.cqeAt(head & *r.cqMask))
		n++
	}
	if n > 0 {
		atomic.StoreUint32(r.cqHead, head)
	}
	return n
}

func (r *Ring) unmap() {
	for _, mem := range [][]byte{r.sqMem, r.cqMem, r.sqeMem} {
		if mem != nil {
			unix.Munmap(mem)
		}
	}
	r.sqMem, r.cqMem, r.sqeMem = nil, nil, nil
}

// Close unmaps the shared regions and closes the ring fd. In-flight
// operations are implicitly cancelled by the kernel.
func (r *Ring) Close() error {
	if r.fd == 0 {
		return nil
	}
	r.unmap()
	err := unix.Close(r.fd)
	r.fd = 0
	return os.NewSyscallError("close", err)
}

func pageAlign(n uintptr) uintptr {
	pageSize := uintptr(unix.Getpagesize())
	return (n + pageSize - 1) &^ (pageSize - 1)
}
