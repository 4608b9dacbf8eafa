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
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/unio-io/unio/internal/socket"
	"github.com/unio-io/unio/internal/uring"
	errorx "github.com/unio-io/unio/pkg/errors"
)

// Reserved user_data tokens, always below firstOperationID and with a
// zero kind byte so they can never collide with packed operation IDs.
const (
	tokenWake        = 0 // the armed eventfd read
	tokenWaitTimeout = 1 // auxiliary wait bound on kernels without EXT_ARG
	tokenIgnore      = 2 // acks of cancel and timeout-remove entries
)

// user_data layout: operation ID in the low 56 bits, kind+1 in the top
// byte. The kind rides along so completions can be labelled without a
// table lookup; +1 keeps the top byte nonzero, distinguishing packed
// IDs from reserved tokens.
func packUserData(p *pending) uint64 {
	return uint64(p.id) | uint64(p.op.kind+1)<<56
}

func unpackUserData(ud uint64) (ID, Kind) {
	return ID(ud & (1<<56 - 1)), Kind(ud>>56) - 1
}

// uringBackend drives operations through a raw io_uring instance. All
// state is owned by the reactor goroutine except wakeSig.
type uringBackend struct {
	ring *uring.Ring
	sink completionSink
	cap  Capability

	wakeFd    int
	wakeSig   int32
	wakeBuf   []byte
	wakeIov   []unix.Iovec
	wakeArmed bool

	// hasOpRead steers single-buffer transfers to READ/WRITE; kernels
	// before 5.6 get the readv path instead.
	hasOpRead bool
	extArg    bool

	waitTS unix.Timespec
	auxTS  unix.Timespec
}

func newUringBackend(opts *Options, sink completionSink) (*uringBackend, error) {
	var flags uint32
	if opts.SQE128 {
		flags |= uring.SetupSQE128
	}
	if opts.CQE32 {
		flags |= uring.SetupCQE32
	}

	ring, err := uring.New(uint32(opts.QueueDepth), flags)
	if err != nil {
		return nil, err
	}

	b := &uringBackend{
		ring:    ring,
		sink:    sink,
		extArg:  ring.HasExtArg(),
		wakeBuf: make([]byte, 8),
	}
	b.wakeIov = []unix.Iovec{iovec(b.wakeBuf)}

	ops := kindMask(Nop, Read, Write, Readv, Writev, RecvFrom, SendTo,
		Accept, Connect, Timeout, Close)
	if probe, perr := ring.Probe(); perr == nil {
		b.hasOpRead = probe.Supported(uring.OpRead)
		if probe.Supported(uring.OpShutdown) {
			ops |= kindMask(Shutdown)
		}
	}
	b.wakeFd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		ring.Close()
		return nil, err
	}

	b.cap = Capability{
		Backend:    BackendCompletion,
		QueueDepth: opts.QueueDepth,
		SQE128:     ring.Flags()&uring.SetupSQE128 != 0,
		CQE32:      ring.Flags()&uring.SetupCQE32 != 0,
		TimedWait:  b.extArg,
		ops:        ops,
	}
	return b, nil
}

func (b *uringBackend) kind() BackendKind { return BackendCompletion }

func (b *uringBackend) capability() Capability { return b.cap }

func (b *uringBackend) nativeTimeout() bool { return true }

// pins keep user memory referenced between submission and completion.
// peerAddrPin is implemented by the ones that carry a kernel-filled
// peer address; the reactor lifts it into Completion.Addr on success.

type vecPin struct {
	iovs []unix.Iovec
}

type msgPin struct {
	msg  unix.Msghdr
	iovs [1]unix.Iovec
	rsa  unix.RawSockaddrAny
}

func (mp *msgPin) peerAddr() net.Addr {
	sa, err := uring.RawToSockaddr(&mp.rsa)
	if err != nil || sa == nil {
		return nil
	}
	return socket.SockaddrToUDPAddr(sa)
}

type acceptPin struct {
	rsa     unix.RawSockaddrAny
	socklen uint32
}

func (ap *acceptPin) peerAddr() net.Addr {
	sa, err := uring.RawToSockaddr(&ap.rsa)
	if err != nil || sa == nil {
		return nil
	}
	return socket.SockaddrToTCPOrUnixAddr(sa)
}

type timespecPin struct {
	ts unix.Timespec
}

func iovec(buf []byte) unix.Iovec {
	var iov unix.Iovec
	if len(buf) > 0 {
		iov.Base = &buf[0]
	}
	iov.SetLen(len(buf))
	return iov
}

func iovecs(bufs [][]byte) []unix.Iovec {
	if len(bufs) > iovMax {
		bufs = bufs[:iovMax]
	}
	iovs := make([]unix.Iovec, len(bufs))
	for i, buf := range bufs {
		iovs[i] = iovec(buf)
	}
	return iovs
}

func (b *uringBackend) arm(p *pending) error {
	op := p.op
	ud := packUserData(p)

	err := b.prepRetrying(func() error {
		switch op.kind {
		case Nop:
			return b.ring.PrepNop(ud)
		case Read:
			if b.hasOpRead {
				return b.ring.PrepRead(ud, op.fd, op.buf)
			}
			pin := &vecPin{iovs: []unix.Iovec{iovec(op.buf)}}
			p.pin = pin
			return b.ring.PrepReadv(ud, op.fd, pin.iovs)
		case Write:
			if b.hasOpRead {
				return b.ring.PrepWrite(ud, op.fd, op.buf)
			}
			pin := &vecPin{iovs: []unix.Iovec{iovec(op.buf)}}
			p.pin = pin
			return b.ring.PrepWritev(ud, op.fd, pin.iovs)
		case Readv:
			pin := &vecPin{iovs: iovecs(op.bufs)}
			p.pin = pin
			return b.ring.PrepReadv(ud, op.fd, pin.iovs)
		case Writev:
			pin := &vecPin{iovs: iovecs(op.bufs)}
			p.pin = pin
			return b.ring.PrepWritev(ud, op.fd, pin.iovs)
		case RecvFrom:
			pin := new(msgPin)
			pin.iovs[0] = iovec(op.buf)
			pin.msg.Name = (*byte)(unsafe.Pointer(&pin.rsa))
			pin.msg.Namelen = unix.SizeofSockaddrAny
			pin.msg.Iov = &pin.iovs[0]
			pin.msg.SetIovlen(1)
			p.pin = pin
			return b.ring.PrepRecvmsg(ud, op.fd, &pin.msg, 0)
		case SendTo:
			sa, saErr := socket.NetAddrToSockaddr(op.addr)
			if saErr != nil {
				return saErr
			}
			raw, socklen, rawErr := uring.SockaddrToRaw(sa)
			if rawErr != nil {
				return rawErr
			}
			pin := new(msgPin)
			pin.rsa = *raw
			pin.iovs[0] = iovec(op.buf)
			pin.msg.Name = (*byte)(unsafe.Pointer(&pin.rsa))
			pin.msg.Namelen = socklen
			pin.msg.Iov = &pin.iovs[0]
			pin.msg.SetIovlen(1)
			p.pin = pin
			return b.ring.PrepSendmsg(ud, op.fd, &pin.msg, 0)
		case Accept:
			pin := &acceptPin{socklen: unix.SizeofSockaddrAny}
			p.pin = pin
			return b.ring.PrepAccept(ud, op.fd, &pin.rsa, &pin.socklen,
				unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		case Connect:
			sa, saErr := socket.NetAddrToSockaddr(op.addr)
			if saErr != nil {
				return saErr
			}
			raw, socklen, rawErr := uring.SockaddrToRaw(sa)
			if rawErr != nil {
				return rawErr
			}
			pin := &acceptPin{rsa: *raw, socklen: socklen}
			p.pin = pin
			return b.ring.PrepConnect(ud, op.fd, &pin.rsa, pin.socklen)
		case Timeout:
			pin := &timespecPin{ts: unix.NsecToTimespec(op.dur.Nanoseconds())}
			p.pin = pin
			return b.ring.PrepTimeout(ud, &pin.ts)
		case Shutdown:
			return b.ring.PrepShutdown(ud, op.fd, op.how)
		case Close:
			return b.ring.PrepClose(ud, op.fd)
		}
		return errorx.ErrUnsupported
	})
	if err != nil {
		p.pin = nil
	}
	return err
}

// prepRetrying flushes and retries once when the submission ring has no
// free slot, which happens when a burst of arms outruns one enter.
func (b *uringBackend) prepRetrying(prep func() error) error {
	err := prep()
	if err != uring.ErrRingFull {
		return err
	}
	if err = b.ring.Flush(); err != nil {
		return errArmRetry
	}
	if err = prep(); err == uring.ErrRingFull {
		return errArmRetry
	}
	return err
}

func (b *uringBackend) cancel(p *pending) bool {
	target := packUserData(p)
	err := b.prepRetrying(func() error {
		if p.op.kind == Timeout {
			return b.ring.PrepTimeoutRemove(tokenIgnore, target)
		}
		return b.ring.PrepCancel(tokenIgnore, target)
	})
	if err != nil {
		// Best effort: the operation finishes on its own terms.
		return false
	}
	return false
}

// ensureWakeArmed keeps one eventfd read in flight so cross-goroutine
// submits can interrupt a blocked enter.
func (b *uringBackend) ensureWakeArmed() {
	if b.wakeArmed {
		return
	}
	err := b.prepRetrying(func() error {
		return b.ring.PrepReadv(tokenWake, b.wakeFd, b.wakeIov)
	})
	if err == nil {
		b.wakeArmed = true
	}
}

func (b *uringBackend) wait(d time.Duration) error {
	b.ensureWakeArmed()

	var err error
	switch {
	case d == 0:
		err = b.ring.Flush()
	case d < 0:
		err = b.ring.Submit(nil)
	case b.extArg:
		b.waitTS = unix.NsecToTimespec(d.Nanoseconds())
		err = b.ring.Submit(&b.waitTS)
	default:
		// No EXT_ARG: bound the wait with a reserved TIMEOUT entry,
		// retiring the previous one first so at most one is live.
		b.auxTS = unix.NsecToTimespec(d.Nanoseconds())
		perr := b.prepRetrying(func() error {
			return b.ring.PrepTimeoutRemove(tokenIgnore, tokenWaitTimeout)
		})
		if perr == nil {
			perr = b.prepRetrying(func() error {
				return b.ring.PrepTimeout(tokenWaitTimeout, &b.auxTS)
			})
		}
		if perr != nil {
			err = b.ring.Flush()
			break
		}
		err = b.ring.Submit(nil)
	}

	n := b.ring.Drain(b.route)
	if err != nil && errors.Is(err, unix.EBUSY) && n > 0 {
		// Completion ring overflow cleared by the drain above.
		err = nil
	}
	return err
}

// route translates one CQE into a sink delivery, filtering the reserved
// tokens and folding negative results into the error taxonomy.
func (b *uringBackend) route(cqe uring.CQE) {
	switch cqe.UserData {
	case tokenWake:
		b.wakeArmed = false
		atomic.StoreInt32(&b.wakeSig, 0)
		return
	case tokenWaitTimeout, tokenIgnore:
		return
	}

	id, kind := unpackUserData(cqe.UserData)
	res := int(cqe.Res)
	var err error
	if res < 0 {
		errno := unix.Errno(-res)
		if kind == Timeout && errno == unix.ETIME {
			// Expiry is the timeout's success case.
			res = 0
		} else {
			err = mapErrno(kind.String(), errno)
			res = 0
		}
	}
	b.sink(id, res, cqe.Flags, err, nil)
}

func (b *uringBackend) wake() error {
	if !atomic.CompareAndSwapInt32(&b.wakeSig, 0, 1) {
		return nil
	}
	var x uint64 = 1
	buf := (*(*[8]byte)(unsafe.Pointer(&x)))[:]
	for {
		_, err := unix.Write(b.wakeFd, buf)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		return err
	}
}

func (b *uringBackend) close() error {
	err := b.ring.Close()
	if b.wakeFd > 0 {
		unix.Close(b.wakeFd)
		b.wakeFd = 0
	}
	return err
}
