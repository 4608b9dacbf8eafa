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

//go:build linux

package netpoll

import (
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Poller monitors file-descriptors for readiness on top of epoll.
type Poller struct {
	fd             int    // epoll fd
	wfd            int    // eventfd used to interrupt a blocking wait
	wfdBuf         []byte // wfd buffer to read packet
	netpollWakeSig int32
	el             *eventList
}

// OpenPoller instantiates a poller.
func OpenPoller() (poller *Poller, err error) {
	poller = new(Poller)
	if poller.fd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		poller = nil
		err = os.NewSyscallError("epoll_create1", err)
		return
	}
	if poller.wfd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		_ = unix.Close(poller.fd)
		poller = nil
		err = os.NewSyscallError("eventfd", err)
		return
	}
	poller.wfdBuf = make([]byte, 8)
	if err = poller.addRead(poller.wfd); err != nil {
		_ = poller.Close()
		poller = nil
		return
	}
	poller.el = newEventList(InitPollEventsCap)
	return
}

// Close closes the poller.
func (p *Poller) Close() error {
	if err := os.NewSyscallError("close", unix.Close(p.fd)); err != nil {
		return err
	}
	return os.NewSyscallError("close", unix.Close(p.wfd))
}

// Make the endianness of bytes compatible with more linux OSs under different processor-architectures,
// according to http://man7.org/linux/man-pages/man2/eventfd.2.html.
var (
	u uint64 = 1
	b        = (*(*[8]byte)(unsafe.Pointer(&u)))[:]
)

// Wake interrupts a concurrent Wait. Multiple calls between two waits
// collapse into a single eventfd write.
func (p *Poller) Wake() (err error) {
	if atomic.CompareAndSwapInt32(&p.netpollWakeSig, 0, 1) {
		for _, err = unix.Write(p.wfd, b); err == unix.EINTR || err == unix.EAGAIN; _, err = unix.Write(p.wfd, b) {
		}
	}
	return os.NewSyscallError("write", err)
}

// ResetWakeSig rearms the wakeup edge, callers invoke it after draining
// whatever work the wakeup announced.
func (p *Poller) ResetWakeSig() {
	atomic.StoreInt32(&p.netpollWakeSig, 0)
}

// Wait performs one epoll_wait pass bounded by d (d < 0 blocks indefinitely,
// d == 0 polls) and invokes fn for every ready descriptor. It returns the
// number of descriptor events dispatched, wakeups are consumed internally and
// not counted. A return of (0, nil) means timeout, interruption or wakeup.
func (p *Poller) Wait(d time.Duration, fn func(fd int, ev Event)) (int, error) {
	msec := -1
	if d >= 0 {
		msec = int((d + time.Millisecond - 1) / time.Millisecond)
	}

	n, err := unix.EpollWait(p.fd, p.el.events, msec)
	if n < 0 {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		ev := &p.el.events[i]
		fd := int(ev.Fd)
		if fd == p.wfd { // poller is awaken to run tasks in caller's queues.
			_, _ = unix.Read(p.wfd, p.wfdBuf)
			continue
		}
		fn(fd, translateEvents(ev.Events))
		dispatched++
	}

	if n == p.el.size {
		p.el.expand()
	} else if n < p.el.size>>1 {
		p.el.shrink()
	}

	return dispatched, nil
}

const (
	readEvents      = unix.EPOLLPRI | unix.EPOLLIN
	writeEvents     = unix.EPOLLOUT
	readWriteEvents = readEvents | writeEvents
	errEvents       = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
)

func translateEvents(raw uint32) Event {
	var ev Event
	if raw&readEvents != 0 {
		ev |= EventRead
	}
	if raw&writeEvents != 0 {
		ev |= EventWrite
	}
	if raw&errEvents != 0 {
		ev |= EventHup | EventRead | EventWrite
	}
	return ev
}

// Update reconciles the registered interest of fd from the old (r, w) pair
// to the wanted one, issuing the minimal epoll_ctl call.
func (p *Poller) Update(fd int, oldR, oldW, wantR, wantW bool) error {
	if oldR == wantR && oldW == wantW {
		return nil
	}

	if !wantR && !wantW {
		return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil))
	}

	var events uint32
	if wantR {
		events |= readEvents
	}
	if wantW {
		events |= writeEvents
	}

	op := unix.EPOLL_CTL_MOD
	if !oldR && !oldW {
		op = unix.EPOLL_CTL_ADD
	}
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, op, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}))
}

func (p *Poller) addRead(fd int) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: readEvents}))
}
