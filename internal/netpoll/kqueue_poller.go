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

//go:build freebsd || dragonfly || darwin

package netpoll

import (
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Poller monitors file-descriptors for readiness on top of kqueue.
type Poller struct {
	fd             int
	netpollWakeSig int32
	el             *eventList
}

// OpenPoller instantiates a poller.
func OpenPoller() (poller *Poller, err error) {
	poller = new(Poller)
	if poller.fd, err = unix.Kqueue(); err != nil {
		poller = nil
		err = os.NewSyscallError("kqueue", err)
		return
	}
	if _, err = unix.Kevent(poller.fd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil); err != nil {
		_ = poller.Close()
		poller = nil
		err = os.NewSyscallError("kevent add|clear", err)
		return
	}
	poller.el = newEventList(InitPollEventsCap)
	return
}

// Close closes the poller.
func (p *Poller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

var note = []unix.Kevent_t{{
	Ident:  0,
	Filter: unix.EVFILT_USER,
	Fflags: unix.NOTE_TRIGGER,
}}

// Wake interrupts a concurrent Wait. Multiple calls between two waits
// collapse into a single user-event trigger.
func (p *Poller) Wake() (err error) {
	if atomic.CompareAndSwapInt32(&p.netpollWakeSig, 0, 1) {
		if _, err = unix.Kevent(p.fd, note, nil, nil); err == unix.EAGAIN {
			err = nil
		}
	}
	return os.NewSyscallError("kevent trigger", err)
}

// ResetWakeSig rearms the wakeup edge, callers invoke it after draining
// whatever work the wakeup announced.
func (p *Poller) ResetWakeSig() {
	atomic.StoreInt32(&p.netpollWakeSig, 0)
}

// Wait performs one kevent pass bounded by d (d < 0 blocks indefinitely,
// d == 0 polls) and invokes fn for every ready descriptor. It returns the
// number of descriptor events dispatched, wakeups are consumed internally and
// not counted. A return of (0, nil) means timeout, interruption or wakeup.
func (p *Poller) Wait(d time.Duration, fn func(fd int, ev Event)) (int, error) {
	var tsp *unix.Timespec
	if d >= 0 {
		ts := unix.NsecToTimespec(d.Nanoseconds())
		tsp = &ts
	}

	n, err := unix.Kevent(p.fd, nil, p.el.events, tsp)
	if n < 0 {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("kevent wait", err)
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		ev := &p.el.events[i]
		fd := int(ev.Ident)
		if fd == 0 { // poller is awakened to run tasks in caller's queues.
			continue
		}
		fn(fd, translateFilter(ev))
		dispatched++
	}

	if n == p.el.size {
		p.el.expand()
	} else if n < p.el.size>>1 {
		p.el.shrink()
	}

	return dispatched, nil
}

func translateFilter(ev *unix.Kevent_t) Event {
	var e Event
	switch ev.Filter {
	case unix.EVFILT_READ:
		e |= EventRead
	case unix.EVFILT_WRITE:
		e |= EventWrite
	}
	if ev.Flags&unix.EV_EOF != 0 || ev.Flags&unix.EV_ERROR != 0 {
		e |= EventHup | EventRead | EventWrite
	}
	return e
}

// Update reconciles the registered interest of fd from the old (r, w) pair
// to the wanted one. kqueue keeps independent filters per direction, so each
// direction is added or deleted on its own.
func (p *Poller) Update(fd int, oldR, oldW, wantR, wantW bool) error {
	changes := make([]unix.Kevent_t, 0, 2)
	if wantR != oldR {
		flags := uint16(unix.EV_ADD)
		if !wantR {
			flags = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Flags: flags, Filter: unix.EVFILT_READ})
	}
	if wantW != oldW {
		flags := uint16(unix.EV_ADD)
		if !wantW {
			flags = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Flags: flags, Filter: unix.EVFILT_WRITE})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.fd, changes, nil, nil)
	return os.NewSyscallError("kevent update", err)
}
