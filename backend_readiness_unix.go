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

//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

package unio

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/unio-io/unio/internal/netpoll"
	"github.com/unio-io/unio/internal/socket"
	errorx "github.com/unio-io/unio/pkg/errors"
)

type direction int

const (
	dirRead direction = iota
	dirWrite
)

// fdNode carries the armed operations of one descriptor, a FIFO per
// direction, plus the interest currently registered with the poller.
type fdNode struct {
	fd         int
	r, w       []*pending
	regR, regW bool
}

func (n *fdNode) queue(dir direction) *[]*pending {
	if dir == dirRead {
		return &n.r
	}
	return &n.w
}

// netpollBackend drives operations over readiness notifications: it
// registers interest, performs the actual syscall once the poller
// reports the descriptor ready, and synthesizes completions that are
// indistinguishable from the completion-based drivers.
type netpollBackend struct {
	poller *netpoll.Poller
	nodes  map[int]*fdNode
	sink   completionSink
	cap    Capability
}

func newNetpollBackend(opts *Options, sink completionSink) (*netpollBackend, error) {
	poller, err := netpoll.OpenPoller()
	if err != nil {
		return nil, err
	}
	return &netpollBackend{
		poller: poller,
		nodes:  make(map[int]*fdNode),
		sink:   sink,
		cap: Capability{
			Backend:    BackendReadiness,
			QueueDepth: opts.QueueDepth,
			TimedWait:  true,
			ops:        allKindsMask(),
		},
	}, nil
}

func (b *netpollBackend) kind() BackendKind { return BackendReadiness }

func (b *netpollBackend) capability() Capability { return b.cap }

func (b *netpollBackend) nativeTimeout() bool { return false }

func (b *netpollBackend) wake() error { return b.poller.Wake() }

func (b *netpollBackend) node(fd int) *fdNode {
	n := b.nodes[fd]
	if n == nil {
		n = &fdNode{fd: fd}
		b.nodes[fd] = n
	}
	return n
}

func (b *netpollBackend) arm(p *pending) error {
	op := p.op
	switch op.kind {
	case Shutdown:
		// shutdown(2) never blocks.
		b.sink(p.id, 0, 0, b.armError(unix.Shutdown(op.fd, op.how), "shutdown"), nil)
		return nil
	case Close:
		b.closeFd(p)
		return nil
	}

	dir := dirWrite
	switch op.kind {
	case Read, Readv, RecvFrom, Accept:
		dir = dirRead
	}

	node := b.node(op.fd)
	q := node.queue(dir)

	// Attempt the syscall up front when nothing is queued ahead; most
	// sockets are ready and the poller round-trip is wasted on them.
	// Connect must issue its syscall now regardless, it is what starts
	// the handshake.
	if len(*q) == 0 || op.kind == Connect {
		res, addr, err, ready := b.attempt(p, true)
		if ready {
			b.sink(p.id, res, 0, err, addr)
			b.updateInterest(node)
			return nil
		}
	}

	*q = append(*q, p)
	b.updateInterest(node)
	return nil
}

// closeFd resolves a Close operation. Any operation still armed on the
// same descriptor is failed with ErrClosed first, because the kernel
// will never report events for it again.
func (b *netpollBackend) closeFd(p *pending) {
	if node := b.nodes[p.op.fd]; node != nil {
		b.failNode(node, errorx.ErrClosed)
	}
	err := unix.Close(p.op.fd)
	b.sink(p.id, 0, 0, b.armError(err, "close"), nil)
}

func (b *netpollBackend) failNode(node *fdNode, failure error) {
	for _, q := range []*[]*pending{&node.r, &node.w} {
		for _, armed := range *q {
			b.sink(armed.id, 0, 0, failure, nil)
		}
		*q = nil
	}
	b.updateInterest(node)
}

// attempt performs the syscall behind p once. ready is false only when
// the descriptor turned out not to be ready yet (EAGAIN, or a connect
// still in progress).
func (b *netpollBackend) attempt(p *pending, initial bool) (res int, addr net.Addr, err error, ready bool) {
	op := p.op
	switch op.kind {
	case Read:
		n, errno := ignoringEINTR(func() (int, error) { return unix.Read(op.fd, op.buf) })
		return b.outcome(n, errno, "read")
	case Readv:
		n, errno := rawReadv(op.fd, op.bufs)
		return b.outcome(n, errno, "readv")
	case Write:
		n, errno := ignoringEINTR(func() (int, error) { return unix.Write(op.fd, op.buf) })
		return b.outcome(n, errno, "write")
	case Writev:
		n, errno := rawWritev(op.fd, op.bufs)
		return b.outcome(n, errno, "writev")
	case RecvFrom:
		for {
			n, sa, errno := unix.Recvfrom(op.fd, op.buf, 0)
			if errno == unix.EINTR {
				continue
			}
			res, addr, err, ready = b.outcome(n, errno, "recvfrom")
			if ready && err == nil && sa != nil {
				addr = socket.SockaddrToUDPAddr(sa)
			}
			return
		}
	case SendTo:
		sa, saErr := socket.NetAddrToSockaddr(op.addr)
		if saErr != nil {
			return 0, nil, saErr, true
		}
		for {
			errno := unix.Sendto(op.fd, op.buf, 0, sa)
			if errno == unix.EINTR {
				continue
			}
			res, addr, err, ready = b.outcome(len(op.buf), errno, "sendto")
			return
		}
	case Accept:
		for {
			nfd, sa, errno := socket.Accept(op.fd)
			switch errno {
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EAGAIN:
				return 0, nil, nil, false
			case nil:
				return nfd, socket.SockaddrToTCPOrUnixAddr(sa), nil, true
			default:
				return 0, nil, b.armError(errno, "accept"), true
			}
		}
	case Connect:
		if initial {
			sa, saErr := socket.NetAddrToSockaddr(op.addr)
			if saErr != nil {
				return 0, nil, saErr, true
			}
			switch errno := unix.Connect(op.fd, sa); errno {
			case nil, unix.EISCONN:
				return 0, nil, nil, true
			case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
				return 0, nil, nil, false
			default:
				return 0, nil, b.armError(errno, "connect"), true
			}
		}
		// Writability after EINPROGRESS; the verdict is in SO_ERROR.
		soErr, errno := unix.GetsockoptInt(op.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if errno != nil {
			return 0, nil, b.armError(errno, "getsockopt"), true
		}
		if soErr != 0 {
			return 0, nil, mapErrno("connect", unix.Errno(soErr)), true
		}
		return 0, nil, nil, true
	}
	return 0, nil, errorx.ErrUnsupported, true
}

// outcome folds a transfer result into sink form.
func (b *netpollBackend) outcome(n int, errno error, opName string) (int, net.Addr, error, bool) {
	switch errno {
	case nil:
		return n, nil, nil, true
	case unix.EAGAIN:
		return 0, nil, nil, false
	}
	return 0, nil, b.armError(errno, opName), true
}

func (b *netpollBackend) armError(errno error, opName string) error {
	if e, ok := errno.(unix.Errno); ok {
		return mapErrno(opName, e)
	}
	return errno
}

// service drains one direction of a ready descriptor until it would
// block again, delivering a completion per finished head.
func (b *netpollBackend) service(node *fdNode, dir direction) {
	q := node.queue(dir)
	for len(*q) > 0 {
		p := (*q)[0]
		res, addr, err, ready := b.attempt(p, false)
		if !ready {
			return
		}
		*q = (*q)[1:]
		b.sink(p.id, res, 0, err, addr)
	}
}

// updateInterest reconciles the poller registration with the queues.
// A descriptor closed behind our back fails its remaining operations.
func (b *netpollBackend) updateInterest(node *fdNode) {
	wantR, wantW := len(node.r) > 0, len(node.w) > 0
	if wantR == node.regR && wantW == node.regW {
		if !wantR && !wantW {
			delete(b.nodes, node.fd)
		}
		return
	}
	if err := b.poller.Update(node.fd, node.regR, node.regW, wantR, wantW); err != nil {
		node.regR, node.regW = false, false
		delete(b.nodes, node.fd)
		b.failNode(node, errorx.ErrClosed)
		return
	}
	node.regR, node.regW = wantR, wantW
	if !wantR && !wantW {
		delete(b.nodes, node.fd)
	}
}

func (b *netpollBackend) cancel(p *pending) bool {
	node := b.nodes[p.op.fd]
	if node == nil {
		return true
	}
	node.r = removePending(node.r, p)
	node.w = removePending(node.w, p)
	b.updateInterest(node)
	return true
}

func removePending(q []*pending, p *pending) []*pending {
	for i, armed := range q {
		if armed == p {
			return append(q[:i], q[i+1:]...)
		}
	}
	return q
}

func (b *netpollBackend) wait(d time.Duration) error {
	_, err := b.poller.Wait(d, func(fd int, ev netpoll.Event) {
		node := b.nodes[fd]
		if node == nil {
			return
		}
		if ev&(netpoll.EventRead|netpoll.EventHup) != 0 {
			b.service(node, dirRead)
		}
		if ev&(netpoll.EventWrite|netpoll.EventHup) != 0 {
			b.service(node, dirWrite)
		}
		b.updateInterest(node)
	})
	return err
}

func (b *netpollBackend) close() error {
	b.nodes = make(map[int]*fdNode)
	return b.poller.Close()
}

// ignoringEINTR retries transfers interrupted before moving any data.
func ignoringEINTR(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err != unix.EINTR {
			return n, err
		}
	}
}
