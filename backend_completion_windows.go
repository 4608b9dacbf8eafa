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
	"os"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	errorx "github.com/unio-io/unio/pkg/errors"
)

// Completion keys distinguish I/O packets from reactor wakeups.
const (
	keyIO   uintptr = 0
	keyWake uintptr = 1
)

// AcceptEx wants room for the address plus 16 bytes per slot.
const acceptAddrLen = unsafe.Sizeof(windows.RawSockaddrAny{}) + 16

// ioOp is the OVERLAPPED container for one armed operation. The
// embedded Overlapped must stay the first field: the port hands back
// its address and the wait loop converts it to the containing ioOp.
type ioOp struct {
	o    windows.Overlapped
	id   ID
	kind Kind
	fd   windows.Handle

	bufs  []windows.WSABuf
	flags uint32
	done  uint32

	rsa    windows.RawSockaddrAny
	rsaLen int32

	asock windows.Handle
	abuf  []byte
}

func (op *ioOp) peerAddr() net.Addr {
	switch op.kind {
	case Accept:
		var lrsa, rrsa *windows.RawSockaddrAny
		var llen, rlen int32
		windows.GetAcceptExSockaddrs(&op.abuf[0], 0,
			uint32(acceptAddrLen), uint32(acceptAddrLen),
			&lrsa, &llen, &rrsa, &rlen)
		if rrsa == nil {
			return nil
		}
		sa, err := rrsa.Sockaddr()
		if err != nil {
			return nil
		}
		return winSockaddrToTCPOrUnixAddr(sa)
	case RecvFrom:
		sa, err := op.rsa.Sockaddr()
		if err != nil {
			return nil
		}
		return winSockaddrToUDPAddr(sa)
	}
	return nil
}

// iocpBackend drives operations through one I/O completion port. Every
// descriptor is associated with the port on its first submission and
// stays bound for its lifetime. All state except wakeSig is owned by
// the reactor goroutine.
type iocpBackend struct {
	port windows.Handle
	sink completionSink
	cap  Capability

	wakeSig    int32
	associated map[windows.Handle]struct{}
}

func newIOCPBackend(opts *Options, sink completionSink) (*iocpBackend, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 1)
	if err != nil {
		return nil, os.NewSyscallError("create_io_completion_port", err)
	}
	b := &iocpBackend{
		port:       port,
		sink:       sink,
		associated: make(map[windows.Handle]struct{}),
	}
	b.cap = Capability{
		Backend:    BackendCompletion,
		QueueDepth: opts.QueueDepth,
		TimedWait:  true,
		ops:        allKindsMask(),
	}
	return b, nil
}

func (b *iocpBackend) kind() BackendKind { return BackendCompletion }

func (b *iocpBackend) capability() Capability { return b.cap }

func (b *iocpBackend) nativeTimeout() bool { return false }

func (b *iocpBackend) associate(fd windows.Handle) error {
	if _, ok := b.associated[fd]; ok {
		return nil
	}
	if _, err := windows.CreateIoCompletionPort(fd, b.port, keyIO, 0); err != nil {
		return os.NewSyscallError("create_io_completion_port", err)
	}
	b.associated[fd] = struct{}{}
	return nil
}

func (b *iocpBackend) arm(p *pending) error {
	op := p.op
	switch op.kind {
	case Nop:
		io := &ioOp{id: p.id, kind: Nop}
		err := windows.PostQueuedCompletionStatus(b.port, 0, keyIO, &io.o)
		if err != nil {
			return os.NewSyscallError("post_queued_completion_status", err)
		}
		p.pin = io
		return nil
	case Shutdown:
		// shutdown never blocks.
		b.sink(p.id, 0, 0, mapErrno("shutdown", windows.Shutdown(windows.Handle(op.fd), op.how)), nil)
		return nil
	case Close:
		b.closeFd(p)
		return nil
	}

	fd := windows.Handle(op.fd)
	if err := b.associate(fd); err != nil {
		return err
	}

	io := &ioOp{id: p.id, kind: op.kind, fd: fd}
	var err error
	switch op.kind {
	case Read:
		err = windows.ReadFile(fd, op.buf, &io.done, &io.o)
	case Write:
		err = windows.WriteFile(fd, op.buf, &io.done, &io.o)
	case Readv:
		io.bufs = wsaBufs(op.bufs)
		err = windows.WSARecv(fd, &io.bufs[0], uint32(len(io.bufs)), &io.done, &io.flags, &io.o, nil)
	case Writev:
		io.bufs = wsaBufs(op.bufs)
		err = windows.WSASend(fd, &io.bufs[0], uint32(len(io.bufs)), &io.done, 0, &io.o, nil)
	case RecvFrom:
		io.bufs = wsaBufs([][]byte{op.buf})
		io.rsaLen = int32(unsafe.Sizeof(io.rsa))
		err = windows.WSARecvFrom(fd, &io.bufs[0], 1, &io.done, &io.flags, &io.rsa, &io.rsaLen, &io.o, nil)
	case SendTo:
		var sa windows.Sockaddr
		if sa, err = netAddrToWinSockaddr(op.addr); err != nil {
			return err
		}
		io.bufs = wsaBufs([][]byte{op.buf})
		err = windows.WSASendto(fd, &io.bufs[0], 1, &io.done, 0, sa, &io.o, nil)
	case Accept:
		err = b.prepAccept(fd, io)
	case Connect:
		// ConnectEx serves connection-oriented sockets only. A datagram
		// connect merely pins the default peer and cannot block.
		if typ, terr := windows.GetsockoptInt(fd, windows.SOL_SOCKET, windows.SO_TYPE); terr == nil && typ == windows.SOCK_DGRAM {
			sa, serr := netAddrToWinSockaddr(op.addr)
			if serr != nil {
				return serr
			}
			b.sink(p.id, 0, 0, mapErrno("connect", windows.Connect(fd, sa)), nil)
			return nil
		}
		err = b.prepConnect(fd, io, op.addr)
	default:
		return errorx.ErrUnsupported
	}
	if err != nil && err != windows.ERROR_IO_PENDING {
		if io.asock != 0 {
			windows.Closesocket(io.asock)
		}
		if isStreamEnd(op.kind, err) {
			b.sink(p.id, 0, 0, nil, nil)
			return nil
		}
		return mapErrno(op.kind.String(), err)
	}
	p.pin = io
	return nil
}

// closeFd resolves a Close operation. Closing the handle makes the
// kernel flush every outstanding overlapped operation on it through the
// port with ERROR_OPERATION_ABORTED, so nothing is stranded.
func (b *iocpBackend) closeFd(p *pending) {
	fd := windows.Handle(p.op.fd)
	delete(b.associated, fd)
	err := windows.Closesocket(fd)
	if err == windows.WSAENOTSOCK {
		err = windows.CloseHandle(fd)
	}
	b.sink(p.id, 0, 0, mapErrno("close", err), nil)
}

func (b *iocpBackend) prepAccept(fd windows.Handle, io *ioOp) error {
	lsa, err := windows.Getsockname(fd)
	if err != nil {
		return os.NewSyscallError("getsockname", err)
	}
	af := int32(windows.AF_INET)
	switch lsa.(type) {
	case *windows.SockaddrInet6:
		af = windows.AF_INET6
	case *windows.SockaddrUnix:
		af = windows.AF_UNIX
	}
	io.asock, err = windows.WSASocket(af, windows.SOCK_STREAM, 0, nil, 0, windows.WSA_FLAG_OVERLAPPED)
	if err != nil {
		return os.NewSyscallError("socket", err)
	}
	io.abuf = make([]byte, 2*acceptAddrLen)
	return windows.AcceptEx(fd, io.asock, &io.abuf[0], 0,
		uint32(acceptAddrLen), uint32(acceptAddrLen), &io.done, &io.o)
}

func (b *iocpBackend) prepConnect(fd windows.Handle, io *ioOp, addr net.Addr) error {
	sa, err := netAddrToWinSockaddr(addr)
	if err != nil {
		return err
	}
	// ConnectEx refuses unbound sockets; bind to the wildcard and
	// tolerate sockets the caller already bound.
	var wildcard windows.Sockaddr
	switch sa.(type) {
	case *windows.SockaddrInet4:
		wildcard = &windows.SockaddrInet4{}
	case *windows.SockaddrInet6:
		wildcard = &windows.SockaddrInet6{}
	}
	if wildcard != nil {
		if err = windows.Bind(fd, wildcard); err != nil && err != windows.WSAEINVAL {
			return os.NewSyscallError("bind", err)
		}
	}
	return windows.ConnectEx(fd, sa, nil, 0, &io.done, &io.o)
}

func (b *iocpBackend) cancel(p *pending) bool {
	io, ok := p.pin.(*ioOp)
	if !ok {
		return false
	}
	// ERROR_NOT_FOUND means the operation is already completing; either
	// way its packet is on the port and resolution arrives via wait.
	_ = windows.CancelIoEx(io.fd, &io.o)
	return false
}

func (b *iocpBackend) wait(d time.Duration) error {
	ms := uint32(windows.INFINITE)
	if d >= 0 {
		ms = uint32((d + time.Millisecond - 1) / time.Millisecond)
	}
	for {
		var (
			qty uint32
			key uintptr
			o   *windows.Overlapped
		)
		err := windows.GetQueuedCompletionStatus(b.port, &qty, &key, &o, ms)
		if o == nil && key != keyWake {
			if err == windows.WAIT_TIMEOUT {
				return nil
			}
			return os.NewSyscallError("get_queued_completion_status", err)
		}
		// Drain whatever else is already queued without blocking again.
		ms = 0
		if key == keyWake {
			atomic.StoreInt32(&b.wakeSig, 0)
			continue
		}
		b.route((*ioOp)(unsafe.Pointer(o)), qty, err)
	}
}

// route finishes one dequeued packet: accepts and connects get their
// post-completion socket fixups, error codes fold into the taxonomy and
// the result goes to the reactor.
func (b *iocpBackend) route(io *ioOp, qty uint32, errno error) {
	res := int(qty)
	err := mapErrno(io.kind.String(), errno)

	switch io.kind {
	case Accept:
		if err == nil {
			err = b.updateAccept(io)
		}
		if err != nil {
			windows.Closesocket(io.asock)
		} else {
			res = int(io.asock)
		}
	case Connect:
		if err == nil {
			// Finalize the socket so getpeername and shutdown work on it.
			_ = windows.Setsockopt(io.fd, windows.SOL_SOCKET,
				windows.SO_UPDATE_CONNECT_CONTEXT, nil, 0)
			res = 0
		}
	case Read, Readv, RecvFrom:
		if isStreamEnd(io.kind, errno) {
			res, err = 0, nil
		}
	}
	b.sink(io.id, res, 0, err, nil)
}

func (b *iocpBackend) updateAccept(io *ioOp) error {
	lfd := io.fd
	err := windows.Setsockopt(io.asock, windows.SOL_SOCKET, windows.SO_UPDATE_ACCEPT_CONTEXT,
		(*byte)(unsafe.Pointer(&lfd)), int32(unsafe.Sizeof(lfd)))
	return os.NewSyscallError("setsockopt", err)
}

func (b *iocpBackend) wake() error {
	if !atomic.CompareAndSwapInt32(&b.wakeSig, 0, 1) {
		return nil
	}
	return os.NewSyscallError("post_queued_completion_status",
		windows.PostQueuedCompletionStatus(b.port, 0, keyWake, nil))
}

func (b *iocpBackend) close() error {
	if b.port == 0 || b.port == windows.InvalidHandle {
		return nil
	}
	err := windows.CloseHandle(b.port)
	b.port = windows.InvalidHandle
	return err
}

// mapErrno lifts a Windows error code into the driver taxonomy. Errors
// already shaped by a helper pass through untouched.
func mapErrno(opName string, errno error) error {
	switch errno {
	case nil:
		return nil
	case windows.ERROR_OPERATION_ABORTED:
		return errorx.ErrCancelled
	case windows.ERROR_INVALID_HANDLE, windows.WSAENOTSOCK, windows.WSAEBADF:
		return errorx.ErrClosed
	}
	if _, ok := errno.(syscall.Errno); !ok {
		return errno
	}
	return os.NewSyscallError(opName, errno)
}

// isStreamEnd reports read-side codes that mean a clean end of stream.
func isStreamEnd(kind Kind, errno error) bool {
	switch kind {
	case Read, Readv, RecvFrom:
	default:
		return false
	}
	return errno == windows.ERROR_HANDLE_EOF || errno == windows.ERROR_BROKEN_PIPE
}

func wsaBufs(bufs [][]byte) []windows.WSABuf {
	out := make([]windows.WSABuf, 0, len(bufs))
	for _, buf := range bufs {
		wb := windows.WSABuf{Len: uint32(len(buf))}
		if len(buf) > 0 {
			wb.Buf = &buf[0]
		}
		out = append(out, wb)
	}
	return out
}

func netAddrToWinSockaddr(addr net.Addr) (windows.Sockaddr, error) {
	var ip net.IP
	var port int
	var zone string
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip, port, zone = a.IP, a.Port, a.Zone
	case *net.UDPAddr:
		ip, port, zone = a.IP, a.Port, a.Zone
	case *net.UnixAddr:
		return &windows.SockaddrUnix{Name: a.Name}, nil
	default:
		return nil, errorx.ErrInvalidNetworkAddress
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &windows.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	if ip6 := ip.To16(); ip6 != nil {
		sa := &windows.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip6)
		if zone != "" {
			if ifi, ifErr := net.InterfaceByName(zone); ifErr == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return sa, nil
	}
	return &windows.SockaddrInet4{Port: port}, nil
}

func winSockaddrToTCPOrUnixAddr(sa windows.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *windows.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port}
	case *windows.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port, Zone: zoneName(sa.ZoneId)}
	case *windows.SockaddrUnix:
		return &net.UnixAddr{Net: "unix", Name: sa.Name}
	}
	return nil
}

func winSockaddrToUDPAddr(sa windows.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *windows.SockaddrInet4:
		return &net.UDPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port}
	case *windows.SockaddrInet6:
		return &net.UDPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port, Zone: zoneName(sa.ZoneId)}
	}
	return nil
}

func zoneName(id uint32) string {
	if id == 0 {
		return ""
	}
	if ifi, err := net.InterfaceByIndex(int(id)); err == nil {
		return ifi.Name
	}
	return strconv.Itoa(int(id))
}
