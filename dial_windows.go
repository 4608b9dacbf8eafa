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
	"context"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/windows"

	errorx "github.com/unio-io/unio/pkg/errors"
)

var wsaStartup sync.Once

// winsockInit brings up WS2_32 for processes that never touch the net
// package. Requesting 2.2 is what every overlapped API here assumes.
func winsockInit() {
	wsaStartup.Do(func() {
		var d windows.WSAData
		_ = windows.WSAStartup(uint32(0x202), &d)
	})
}

// newWinSocket creates an overlapped socket for the resolved address
// family. Overlapped mode is what lets the completion port drive it.
func newWinSocket(ip net.IP, network string, typ, proto int32) (windows.Handle, error) {
	af := int32(windows.AF_INET)
	if ip.To4() == nil && (ip != nil || network[len(network)-1] == '6') {
		af = windows.AF_INET6
	}
	fd, err := windows.WSASocket(af, typ, proto, nil, 0, windows.WSA_FLAG_OVERLAPPED)
	if err != nil {
		return windows.InvalidHandle, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

func bindWinSocket(fd windows.Handle, ip net.IP, port int) error {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &windows.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return windows.Bind(fd, sa)
	}
	if ip16 := ip.To16(); ip16 != nil {
		sa := &windows.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip16)
		return windows.Bind(fd, sa)
	}
	return windows.Bind(fd, &windows.SockaddrInet4{Port: port})
}

// Listen opens a listening descriptor on the given network address and
// binds it to the reactor. Windows carries the TCP families only; unix
// sockets take the portable path on the platforms that have them.
func Listen(r *Reactor, network, address string) (*Listener, error) {
	winsockInit()
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, errorx.ErrUnsupportedProtocol
	}
	taddr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, err
	}
	fd, err := newWinSocket(taddr.IP, network, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return nil, err
	}
	if err = bindWinSocket(fd, taddr.IP, taddr.Port); err != nil {
		_ = windows.Closesocket(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	if err = windows.Listen(fd, windows.SOMAXCONN); err != nil {
		_ = windows.Closesocket(fd)
		return nil, os.NewSyscallError("listen", err)
	}
	addr := net.Addr(taddr)
	// The kernel picks the port when the address asked for ":0".
	if sa, e := windows.Getsockname(fd); e == nil {
		if a := winSockaddrToTCPOrUnixAddr(sa); a != nil {
			addr = a
		}
	}
	return &Listener{r: r, fd: int(fd), addr: addr, network: network}, nil
}

// ListenPacket opens a bound datagram socket for RecvFrom/SendTo.
func ListenPacket(r *Reactor, network, address string) (*Socket, error) {
	winsockInit()
	switch network {
	case "udp", "udp4", "udp6":
	default:
		return nil, errorx.ErrUnsupportedUDPProtocol
	}
	uaddr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, err
	}
	fd, err := newWinSocket(uaddr.IP, network, windows.SOCK_DGRAM, windows.IPPROTO_UDP)
	if err != nil {
		return nil, err
	}
	if err = bindWinSocket(fd, uaddr.IP, uaddr.Port); err != nil {
		_ = windows.Closesocket(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	s := NewSocket(r, int(fd))
	s.localAddr = uaddr
	if sa, e := windows.Getsockname(fd); e == nil {
		if a := winSockaddrToUDPAddr(sa); a != nil {
			s.localAddr = a
		}
	}
	return s, nil
}

// Dial connects to the given address through the reactor. The connect
// itself is an armed operation, so ctx bounds it like any other submit.
func Dial(ctx context.Context, r *Reactor, network, address string) (*Socket, error) {
	winsockInit()
	var (
		fd    windows.Handle
		raddr net.Addr
		err   error
	)
	switch network {
	case "tcp", "tcp4", "tcp6":
		var a *net.TCPAddr
		if a, err = net.ResolveTCPAddr(network, address); err != nil {
			return nil, err
		}
		raddr = a
		fd, err = newWinSocket(a.IP, network, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	case "udp", "udp4", "udp6":
		var a *net.UDPAddr
		if a, err = net.ResolveUDPAddr(network, address); err != nil {
			return nil, err
		}
		raddr = a
		fd, err = newWinSocket(a.IP, network, windows.SOCK_DGRAM, windows.IPPROTO_UDP)
	default:
		return nil, errorx.ErrUnsupportedProtocol
	}
	if err != nil {
		return nil, err
	}

	s := NewSocket(r, int(fd))
	if err = s.Connect(ctx, raddr); err != nil {
		_ = windows.Closesocket(fd)
		return nil, err
	}
	if sa, e := windows.Getsockname(fd); e == nil {
		switch network {
		case "udp", "udp4", "udp6":
			s.localAddr = winSockaddrToUDPAddr(sa)
		default:
			s.localAddr = winSockaddrToTCPOrUnixAddr(sa)
		}
	}
	return s, nil
}
