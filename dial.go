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

package unio

import (
	"context"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/unio-io/unio/internal/socket"
	errorx "github.com/unio-io/unio/pkg/errors"
)

// Listen opens a stream listener on network and address and binds it to
// the reactor, after which Accept submissions can be made against it.
// Supported networks are "tcp", "tcp4", "tcp6" and "unix".
func Listen(r *Reactor, network, address string) (*Listener, error) {
	var (
		fd   int
		addr net.Addr
		err  error
	)
	switch network {
	case "tcp", "tcp4", "tcp6":
		fd, addr, err = socket.TCPSocket(network, address, true,
			socket.Option{SetSockopt: socket.SetReuseAddr, Opt: 1})
	case "unix":
		_ = os.RemoveAll(address)
		fd, addr, err = socket.UnixSocket(network, address, true)
	default:
		return nil, errorx.ErrUnsupportedProtocol
	}
	if err != nil {
		return nil, err
	}
	// The kernel picks the port when the address asked for ":0".
	if sa, e := unix.Getsockname(fd); e == nil {
		addr = socket.SockaddrToTCPOrUnixAddr(sa)
	}
	return &Listener{r: r, fd: fd, addr: addr, network: network}, nil
}

// ListenPacket opens a bound datagram socket on network and address.
// Supported networks are "udp", "udp4" and "udp6". The returned socket
// is ready for RecvFrom and SendTo submissions.
func ListenPacket(r *Reactor, network, address string) (*Socket, error) {
	switch network {
	case "udp", "udp4", "udp6":
	default:
		return nil, errorx.ErrUnsupportedUDPProtocol
	}
	fd, addr, err := socket.UDPSocket(network, address, true,
		socket.Option{SetSockopt: socket.SetReuseAddr, Opt: 1})
	if err != nil {
		return nil, err
	}
	if sa, e := unix.Getsockname(fd); e == nil {
		addr = socket.SockaddrToUDPAddr(sa)
	}
	s := NewSocket(r, fd)
	s.localAddr = addr
	return s, nil
}

// Dial opens an active socket on network, connects it to address through
// the reactor and returns it ready for transfers. Cancelling ctx cancels
// the pending connect. Supported networks are "tcp", "tcp4", "tcp6",
// "udp", "udp4", "udp6" and "unix".
func Dial(ctx context.Context, r *Reactor, network, address string) (*Socket, error) {
	var (
		fd    int
		raddr net.Addr
		err   error
	)
	switch network {
	case "tcp", "tcp4", "tcp6":
		fd, raddr, err = socket.TCPSocket(network, address, false)
	case "udp", "udp4", "udp6":
		fd, raddr, err = socket.UDPSocket(network, address, false)
	case "unix":
		fd, raddr, err = socket.UnixSocket(network, address, false)
	default:
		return nil, errorx.ErrUnsupportedProtocol
	}
	if err != nil {
		return nil, err
	}
	s := NewSocket(r, fd)
	if err = s.Connect(ctx, raddr); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if sa, e := unix.Getsockname(fd); e == nil {
		switch network {
		case "udp", "udp4", "udp6":
			s.localAddr = socket.SockaddrToUDPAddr(sa)
		default:
			s.localAddr = socket.SockaddrToTCPOrUnixAddr(sa)
		}
	}
	return s, nil
}
