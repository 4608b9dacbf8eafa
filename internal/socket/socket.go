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

// Package socket creates non-blocking descriptors for the asynchronous
// driver and converts between net.Addr and the raw sockaddr forms the
// kernel expects. Passive sockets come back bound and listening, active
// ones come back bare so that connecting stays an asynchronous operation.
package socket

import (
	"net"
)

// Option is used for setting an option on socket.
type Option struct {
	SetSockopt func(int, int) error
	Opt        int
}

// TCPSocket returns a non-blocking TCP socket. A passive socket is bound to
// the resolved local address and listening, an active one is left bare and
// the returned net.Addr is the resolved remote address to connect to.
func TCPSocket(proto, addr string, passive bool, sockopts ...Option) (int, net.Addr, error) {
	return tcpSocket(proto, addr, passive, sockopts...)
}

// UDPSocket returns a non-blocking UDP socket, bound when passive is true.
func UDPSocket(proto, addr string, passive bool, sockopts ...Option) (int, net.Addr, error) {
	return udpSocket(proto, addr, passive, sockopts...)
}

// UnixSocket returns a non-blocking unix domain socket, bound and listening
// when passive is true.
func UnixSocket(proto, addr string, passive bool, sockopts ...Option) (int, net.Addr, error) {
	return udsSocket(proto, addr, passive, sockopts...)
}
