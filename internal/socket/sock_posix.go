// Copyright (c) 2023 The Unio Authors. All rights reserved.
// Copyright 2009 The Go Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux || freebsd || dragonfly || darwin

package socket

import (
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/unio-io/unio/pkg/errors"
)

var listenerBacklogMaxSize = maxListenerBacklog()

// sysSocket returns a non-blocking close-on-exec socket, mirroring what
// the standard library does in net/sock_cloexec.go for kernels that lack
// SOCK_NONBLOCK/SOCK_CLOEXEC.
func sysSocket(family, sotype, proto int) (int, error) {
	fd, err := unix.Socket(family, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	switch err {
	case nil:
		return fd, nil
	default:
		return -1, os.NewSyscallError("socket", err)
	case unix.EINVAL, unix.EPROTONOSUPPORT:
	}

	// Hold ForkLock so that no fork/exec can race with the creation of the
	// descriptor before both flags are set.
	syscall.ForkLock.RLock()
	fd, err = unix.Socket(family, sotype, proto)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, os.NewSyscallError("setnonblock", err)
	}
	return fd, nil
}

func ipToSockaddrInet4(ip net.IP, port int) (unix.SockaddrInet4, error) {
	if len(ip) == 0 {
		ip = net.IPv4zero
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return unix.SockaddrInet4{}, &net.AddrError{Err: "non-IPv4 address", Addr: ip.String()}
	}
	sa := unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

func ipToSockaddrInet6(ip net.IP, port int, zone string) (unix.SockaddrInet6, error) {
	// An IP wildcard address means the entire IP addressing space of the
	// matching family. When the node supports IPv4-mapped IPv6 addresses,
	// listening on the IPv6 wildcard covers both spaces.
	if len(ip) == 0 || ip.Equal(net.IPv4zero) {
		ip = net.IPv6zero
	}
	// We accept any IPv6 address including IPv4-mapped IPv6 address.
	ip6 := ip.To16()
	if ip6 == nil {
		return unix.SockaddrInet6{}, &net.AddrError{Err: "non-IPv6 address", Addr: ip.String()}
	}

	sa := unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip6)
	iface, err := net.InterfaceByName(zone)
	if err != nil {
		return sa, nil
	}
	sa.ZoneId = uint32(iface.Index)

	return sa, nil
}

func ipToSockaddr(family int, ip net.IP, port int, zone string) (unix.Sockaddr, error) {
	switch family {
	case unix.AF_INET:
		sa, err := ipToSockaddrInet4(ip, port)
		if err != nil {
			return nil, err
		}
		return &sa, nil
	case unix.AF_INET6:
		sa, err := ipToSockaddrInet6(ip, port, zone)
		if err != nil {
			return nil, err
		}
		return &sa, nil
	}
	return nil, &net.AddrError{Err: "invalid address family", Addr: ip.String()}
}

// NetAddrToSockaddr converts a *net.TCPAddr, *net.UDPAddr or *net.UnixAddr
// into the raw sockaddr passed to connect(2) and sendto(2).
func NetAddrToSockaddr(addr net.Addr) (unix.Sockaddr, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		family := unix.AF_INET
		if a.IP.To4() == nil {
			family = unix.AF_INET6
		}
		return ipToSockaddr(family, a.IP, a.Port, a.Zone)
	case *net.UDPAddr:
		family := unix.AF_INET
		if a.IP.To4() == nil {
			family = unix.AF_INET6
		}
		return ipToSockaddr(family, a.IP, a.Port, a.Zone)
	case *net.UnixAddr:
		return &unix.SockaddrUnix{Name: a.Name}, nil
	case nil:
		return nil, errors.ErrInvalidNetworkAddress
	}
	return nil, errors.ErrInvalidNetworkAddress
}
