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

package uring

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// SockaddrToRaw lowers a unix.Sockaddr into the raw wire form that
// connect and sendmsg submission entries point at. The x/sys package
// keeps this conversion unexported, so the small set of families the
// driver handles is replicated here.
func SockaddrToRaw(sa unix.Sockaddr) (*unix.RawSockaddrAny, uint32, error) {
	rsa := new(unix.RawSockaddrAny)
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		p := (*unix.RawSockaddrInet4)(unsafe.Pointer(rsa))
		p.Family = unix.AF_INET
		port := (*[2]byte)(unsafe.Pointer(&p.Port))
		port[0] = byte(v.Port >> 8)
		port[1] = byte(v.Port)
		p.Addr = v.Addr
		return rsa, unix.SizeofSockaddrInet4, nil
	case *unix.SockaddrInet6:
		p := (*unix.RawSockaddrInet6)(unsafe.Pointer(rsa))
		p.Family = unix.AF_INET6
		port := (*[2]byte)(unsafe.Pointer(&p.Port))
		port[0] = byte(v.Port >> 8)
		port[1] = byte(v.Port)
		p.Scope_id = v.ZoneId
		p.Addr = v.Addr
		return rsa, unix.SizeofSockaddrInet6, nil
	case *unix.SockaddrUnix:
		p := (*unix.RawSockaddrUnix)(unsafe.Pointer(rsa))
		name := v.Name
		if len(name) >= len(p.Path) {
			return nil, 0, unix.EINVAL
		}
		p.Family = unix.AF_UNIX
		for i := 0; i < len(name); i++ {
			p.Path[i] = int8(name[i])
		}
		// 2 family bytes, the path and its terminating NUL.
		sl := uint32(2 + len(name) + 1)
		if len(name) == 0 {
			sl = 2
		} else if p.Path[0] == '@' {
			// Abstract socket, the leading NUL replaces the terminator.
			p.Path[0] = 0
			sl--
		}
		return rsa, sl, nil
	}
	return nil, 0, unix.EAFNOSUPPORT
}

// RawToSockaddr lifts the raw peer address filled in by an accept or
// recvmsg completion back into a unix.Sockaddr.
func RawToSockaddr(rsa *unix.RawSockaddrAny) (unix.Sockaddr, error) {
	switch rsa.Addr.Family {
	case unix.AF_INET:
		p := (*unix.RawSockaddrInet4)(unsafe.Pointer(rsa))
		sa := new(unix.SockaddrInet4)
		port := (*[2]byte)(unsafe.Pointer(&p.Port))
		sa.Port = int(port[0])<<8 + int(port[1])
		sa.Addr = p.Addr
		return sa, nil
	case unix.AF_INET6:
		p := (*unix.RawSockaddrInet6)(unsafe.Pointer(rsa))
		sa := new(unix.SockaddrInet6)
		port := (*[2]byte)(unsafe.Pointer(&p.Port))
		sa.Port = int(port[0])<<8 + int(port[1])
		sa.ZoneId = p.Scope_id
		sa.Addr = p.Addr
		return sa, nil
	case unix.AF_UNIX:
		p := (*unix.RawSockaddrUnix)(unsafe.Pointer(rsa))
		sa := new(unix.SockaddrUnix)
		n := 0
		for n < len(p.Path) && p.Path[n] != 0 {
			n++
		}
		name := make([]byte, n)
		for i := 0; i < n; i++ {
			name[i] = byte(p.Path[i])
		}
		sa.Name = string(name)
		return sa, nil
	}
	return nil, unix.EAFNOSUPPORT
}
