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
// +build freebsd dragonfly darwin

package unio

import "golang.org/x/sys/unix"

// rawReadv emulates readv with sequential reads, the vectored syscalls
// not being exposed for the BSDs. Once any data has moved the call
// reports a short count instead of an error, matching readv semantics.
func rawReadv(fd int, bufs [][]byte) (int, error) {
	var sum int
	for _, buf := range bufs {
		n, err := ignoringEINTR(func() (int, error) { return unix.Read(fd, buf) })
		if err != nil {
			if sum > 0 {
				return sum, nil
			}
			return 0, err
		}
		sum += n
		if n < len(buf) {
			break
		}
	}
	return sum, nil
}

// rawWritev emulates writev with sequential writes.
func rawWritev(fd int, bufs [][]byte) (int, error) {
	var sum int
	for _, buf := range bufs {
		n, err := ignoringEINTR(func() (int, error) { return unix.Write(fd, buf) })
		if err != nil {
			if sum > 0 {
				return sum, nil
			}
			return 0, err
		}
		sum += n
		if n < len(buf) {
			break
		}
	}
	return sum, nil
}
