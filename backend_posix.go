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
	"os"

	"golang.org/x/sys/unix"

	errorx "github.com/unio-io/unio/pkg/errors"
)

// mapErrno lifts a raw errno into the driver taxonomy. Closed and
// cancelled descriptors map to their sentinels so callers never need
// platform knowledge; everything else surfaces as a wrapped syscall
// error that errors.Is can unwrap down to the errno.
func mapErrno(opName string, errno unix.Errno) error {
	switch errno {
	case 0:
		return nil
	case unix.EBADF:
		return errorx.ErrClosed
	case unix.ECANCELED:
		return errorx.ErrCancelled
	}
	return os.NewSyscallError(opName, errno)
}
