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

import "golang.org/x/sys/unix"

// iovMax entries per vectored call, excess is transferred as a short
// count and the caller resubmits.
const iovMax = 1024

func rawReadv(fd int, bufs [][]byte) (int, error) {
	if len(bufs) > iovMax {
		bufs = bufs[:iovMax]
	}
	return ignoringEINTR(func() (int, error) { return unix.Readv(fd, bufs) })
}

func rawWritev(fd int, bufs [][]byte) (int, error) {
	if len(bufs) > iovMax {
		bufs = bufs[:iovMax]
	}
	return ignoringEINTR(func() (int, error) { return unix.Writev(fd, bufs) })
}
