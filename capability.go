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

// BackendKind selects or describes the driver variant behind a Reactor.
type BackendKind int32

const (
	// BackendAuto picks the best variant the platform offers: io_uring
	// on Linux with a fallback to epoll, kqueue on the BSDs and macOS,
	// IOCP on Windows.
	BackendAuto BackendKind = iota

	// BackendCompletion requires a completion-based driver (io_uring or
	// IOCP). Construction fails with ErrUnsupported when the platform
	// cannot provide one.
	BackendCompletion

	// BackendReadiness requires a readiness-based driver (epoll or
	// kqueue). Not available on Windows.
	BackendReadiness
)

func (k BackendKind) String() string {
	switch k {
	case BackendAuto:
		return "auto"
	case BackendCompletion:
		return "completion"
	case BackendReadiness:
		return "readiness"
	}
	return "unknown"
}

// Capability describes what a constructed Reactor can actually do. It is
// negotiated once during NewReactor and never changes afterwards, so a
// Submit rejected for capability reasons today will be rejected forever.
type Capability struct {
	// Backend is the concrete variant in use, never BackendAuto.
	Backend BackendKind
	// QueueDepth is the normalized bound on in-flight operations.
	QueueDepth int
	// SQE128 and CQE32 report whether the ring was created with
	// extended submission and completion entries.
	SQE128 bool
	CQE32  bool
	// TimedWait reports whether the backend can bound a kernel wait
	// natively instead of relying on an auxiliary timeout.
	TimedWait bool

	ops uint32
}

// Supports reports whether the backend accepts operations of kind k.
func (c Capability) Supports(k Kind) bool {
	return c.ops&(1<<uint(k)) != 0
}

func kindMask(kinds ...Kind) (mask uint32) {
	for _, k := range kinds {
		mask |= 1 << uint(k)
	}
	return
}

func allKindsMask() uint32 {
	return 1<<uint(kindCount) - 1
}
