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

// Package netpoll wraps epoll and kqueue behind one readiness poller.
// Unlike a classic event loop the poller does not own the loop, Wait
// performs a single pass and hands every readiness event to the caller,
// which is expected to perform the actual I/O and to keep calling Wait.
package netpoll

// Event is a platform-neutral bitmask of descriptor readiness.
type Event uint32

const (
	// EventRead reports that the descriptor is readable.
	EventRead Event = 1 << iota
	// EventWrite reports that the descriptor is writable.
	EventWrite
	// EventHup reports an error or hangup condition on the descriptor,
	// pending I/O in both directions should be attempted so that the
	// concrete errno surfaces.
	EventHup
)

const (
	// InitPollEventsCap represents the initial capacity of poller event-list.
	InitPollEventsCap = 128
)
