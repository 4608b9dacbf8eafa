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

// Package errors defines common errors for unio.
package errors

import "errors"

var (
	// ErrQueueSaturated occurs when the submission queue has no free slot for a new operation.
	// The submission is rejected without side effects and may be retried after completions are reaped.
	ErrQueueSaturated = errors.New("unio: submission queue is saturated")
	// ErrUnsupported occurs when an operation kind or feature is not provided by the active backend.
	ErrUnsupported = errors.New("unio: operation not supported by this backend")
	// ErrClosed occurs when the target descriptor was invalidated while the operation was in flight.
	ErrClosed = errors.New("unio: descriptor is closed")
	// ErrCancelled is carried by completions of operations that were cancelled before they could finish.
	ErrCancelled = errors.New("unio: operation cancelled")
	// ErrTransportHandshake occurs when the TLS transport fails to establish a session.
	ErrTransportHandshake = errors.New("unio: transport handshake failed")
	// ErrReactorShutdown occurs when submitting to or polling a reactor that is shutting down.
	ErrReactorShutdown = errors.New("unio: reactor is going to be shutdown")
	// ErrReactorInShutdown occurs when attempting to shut a reactor down more than once.
	ErrReactorInShutdown = errors.New("unio: reactor is already in shutdown")
	// ErrConcurrentPoll occurs when two goroutines drive the same reactor loop at once.
	ErrConcurrentPoll = errors.New("unio: reactor loop is owned by another goroutine")
	// ErrNilOperation occurs when submitting a nil operation descriptor.
	ErrNilOperation = errors.New("unio: nil operation is not allowed")
	// ErrOperationInFlight occurs when re-submitting a descriptor that has not completed yet.
	ErrOperationInFlight = errors.New("unio: operation is still in flight")
	// ErrInvalidOperation occurs when an operation descriptor is malformed, e.g. a write without a buffer.
	ErrInvalidOperation = errors.New("unio: invalid operation descriptor")
	// ErrTooManyReactors occurs when attempting to set up more than 10,000 reactors in one group.
	ErrTooManyReactors = errors.New("unio: too many reactors in one group")
	// ErrUnsupportedProtocol occurs when trying to use protocol that is not supported.
	ErrUnsupportedProtocol = errors.New("unio: only unix, tcp/tcp4/tcp6, udp/udp4/udp6 are supported")
	// ErrUnsupportedTCPProtocol occurs when trying to use an unsupported TCP protocol.
	ErrUnsupportedTCPProtocol = errors.New("unio: only tcp/tcp4/tcp6 are supported")
	// ErrUnsupportedUDPProtocol occurs when trying to use an unsupported UDP protocol.
	ErrUnsupportedUDPProtocol = errors.New("unio: only udp/udp4/udp6 are supported")
	// ErrUnsupportedUDSProtocol occurs when trying to use an unsupported Unix protocol.
	ErrUnsupportedUDSProtocol = errors.New("unio: only unix is supported")
	// ErrInvalidNetworkAddress occurs when the network address is invalid.
	ErrInvalidNetworkAddress = errors.New("unio: invalid network address")
	// ErrNegativeSize occurs when trying to pass a negative size to a buffer.
	ErrNegativeSize = errors.New("unio: negative size is not allowed")
)
