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

import (
	"crypto/tls"

	"github.com/unio-io/unio/internal/math"
	"github.com/unio-io/unio/pkg/logging"
)

// DefaultQueueDepth bounds in-flight operations when WithQueueDepth is
// not given. It is also the submission ring size requested on Linux.
const DefaultQueueDepth = 256

// Transport selects how the transport layer in pkg/transport dresses
// sockets created through this reactor.
type Transport int32

const (
	// TransportPlain leaves socket payloads untouched.
	TransportPlain Transport = iota
	// TransportTLS makes pkg/transport wrap sockets in TLS using the
	// TLSConfig option.
	TransportTLS
)

// Option is a function that sets up an option of the Reactor.
type Option func(opts *Options)

func initOptions(options ...Option) *Options {
	opts := new(Options)
	for _, option := range options {
		option(opts)
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	opts.QueueDepth = math.CeilToPowerOfTwo(opts.QueueDepth)
	return opts
}

// Options are configurations set when constructing a Reactor.
type Options struct {
	// Backend forces a driver variant; BackendAuto picks the best one
	// available on the platform.
	Backend BackendKind

	// QueueDepth bounds the number of in-flight operations. Submitting
	// past the bound fails synchronously with ErrQueueSaturated. The
	// value is rounded up to a power of two.
	QueueDepth int

	// SQE128 requests 128-byte submission entries, CQE32 requests
	// 32-byte completion entries. Both are negotiated once at
	// construction and fail with ErrUnsupported when the kernel or the
	// backend cannot honor them.
	SQE128 bool
	CQE32  bool

	// Transport selects the default socket transport for pkg/transport;
	// TLSConfig is consumed when Transport is TransportTLS.
	Transport Transport
	TLSConfig *tls.Config

	// LB is the load-balancing algorithm a Group picks reactors with.
	LB LoadBalancing

	// LockOSThread makes Run pin its goroutine to an OS thread.
	LockOSThread bool

	// Logger is the customized logger for logging inside the driver,
	// it is leveraged by the default logger when absent.
	Logger logging.Logger

	// LogPath is the local path where driver logs will be written, it
	// is ignored when Logger is set.
	LogPath string

	// LogLevel indicates the logging level, it should be used along
	// with LogPath.
	LogLevel logging.Level
}

// WithOptions sets up all options at once.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithBackend forces the driver variant.
func WithBackend(kind BackendKind) Option {
	return func(opts *Options) {
		opts.Backend = kind
	}
}

// WithQueueDepth bounds the number of in-flight operations.
func WithQueueDepth(depth int) Option {
	return func(opts *Options) {
		opts.QueueDepth = depth
	}
}

// WithSQE128 requests 128-byte submission entries.
func WithSQE128(sqe128 bool) Option {
	return func(opts *Options) {
		opts.SQE128 = sqe128
	}
}

// WithCQE32 requests 32-byte completion entries.
func WithCQE32(cqe32 bool) Option {
	return func(opts *Options) {
		opts.CQE32 = cqe32
	}
}

// WithTransport selects the default socket transport.
func WithTransport(t Transport) Option {
	return func(opts *Options) {
		opts.Transport = t
	}
}

// WithTLSConfig supplies the TLS configuration used when the transport
// is TransportTLS.
func WithTLSConfig(config *tls.Config) Option {
	return func(opts *Options) {
		opts.TLSConfig = config
	}
}

// WithLoadBalancing sets up the algorithm of load-balancing across a Group.
func WithLoadBalancing(lb LoadBalancing) Option {
	return func(opts *Options) {
		opts.LB = lb
	}
}

// WithLockOSThread pins the Run goroutine to an OS thread.
func WithLockOSThread(lockOSThread bool) Option {
	return func(opts *Options) {
		opts.LockOSThread = lockOSThread
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithLogPath sets up the local path of the log file.
func WithLogPath(fileName string) Option {
	return func(opts *Options) {
		opts.LogPath = fileName
	}
}

// WithLogLevel sets up the logging level.
func WithLogLevel(lvl logging.Level) Option {
	return func(opts *Options) {
		opts.LogLevel = lvl
	}
}
