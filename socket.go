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
	"context"
	"errors"
	"net"

	errorx "github.com/unio-io/unio/pkg/errors"
)

// Socket is a descriptor bound to a Reactor, with every transfer going
// through submit-and-wait. Its methods block the calling goroutine, not
// the reactor loop, so they must not be called from the goroutine
// driving Poll or Run. A Socket is safe for concurrent use; operations
// on the same direction are serialized by the kernel, not by the Socket.
type Socket struct {
	r  *Reactor
	fd int

	localAddr  net.Addr
	remoteAddr net.Addr
}

// NewSocket adopts an existing descriptor. The descriptor should be in
// non-blocking mode; sockets produced by Accept, Dial and Listen in this
// package already are.
func NewSocket(r *Reactor, fd int) *Socket {
	return &Socket{r: r, fd: fd}
}

// Fd returns the underlying descriptor.
func (s *Socket) Fd() int { return s.fd }

// Reactor returns the reactor this socket submits to.
func (s *Socket) Reactor() *Reactor { return s.r }

// LocalAddr returns the local address, when known.
func (s *Socket) LocalAddr() net.Addr { return s.localAddr }

// RemoteAddr returns the peer address, when known.
func (s *Socket) RemoteAddr() net.Addr { return s.remoteAddr }

// wait runs one operation to completion. The buffers op references stay
// owned by the reactor until the completion comes back, which the wait
// guarantees before returning.
func (s *Socket) wait(ctx context.Context, op *Operation) (Completion, error) {
	c, err := s.r.SubmitAndWait(ctx, op)
	if err != nil {
		return Completion{}, err
	}
	return c, c.Err
}

// Recv reads up to len(buf) bytes. A zero count with a non-empty buffer
// means the peer closed the stream.
func (s *Socket) Recv(ctx context.Context, buf []byte) (int, error) {
	c, err := s.wait(ctx, NewRead(s.fd, buf))
	if err != nil {
		return 0, err
	}
	return c.Res, nil
}

// Send writes buf, returning the number of bytes accepted by the kernel,
// which may be short.
func (s *Socket) Send(ctx context.Context, buf []byte) (int, error) {
	c, err := s.wait(ctx, NewWrite(s.fd, buf))
	if err != nil {
		return 0, err
	}
	return c.Res, nil
}

// Recvv reads into a vector of buffers, filling them in order.
func (s *Socket) Recvv(ctx context.Context, bufs [][]byte) (int, error) {
	c, err := s.wait(ctx, NewReadv(s.fd, bufs))
	if err != nil {
		return 0, err
	}
	return c.Res, nil
}

// Sendv writes a vector of buffers in order.
func (s *Socket) Sendv(ctx context.Context, bufs [][]byte) (int, error) {
	c, err := s.wait(ctx, NewWritev(s.fd, bufs))
	if err != nil {
		return 0, err
	}
	return c.Res, nil
}

// RecvFrom receives one datagram and reports its source address.
func (s *Socket) RecvFrom(ctx context.Context, buf []byte) (int, net.Addr, error) {
	c, err := s.wait(ctx, NewRecvFrom(s.fd, buf))
	if err != nil {
		return 0, nil, err
	}
	return c.Res, c.Addr, nil
}

// SendTo sends one datagram to addr.
func (s *Socket) SendTo(ctx context.Context, buf []byte, addr net.Addr) (int, error) {
	c, err := s.wait(ctx, NewSendTo(s.fd, buf, addr))
	if err != nil {
		return 0, err
	}
	return c.Res, nil
}

// Connect establishes the connection to addr.
func (s *Socket) Connect(ctx context.Context, addr net.Addr) error {
	if _, err := s.wait(ctx, NewConnect(s.fd, addr)); err != nil {
		return err
	}
	s.remoteAddr = addr
	return nil
}

// Shutdown half-closes the socket in the given direction. Backends
// without an asynchronous shutdown fall back to the synchronous call,
// which never blocks.
func (s *Socket) Shutdown(ctx context.Context, how int) error {
	_, err := s.wait(ctx, NewShutdown(s.fd, how))
	if errors.Is(err, errorx.ErrUnsupported) {
		return shutdownFd(s.fd, how)
	}
	return err
}

// Close closes the descriptor through the reactor, so that in-flight
// operations on it resolve before or together with the close. When the
// reactor is already shut down the descriptor is closed directly.
func (s *Socket) Close(ctx context.Context) error {
	_, err := s.wait(ctx, NewClose(s.fd))
	if errors.Is(err, errorx.ErrReactorShutdown) {
		return closeFd(s.fd)
	}
	return err
}
