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
	"io"
	"net"
	"os"
	"sync"
	"time"

	errorx "github.com/unio-io/unio/pkg/errors"
)

// NetConn wraps the socket in a blocking net.Conn whose reads and writes
// are driven through the reactor. Deadlines are honored by cancelling the
// in-flight operation, which surfaces as os.ErrDeadlineExceeded the way
// net.Conn callers expect. The wrapper is what pkg/transport layers TLS
// over.
func (s *Socket) NetConn() net.Conn {
	return &streamConn{s: s}
}

type streamConn struct {
	s *Socket

	mu sync.Mutex
	rd time.Time
	wd time.Time
}

func (c *streamConn) Read(b []byte) (int, error) {
	ctx, cancel := c.deadlineContext(&c.rd)
	defer cancel()
	n, err := c.s.Recv(ctx, b)
	if err != nil {
		return n, &net.OpError{Op: "read", Net: "unio", Addr: c.s.RemoteAddr(), Err: streamError(ctx, err)}
	}
	if n == 0 && len(b) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *streamConn) Write(b []byte) (int, error) {
	ctx, cancel := c.deadlineContext(&c.wd)
	defer cancel()
	var sent int
	for sent < len(b) {
		n, err := c.s.Send(ctx, b[sent:])
		if err != nil {
			return sent, &net.OpError{Op: "write", Net: "unio", Addr: c.s.RemoteAddr(), Err: streamError(ctx, err)}
		}
		sent += n
	}
	return sent, nil
}

func (c *streamConn) Close() error {
	return c.s.Close(context.Background())
}

func (c *streamConn) LocalAddr() net.Addr  { return c.s.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.s.RemoteAddr() }

func (c *streamConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.rd, c.wd = t, t
	c.mu.Unlock()
	return nil
}

func (c *streamConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.rd = t
	c.mu.Unlock()
	return nil
}

func (c *streamConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.wd = t
	c.mu.Unlock()
	return nil
}

func (c *streamConn) deadlineContext(which *time.Time) (context.Context, context.CancelFunc) {
	c.mu.Lock()
	d := *which
	c.mu.Unlock()
	if d.IsZero() {
		return context.Background(), func() {}
	}
	return context.WithDeadline(context.Background(), d)
}

// streamError translates driver sentinels into the errors net.Conn
// callers match on. A cancellation triggered by an expired deadline
// context is a timeout, not a cancellation, from the caller's view.
func streamError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil && errors.Is(err, errorx.ErrCancelled):
		return os.ErrDeadlineExceeded
	case errors.Is(err, errorx.ErrClosed) || errors.Is(err, errorx.ErrReactorShutdown):
		return net.ErrClosed
	}
	return err
}
