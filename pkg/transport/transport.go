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

// Package transport dresses driver sockets in stream transports. The
// plain transport is the socket's net.Conn bridge as is; the TLS
// transport layers crypto/tls over it, treating the record engine as
// opaque and staging inbound ciphertext so that the record parser's
// small sequential reads do not each become a driver submission.
package transport

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/pkg/errors"

	"github.com/unio-io/unio"
	"github.com/unio-io/unio/pkg/buffer/ring"
	errorx "github.com/unio-io/unio/pkg/errors"
	bbPool "github.com/unio-io/unio/pkg/pool/bytebuffer"
	bsPool "github.com/unio-io/unio/pkg/pool/byteslice"
)

// chunkSize is how much ciphertext one driver read asks for. A full TLS
// record plus header fits in one chunk.
const chunkSize = 16*1024 + 512

// Conn is a stream connection dressed by this package. Reads and writes
// go through the active layer, TLS or plain; the wrapped socket stays
// reachable for descriptor-level calls.
type Conn struct {
	net.Conn
	s  *unio.Socket
	tc *tls.Conn
}

// Socket returns the driver socket under the transport.
func (c *Conn) Socket() *unio.Socket { return c.s }

// ConnectionState reports the TLS state of the session. The second
// return is false on a plain transport.
func (c *Conn) ConnectionState() (tls.ConnectionState, bool) {
	if c.tc == nil {
		return tls.ConnectionState{}, false
	}
	return c.tc.ConnectionState(), true
}

// Writev coalesces bs into a single stream write.
func (c *Conn) Writev(bs [][]byte) (int, error) {
	bb := bbPool.Get()
	defer bbPool.Put(bb)
	for i := range bs {
		_, _ = bb.Write(bs[i])
	}
	return c.Write(bb.B)
}

// Plain returns s bridged to a net.Conn with no security layer.
func Plain(s *unio.Socket) *Conn {
	return &Conn{Conn: s.NetConn(), s: s}
}

// Client runs a TLS client handshake over s and returns the session.
// The socket is closed when the handshake fails.
func Client(ctx context.Context, s *unio.Socket, config *tls.Config) (*Conn, error) {
	return handshake(ctx, s, config, tls.Client)
}

// Server runs a TLS server handshake over s and returns the session.
// The socket is closed when the handshake fails.
func Server(ctx context.Context, s *unio.Socket, config *tls.Config) (*Conn, error) {
	return handshake(ctx, s, config, tls.Server)
}

// UpgradeClient dresses s the way its reactor was configured to,
// TransportPlain passes through and TransportTLS runs the client
// handshake with the configured tls.Config.
func UpgradeClient(ctx context.Context, s *unio.Socket) (*Conn, error) {
	opts := s.Reactor().Options()
	if opts.Transport == unio.TransportTLS {
		return Client(ctx, s, opts.TLSConfig)
	}
	return Plain(s), nil
}

// UpgradeServer is the accepting-side counterpart of UpgradeClient.
func UpgradeServer(ctx context.Context, s *unio.Socket) (*Conn, error) {
	opts := s.Reactor().Options()
	if opts.Transport == unio.TransportTLS {
		return Server(ctx, s, opts.TLSConfig)
	}
	return Plain(s), nil
}

func handshake(ctx context.Context, s *unio.Socket, config *tls.Config,
	wrap func(net.Conn, *tls.Config) *tls.Conn) (*Conn, error) {
	if config == nil {
		return nil, errors.WithMessage(errorx.ErrTransportHandshake, "nil TLS config")
	}
	tc := wrap(newStagedConn(s.NetConn()), config)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = tc.Close()
		return nil, errors.WithMessage(errorx.ErrTransportHandshake, err.Error())
	}
	return &Conn{Conn: tc, s: s, tc: tc}, nil
}

// stagedConn pulls ciphertext off the driver in chunk-sized reads and
// lets the TLS record parser nibble at it. Record headers are 5 bytes;
// without staging every header would cost its own submission.
type stagedConn struct {
	net.Conn
	rbuf *ring.Buffer
}

func newStagedConn(c net.Conn) *stagedConn {
	return &stagedConn{Conn: c, rbuf: ring.New(chunkSize)}
}

func (c *stagedConn) Read(p []byte) (int, error) {
	if c.rbuf.IsEmpty() {
		if len(p) >= chunkSize {
			// Big destination, skip the stage entirely.
			return c.Conn.Read(p)
		}
		b := bsPool.Get(chunkSize)
		n, err := c.Conn.Read(b)
		if n > 0 {
			_, _ = c.rbuf.Write(b[:n])
		}
		bsPool.Put(b)
		if c.rbuf.IsEmpty() {
			return 0, err
		}
	}
	return c.rbuf.Read(p)
}
