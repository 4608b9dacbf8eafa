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

package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unio-io/unio"
	errorx "github.com/unio-io/unio/pkg/errors"
)

func startReactor(t *testing.T, opts ...unio.Option) *unio.Reactor {
	t.Helper()
	r, err := unio.NewReactor(opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = r.Shutdown(context.Background())
	})
	return r
}

// testTLSConfig builds a throwaway self-signed pair for 127.0.0.1.
func testTLSConfig(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), crand.Reader)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"unio-test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(crand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(cert)

	server = &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
	client = &tls.Config{RootCAs: roots, ServerName: "127.0.0.1"}
	return
}

func dialPair(t *testing.T, r *unio.Reactor) (cli, srv *unio.Socket) {
	t.Helper()
	ln, err := unio.Listen(r, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := make(chan *unio.Socket, 1)
	go func() {
		s, err := ln.Accept(context.Background())
		assert.NoError(t, err)
		accepted <- s
	}()
	cli, err = unio.Dial(context.Background(), r, "tcp", ln.Addr().String())
	require.NoError(t, err)
	srv = <-accepted
	require.NoError(t, ln.Close(context.Background()))
	return cli, srv
}

func TestTLSEcho(t *testing.T) {
	r := startReactor(t)
	serverCfg, clientCfg := testTLSConfig(t)
	cliSock, srvSock := dialPair(t, r)

	srvConn := make(chan *Conn, 1)
	go func() {
		c, err := Server(context.Background(), srvSock, serverCfg)
		assert.NoError(t, err)
		srvConn <- c
	}()

	cli, err := Client(context.Background(), cliSock, clientCfg)
	require.NoError(t, err)
	srv := <-srvConn
	require.NotNil(t, srv)
	defer cli.Close()
	defer srv.Close()

	state, ok := cli.ConnectionState()
	require.True(t, ok)
	assert.True(t, state.HandshakeComplete)
	assert.Same(t, cliSock, cli.Socket())

	msg := []byte("over the wire, under the record layer")
	_, err = cli.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(srv, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	// And the other direction.
	_, err = srv.Write([]byte("ack"))
	require.NoError(t, err)
	ack := make([]byte, 3)
	_, err = io.ReadFull(cli, ack)
	require.NoError(t, err)
	assert.Equal(t, "ack", string(ack))
}

func TestTLSBulkTransfer(t *testing.T) {
	r := startReactor(t)
	serverCfg, clientCfg := testTLSConfig(t)
	cliSock, srvSock := dialPair(t, r)

	srvConn := make(chan *Conn, 1)
	go func() {
		c, err := Server(context.Background(), srvSock, serverCfg)
		assert.NoError(t, err)
		srvConn <- c
	}()
	cli, err := Client(context.Background(), cliSock, clientCfg)
	require.NoError(t, err)
	srv := <-srvConn
	require.NotNil(t, srv)
	defer cli.Close()
	defer srv.Close()

	// Spans many TLS records, exercising the ciphertext stage.
	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	go func() {
		_, err := cli.Write(payload)
		assert.NoError(t, err)
	}()

	got := make([]byte, len(payload))
	_, err = io.ReadFull(srv, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestHandshakeFailure(t *testing.T) {
	r := startReactor(t)
	serverCfg, _ := testTLSConfig(t)
	cliSock, srvSock := dialPair(t, r)

	srvErr := make(chan error, 1)
	go func() {
		// The server side fails alongside the distrustful client.
		_, err := Server(context.Background(), srvSock, serverCfg)
		srvErr <- err
	}()

	distrust := &tls.Config{RootCAs: x509.NewCertPool(), ServerName: "127.0.0.1"}
	_, err := Client(context.Background(), cliSock, distrust)
	require.Error(t, err)
	assert.ErrorIs(t, err, errorx.ErrTransportHandshake)
	assert.Error(t, <-srvErr)
}

func TestNilConfigRejected(t *testing.T) {
	r := startReactor(t)
	cliSock, srvSock := dialPair(t, r)
	defer cliSock.Close(context.Background())
	defer srvSock.Close(context.Background())

	_, err := Client(context.Background(), cliSock, nil)
	assert.ErrorIs(t, err, errorx.ErrTransportHandshake)
}

func TestUpgradeHonorsReactorOptions(t *testing.T) {
	serverCfg, clientCfg := testTLSConfig(t)

	t.Run("plain", func(t *testing.T) {
		r := startReactor(t)
		cliSock, srvSock := dialPair(t, r)

		srv, err := UpgradeServer(context.Background(), srvSock)
		require.NoError(t, err)
		cli, err := UpgradeClient(context.Background(), cliSock)
		require.NoError(t, err)
		defer cli.Close()
		defer srv.Close()

		_, ok := cli.ConnectionState()
		assert.False(t, ok, "plain transport carries no TLS state")

		_, err = cli.Write([]byte("plain"))
		require.NoError(t, err)
		buf := make([]byte, 5)
		_, err = io.ReadFull(srv, buf)
		require.NoError(t, err)
		assert.Equal(t, "plain", string(buf))
	})

	t.Run("tls", func(t *testing.T) {
		rSrv := startReactor(t, unio.WithTransport(unio.TransportTLS), unio.WithTLSConfig(serverCfg))
		rCli := startReactor(t)

		ln, err := unio.Listen(rSrv, "tcp", "127.0.0.1:0")
		require.NoError(t, err)
		srvConn := make(chan *Conn, 1)
		go func() {
			s, err := ln.Accept(context.Background())
			if !assert.NoError(t, err) {
				srvConn <- nil
				return
			}
			c, err := UpgradeServer(context.Background(), s)
			assert.NoError(t, err)
			srvConn <- c
		}()

		cliSock, err := unio.Dial(context.Background(), rCli, "tcp", ln.Addr().String())
		require.NoError(t, err)
		cli, err := Client(context.Background(), cliSock, clientCfg)
		require.NoError(t, err)
		srv := <-srvConn
		require.NotNil(t, srv)
		defer cli.Close()
		defer srv.Close()
		defer ln.Close(context.Background())

		_, ok := srv.ConnectionState()
		assert.True(t, ok, "reactor options upgraded the accept side to TLS")

		_, err = cli.Write([]byte("secure"))
		require.NoError(t, err)
		buf := make([]byte, 6)
		_, err = io.ReadFull(srv, buf)
		require.NoError(t, err)
		assert.Equal(t, "secure", string(buf))
	})
}

func TestServeEcho(t *testing.T) {
	serverCfg, clientCfg := testTLSConfig(t)
	r := startReactor(t, unio.WithTransport(unio.TransportTLS), unio.WithTLSConfig(serverCfg))

	ln, err := unio.Listen(r, "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(ctx, ln, nil, func(c *Conn) {
			defer c.Close()
			buf := make([]byte, 64)
			n, err := c.Read(buf)
			if err != nil {
				return
			}
			_, _ = c.Write(buf[:n])
		})
	}()

	for i := 0; i < 3; i++ {
		sock, err := unio.Dial(context.Background(), r, "tcp", ln.Addr().String())
		require.NoError(t, err)
		cli, err := Client(context.Background(), sock, clientCfg)
		require.NoError(t, err)

		_, err = cli.Write([]byte("echo me"))
		require.NoError(t, err)
		buf := make([]byte, 7)
		_, err = io.ReadFull(cli, buf)
		require.NoError(t, err)
		assert.Equal(t, "echo me", string(buf))
		require.NoError(t, cli.Close())
	}

	cancel()
	err = <-serveErr
	assert.ErrorIs(t, err, errorx.ErrCancelled, "a cancelled accept ends the serve loop")
	require.NoError(t, ln.Close(context.Background()))
}

func TestConnWritev(t *testing.T) {
	r := startReactor(t)
	cliSock, srvSock := dialPair(t, r)

	cli := Plain(cliSock)
	srv := Plain(srvSock)
	defer cli.Close()
	defer srv.Close()

	n, err := cli.Writev([][]byte{[]byte("one "), []byte("flat "), []byte("write")})
	require.NoError(t, err)
	require.Equal(t, len("one flat write"), n)

	buf := make([]byte, n)
	_, err = io.ReadFull(srv, buf)
	require.NoError(t, err)
	assert.Equal(t, "one flat write", string(buf))
}

// scriptConn feeds canned chunks to the stage, standing in for the
// driver bridge.
type scriptConn struct {
	net.Conn
	chunks [][]byte
}

func (c *scriptConn) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	if n == len(c.chunks[0]) {
		c.chunks = c.chunks[1:]
	} else {
		c.chunks[0] = c.chunks[0][n:]
	}
	return n, nil
}

func TestStagedConnRead(t *testing.T) {
	sc := newStagedConn(&scriptConn{chunks: [][]byte{[]byte("hello world")}})

	head := make([]byte, 5)
	n, err := sc.Read(head)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(head[:n]))

	// Served from the stage, not from the underlying conn.
	tail := make([]byte, 16)
	n, err = sc.Read(tail)
	require.NoError(t, err)
	assert.Equal(t, " world", string(tail[:n]))

	_, err = sc.Read(tail)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStagedConnBigReadBypass(t *testing.T) {
	payload := make([]byte, chunkSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	sc := newStagedConn(&scriptConn{chunks: [][]byte{payload}})

	dst := make([]byte, chunkSize)
	n, err := sc.Read(dst)
	require.NoError(t, err)
	assert.Equal(t, payload[:n], dst[:n])
	assert.True(t, sc.rbuf.IsEmpty(), "large reads bypass the stage")
}
