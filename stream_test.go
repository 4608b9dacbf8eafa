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

package unio

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connPair builds a connected TCP pair bridged to net.Conn.
func connPair(t *testing.T, r *Reactor) (client, server net.Conn) {
	t.Helper()
	ln, err := Listen(r, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := acceptOne(t, ln)
	cli, err := Dial(context.Background(), r, "tcp", ln.Addr().String())
	require.NoError(t, err)
	srv := <-accepted
	require.NoError(t, ln.Close(context.Background()))
	return cli.NetConn(), srv.NetConn()
}

func TestNetConnRoundTrip(t *testing.T) {
	r := startReactor(t)
	cli, srv := connPair(t, r)
	defer cli.Close()
	defer srv.Close()

	msg := []byte("the quick brown fox")
	n, err := cli.Write(msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(srv, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	assert.Equal(t, cli.LocalAddr().String(), srv.RemoteAddr().String())
}

func TestNetConnReadDeadline(t *testing.T) {
	r := startReactor(t)
	cli, srv := connPair(t, r)
	defer cli.Close()
	defer srv.Close()

	require.NoError(t, srv.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	start := time.Now()
	_, err := srv.Read(make([]byte, 8))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())
	assert.Less(t, time.Since(start), 5*time.Second)

	// Clearing the deadline restores blocking reads.
	require.NoError(t, srv.SetReadDeadline(time.Time{}))
	_, err = cli.Write([]byte("late"))
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, err := srv.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "late", string(buf[:n]))
}

func TestNetConnEOF(t *testing.T) {
	r := startReactor(t)
	cli, srv := connPair(t, r)
	defer srv.Close()

	require.NoError(t, cli.Close())
	_, err := srv.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
}

func TestNetConnReadAfterLocalClose(t *testing.T) {
	r := startReactor(t)
	cli, srv := connPair(t, r)
	defer srv.Close()

	require.NoError(t, cli.Close())
	_, err := cli.Read(make([]byte, 8))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestNetConnWriteDeadline(t *testing.T) {
	r := startReactor(t)
	cli, srv := connPair(t, r)
	defer cli.Close()
	defer srv.Close()

	// Fill the pipe until the write deadline trips.
	require.NoError(t, cli.SetWriteDeadline(time.Now().Add(100*time.Millisecond)))
	junk := make([]byte, 1<<20)
	var err error
	for i := 0; i < 64; i++ {
		if _, err = cli.Write(junk); err != nil {
			break
		}
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}
