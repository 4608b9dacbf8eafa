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
	"net"
	"os"
)

// Listener accepts inbound connections through a Reactor. Accepted
// descriptors arrive non-blocking and ready for further submissions.
type Listener struct {
	r       *Reactor
	fd      int
	addr    net.Addr
	network string
}

// Fd returns the listening descriptor.
func (ln *Listener) Fd() int { return ln.fd }

// Addr returns the bound local address.
func (ln *Listener) Addr() net.Addr { return ln.addr }

// Accept waits for one inbound connection. Cancelling ctx cancels the
// pending accept.
func (ln *Listener) Accept(ctx context.Context) (*Socket, error) {
	c, err := ln.r.SubmitAndWait(ctx, NewAccept(ln.fd))
	if err != nil {
		return nil, err
	}
	if c.Err != nil {
		return nil, c.Err
	}
	return &Socket{
		r:          ln.r,
		fd:         c.Res,
		localAddr:  ln.addr,
		remoteAddr: c.Addr,
	}, nil
}

// Close closes the listening descriptor through the reactor, resolving
// any pending accepts on it.
func (ln *Listener) Close(ctx context.Context) error {
	c, err := ln.r.SubmitAndWait(ctx, NewClose(ln.fd))
	if err != nil {
		return err
	}
	if ln.network == "unix" {
		_ = os.RemoveAll(ln.addr.String())
	}
	return c.Err
}
