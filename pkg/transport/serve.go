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

package transport

import (
	"context"

	"github.com/unio-io/unio"
	"github.com/unio-io/unio/pkg/logging"
	"github.com/unio-io/unio/pkg/pool/goroutine"
)

// Serve accepts connections from ln until ctx ends or the listener
// fails, upgrades each one per the reactor's transport options and runs
// handle on a pool worker. Handshakes happen on the worker too, a slow
// client cannot stall the accept loop. A nil pool borrows the default
// one for the duration of the call.
func Serve(ctx context.Context, ln *unio.Listener, pool *goroutine.Pool, handle func(*Conn)) error {
	if pool == nil {
		pool = goroutine.Default()
		defer pool.Release()
	}
	for {
		s, err := ln.Accept(ctx)
		if err != nil {
			return err
		}
		sock := s
		if err := pool.Submit(func() {
			c, err := UpgradeServer(ctx, sock)
			if err != nil {
				logging.Errorf("transport: handshake with %v failed: %v", sock.RemoteAddr(), err)
				return
			}
			handle(c)
		}); err != nil {
			// No free worker, shed the connection.
			logging.Warnf("transport: dropping connection from %v: %v", sock.RemoteAddr(), err)
			_ = sock.Close(ctx)
		}
	}
}
