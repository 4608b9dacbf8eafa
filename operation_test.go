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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	errorx "github.com/unio-io/unio/pkg/errors"
)

func TestOperationConstructors(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242}

	tests := []struct {
		op   *Operation
		kind Kind
	}{
		{NewNop(), Nop},
		{NewRead(1, make([]byte, 8)), Read},
		{NewWrite(1, make([]byte, 8)), Write},
		{NewReadv(1, [][]byte{make([]byte, 8)}), Readv},
		{NewWritev(1, [][]byte{make([]byte, 8)}), Writev},
		{NewRecvFrom(1, make([]byte, 8)), RecvFrom},
		{NewSendTo(1, make([]byte, 8), addr), SendTo},
		{NewAccept(1), Accept},
		{NewConnect(1, addr), Connect},
		{NewTimeout(time.Second), Timeout},
		{NewShutdown(1, ShutWrite), Shutdown},
		{NewClose(1), Close},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, tt.op.Kind())
		assert.NoError(t, tt.op.validate(), tt.kind.String())
	}
}

func TestOperationValidate(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242}

	tests := []struct {
		name string
		op   *Operation
	}{
		{"connect-nil-addr", NewConnect(1, nil)},
		{"sendto-nil-addr", NewSendTo(1, make([]byte, 1), nil)},
		{"readv-no-buffers", NewReadv(1, nil)},
		{"writev-no-buffers", NewWritev(1, [][]byte{})},
		{"read-negative-fd", NewRead(-1, make([]byte, 1))},
		{"accept-negative-fd", NewAccept(-1)},
		{"sendto-negative-fd", NewSendTo(-1, make([]byte, 1), addr)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.op.validate(), errorx.ErrInvalidOperation)
		})
	}

	// Nop and Timeout carry no descriptor at all.
	assert.NoError(t, NewNop().validate())
	assert.NoError(t, NewTimeout(0).validate())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "nop", Nop.String())
	assert.Equal(t, "recvfrom", RecvFrom.String())
	assert.Equal(t, "timeout", Timeout.String())
	assert.Equal(t, "close", Close.String())
	assert.Equal(t, "unknown", Kind(-1).String())
	assert.Equal(t, "unknown", kindCount.String())
}
