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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitOptionsDefaults(t *testing.T) {
	opts := initOptions()
	assert.Equal(t, DefaultQueueDepth, opts.QueueDepth)
	assert.Equal(t, BackendAuto, opts.Backend)
	assert.Equal(t, TransportPlain, opts.Transport)
	assert.Equal(t, RoundRobin, opts.LB)
	assert.False(t, opts.SQE128)
	assert.False(t, opts.CQE32)
}

func TestQueueDepthNormalization(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultQueueDepth},
		{-5, DefaultQueueDepth},
		{1, 1},
		{2, 2},
		{3, 4},
		{100, 128},
		{256, 256},
		{1000, 1024},
	}
	for _, tt := range tests {
		opts := initOptions(WithQueueDepth(tt.in))
		assert.Equal(t, tt.want, opts.QueueDepth, "depth %d", tt.in)
	}
}

func TestFunctionalOptions(t *testing.T) {
	cfg := &tls.Config{ServerName: "unio.test"}
	opts := initOptions(
		WithBackend(BackendCompletion),
		WithQueueDepth(64),
		WithSQE128(true),
		WithCQE32(true),
		WithTransport(TransportTLS),
		WithTLSConfig(cfg),
		WithLoadBalancing(LeastInflight),
		WithLockOSThread(true),
	)
	assert.Equal(t, BackendCompletion, opts.Backend)
	assert.Equal(t, 64, opts.QueueDepth)
	assert.True(t, opts.SQE128)
	assert.True(t, opts.CQE32)
	assert.Equal(t, TransportTLS, opts.Transport)
	assert.Same(t, cfg, opts.TLSConfig)
	assert.Equal(t, LeastInflight, opts.LB)
	assert.True(t, opts.LockOSThread)
}

func TestWithOptionsBulk(t *testing.T) {
	src := Options{Backend: BackendReadiness, QueueDepth: 30, LockOSThread: true}
	opts := initOptions(WithOptions(src))
	assert.Equal(t, BackendReadiness, opts.Backend)
	assert.Equal(t, 32, opts.QueueDepth, "bulk options are still normalized")
	assert.True(t, opts.LockOSThread)
}

func TestBackendKindString(t *testing.T) {
	assert.Equal(t, "auto", BackendAuto.String())
	assert.Equal(t, "completion", BackendCompletion.String())
	assert.Equal(t, "readiness", BackendReadiness.String())
	assert.Equal(t, "unknown", BackendKind(9).String())
}
