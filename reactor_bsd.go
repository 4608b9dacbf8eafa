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

//go:build freebsd || dragonfly || darwin

package unio

import (
	errorx "github.com/unio-io/unio/pkg/errors"
)

// newReactorBackend selects the driver variant. BSDs only carry kqueue,
// so a completion-mode request or ring-only features cannot be honored.
func newReactorBackend(opts *Options, sink completionSink) (backend, error) {
	if opts.Backend == BackendCompletion || opts.SQE128 || opts.CQE32 {
		return nil, errorx.ErrUnsupported
	}
	return newNetpollBackend(opts, sink)
}
