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
	errorx "github.com/unio-io/unio/pkg/errors"
	"github.com/unio-io/unio/pkg/logging"
)

// newReactorBackend negotiates the driver variant once. io_uring is
// preferred; kernels without it fall back to epoll unless the caller
// pinned the choice or asked for ring features epoll cannot offer.
func newReactorBackend(opts *Options, sink completionSink) (backend, error) {
	switch opts.Backend {
	case BackendReadiness:
		if opts.SQE128 || opts.CQE32 {
			return nil, errorx.ErrUnsupported
		}
		return newNetpollBackend(opts, sink)
	case BackendCompletion:
		b, err := newUringBackend(opts, sink)
		if err != nil {
			logging.Errorf("io_uring unavailable: %v", err)
			return nil, errorx.ErrUnsupported
		}
		return b, nil
	default:
		b, err := newUringBackend(opts, sink)
		if err != nil {
			if opts.SQE128 || opts.CQE32 {
				return nil, errorx.ErrUnsupported
			}
			logging.Infof("io_uring unavailable (%v), falling back to epoll", err)
			return newNetpollBackend(opts, sink)
		}
		return b, nil
	}
}
