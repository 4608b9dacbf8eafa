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

package byteslice

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSizing(t *testing.T) {
	assert.Nil(t, Get(0))
	assert.Nil(t, Get(-1))

	buf := Get(7)
	require.Len(t, buf, 7)
	assert.Equal(t, 8, cap(buf), "capacity rounds up to the bucket size")
	Put(buf)

	buf = Get(1024)
	require.Len(t, buf, 1024)
	assert.Equal(t, 1024, cap(buf))
	Put(buf)
}

func TestPutGetRecycles(t *testing.T) {
	// Pin the slice in the pool for the duration of the check.
	gc := debug.SetGCPercent(-1)
	defer debug.SetGCPercent(gc)

	buf := Get(8)
	copy(buf, "ff")
	Put(buf)

	// A smaller request from the same bucket reuses the array.
	reused := Get(7)
	require.NotEmpty(t, reused)
	assert.Same(t, &buf[0], &reused[0])
	assert.Equal(t, "ff", string(reused[:2]))
}

func BenchmarkByteSlice(b *testing.B) {
	b.Run("Run.N", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			bs := Get(1024)
			Put(bs)
		}
	})
	b.Run("Run.Parallel", func(b *testing.B) {
		b.ReportAllocs()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				bs := Get(1024)
				Put(bs)
			}
		})
	})
}
