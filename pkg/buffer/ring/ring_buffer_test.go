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

package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferReadWrite(t *testing.T) {
	rb := New(16)
	require.True(t, rb.IsEmpty())
	assert.Equal(t, 16, rb.Cap())

	n, err := rb.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	assert.False(t, rb.IsEmpty())
	assert.Equal(t, 5, rb.Buffered())
	assert.Equal(t, 11, rb.Available())

	p := make([]byte, 3)
	n, err = rb.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "hel", string(p))
	assert.Equal(t, 2, rb.Buffered())

	// Draining the rest resets the buffer.
	n, err = rb.Read(make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, rb.IsEmpty())

	_, err = rb.Read(p)
	assert.ErrorIs(t, err, ErrIsEmpty)

	n, err = rb.Read(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBufferWrapAround(t *testing.T) {
	rb := New(8)
	_, err := rb.Write([]byte("abcdef"))
	require.NoError(t, err)
	_, err = rb.Read(make([]byte, 4))
	require.NoError(t, err)

	// Lands across the seam.
	_, err = rb.Write([]byte("ghij"))
	require.NoError(t, err)
	require.Equal(t, 6, rb.Buffered())

	head, tail := rb.Peek(-1)
	assert.Equal(t, "efgh", string(head))
	assert.Equal(t, "ij", string(tail))
	assert.Equal(t, []byte("efghij"), rb.Bytes())

	discarded, err := rb.Discard(2)
	require.NoError(t, err)
	assert.Equal(t, 2, discarded)

	got := make([]byte, 8)
	n, err := rb.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "ghij", string(got[:n]))
	assert.True(t, rb.IsEmpty())
}

func TestBufferPeekBounded(t *testing.T) {
	rb := New(8)
	_, err := rb.Write([]byte("abcd"))
	require.NoError(t, err)

	head, tail := rb.Peek(2)
	assert.Equal(t, "ab", string(head))
	assert.Empty(t, tail)
	// Peeking does not consume.
	assert.Equal(t, 4, rb.Buffered())
}

func TestBufferFullAndGrow(t *testing.T) {
	rb := New(4)
	_, err := rb.Write([]byte("abcd"))
	require.NoError(t, err)
	assert.True(t, rb.IsFull())
	assert.Zero(t, rb.Available())

	// Writing past capacity grows instead of failing.
	_, err = rb.Write([]byte("e"))
	require.NoError(t, err)
	assert.Equal(t, 5, rb.Buffered())
	assert.GreaterOrEqual(t, rb.Cap(), 5)

	got := make([]byte, 8)
	n, err := rb.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(got[:n]))
}

func TestBufferZeroSized(t *testing.T) {
	rb := New(0)
	require.True(t, rb.IsEmpty())
	assert.Zero(t, rb.Cap())

	_, err := rb.Write([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, DefaultBufferSize, rb.Cap())
	assert.Equal(t, 1, rb.Buffered())

	p := make([]byte, 1)
	_, err = rb.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "x", string(p))
}

func TestBufferDiscardAllResets(t *testing.T) {
	rb := New(8)
	_, err := rb.Write([]byte("abc"))
	require.NoError(t, err)

	discarded, err := rb.Discard(10)
	require.NoError(t, err)
	assert.Equal(t, 3, discarded)
	assert.True(t, rb.IsEmpty())
	assert.Equal(t, rb.Cap(), rb.Available())
}
