// Copyright 2025 Tom Barlow
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

package filelock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
)

func TestNewCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resource.lock")

	lock, err := New(path, Create)
	require.NoError(t, err)
	defer lock.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "Create should have created the lock file")
	assert.True(t, lock.IsOFD(), "modern kernels should grant an OFD lock")
}

func TestNewMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.lock")

	_, err := New(path, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ENOENT))
}

func TestSharedAndExclusive(t *testing.T) {
	// OFD locks taken on separate open file descriptions conflict
	// even within one process, so the exclusion rules can be tested
	// without forking.
	path := filepath.Join(t.TempDir(), "resource.lock")

	t.Run("shared locks coexist", func(t *testing.T) {
		a, err := New(path, Create)
		require.NoError(t, err)
		defer a.Close()

		b, err := New(path, Create)
		require.NoError(t, err)
		defer b.Close()
	})

	t.Run("exclusive excludes shared", func(t *testing.T) {
		a, err := New(path, Create|Exclusive)
		require.NoError(t, err)
		defer a.Close()

		_, err = New(path, Create)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBusy)
	})

	t.Run("shared excludes exclusive", func(t *testing.T) {
		a, err := New(path, Create)
		require.NoError(t, err)
		defer a.Close()

		_, err = New(path, Create|Exclusive)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBusy)
	})

	t.Run("close releases", func(t *testing.T) {
		a, err := New(path, Create|Exclusive)
		require.NoError(t, err)
		require.NoError(t, a.Close())

		b, err := New(path, Create|Exclusive)
		require.NoError(t, err)
		defer b.Close()
	})
}

func TestStealFD(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resource.lock")

	lock, err := New(path, Create|Exclusive)
	require.NoError(t, err)

	fd := lock.StealFD()
	require.GreaterOrEqual(t, fd, 0)

	// Closing the Lock must not release the stolen fd's lock.
	require.NoError(t, lock.Close())

	_, err = New(path, Create|Exclusive)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, unix.Close(fd))

	relock, err := New(path, Create|Exclusive)
	require.NoError(t, err)
	relock.Close()
}

func TestNewTakeFD(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resource.lock")

	lock, err := New(path, Create|Exclusive)
	require.NoError(t, err)

	taken := NewTakeFD(lock.StealFD(), lock.IsOFD())
	assert.True(t, taken.IsOFD())
	require.NoError(t, lock.Close())
	require.NoError(t, taken.Close())
}

func TestIncompatibleFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resource.lock")

	_, err := New(path, Create|ProcessOriented|RequireOFD)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestProcessOriented(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resource.lock")

	lock, err := New(path, Create|ProcessOriented)
	require.NoError(t, err)
	defer lock.Close()

	assert.False(t, lock.IsOFD())
}
