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

package fdio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSetCloexec(t *testing.T) {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	cloexec, open := IsCloexec(fd)
	require.True(t, open)
	assert.False(t, cloexec)

	require.NoError(t, SetCloexec(fd, true))
	cloexec, open = IsCloexec(fd)
	require.True(t, open)
	assert.True(t, cloexec)

	require.NoError(t, SetCloexec(fd, false))
	cloexec, _ = IsCloexec(fd)
	assert.False(t, cloexec)
}

func TestIsCloexecNotOpen(t *testing.T) {
	_, open := IsCloexec(987654)
	assert.False(t, open)
}

func TestOpenFDs(t *testing.T) {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	fds, err := OpenFDs()
	require.NoError(t, err)

	assert.Contains(t, fds, 0)
	assert.Contains(t, fds, 1)
	assert.Contains(t, fds, 2)
	assert.Contains(t, fds, fd)
}

func TestPipeRoundTrip(t *testing.T) {
	p, err := NewPipe()
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, WriteAll(p.WriteEnd(), []byte("payload")))
	p.CloseWriteEnd()

	buf := make([]byte, 64)
	n, err := Read(p.ReadEnd(), buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))

	n, err = Read(p.ReadEnd(), buf)
	require.NoError(t, err)
	assert.Zero(t, n, "closed write end should mean EOF")
}

func TestPipeStealEnds(t *testing.T) {
	p, err := NewPipe()
	require.NoError(t, err)

	readEnd := p.StealReadEnd()
	writeEnd := p.StealWriteEnd()
	p.Close()

	// Close must not have touched the stolen ends.
	require.NoError(t, WriteAll(writeEnd, []byte("x")))
	buf := make([]byte, 1)
	n, err := Read(readEnd, buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	unix.Close(readEnd)
	unix.Close(writeEnd)
}

func TestSameStat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")

	fd1, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0644)
	require.NoError(t, err)
	defer unix.Close(fd1)

	fd2, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fd2)

	assert.True(t, FDIsSameFile(fd1, fd2))

	fd3, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fd3)

	assert.False(t, FDIsSameFile(fd1, fd3))
}

func TestSetAllCloexec(t *testing.T) {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	require.NoError(t, SetAllCloexec(3))

	cloexec, open := IsCloexec(fd)
	require.True(t, open)
	assert.True(t, cloexec)

	// Standard streams are left alone.
	cloexec, open = IsCloexec(2)
	if open {
		assert.False(t, cloexec)
	}
}
