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

// Package fdio provides low-level file descriptor plumbing shared by the
// supervisor and the log pipeline: close-on-exec manipulation, EINTR-safe
// reads and writes, fd enumeration via /proc, and pipes with explicit
// ownership transfer.
package fdio

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// SetCloexec sets or clears the close-on-exec flag on fd.
func SetCloexec(fd int, cloexec bool) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return fmt.Errorf("F_GETFD on fd %d: %w", fd, err)
	}

	if cloexec {
		flags |= unix.FD_CLOEXEC
	} else {
		flags &^= unix.FD_CLOEXEC
	}

	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags); err != nil {
		return fmt.Errorf("F_SETFD on fd %d: %w", fd, err)
	}

	return nil
}

// IsCloexec reports whether fd has the close-on-exec flag set.
// The second return value is false if fd is not open.
func IsCloexec(fd int) (cloexec bool, open bool) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return false, false
	}
	return flags&unix.FD_CLOEXEC != 0, true
}

// OpenFDs returns the file descriptors currently open in this process,
// enumerated from /proc/self/fd. The fd used for the enumeration itself
// is excluded.
func OpenFDs() ([]int, error) {
	dir, err := os.Open("/proc/self/fd")
	if err != nil {
		return nil, fmt.Errorf("listing open fds: %w", err)
	}
	defer dir.Close()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return nil, fmt.Errorf("listing open fds: %w", err)
	}

	fds := make([]int, 0, len(names))
	for _, name := range names {
		fd, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		if fd == int(dir.Fd()) {
			continue
		}
		fds = append(fds, fd)
	}

	return fds, nil
}

// SetAllCloexec marks every open fd numbered min or above as
// close-on-exec. Descriptors that disappear while we walk them are
// ignored.
func SetAllCloexec(min int) error {
	fds, err := OpenFDs()
	if err != nil {
		return err
	}

	for _, fd := range fds {
		if fd < min {
			continue
		}
		if err := SetCloexec(fd, true); err != nil && !errors.Is(err, unix.EBADF) {
			return err
		}
	}

	return nil
}

// WriteAll writes all of buf to fd, retrying on short writes and EINTR.
func WriteAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Read wraps unix.Read with EINTR retry.
func Read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// SameStat reports whether two stat results describe the same file,
// comparing device and inode numbers.
func SameStat(a, b *unix.Stat_t) bool {
	return a.Dev == b.Dev && a.Ino == b.Ino
}

// FDIsSameFile reports whether fd refers to the same open file as other.
func FDIsSameFile(fd, other int) bool {
	var a, b unix.Stat_t
	if err := unix.Fstat(fd, &a); err != nil {
		return false
	}
	if err := unix.Fstat(other, &b); err != nil {
		return false
	}
	return SameStat(&a, &b)
}

// Pipe is a unidirectional pipe whose two ends can be handed off
// individually. Both ends are close-on-exec until stolen or passed to
// a child explicitly.
type Pipe struct {
	readEnd  int
	writeEnd int
}

// NewPipe creates a pipe with both ends close-on-exec.
func NewPipe() (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("creating pipe: %w", err)
	}
	return &Pipe{readEnd: fds[0], writeEnd: fds[1]}, nil
}

// ReadEnd returns the read end without transferring ownership.
func (p *Pipe) ReadEnd() int { return p.readEnd }

// WriteEnd returns the write end without transferring ownership.
func (p *Pipe) WriteEnd() int { return p.writeEnd }

// StealReadEnd transfers ownership of the read end to the caller.
// Close will no longer close it.
func (p *Pipe) StealReadEnd() int {
	fd := p.readEnd
	p.readEnd = -1
	return fd
}

// StealWriteEnd transfers ownership of the write end to the caller.
func (p *Pipe) StealWriteEnd() int {
	fd := p.writeEnd
	p.writeEnd = -1
	return fd
}

// CloseReadEnd closes the read end if still owned.
func (p *Pipe) CloseReadEnd() {
	if p.readEnd >= 0 {
		unix.Close(p.readEnd)
		p.readEnd = -1
	}
}

// CloseWriteEnd closes the write end if still owned.
func (p *Pipe) CloseWriteEnd() {
	if p.writeEnd >= 0 {
		unix.Close(p.writeEnd)
		p.writeEnd = -1
	}
}

// Close closes whichever ends are still owned by the Pipe.
func (p *Pipe) Close() {
	p.CloseReadEnd()
	p.CloseWriteEnd()
}
