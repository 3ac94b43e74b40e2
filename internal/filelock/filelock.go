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

// Package filelock implements whole-file advisory locks based on fcntl.
//
// Locks are open-file-description (OFD) locks where the kernel supports
// them, falling back to process-associated POSIX locks otherwise. OFD
// locks are preferred because they are released when the last duplicate
// of the file descriptor is closed rather than when any fd for the file
// is closed, and because they conflict with the POSIX locks taken by
// container runtimes, letting a shared OFD lock exclude an external
// exclusive POSIX lock.
package filelock

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrBusy is returned when a lock cannot be acquired immediately and
// waiting was not requested.
var ErrBusy = errors.New("file is locked by another process")

// Flags affect how a lock is opened and acquired.
type Flags int

const (
	// Create opens the file read/write and creates it (mode 0644) if
	// it does not exist.
	Create Flags = 1 << iota

	// Wait blocks until the lock can be acquired instead of returning
	// ErrBusy.
	Wait

	// Exclusive takes a write lock, held by at most one file
	// description at a time. Without it the lock is a shared read
	// lock, which excludes exclusive locks only.
	Exclusive

	// RequireOFD fails with the kernel's error instead of falling back
	// to process-associated locks when OFD locks are unsupported.
	RequireOFD

	// ProcessOriented skips OFD locks entirely and takes a
	// process-associated POSIX lock. Incompatible with RequireOFD.
	ProcessOriented
)

// Lock is a held advisory lock. The lock is released by Close, or by
// closing the stolen fd after StealFD.
type Lock struct {
	fd  int
	ofd bool
}

// Acquire locks an already-open file descriptor, without taking
// ownership of it unless the acquisition succeeds by the caller's
// convention. The boolean result reports whether an OFD lock was used.
func Acquire(fd int, path string, flags Flags) (bool, error) {
	if flags&ProcessOriented != 0 && flags&RequireOFD != 0 {
		return false, fmt.Errorf("locking %s: ProcessOriented and RequireOFD are mutually exclusive", path)
	}

	typeStr := "reading"
	lockType := int16(unix.F_RDLCK)
	if flags&Exclusive != 0 {
		typeStr = "writing"
		lockType = int16(unix.F_WRLCK)
	}

	// Try OFD locks first unless process-oriented locks were
	// explicitly requested.
	tryOFD := flags&ProcessOriented == 0

	for _, ofd := range lockAttempts(tryOFD) {
		l := unix.Flock_t{
			Type:   lockType,
			Whence: int16(unix.SEEK_SET),
			Start:  0,
			Len:    0,
		}

		var cmd int
		switch {
		case ofd && flags&Wait != 0:
			cmd = unix.F_OFD_SETLKW
		case ofd:
			cmd = unix.F_OFD_SETLK
		case flags&Wait != 0:
			cmd = unix.F_SETLKW
		default:
			cmd = unix.F_SETLK
		}

		err := fcntlFlock(fd, cmd, &l)
		if err == nil {
			return ofd, nil
		}

		// Old kernels reject F_OFD_SETLK with EINVAL; fall back to
		// process-associated locks if allowed.
		if err == unix.EINVAL && ofd && flags&RequireOFD == 0 {
			continue
		}

		if err == unix.EACCES || err == unix.EAGAIN {
			return false, fmt.Errorf("unable to lock %s for %s: %w", path, typeStr, ErrBusy)
		}

		return false, fmt.Errorf("unable to lock %s for %s: %w", path, typeStr, err)
	}

	// Unreachable: the final attempt always returns.
	return false, fmt.Errorf("unable to lock %s for %s", path, typeStr)
}

func lockAttempts(tryOFD bool) []bool {
	if tryOFD {
		return []bool{true, false}
	}
	return []bool{false}
}

func fcntlFlock(fd, cmd int, l *unix.Flock_t) error {
	for {
		err := unix.FcntlFlock(uintptr(fd), cmd, l)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// New opens path and takes out a lock on it according to flags.
//
// With Exclusive the lock is a write lock, appropriate when about to
// modify or delete the locked resource; otherwise it is a shared read
// lock, appropriate when using but not modifying it. Without Wait,
// a lock held elsewhere results in ErrBusy.
func New(path string, flags Flags) (*Lock, error) {
	openFlags := unix.O_CLOEXEC | unix.O_NOCTTY

	switch {
	case flags&Create != 0:
		openFlags |= unix.O_RDWR | unix.O_CREAT
	case flags&Exclusive != 0:
		openFlags |= unix.O_RDWR
	default:
		openFlags |= unix.O_RDONLY
	}

	fd, err := openRetry(path, openFlags, 0644)
	if err != nil {
		return nil, fmt.Errorf("open(%s): %w", path, err)
	}

	ofd, err := Acquire(fd, path, flags)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Lock{fd: fd, ofd: ofd}, nil
}

func openRetry(path string, flags int, mode uint32) (int, error) {
	for {
		fd, err := unix.Open(path, flags, mode)
		if err == unix.EINTR {
			continue
		}
		return fd, err
	}
}

// NewTakeFD wraps an already-locked file descriptor, taking ownership
// of it. isOFD records which kind of lock the fd holds.
func NewTakeFD(fd int, isOFD bool) *Lock {
	return &Lock{fd: fd, ofd: isOFD}
}

// FD returns the locked file descriptor without transferring ownership.
func (l *Lock) FD() int {
	return l.fd
}

// StealFD transfers ownership of the locked fd to the caller. Close
// becomes a no-op; closing the stolen fd releases the lock.
func (l *Lock) StealFD() int {
	fd := l.fd
	l.fd = -1
	return fd
}

// IsOFD reports whether this is an open-file-description lock.
func (l *Lock) IsOFD() bool {
	return l.ofd
}

// Close releases the lock by closing the file descriptor, unless the
// fd has been stolen.
func (l *Lock) Close() error {
	if l.fd < 0 {
		return nil
	}
	fd := l.fd
	l.fd = -1
	return unix.Close(fd)
}
