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

package supervisor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tombee/warden/internal/fdio"
	"github.com/tombee/warden/internal/filelock"
)

// AssignFD arranges for Target in the child process to become a copy
// of Source in this process, analogous to the shell's "TARGET>&SOURCE".
type AssignFD struct {
	Target int
	Source int
}

// Options configures a Manager before it is constructed.
type Options struct {
	// AssignFDs are fd redirections applied in the child.
	AssignFDs []AssignFD

	// PassFDs are fds inherited by the child at the same number.
	PassFDs []int

	// Locks are held until all child processes have exited.
	Locks []*filelock.Lock

	// CloseFDs prevents the child from inheriting fds above stderr
	// that are not explicitly passed or assigned.
	CloseFDs bool

	// DumpParameters logs the argv, environment and fd setup at debug
	// level before launching.
	DumpParameters bool

	// ExitWithParent arranges for both the manager and the child to
	// receive SIGTERM when their respective parents exit.
	ExitWithParent bool

	// ForwardSignals installs handlers forwarding common termination
	// signals to the main child process.
	ForwardSignals bool

	// Subreaper makes this process a subreaper, so that orphaned
	// descendants reparent to it instead of to init.
	Subreaper bool

	// TerminateWait is how long to wait after the main process exits
	// before sending SIGTERM to remaining descendants.
	TerminateWait time.Duration

	// TerminateGrace is how long descendants are given to respond to
	// SIGTERM before SIGKILL. Zero proceeds directly to SIGKILL.
	// Negative disables terminating descendants: they are waited for
	// instead. Non-negative values require Subreaper.
	TerminateGrace time.Duration
}

// AssignFDCLI parses a command-line value of the form "3=4" as used by
// --assign-fd, and records it as an fd assignment analogous to 3>&4.
// The source fd must currently be open; ownership of it is taken.
func (o *Options) AssignFDCLI(value string) error {
	targetStr, sourceStr, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("--assign-fd requires TARGET=SOURCE, not %q", value)
	}

	// The target does not need to be open yet: --assign-fd=9=1 makes
	// fd 9 a copy of existing fd 1.
	target, err := parseFD(targetStr)
	if err != nil {
		return fmt.Errorf("target fd out of range or invalid: %q", value)
	}

	source, err := parseFD(sourceStr)
	if err != nil {
		return fmt.Errorf("source fd out of range or invalid: %q", value)
	}

	if _, open := fdio.IsCloexec(source); !open {
		return fmt.Errorf("unable to receive --assign-fd source %d: %w", source, unix.EBADF)
	}

	o.AssignFDs = append(o.AssignFDs, AssignFD{Target: target, Source: source})
	return nil
}

// PassFDCLI parses a command-line value such as "3" as used by
// --pass-fd, and records that the child should inherit that fd.
func (o *Options) PassFDCLI(value string) error {
	fd, err := parseFD(value)
	if err != nil {
		return fmt.Errorf("integer out of range or invalid: %q", value)
	}

	if _, open := fdio.IsCloexec(fd); !open {
		return fmt.Errorf("unable to receive --pass-fd %d: %w", fd, unix.EBADF)
	}

	o.PassFDs = append(o.PassFDs, fd)
	return nil
}

// LockFDCLI parses a command-line value such as "3" as used by
// --lock-fd: an inherited fd that already holds a lock, to be kept
// open until child processes have exited.
func (o *Options) LockFDCLI(value string) error {
	fd, err := parseFD(value)
	if err != nil {
		return fmt.Errorf("integer out of range or invalid: %q", value)
	}

	if err := fdio.SetCloexec(fd, true); err != nil {
		return fmt.Errorf("unable to configure --lock-fd %d for close-on-exec: %w", fd, err)
	}

	// We don't know whether this is an OFD lock or not. Assume it is:
	// it won't change our behaviour either way, and if it was passed
	// to us across a fork, it had better be one.
	o.Locks = append(o.Locks, filelock.NewTakeFD(fd, true))
	return nil
}

// LockFileCLI opens and locks path, holding the lock until child
// processes have exited.
func (o *Options) LockFileCLI(path string, flags filelock.Flags) error {
	lock, err := filelock.New(path, flags)
	if err != nil {
		return err
	}

	o.Locks = append(o.Locks, lock)
	return nil
}

// TakeOriginalStdoutStderr assigns the saved original stdout and
// stderr fds to the child's fds 1 and 2, unless an explicit assignment
// already claims those targets, in which case the saved fd is closed.
// Negative fds are ignored. Ownership of both fds is taken.
func (o *Options) TakeOriginalStdoutStderr(originalStdout, originalStderr int) {
	for _, pair := range o.AssignFDs {
		if pair.Target == 1 && originalStdout >= 0 {
			unix.Close(originalStdout)
			originalStdout = -1
		}
		if pair.Target == 2 && originalStderr >= 0 {
			unix.Close(originalStderr)
			originalStderr = -1
		}
	}

	if originalStdout >= 0 {
		o.AssignFDs = append(o.AssignFDs, AssignFD{Target: 1, Source: originalStdout})
	}

	if originalStderr >= 0 {
		o.AssignFDs = append(o.AssignFDs, AssignFD{Target: 2, Source: originalStderr})
	}
}

// Close releases any locks held by the options. It is only used when
// the options are abandoned without constructing a Manager.
func (o *Options) Close() {
	for _, lock := range o.Locks {
		lock.Close()
	}
	o.Locks = nil
}

func parseFD(s string) (int, error) {
	fd, err := strconv.Atoi(s)
	if err != nil {
		return -1, err
	}
	if fd < 0 {
		return -1, fmt.Errorf("negative fd %d", fd)
	}
	return fd, nil
}
