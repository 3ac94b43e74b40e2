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
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tombee/warden/internal/fdio"
)

// errNotFound marks spawn failures caused by the executable not
// existing, so that Run can report ExitNotFound rather than
// ExitCannotInvoke.
var errNotFound = errors.New("executable not found")

// spawn starts argv[0] (resolved via PATH) with the configured fd
// setup and returns its pid. The fd table given to the kernel is built
// up-front rather than adjusted in a child hook: fork-and-fix-up is
// not available here, but the visible result is the same.
func (m *Manager) spawn(argv, envp []string) (int, error) {
	exe, err := exec.LookPath(argv[0])
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, unix.ENOENT) {
			return -1, fmt.Errorf("%w: %q", errNotFound, argv[0])
		}
		return -1, fmt.Errorf("unable to resolve %q: %w", argv[0], err)
	}

	// childFDs maps each fd number in the child to the fd in this
	// process it will be a copy of. Standard streams are inherited
	// unless reassigned.
	childFDs := map[int]int{0: 0, 1: 1, 2: 2}
	maxFD := 2

	if !m.opts.CloseFDs {
		fds, err := fdio.OpenFDs()
		if err != nil {
			return -1, err
		}

		for _, fd := range fds {
			if fd <= 2 {
				continue
			}
			if cloexec, open := fdio.IsCloexec(fd); open && !cloexec {
				childFDs[fd] = fd
				if fd > maxFD {
					maxFD = fd
				}
			}
		}
	}

	for _, fd := range m.opts.PassFDs {
		childFDs[fd] = fd
		if fd > maxFD {
			maxFD = fd
		}
	}

	for _, pair := range m.opts.AssignFDs {
		childFDs[pair.Target] = pair.Source
		if pair.Target > maxFD {
			maxFD = pair.Target
		}
	}

	// Holes in the table get /dev/null rather than accidentally
	// aliasing an unrelated descriptor.
	devNull := -1
	defer func() {
		if devNull >= 0 {
			unix.Close(devNull)
		}
	}()

	files := make([]uintptr, maxFD+1)
	for i := 0; i <= maxFD; i++ {
		if source, ok := childFDs[i]; ok {
			files[i] = uintptr(source)
			continue
		}

		if devNull < 0 {
			devNull, err = unix.Open("/dev/null", unix.O_RDWR|unix.O_CLOEXEC, 0)
			if err != nil {
				return -1, fmt.Errorf("unable to open /dev/null: %w", err)
			}
		}
		files[i] = uintptr(devNull)
	}

	sys := &syscall.SysProcAttr{}
	if m.opts.ExitWithParent {
		// The manager should wait for its child before it exits, but
		// if it gets terminated prematurely, we want the child to
		// terminate too, unless it takes steps not to.
		sys.Pdeathsig = syscall.SIGTERM
	}

	pid, err := syscall.ForkExec(exe, argv, &syscall.ProcAttr{
		Env:   envp,
		Files: files,
		Sys:   sys,
	})
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return -1, fmt.Errorf("%w: %q", errNotFound, exe)
		}
		return -1, fmt.Errorf("unable to start %q: %w", exe, err)
	}

	return pid, nil
}
