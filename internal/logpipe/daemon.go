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

package logpipe

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tombee/warden/internal/fdio"
)

// detachedEnv marks a process as the already-detached logging worker,
// so that the re-exec happens exactly once.
const detachedEnv = "WARDEN_LOGGER_DETACHED"

// Detach makes the current process survive its caller: it re-executes
// the current binary in a new session, keeping every inherited file
// descriptor, and the original process exits so that the caller can
// reap it.
//
// Detach returns false when the current process already is the
// detached worker, in which case the caller should just carry on.
func Detach() (bool, error) {
	if os.Getenv(detachedEnv) != "" {
		// The worker's environment should look like the caller's.
		if err := os.Unsetenv(detachedEnv); err != nil {
			return false, err
		}
		return false, nil
	}

	executable, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("unable to find own executable: %w", err)
	}

	files, devNull, err := inheritableFDs()
	if devNull >= 0 {
		defer unix.Close(devNull)
	}
	if err != nil {
		return false, err
	}

	_, err = syscall.ForkExec(executable, os.Args, &syscall.ProcAttr{
		Env:   append(os.Environ(), detachedEnv+"=1"),
		Files: files,
		Sys: &syscall.SysProcAttr{
			Setsid: true,
		},
	})
	if err != nil {
		return false, fmt.Errorf("unable to re-execute %s: %w", executable, err)
	}

	return true, nil
}

// inheritableFDs builds a contiguous descriptor table preserving every
// open, non-close-on-exec descriptor at its current number. Gaps are
// plugged with /dev/null, which the returned fd refers to (or -1 if it
// was not needed).
func inheritableFDs() ([]uintptr, int, error) {
	fds, err := fdio.OpenFDs()
	if err != nil {
		return nil, -1, fmt.Errorf("unable to enumerate open fds: %w", err)
	}

	keep := make(map[int]bool)
	maxFD := 2

	for _, fd := range fds {
		cloexec, open := fdio.IsCloexec(fd)
		if !open || cloexec {
			continue
		}
		keep[fd] = true
		if fd > maxFD {
			maxFD = fd
		}
	}

	devNull := -1
	files := make([]uintptr, maxFD+1)

	for i := 0; i <= maxFD; i++ {
		if keep[i] {
			files[i] = uintptr(i)
			continue
		}

		if devNull < 0 {
			fd, err := unix.Open("/dev/null", unix.O_RDWR|unix.O_CLOEXEC, 0)
			if err != nil {
				return nil, -1, fmt.Errorf("unable to open /dev/null: %w", err)
			}
			devNull = fd
		}
		files[i] = uintptr(devNull)
	}

	return files, devNull, nil
}
