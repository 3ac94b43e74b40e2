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
	"golang.org/x/sys/unix"
)

// Exit statuses used when the wrapped command could not be run,
// following the env(1) convention so that callers can distinguish
// "the wrapper failed" from "the command failed".
const (
	// ExitUsage indicates a usage error or an internal failure in the
	// wrapper itself.
	ExitUsage = 125

	// ExitCannotInvoke indicates the command was found but could not
	// be invoked.
	ExitCannotInvoke = 126

	// ExitNotFound indicates the command was not found.
	ExitNotFound = 127

	// ExitCannotReport indicates the command terminated in a way whose
	// status cannot be represented as an exit status.
	ExitCannotReport = 255
)

// WaitStatusToExitStatus converts a wait status, as reported by
// wait(2), into an exit status in the style of a POSIX shell:
// the child's own exit status if it exited normally, or 128 plus the
// signal number if it was killed by a signal.
func WaitStatusToExitStatus(waitStatus unix.WaitStatus) int {
	switch {
	case waitStatus.Exited():
		return waitStatus.ExitStatus()
	case waitStatus.Signaled():
		return 128 + int(waitStatus.Signal())
	default:
		return ExitCannotReport
	}
}
