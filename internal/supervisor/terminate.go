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
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// terminationPhase is the signal currently being escalated to.
type terminationPhase int

const (
	phaseNone terminationPhase = iota
	phaseTerm
	phaseKill
)

func (p terminationPhase) signal() unix.Signal {
	switch p {
	case phaseTerm:
		return unix.SIGTERM
	case phaseKill:
		return unix.SIGKILL
	default:
		return 0
	}
}

// terminationState tracks progress of one termination run.
type terminationState struct {
	logger       *slog.Logger
	childrenFile string

	// Processes already sent each signal. Entries are removed when the
	// process is reaped, so a reused pid will be signalled again.
	sentTerm map[int]struct{}
	sentKill map[int]struct{}

	phase    terminationPhase
	finished bool
}

// IsSubreaper reports whether this process is a child subreaper.
func IsSubreaper() (bool, error) {
	var out int

	// PR_GET_CHILD_SUBREAPER stores the result through arg2.
	err := unix.Prctl(unix.PR_GET_CHILD_SUBREAPER,
		uintptr(unsafe.Pointer(&out)), 0, 0, 0)
	if err != nil {
		return false, fmt.Errorf("prctl PR_GET_CHILD_SUBREAPER: %w", err)
	}

	return out == 1, nil
}

// SetSubreaper makes this process a child subreaper, so that orphaned
// descendants are reparented to it instead of to init.
func SetSubreaper() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("unable to manage background processes: %w", err)
	}
	return nil
}

// TerminateAllChildProcesses makes sure all child processes are
// terminated, including indirect descendants that have been reparented
// to this process because it is a subreaper.
//
// If waitPeriod is greater than zero, already-running children are
// given that long to exit on their own before anything is signalled.
// Then, if gracePeriod is greater than zero, children receive SIGTERM
// and have that long to comply before the escalation to SIGKILL; if
// gracePeriod is zero, SIGKILL is sent immediately.
//
// If a child catches SIGTERM but neither exits promptly nor passes the
// signal on to its descendants, those descendants might only ever
// receive SIGKILL.
//
// The process must be a subreaper, and Init must have been called
// before the first child was spawned. Returns when all child processes
// have exited or an error has occurred.
func TerminateAllChildProcesses(waitPeriod, gracePeriod time.Duration, logger *slog.Logger) error {
	if sigchld == nil {
		return errors.New("supervisor.Init has not been called")
	}

	isSubreaper, err := IsSubreaper()
	if err != nil {
		return err
	}
	if !isSubreaper {
		return errors.New("process is not a subreaper")
	}

	pid := unix.Getpid()
	st := &terminationState{
		logger: logger,
		// Direct children only: descendants appear here one layer at a
		// time, as their parents exit and they reparent to us.
		childrenFile: fmt.Sprintf("/proc/%d/task/%d/children", pid, pid),
		sentTerm:     make(map[int]struct{}),
		sentKill:     make(map[int]struct{}),
	}

	var termC, killC <-chan time.Time

	if waitPeriod > 0 && gracePeriod > 0 {
		termC = time.After(waitPeriod)
	} else if gracePeriod > 0 {
		logger.Debug("no wait period, starting to send SIGTERM")
		st.phase = phaseTerm
	}

	if waitPeriod+gracePeriod > 0 {
		killC = time.After(waitPeriod + gracePeriod)
	} else {
		logger.Debug("no grace period, starting to send SIGKILL")
		st.phase = phaseKill
	}

	for {
		if err := st.refresh(); err != nil {
			return err
		}
		if st.finished {
			return nil
		}

		select {
		case <-termC:
			termC = nil
			logger.Debug("wait period finished, starting to send SIGTERM")
			if st.phase == phaseNone {
				st.phase = phaseTerm
			}
		case <-killC:
			killC = nil
			logger.Debug("grace period finished, starting to send SIGKILL")
			st.phase = phaseKill
		case <-sigchld:
			logger.Debug("one or more child processes exited")
		}
	}
}

// refresh performs the next step of the termination run: reap children
// that already exited without blocking, then signal the survivors
// according to the current phase.
func (st *terminationState) refresh() error {
	st.logger.Debug("checking for child processes")

	for {
		var waitStatus unix.WaitStatus

		died, err := unix.Wait4(-1, &waitStatus, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err == unix.ECHILD {
			st.finished = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("wait: %w", err)
		}
		if died == 0 {
			// No more children have exited, but at least one is still
			// running.
			break
		}

		// The pid has gone away, so forget that we signalled it: if
		// the kernel reuses it, the new process needs signalling too.
		st.logger.Debug("process exited", "pid", died)
		delete(st.sentTerm, died)
		delete(st.sentKill, died)
	}

	// The survivors could be direct children, or descendants we
	// adopted when their parent exited, because we are a subreaper.
	contents, err := os.ReadFile(st.childrenFile)
	if err != nil {
		return fmt.Errorf("listing remaining children: %w", err)
	}

	st.logger.Debug("child tasks", "children", strings.TrimSpace(string(contents)))

	for _, field := range strings.Fields(string(contents)) {
		child, err := strconv.Atoi(field)
		if err != nil || child <= 0 {
			return fmt.Errorf("non-numeric string found in %s: %q", st.childrenFile, field)
		}

		// A task that is just a thread has no /proc directory in its
		// own right. We kill processes, not threads.
		info, err := os.Stat("/proc/" + field)
		if err != nil || !info.IsDir() {
			st.logger.Debug("task is a thread, not a process", "tid", child)
			continue
		}

		if st.phase == phaseNone {
			break
		}

		already := st.sentTerm
		if st.phase == phaseKill {
			already = st.sentKill
		}

		if _, done := already[child]; done {
			continue
		}

		already[child] = struct{}{}
		signum := st.phase.signal()

		st.logger.Debug("sending signal", "signal", int(signum), "pid", child)

		if err := unix.Kill(child, signum); err != nil {
			st.logger.Warn("unable to send signal",
				"signal", int(signum), "pid", child, "error", err)
		}

		// In case the child is stopped, wake it up to receive the
		// signal. When it terminates we get SIGCHLD and come back here.
		if err := unix.Kill(child, unix.SIGCONT); err != nil {
			st.logger.Warn("unable to send SIGCONT", "pid", child, "error", err)
		}
	}

	return nil
}

// WaitForChildren waits for child processes to exit, until mainProcess
// has exited; its wait status is returned. If mainProcess is zero or
// negative, all child processes are waited for instead.
//
// If the process is a subreaper, indirect descendants whose parents
// have exited are reparented to it, so this has the effect of waiting
// for all descendants. Children that exited before mainProcess will
// also have been reaped; children that exit afterwards will not (call
// WaitForChildren(0) to resume waiting).
func WaitForChildren(mainProcess int) (unix.WaitStatus, error) {
	for {
		var waitStatus unix.WaitStatus

		died, err := unix.Wait4(-1, &waitStatus, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err == unix.ECHILD {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("wait: %w", err)
		}

		if died == mainProcess {
			return waitStatus, nil
		}
	}

	if mainProcess > 0 {
		return 0, fmt.Errorf("process %d was not seen to exit", mainProcess)
	}

	return 0, nil
}
