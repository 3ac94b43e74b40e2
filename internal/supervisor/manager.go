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

// Package supervisor runs a main child process with file descriptor
// and lock plumbing, waits for it and its descendants, and reports an
// env(1)-style exit status. When configured as a subreaper it can also
// terminate leftover descendants with a staged SIGTERM/SIGKILL
// escalation.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/tombee/warden/internal/envutil"
)

// Manager runs one main child process according to its Options.
type Manager struct {
	opts   Options
	logger *slog.Logger

	exitStatus int
	ran        bool
}

// New constructs a Manager from options, which are cleared. Global
// process state implied by the options (parent-death signal, subreaper
// status) is set up here, before any child exists.
func New(options *Options, logger *slog.Logger) (*Manager, error) {
	if options.TerminateGrace >= 0 && !options.Subreaper {
		return nil, errors.New("terminating descendants requires a subreaper")
	}

	if options.ExitWithParent {
		logger.Debug("setting up to exit when parent does")

		if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0); err != nil {
			return nil, fmt.Errorf("unable to set parent-death signal: %w", err)
		}
	}

	if options.Subreaper {
		if err := SetSubreaper(); err != nil {
			return nil, err
		}
	}

	m := &Manager{
		opts:       *options,
		logger:     logger,
		exitStatus: -1,
	}
	*options = Options{}

	return m, nil
}

// Run launches the main process given by argv in the environment envp
// and waits for it to exit. With Options.Subreaper, all descendant
// processes are also waited for (and, with a non-negative
// TerminateGrace, terminated) after the main process exits.
//
// This function alters process-wide state such as signal handlers and
// is non-reentrant. It is an error to call it more than once. After it
// returns, ExitStatus becomes available, even on failure.
//
// The returned error is nil if the main process was started, even if
// it subsequently exited unsuccessfully or was killed by a signal.
func (m *Manager) Run(argv, envp []string) error {
	if m.ran || childPID.Load() != 0 {
		return errors.New("supervisor run was already started")
	}

	if len(argv) == 0 {
		m.ran = true
		m.exitStatus = ExitUsage
		return errors.New("no command specified")
	}

	m.logger.Debug("launching child process")

	// Respond to common termination signals by killing the child
	// instead of ourselves.
	if m.opts.ForwardSignals {
		forwardSignalsToChild()
	}

	if m.opts.DumpParameters && m.logger.Enabled(context.Background(), slog.LevelDebug) {
		m.dumpParameters(argv, envp)
	}

	pid, err := m.spawn(argv, envp)
	if err != nil {
		m.ran = true
		if errors.Is(err, errNotFound) {
			m.exitStatus = ExitNotFound
		} else {
			m.exitStatus = ExitCannotInvoke
		}
		return err
	}

	childPID.Store(int64(pid))

	// If the parent or child writes to a passed fd and closes it,
	// don't stand in the way of that. Our stdin, stdout and stderr
	// stay open.
	for _, fd := range m.opts.PassFDs {
		if fd > 2 {
			unix.Close(fd)
		}
	}

	// Same for reassigned fds, notably a saved original stdout/stderr.
	for _, pair := range m.opts.AssignFDs {
		if pair.Source > 2 {
			unix.Close(pair.Source)
		}
	}

	// Reap child processes until the main child exits.
	waitStatus, err := WaitForChildren(pid)
	if err != nil {
		m.ran = true
		m.exitStatus = ExitCannotReport
		return err
	}

	childPID.Store(0)
	m.ran = true
	m.exitStatus = waitStatusToExitStatusLogged(waitStatus, m.logger)

	// Deal with the other descendants, if any. This can affect the
	// returned error but not the exit status.
	if m.opts.TerminateGrace >= 0 {
		return TerminateAllChildProcesses(m.opts.TerminateWait,
			m.opts.TerminateGrace, m.logger)
	}

	_, err = WaitForChildren(0)
	return err
}

// ExitStatus returns an env(1)-like exit status representing the
// result of the process launched by Run. Calling it before Run has
// returned is a programming error and panics; calling it after Run
// fails is valid.
func (m *Manager) ExitStatus() int {
	if !m.ran {
		panic("supervisor: ExitStatus called before Run returned")
	}
	return m.exitStatus
}

// Close releases the locks held on behalf of the child processes.
func (m *Manager) Close() {
	for _, lock := range m.opts.Locks {
		lock.Close()
	}
	m.opts.Locks = nil
}

func waitStatusToExitStatusLogged(waitStatus unix.WaitStatus, logger *slog.Logger) int {
	ret := WaitStatusToExitStatus(waitStatus)

	switch {
	case waitStatus.Exited() && ret == 0:
		logger.Debug("command exited", "status", ret)
	case waitStatus.Exited():
		logger.Info("command exited", "status", ret)
	case waitStatus.Signaled():
		logger.Info("command killed by signal", "signal", ret-128)
	default:
		logger.Info("command terminated in an unknown way", "wait_status", int(waitStatus))
	}

	return ret
}

func (m *Manager) dumpParameters(argv, envp []string) {
	for _, arg := range argv {
		m.logger.Debug("command-line", "arg", envutil.ShellQuote(arg))
	}

	for _, entry := range envp {
		m.logger.Debug("environment", "var", envutil.ShellQuote(entry))
	}

	if len(m.opts.PassFDs) == 0 {
		m.logger.Debug("inherited file descriptors: none")
	}
	for _, fd := range m.opts.PassFDs {
		m.logger.Debug("inherited file descriptor", "fd", fd)
	}

	if len(m.opts.AssignFDs) == 0 {
		m.logger.Debug("redirections: none")
	}
	for _, pair := range m.opts.AssignFDs {
		m.logger.Debug("redirection", "target", pair.Target, "source", pair.Source)
	}
}
