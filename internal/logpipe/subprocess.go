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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tombee/warden/internal/fdio"
)

// RunSubprocess runs a warden-logger subprocess that captures this
// process's standard output and standard error and writes them to the
// configured sinks.
//
// The subprocess is spawned from the resolved state of l, so the
// caller configures a Logger exactly as if it were going to call
// Process directly. Once the subprocess has reported readiness,
// stdout and stderr of this process are redirected into it (unless
// consumeStdin is set, in which case the subprocess reads this
// process's stdin instead).
func (l *Logger) RunSubprocess(loggerPath string, consumeStdin bool, envp []string, originalStdout *int) error {
	if l.pipeFromParent >= 0 || l.childReadyToParent >= 0 {
		return fmt.Errorf("logger subprocess was already started")
	}

	if err := l.setup(); err != nil {
		return err
	}

	var childPipe *fdio.Pipe
	if !consumeStdin {
		p, err := fdio.NewPipe()
		if err != nil {
			return err
		}
		childPipe = p
		defer childPipe.Close()
	}

	readyPipe, err := fdio.NewPipe()
	if err != nil {
		return err
	}
	defer readyPipe.Close()

	if childPipe != nil {
		l.pipeFromParent = childPipe.StealReadEnd()
	}
	l.childReadyToParent = readyPipe.StealWriteEnd()

	argv := l.subprocessArgv(loggerPath)

	l.diag.Debug("starting logger subprocess", "argv", strings.Join(argv, " "))

	pid, err := l.spawnSubprocess(argv, envp, consumeStdin)

	// These are only needed in the child.
	if l.pipeFromParent >= 0 {
		unix.Close(l.pipeFromParent)
		l.pipeFromParent = -1
	}
	unix.Close(l.childReadyToParent)
	l.childReadyToParent = -1

	if err != nil {
		return err
	}

	if l.background {
		l.diag.Debug("opened daemonized logger subprocess")

		// Reap the intermediate process: the daemonized worker has
		// re-executed itself in a new session and been reparented to
		// init or the nearest subreaper.
		var waitStatus unix.WaitStatus
		for {
			_, err := unix.Wait4(pid, &waitStatus, 0, nil)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return fmt.Errorf("unable to wait for intermediate child process %d: %w", pid, err)
			}
			break
		}
	} else {
		l.diag.Debug("opened logger subprocess, will redirect output to it", "pid", pid)
	}

	// Wait for the worker to finish setting up its sinks.
	status, err := readAllFD(readyPipe.ReadEnd())
	if err != nil {
		return fmt.Errorf("unable to read status from logger subprocess: %w", err)
	}

	if bytes.IndexByte(status, 0) >= 0 {
		return fmt.Errorf("status from logger subprocess contains \\0")
	}

	if l.background && l.diag.Enabled(context.Background(), slog.LevelDebug) {
		showDaemonizedLoggerPID(l.diag, status)
	}

	if !bytes.HasSuffix(status, []byte(ReadyMessage)) {
		return fmt.Errorf("unable to parse status from logger subprocess: %q", status)
	}

	if l.shSyntax {
		if err := fdio.WriteAll(*originalStdout, status); err != nil {
			return fmt.Errorf("unable to report ready: %w", err)
		}
	}

	if *originalStdout >= 0 {
		unix.Close(*originalStdout)
		*originalStdout = -1
	}

	if childPipe != nil {
		for fd := 1; fd <= 2; fd++ {
			if err := unix.Dup2(childPipe.WriteEnd(), fd); err != nil {
				return fmt.Errorf("unable to make fd %d a copy of %d: %w",
					fd, childPipe.WriteEnd(), err)
			}
		}
	}

	return nil
}

// subprocessArgv reconstructs a warden-logger command line from the
// resolved state, with open sink fds referenced by number.
func (l *Logger) subprocessArgv(loggerPath string) []string {
	argv := []string{loggerPath, "--sh-syntax"}

	if l.background {
		argv = append(argv, "--background")
	}

	if l.maxBytes > 0 && boolEnv("WARDEN_LOG_ROTATION", true) {
		argv = append(argv, fmt.Sprintf("--rotate=%d", l.maxBytes))
	}

	if l.fileFD >= 0 {
		l.diag.Debug("passing file fd to logging subprocess", "fd", l.fileFD)
		argv = append(argv,
			"--log-directory", l.logDir,
			"--filename", l.filename,
			fmt.Sprintf("--log-fd=%d", l.fileFD))
	}

	if l.journalFD >= 0 {
		l.diag.Debug("passing Journal fd to logging subprocess", "fd", l.journalFD)
		argv = append(argv, fmt.Sprintf("--journal-fd=%d", l.journalFD))
	}

	if l.terminalFD >= 0 {
		l.diag.Debug("passing terminal fd to logging subprocess", "fd", l.terminalFD)
		argv = append(argv, fmt.Sprintf("--terminal-fd=%d", l.terminalFD))
	}

	if !l.timestamps {
		argv = append(argv, "--no-timestamps")
	}

	if l.parsePrefix {
		argv = append(argv, "--parse-level-prefix")
	}

	if l.defaultLevel != DefaultLineLevel {
		argv = append(argv, fmt.Sprintf("--default-level=%s", l.defaultLevel))
	}
	if l.fileLevel != DefaultFileLevel {
		argv = append(argv, fmt.Sprintf("--file-level=%s", l.fileLevel))
	}
	if l.journalLevel != DefaultJournalLevel {
		argv = append(argv, fmt.Sprintf("--journal-level=%s", l.journalLevel))
	}
	if l.terminalLevel != DefaultTerminalLevel {
		argv = append(argv, fmt.Sprintf("--terminal-level=%s", l.terminalLevel))
	}

	if l.diag.Enabled(context.Background(), slog.LevelDebug) {
		argv = append(argv, "-v", "-v")
	} else if l.diag.Enabled(context.Background(), slog.LevelInfo) {
		argv = append(argv, "-v")
	}

	return argv
}

// spawnSubprocess starts the worker with its stdin connected to the
// data pipe (or our own stdin), its stdout to the readiness pipe, and
// the sink fds available at their advertised numbers.
func (l *Logger) spawnSubprocess(argv, envp []string, consumeStdin bool) (int, error) {
	stdin := 0
	if !consumeStdin {
		stdin = l.pipeFromParent
	}

	childFDs := map[int]int{
		0: stdin,
		1: l.childReadyToParent,
		2: 2,
	}
	maxFD := 2

	for _, fd := range []int{l.fileFD, l.journalFD, l.terminalFD} {
		if fd > 2 {
			childFDs[fd] = fd
			if fd > maxFD {
				maxFD = fd
			}
		}
	}

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
			fd, err := unix.Open("/dev/null", unix.O_RDWR|unix.O_CLOEXEC, 0)
			if err != nil {
				return -1, fmt.Errorf("unable to open /dev/null: %w", err)
			}
			devNull = fd
		}
		files[i] = uintptr(devNull)
	}

	executable, err := exec.LookPath(argv[0])
	if err != nil {
		return -1, fmt.Errorf("unable to find logger executable: %w", err)
	}

	pid, err := syscall.ForkExec(executable, argv, &syscall.ProcAttr{
		Dir:   l.logDir,
		Env:   envp,
		Files: files,
		Sys:   &syscall.SysProcAttr{},
	})
	if err != nil {
		return -1, fmt.Errorf("unable to start logger subprocess: %w", err)
	}

	return pid, nil
}

func showDaemonizedLoggerPID(diag *slog.Logger, status []byte) {
	for _, line := range bytes.Split(status, []byte{'\n'}) {
		if rest, ok := bytes.CutPrefix(line, []byte("WARDEN_LOGGER_PID=")); ok {
			diag.Debug("background logger subprocess started", "pid", string(rest))
			return
		}
	}
}

func readAllFD(fd int) ([]byte, error) {
	var out bytes.Buffer
	buf := make([]byte, 4096)

	for {
		n, err := fdio.Read(fd, buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out.Bytes(), nil
		}
		out.Write(buf[:n])
	}
}

// boolEnv interprets an environment variable as a boolean, returning
// fallback when unset or unparseable.
func boolEnv(name string, fallback bool) bool {
	switch os.Getenv(name) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}
