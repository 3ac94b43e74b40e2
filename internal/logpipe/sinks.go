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
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tombee/warden/internal/fdio"
	"github.com/tombee/warden/internal/filelock"
)

const (
	ansiReset       = "\033[0m"
	ansiDim         = "\033[2m"
	ansiBold        = "\033[1m"
	ansiBoldMagenta = "\033[1;35m"
	ansiBoldRed     = "\033[1;31m"
)

// writeFormattedLine writes line to fd wrapped in ANSI colour codes
// according to severity. A trailing newline is kept outside the
// colouring so the reset takes effect before the line break.
func writeFormattedLine(fd int, level Level, line []byte) {
	_ = fdio.WriteAll(fd, []byte(ansiReset))

	switch level {
	case LevelDebug:
		_ = fdio.WriteAll(fd, []byte(ansiDim))
	case LevelInfo:
		// Plain.
	case LevelNotice:
		_ = fdio.WriteAll(fd, []byte(ansiBold))
	case LevelWarning:
		_ = fdio.WriteAll(fd, []byte(ansiBoldMagenta))
	default:
		// err, crit, alert, emerg
		_ = fdio.WriteAll(fd, []byte(ansiBoldRed))
	}

	if n := len(line); n > 0 && line[n-1] == '\n' {
		_ = fdio.WriteAll(fd, line[:n-1])
		_ = fdio.WriteAll(fd, []byte(ansiReset))
		_ = fdio.WriteAll(fd, []byte{'\n'})
	} else {
		_ = fdio.WriteAll(fd, line)
		_ = fdio.WriteAll(fd, []byte(ansiReset))
	}
}

// processPartialLine sends bytes to the destinations that can accept
// partial log lines as they arrive: a terminal (if used), and stderr
// (if we have no other suitable destination).
func (l *Logger) processPartialLine(level Level, line []byte) {
	if l.useStderr && level <= l.terminalLevel {
		_ = fdio.WriteAll(2, line)
	}

	if l.terminalFD >= 0 && level <= l.terminalLevel {
		if l.useTerminalColors {
			writeFormattedLine(l.terminalFD, level, line)
		} else {
			_ = fdio.WriteAll(l.terminalFD, line)
		}
	}
}

// processCompleteLine sends one complete line, including its trailing
// newline, to the destinations that expect whole lines: the systemd
// Journal and the rotating log file.
//
// lineStartTime is when the first byte of the line was received, or
// the zero time if timestamps are disabled.
func (l *Logger) processCompleteLine(level Level, lineStartTime time.Time, line []byte) {
	if l.journalFD >= 0 && level <= l.journalLevel {
		prefix := [3]byte{'<', byte('0' + level), '>'}
		_ = fdio.WriteAll(l.journalFD, prefix[:])
		_ = fdio.WriteAll(l.journalFD, line)
	}

	if l.fileFD < 0 || level > l.fileLevel {
		return
	}

	if l.filename != "" {
		l.maybeReopenOrRotate(len(line))
	}

	if !lineStartTime.IsZero() {
		stamp := lineStartTime.Format("[2006-01-02 15:04:05] ")
		_ = fdio.WriteAll(l.fileFD, []byte(stamp))
	}

	_ = fdio.WriteAll(l.fileFD, line)
}

// maybeReopenOrRotate checks the canonical filename before a file
// write: if the file was deleted or replaced (probably by someone who
// wanted to clear the logs out), re-create it now instead of staying
// silent; otherwise rotate if this write would cross the size limit.
func (l *Logger) maybeReopenOrRotate(lineLen int) {
	var currentStat unix.Stat_t
	reasonToReopen := ""

	if err := statRetry(l.filename, &currentStat); err == nil {
		if !fdio.SameStat(&currentStat, &l.fileStat) {
			reasonToReopen = "file replaced"
		}
	} else {
		if err != unix.ENOENT {
			l.diag.Warn("unable to stat log file", "filename", l.filename, "error", err)
		}
		reasonToReopen = err.Error()
	}

	if reasonToReopen != "" {
		l.diag.Info("re-opening log file", "filename", l.filename, "reason", reasonToReopen)

		newFD, err := openLogFile(l.filename, 0)
		if err != nil {
			l.diag.Warn("unable to re-open log file", "filename", l.filename, "error", err)
			return
		}

		if err := unix.Fstat(newFD, &currentStat); err != nil {
			l.diag.Warn("unable to stat log file", "filename", l.filename, "error", err)
			unix.Close(newFD)
			return
		}

		if err := lockOutputFile(l.filename, newFD); err != nil {
			l.diag.Warn("unable to re-lock log file", "filename", l.filename, "error", err)
			unix.Close(newFD)
			return
		}

		l.diag.Info("successfully re-opened log file", "filename", l.filename)
		unix.Close(l.fileFD)
		l.fileFD = newFD
		l.fileStat = currentStat
		return
	}

	if l.maxBytes > 0 && currentStat.Size+int64(lineLen) > l.maxBytes {
		if err := l.tryRotate(); err != nil {
			// A concurrent writer holding the shared lock just means
			// we don't rotate this cycle; anything else disables
			// rotation rather than failing the same way repeatedly.
			if errors.Is(err, filelock.ErrBusy) {
				l.diag.Debug("not rotating log file, lock is held elsewhere", "filename", l.filename)
			} else {
				l.diag.Warn("unable to rotate log file", "error", err)
				l.maxBytes = 0
			}
		}
	}
}

// lockOutputFile takes a shared lock on an open log file, so that
// concurrent writers exclude each other's rotation. If only
// process-oriented POSIX locking is available the lock is still taken;
// rotation simply loses its cross-process safety net.
func lockOutputFile(filename string, fd int) error {
	if _, err := filelock.Acquire(fd, filename, filelock.Wait); err != nil {
		return err
	}
	return nil
}

func statRetry(path string, st *unix.Stat_t) error {
	for {
		err := unix.Stat(path, st)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
