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
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tombee/warden/internal/envutil"
	"github.com/tombee/warden/internal/fdio"
)

// ReadyMessage is the last line of the readiness report written to
// stdout: everything before it is shell-evaluable environment setup.
const ReadyMessage = "WARDEN_LOGGER_READY=1\n"

// Process finishes setup, accepts responsibility for logging (which is
// done by closing originalStdout), then reads log lines from standard
// input and writes them to each sink until end of file.
//
// originalStdout is closed and set to -1 once the readiness report
// (if any) has been written.
func (l *Logger) Process(originalStdout *int) error {
	if err := l.setup(); err != nil {
		return err
	}

	if l.filename != "" && l.useFile {
		// Rotation and reopen checks address the file by its basename.
		if err := os.Chdir(l.logDir); err != nil {
			return fmt.Errorf("unable to change to logs directory: %w", err)
		}

		if err := lockOutputFile(l.filename, l.fileFD); err != nil {
			return fmt.Errorf("unable to take shared lock on %s: %w", l.filename, err)
		}
	}

	if l.shSyntax {
		report := l.EnvironOverlay().ToShell() +
			fmt.Sprintf("WARDEN_LOGGER_PID=%d\n", os.Getpid()) +
			ReadyMessage

		if err := fdio.WriteAll(*originalStdout, []byte(report)); err != nil {
			return fmt.Errorf("unable to report ready: %w", err)
		}
	}

	if *originalStdout >= 0 {
		unix.Close(*originalStdout)
		*originalStdout = -1
	}

	return l.pump(0)
}

// pump is the read/scan/fan-out loop. Bytes are flushed to
// partial-line sinks as they arrive; complete lines (and forced
// truncations at the buffer bound) additionally go to the
// complete-line sinks.
func (l *Logger) pump(fd int) error {
	// The last byte of buf is never touched while reading: it is
	// reserved for the newline synthesized on overflow.
	var buf [lineMax + 1]byte

	// How much of the filled buffer has already been handed to the
	// partial-line sinks (always <= filled).
	alreadyProcessed := 0
	filled := 0

	prefixSize := needMoreData
	var lineLevel Level
	var lineStartTime time.Time

	for {
		n, err := fdio.Read(fd, buf[filled:len(buf)-1])
		if err != nil {
			return fmt.Errorf("error reading standard input: %w", err)
		}

		if l.timestamps && filled == 0 {
			lineStartTime = time.Now()
		}

		filled += n

		for filled > 0 {
			lineOverflowed := false

			// Skip the part of the line already known to lack a newline.
			var endOfLine int
			if i := bytes.IndexByte(buf[alreadyProcessed:filled], '\n'); i >= 0 {
				endOfLine = alreadyProcessed + i
			} else if n == 0 || filled == len(buf)-1 {
				// EOF with no trailing newline, or lineMax bytes with
				// no newline: give up and truncate.
				endOfLine = filled
				buf[endOfLine] = '\n'
				lineOverflowed = true
			} else {
				// Keep reading and wait for a newline to appear.
				break
			}

			// Length of the first logical line, newline included.
			lineLen := endOfLine + 1

			if alreadyProcessed > 0 {
				// Part of the line has been processed, so its level
				// prefix must already have been parsed.
				l.processPartialLine(lineLevel, buf[alreadyProcessed:lineLen])
				alreadyProcessed = 0
			} else {
				if prefixSize < 0 {
					// This cannot fail for lack of data: the line is
					// known to be complete.
					prefixSize, lineLevel = l.parseLevelPrefix(buf[:lineLen])
				}

				if prefixSize < lineLen {
					l.processPartialLine(lineLevel, buf[prefixSize:lineLen])
				}
			}

			if prefixSize < lineLen {
				l.processCompleteLine(lineLevel, lineStartTime, buf[prefixSize:lineLen])
			}

			// A truncated line continues at the same level: the
			// continuation is the same logical unit, flushed early.
			if lineOverflowed {
				prefixSize = 0
			} else {
				prefixSize = needMoreData
			}

			if filled > lineLen {
				copy(buf[:], buf[lineLen:filled])
				filled -= lineLen
			} else {
				filled = 0
			}
		}

		if filled > alreadyProcessed {
			// Leftover bytes that do not yet make a complete line can
			// go to the partial-line sinks, once the level prefix has
			// been parsed; until then keep buffering.
			if prefixSize < 0 {
				prefixSize, lineLevel = l.parseLevelPrefix(buf[:filled])
				if prefixSize >= 0 {
					alreadyProcessed += prefixSize
				}
			}

			if prefixSize >= 0 && filled > alreadyProcessed {
				l.processPartialLine(lineLevel, buf[alreadyProcessed:filled])
				alreadyProcessed = filled
			}
		}

		if n == 0 {
			return nil
		}
	}
}

// EnvironOverlay returns modifications to the environment of a
// subprocess so that it inherits this logger's terminal and Journal
// settings.
func (l *Logger) EnvironOverlay() *envutil.Overlay {
	overlay := envutil.NewOverlay()

	// A terminal name containing a newline would break the
	// line-oriented output format, so disallow it.
	if l.terminal != "" && !strings.ContainsRune(l.terminal, '\n') {
		overlay.Set("WARDEN_LOG_TERMINAL", l.terminal)
	}

	// WARDEN_LOG_TO_JOURNAL makes tools log to the Journal
	// exclusively, without sending diagnostics to stderr, so only do
	// that when no other destination is active. With the Journal plus
	// at least one other destination, tools should instead write into
	// our pipe so that all destinations see their messages.
	if l.fileFD < 0 && l.journalFD >= 0 && l.terminalFD < 0 && !l.useStderr {
		overlay.Set("WARDEN_LOG_TO_JOURNAL", "1")
	} else if l.journalFD >= 0 {
		overlay.Set("WARDEN_LOG_TO_JOURNAL", "0")
		overlay.Set("WARDEN_LOGGER_USE_JOURNAL", "1")
	}

	if l.parsePrefix {
		overlay.Set("WARDEN_LOG_LEVEL_PREFIX", "1")
	} else {
		overlay.Set("WARDEN_LOG_LEVEL_PREFIX", "0")
	}

	return overlay
}
