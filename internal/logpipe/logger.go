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

// Package logpipe implements a line-oriented log multiplexer: it reads
// a byte stream, classifies each line's syslog severity, and fans the
// lines out to a rotating log file, a systemd Journal stream and a
// terminal, with per-sink severity thresholds.
package logpipe

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/fdio"
)

// lineMax bounds the length of one log line. Longer lines are
// truncated and continue at the same severity.
const lineMax = 2048

// Options configures a Logger. Use NewOptions to get the documented
// defaults; a zero Options is not meaningful because 0 is a valid fd.
type Options struct {
	// Argv0 is the command being logged, used as a fallback identity.
	Argv0 string

	// Background detaches the logging process from its caller.
	Background bool

	// DefaultLevel is the severity of unprefixed lines.
	DefaultLevel Level

	// Filename is the basename of the log file, empty for none.
	Filename string

	// FileFD is an existing descriptor for Filename, or -1.
	FileFD int

	// FileLevel is the file sink's severity threshold.
	FileLevel Level

	// Identifier is the syslog identifier, empty to infer.
	Identifier string

	// Journal logs to the systemd Journal even without JournalFD.
	Journal bool

	// JournalFD is an existing Journal stream descriptor, or -1.
	JournalFD int

	// JournalLevel is the Journal sink's severity threshold.
	JournalLevel Level

	// LogDir is the directory for log files; empty selects
	// $WARDEN_LOG_DIR or the default state directory.
	LogDir string

	// MaxBytes rotates the file sink when it would exceed this size.
	// Zero or negative disables rotation.
	MaxBytes int64

	// OriginalStderr is the caller's stderr from before any
	// redirection, or -1. Ownership is taken.
	OriginalStderr int

	// ParseLevelPrefix enables the <N> severity prefix protocol.
	ParseLevelPrefix bool

	// ShSyntax reports readiness on stdout in shell syntax.
	ShSyntax bool

	// Terminal tries to log to a terminal.
	Terminal bool

	// TerminalFD is an existing terminal descriptor, or -1.
	TerminalFD int

	// TerminalLevel is the terminal sink's severity threshold.
	TerminalLevel Level

	// Timestamps prepends a timestamp to each file-sink line.
	Timestamps bool
}

// NewOptions returns Options with all descriptors unset and the
// default severity configuration.
func NewOptions() Options {
	return Options{
		DefaultLevel:   DefaultLineLevel,
		FileFD:         -1,
		FileLevel:      DefaultFileLevel,
		JournalFD:      -1,
		JournalLevel:   DefaultJournalLevel,
		OriginalStderr: -1,
		TerminalFD:     -1,
		TerminalLevel:  DefaultTerminalLevel,
		MaxBytes:       -1,
		Timestamps:     true,
	}
}

// Logger multiplexes one log stream to its sinks. Construct with New,
// then consume with Process or RunSubprocess; a Logger is good for one
// stream only.
type Logger struct {
	diag *slog.Logger

	prgname          string
	argv0            string
	identifier       string
	filename         string
	previousFilename string
	newFilename      string
	logDir           string
	terminal         string

	fileStat unix.Stat_t

	pipeFromParent     int
	childReadyToParent int
	originalStderr     int
	fileFD             int
	journalFD          int
	terminalFD         int

	maxBytes int64

	defaultLevel  Level
	fileLevel     Level
	journalLevel  Level
	terminalLevel Level

	background        bool
	shSyntax          bool
	timestamps        bool
	useFile           bool
	useJournal        bool
	useStderr         bool
	useTerminal       bool
	useTerminalColors bool
	parsePrefix       bool

	setupDone bool
}

// New creates a Logger from options. Ownership of every fd in options
// is taken.
func New(opts Options, diag *slog.Logger) *Logger {
	return &Logger{
		diag:               diag,
		prgname:            filepath.Base(os.Args[0]),
		argv0:              opts.Argv0,
		identifier:         opts.Identifier,
		filename:           opts.Filename,
		logDir:             opts.LogDir,
		pipeFromParent:     -1,
		childReadyToParent: -1,
		originalStderr:     opts.OriginalStderr,
		fileFD:             opts.FileFD,
		journalFD:          opts.JournalFD,
		terminalFD:         opts.TerminalFD,
		maxBytes:           opts.MaxBytes,
		defaultLevel:       opts.DefaultLevel,
		fileLevel:          opts.FileLevel,
		journalLevel:       opts.JournalLevel,
		terminalLevel:      opts.TerminalLevel,
		background:         opts.Background,
		shSyntax:           opts.ShSyntax,
		timestamps:         opts.Timestamps,
		useFile:            true,
		useJournal:         opts.Journal,
		useTerminal:        opts.Terminal,
		parsePrefix:        opts.ParseLevelPrefix,
	}
}

// setup resolves defaults exactly once: identity inference, sink
// discovery, and opening whichever sinks will be used.
func (l *Logger) setup() error {
	if l.setupDone {
		return nil
	}
	l.setupDone = true

	redirecting := false

	if l.identifier == "" && l.filename == "" && l.argv0 != "" {
		l.diag.Debug("identifier defaults to argv[0]", "identifier", l.argv0)
		l.identifier = l.argv0
	}

	if l.identifier == "" && l.filename != "" {
		l.identifier = l.filename
		if dot := strings.LastIndex(l.identifier, "."); dot > 0 {
			l.identifier = l.identifier[:dot]
		}
		l.diag.Debug("identifier defaults to (part of) filename", "identifier", l.identifier)
	}

	if l.identifier != "" && l.filename == "" {
		l.diag.Debug("filename defaults to identifier + .txt", "identifier", l.identifier)
		l.filename = l.identifier + ".txt"
	}

	if l.useFile && l.filename != "" {
		l.diag.Debug("logging to file", "filename", l.filename)

		if strings.ContainsRune(l.filename, '/') {
			return fmt.Errorf("invalid filename %q: should not contain '/'", l.filename)
		}
		if l.filename[0] == '.' {
			return fmt.Errorf("invalid filename %q: should not start with '.'", l.filename)
		}

		stem, ext := l.filename, ""
		if dot := strings.LastIndex(l.filename, "."); dot >= 0 {
			stem, ext = l.filename[:dot], l.filename[dot:]
		}
		l.previousFilename = stem + ".previous" + ext
		l.newFilename = "." + stem + ".new" + ext
	} else {
		l.useFile = false
		l.filename = ""
	}

	// Automatically use the Journal if stderr is the Journal.
	stderrIsJournal := stderrIsJournal()

	if stderrIsJournal {
		l.diag.Debug("logging to Journal because stderr is the Journal")
		l.useJournal = true
	}

	if l.journalFD >= 0 {
		l.diag.Debug("logging to existing Journal stream")
		l.useJournal = true

		// stdin/stdout/stderr must never be close-on-exec.
		if err := setCloexecUnlessStdio(l.journalFD); err != nil {
			return fmt.Errorf("unable to accept journal fd %d: %w", l.journalFD, err)
		}
	} else if l.identifier != "" && l.useJournal {
		// Open the Journal stream here, so that everything is logged
		// with the identity of the command whose output we relay.
		l.diag.Debug("opening new Journal stream", "identifier", l.identifier)

		fd, err := journalStreamFD(l.identifier, LevelInfo, true)
		if err != nil {
			l.diag.Debug("unable to connect to systemd Journal", "error", err)

			// If stderr was already a journald stream, we might as
			// well keep using it.
			if stderrIsJournal {
				l.journalFD = 2
			} else {
				l.useJournal = false
			}
		} else {
			l.journalFD = fd
			redirecting = true
		}
	} else if stderrIsJournal {
		// Even with an empty identifier we can keep using a
		// pre-existing journald stream inherited from our parent.
		l.journalFD = 2
	}

	if l.logDir == "" && l.useFile {
		if dir := os.Getenv("WARDEN_LOG_DIR"); dir != "" {
			l.logDir = dir
			l.diag.Debug("using $WARDEN_LOG_DIR", "dir", dir)
		} else {
			dir, err := config.DefaultLogDir()
			if err != nil {
				return fmt.Errorf("unable to find default log directory: %w", err)
			}
			l.logDir = dir
			l.diag.Debug("using default log directory", "dir", dir)
		}
	}

	if l.useFile {
		info, err := os.Stat(l.logDir)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("%q is not a directory", l.logDir)
		}
	}

	if l.fileFD >= 0 {
		l.diag.Debug("logging to existing file stream")
		l.useFile = true

		if err := setCloexecUnlessStdio(l.fileFD); err != nil {
			return fmt.Errorf("unable to accept log fd %d: %w", l.fileFD, err)
		}
		if l.filename == "" {
			return fmt.Errorf("providing a log fd requires a filename")
		}
		if err := unix.Fstat(l.fileFD, &l.fileStat); err != nil {
			return fmt.Errorf("unable to stat %q: %w", l.filename, err)
		}
	} else if l.useFile {
		l.diag.Debug("logging to new file", "filename", l.filename)
		redirecting = true

		fd, err := openLogFile(filepath.Join(l.logDir, l.filename), 0)
		if err != nil {
			return fmt.Errorf("unable to open %q: %w", l.filename, err)
		}
		l.fileFD = fd

		if err := unix.Fstat(l.fileFD, &l.fileStat); err != nil {
			return fmt.Errorf("unable to stat %q: %w", l.filename, err)
		}

		// The message saying we opened the log always has a zoned
		// timestamp, even if timestamps are disabled in general:
		// the reader can infer that subsequent lines share its zone.
		opened := fmt.Sprintf("[%s] %s[%d]: Log opened\n",
			time.Now().Format("2006-01-02 15:04:05-0700"),
			l.prgname, os.Getpid())
		_ = fdio.WriteAll(l.fileFD, []byte(opened))
	}

	if l.terminalFD >= 0 {
		l.diag.Debug("logging to existing terminal fd")
		l.useTerminal = true
	} else if l.useTerminal {
		terminal, terminalSet := os.LookupEnv("WARDEN_LOG_TERMINAL")

		switch {
		case terminalSet && terminal != "":
			l.diag.Debug("trying to log to terminal", "terminal", terminal)

			fd, err := unix.Open(terminal, unix.O_CLOEXEC|unix.O_APPEND|unix.O_WRONLY, 0)
			if err != nil {
				l.diag.Warn("unable to open terminal", "terminal", terminal, "error", err)
				l.useTerminal = false
			} else {
				l.terminalFD = fd
			}
		case terminalSet:
			l.diag.Debug("automatic use of terminal disabled by WARDEN_LOG_TERMINAL=''")
			l.useTerminal = false
		case term.IsTerminal(2):
			l.terminalFD = 2
		case l.originalStderr >= 0 && term.IsTerminal(l.originalStderr):
			l.terminalFD = l.originalStderr
			l.originalStderr = -1
		default:
			l.diag.Debug("unable to find a terminal file descriptor")
			l.useTerminal = false
		}
	}

	if l.useTerminal && os.Getenv("NO_COLOR") == "" {
		l.useTerminalColors = true
	}

	if l.terminalFD >= 0 && l.terminal == "" {
		if name, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", l.terminalFD)); err == nil {
			l.terminal = name
		}
	}

	if l.fileFD < 0 && l.journalFD < 0 &&
		(l.terminalFD < 0 || !fdio.FDIsSameFile(l.terminalFD, 2)) {
		// No file, no Journal, and either no terminal or the terminal
		// is elsewhere.
		l.diag.Debug("continuing to write to stderr")
		l.useStderr = true
	} else if stderrIsJournal && l.journalFD >= 0 && l.fileFD < 0 && l.terminalFD < 0 {
		// We were only writing to the Journal and still are; nothing
		// has changed, so don't make a lot of noise.
		l.diag.Debug("continuing to write to Journal")
	} else if redirecting {
		l.diag.Info("sending log messages", "sinks", l.describeSinks())
	} else {
		l.diag.Debug("logging to fds provided by parent")
	}

	return nil
}

func (l *Logger) describeSinks() string {
	var sinks []string

	if l.fileFD >= 0 {
		sinks = append(sinks, fmt.Sprintf("file %q", filepath.Join(l.logDir, l.filename)))
	}

	if l.journalFD >= 0 {
		if l.identifier != "" {
			sinks = append(sinks, fmt.Sprintf("systemd Journal (as %q)", l.identifier))
		} else {
			sinks = append(sinks, "systemd Journal")
		}
	}

	if l.terminalFD >= 0 {
		if l.terminal != "" {
			sinks = append(sinks, fmt.Sprintf("terminal %q", l.terminal))
		} else {
			sinks = append(sinks, "terminal")
		}
	}

	return strings.Join(sinks, ", ")
}

// Close releases the sink descriptors still owned by the Logger.
func (l *Logger) Close() {
	for _, fd := range []*int{&l.pipeFromParent, &l.childReadyToParent, &l.fileFD} {
		if *fd >= 0 {
			unix.Close(*fd)
			*fd = -1
		}
	}

	// Inherited standard streams are not ours to close.
	if l.journalFD > 2 {
		unix.Close(l.journalFD)
	}
	l.journalFD = -1

	if l.terminalFD > 2 {
		unix.Close(l.terminalFD)
	}
	l.terminalFD = -1

	if l.originalStderr > 2 {
		unix.Close(l.originalStderr)
	}
	l.originalStderr = -1
}

// openLogFile opens path for appending, creating it if necessary.
// The log must be open read/write: the kernel will not grant a shared
// (read) lock on a write-only descriptor.
func openLogFile(path string, extraFlags int) (int, error) {
	flags := unix.O_APPEND | unix.O_CLOEXEC | unix.O_CREAT | unix.O_NOCTTY | unix.O_RDWR

	for {
		fd, err := unix.Open(path, flags|extraFlags, 0644)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, err
		}
		return fd, nil
	}
}

func setCloexecUnlessStdio(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return err
	}

	if fd > 2 {
		flags |= unix.FD_CLOEXEC
	} else {
		flags &^= unix.FD_CLOEXEC
	}

	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags)
	return err
}
