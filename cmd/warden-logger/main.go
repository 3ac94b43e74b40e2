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

// warden-logger reads log lines and fans them out to a rotating log
// file, the systemd Journal and/or a terminal. With no COMMAND it
// filters standard input; with a COMMAND it starts a logging
// subprocess, points the command's stdout and stderr at it, and
// replaces itself with the command.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/fdio"
	"github.com/tombee/warden/internal/log"
	"github.com/tombee/warden/internal/logpipe"
	"github.com/tombee/warden/internal/supervisor"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

// defaultRotateBytes is the rotation threshold used when neither
// --rotate nor the configuration file specifies one.
const defaultRotateBytes = 8 * 1024 * 1024

type loggerFlags struct {
	background     bool
	execFallback   bool
	filename       string
	identifier     string
	journalFD      int
	logDirectory   string
	logFD          int
	noAutoTerminal bool
	parsePrefix    bool
	defaultLevel   string
	fileLevel      string
	journalLevel   string
	terminalLevel  string
	rotate         string
	shSyntax       bool
	terminalFD     int
	noTimestamps   bool
	useJournal     bool
	verbose        int
	showVersion    bool
}

func main() {
	os.Exit(run())
}

func run() int {
	var f loggerFlags
	exitStatus := 0

	cmd := &cobra.Command{
		Use:           "warden-logger [OPTIONS] [--] [COMMAND [ARG...]]",
		Short:         "Fan log lines out to a file, the Journal and a terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			exitStatus, err = runLogger(&f, args)
			return err
		},
	}

	flags := cmd.Flags()
	flags.SetInterspersed(false)

	flags.BoolVar(&f.background, "background", false,
		"Run the logging process in the background, detached from its caller")
	flags.BoolVar(&f.execFallback, "exec-fallback", false,
		"If logging cannot be set up, run COMMAND with unmodified output instead of failing")
	flags.StringVar(&f.filename, "filename", "",
		"Basename of the log file (default IDENTIFIER.txt)")
	flags.StringVarP(&f.identifier, "identifier", "t", "",
		"Identify log entries as coming from this process")
	flags.IntVar(&f.journalFD, "journal-fd", -1,
		"An inherited fd that is already a systemd Journal stream")
	flags.StringVarP(&f.logDirectory, "log-directory", "d", "",
		"Directory for log files (default $WARDEN_LOG_DIR or the state directory)")
	flags.IntVar(&f.logFD, "log-fd", -1,
		"An inherited fd that is already open on the log file")
	flags.BoolVar(&f.noAutoTerminal, "no-auto-terminal", false,
		"Do not try to log to the terminal")
	flags.BoolVar(&f.parsePrefix, "parse-level-prefix", false,
		"Interpret <N> at the start of each line as a syslog severity")
	flags.StringVar(&f.defaultLevel, "default-level", "",
		"Severity of lines with no <N> prefix (default info)")
	flags.StringVar(&f.fileLevel, "file-level", "",
		"Only write lines at this severity or higher to the log file (default debug)")
	flags.StringVar(&f.journalLevel, "journal-level", "",
		"Only write lines at this severity or higher to the Journal (default debug)")
	flags.StringVar(&f.terminalLevel, "terminal-level", "",
		"Only write lines at this severity or higher to the terminal (default debug)")
	flags.StringVar(&f.rotate, "rotate", "",
		"Rotate the log file when it would exceed BYTES (K/KiB/M/MiB suffixes, 0 to disable, default 8M)")
	flags.BoolVar(&f.shSyntax, "sh-syntax", false,
		"Report readiness on stdout in shell syntax")
	flags.IntVar(&f.terminalFD, "terminal-fd", -1,
		"An inherited fd that is already open on the terminal")
	flags.BoolVar(&f.noTimestamps, "no-timestamps", false,
		"Do not prepend timestamps to log file entries")
	flags.BoolVar(&f.useJournal, "use-journal", false,
		"Log to the systemd Journal even when stderr is not already connected to it")
	flags.CountVarP(&f.verbose, "verbose", "v",
		"Be more verbose (repeat for even more)")
	flags.BoolVar(&f.showVersion, "version", false,
		"Print version number and exit")

	cmd.SetArgs(os.Args[1:])

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "warden-logger: %v\n", err)

		// Usage and flag errors never reach RunE.
		if exitStatus == 0 {
			exitStatus = supervisor.ExitUsage
		}
	}

	return exitStatus
}

func runLogger(f *loggerFlags, args []string) (int, error) {
	if f.showVersion {
		fmt.Printf("warden-logger %s (%s)\n", version, commit)
		return 0, nil
	}

	logCfg := log.FromEnv()
	logCfg.ApplyVerbosity(f.verbose)
	diag := log.WithComponent(log.New(logCfg), "warden-logger")

	cfg, err := config.LoadDefault()
	if err != nil {
		diag.Warn("ignoring unreadable configuration", "error", err)
		cfg = config.Default()
	}

	opts, err := buildOptions(f, cfg)
	if err != nil {
		return supervisor.ExitUsage, err
	}

	if len(args) > 0 {
		return runCommandMode(f, opts, diag, args)
	}

	return runFilterMode(f, opts, diag)
}

// runFilterMode consumes standard input until end of file. This is
// also what the logging subprocess started by command mode runs.
func runFilterMode(f *loggerFlags, opts logpipe.Options, diag *slog.Logger) (int, error) {
	if f.background {
		parent, err := logpipe.Detach()
		if err != nil {
			return supervisor.ExitUsage, err
		}
		if parent {
			// The detached worker carries on; our caller reaps us.
			return 0, nil
		}
	}

	originalStdout, err := saveOriginalStdout()
	if err != nil {
		return supervisor.ExitUsage, err
	}

	l := logpipe.New(opts, diag)
	defer l.Close()

	if err := l.Process(&originalStdout); err != nil {
		if !f.execFallback {
			return supervisor.ExitUsage, err
		}

		// Keep the stream flowing even though the sinks are gone.
		diag.Warn("unable to set up logging, copying input to stderr", "error", err)
		if _, err := io.Copy(os.Stderr, os.Stdin); err != nil {
			return supervisor.ExitUsage, err
		}
	}

	return 0, nil
}

// runCommandMode starts a logging subprocess, redirects stdout and
// stderr into it, and replaces this process with COMMAND.
func runCommandMode(f *loggerFlags, opts logpipe.Options, diag *slog.Logger, args []string) (int, error) {
	opts.Argv0 = args[0]

	originalStdout, err := saveOriginalStdout()
	if err != nil {
		return supervisor.ExitUsage, err
	}

	self, err := os.Executable()
	if err != nil {
		return supervisor.ExitUsage, fmt.Errorf("unable to find own executable: %w", err)
	}

	l := logpipe.New(opts, diag)

	environ := os.Environ()

	if err := l.RunSubprocess(self, false, environ, &originalStdout); err != nil {
		if !f.execFallback {
			l.Close()
			return supervisor.ExitUsage, err
		}
		diag.Warn("unable to set up logging, running command anyway", "error", err)
	} else {
		environ = l.EnvironOverlay().Apply(environ)
	}

	exe, err := exec.LookPath(args[0])
	if err != nil {
		return supervisor.ExitNotFound, err
	}

	if err := unix.Exec(exe, args, environ); err != nil {
		return supervisor.ExitCannotInvoke,
			fmt.Errorf("unable to run %q: %w", exe, err)
	}

	// Unreachable: Exec does not return on success.
	return supervisor.ExitCannotInvoke, nil
}

// saveOriginalStdout duplicates stdout so that readiness can still be
// reported after fd 1 has been repurposed.
func saveOriginalStdout() (int, error) {
	fd, err := unix.Dup(1)
	if err != nil {
		return -1, fmt.Errorf("unable to duplicate stdout: %w", err)
	}

	if err := fdio.SetCloexec(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}

	return fd, nil
}

func buildOptions(f *loggerFlags, cfg *config.Config) (logpipe.Options, error) {
	opts := logpipe.NewOptions()

	opts.Background = f.background
	opts.Filename = f.filename
	opts.Identifier = f.identifier
	opts.FileFD = f.logFD
	opts.JournalFD = f.journalFD
	opts.TerminalFD = f.terminalFD
	opts.ShSyntax = f.shSyntax
	opts.Terminal = !f.noAutoTerminal
	opts.Timestamps = !f.noTimestamps
	opts.ParseLevelPrefix = f.parsePrefix

	opts.Journal = f.useJournal
	if useJournal := os.Getenv("WARDEN_LOGGER_USE_JOURNAL"); useJournal == "1" {
		opts.Journal = true
	}

	opts.LogDir = f.logDirectory
	if opts.LogDir == "" {
		opts.LogDir = cfg.Log.Directory
	}

	var err error
	opts.MaxBytes, err = resolveMaxBytes(f.rotate, cfg)
	if err != nil {
		return opts, err
	}

	if opts.DefaultLevel, err = levelOrDefault(f.defaultLevel, "", logpipe.DefaultLineLevel); err != nil {
		return opts, fmt.Errorf("--default-level: %w", err)
	}
	if opts.FileLevel, err = levelOrDefault(f.fileLevel, cfg.Log.File, logpipe.DefaultFileLevel); err != nil {
		return opts, fmt.Errorf("--file-level: %w", err)
	}
	if opts.JournalLevel, err = levelOrDefault(f.journalLevel, cfg.Log.Journal, logpipe.DefaultJournalLevel); err != nil {
		return opts, fmt.Errorf("--journal-level: %w", err)
	}
	if opts.TerminalLevel, err = levelOrDefault(f.terminalLevel, cfg.Log.Terminal, logpipe.DefaultTerminalLevel); err != nil {
		return opts, fmt.Errorf("--terminal-level: %w", err)
	}

	return opts, nil
}

// resolveMaxBytes combines the --rotate flag, the configuration file
// and $WARDEN_LOG_ROTATION into a rotation threshold. Flags override
// configuration; the environment variable can veto rotation entirely.
func resolveMaxBytes(flag string, cfg *config.Config) (int64, error) {
	maxBytes := int64(defaultRotateBytes)

	if cfg.Log.MaxBytes >= 0 {
		maxBytes = cfg.Log.MaxBytes
	}

	if flag != "" {
		parsed, err := parseByteSize(flag)
		if err != nil {
			return 0, fmt.Errorf("--rotate: %w", err)
		}
		maxBytes = parsed
	}

	if os.Getenv("WARDEN_LOG_ROTATION") == "0" {
		maxBytes = 0
	}

	return maxBytes, nil
}

// parseByteSize parses a size such as "1048576", "1024K" or "8MiB".
func parseByteSize(s string) (int64, error) {
	multiplier := int64(1)
	number := s

	switch {
	case strings.HasSuffix(s, "KiB"):
		multiplier, number = 1024, strings.TrimSuffix(s, "KiB")
	case strings.HasSuffix(s, "K"):
		multiplier, number = 1024, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "MiB"):
		multiplier, number = 1024*1024, strings.TrimSuffix(s, "MiB")
	case strings.HasSuffix(s, "M"):
		multiplier, number = 1024*1024, strings.TrimSuffix(s, "M")
	}

	n, err := strconv.ParseInt(number, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("not a size in bytes: %q", s)
	}

	return n * multiplier, nil
}

func levelOrDefault(flag, configured string, fallback logpipe.Level) (logpipe.Level, error) {
	switch {
	case flag != "":
		return logpipe.ParseLevel(flag)
	case configured != "":
		return logpipe.ParseLevel(configured)
	default:
		return fallback, nil
	}
}
