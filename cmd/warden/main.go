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

// warden runs a command with file locks held, optionally as a
// subreaper that waits for (and if asked, terminates) every descendant
// process, reporting an env(1)-style exit status.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/envutil"
	"github.com/tombee/warden/internal/filelock"
	"github.com/tombee/warden/internal/log"
	"github.com/tombee/warden/internal/supervisor"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

type wardenFlags struct {
	assignFDs []string
	passFDs   []string

	clearEnv  bool
	envVars   []string
	unsetVars []string

	closeFDs       bool
	noCloseFDs     bool
	exitWithParent bool
	noExitWParent  bool

	lockCreate    bool
	noLockCreate  bool
	lockExclusive bool
	lockShared    bool
	lockVerbose   bool
	noLockVerbose bool
	lockWait      bool
	noLockWait    bool
	lockFDs       []string
	lockFiles     []string

	subreaper            bool
	noSubreaper          bool
	terminateIdleTimeout float64
	terminateTimeout     float64

	dumpParameters bool
	verbose        int
	showVersion    bool
}

func main() {
	os.Exit(run())
}

func run() int {
	var f wardenFlags
	exitStatus := 0

	cmd := &cobra.Command{
		Use:           "warden [OPTIONS] -- COMMAND [ARG...]",
		Short:         "Run COMMAND with locks held and descendants supervised",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			exitStatus, err = runSupervisor(cmd, &f, args)
			return err
		},
	}

	flags := cmd.Flags()
	flags.SetInterspersed(false)

	flags.StringArrayVar(&f.assignFDs, "assign-fd", nil,
		"Make fd TARGET in COMMAND a copy of SOURCE (TARGET=SOURCE, repeatable)")
	flags.StringArrayVar(&f.passFDs, "pass-fd", nil,
		"Pass the given fd to COMMAND at the same number (repeatable)")
	flags.BoolVar(&f.clearEnv, "clear-env", false,
		"Start COMMAND from an empty environment")
	flags.StringArrayVar(&f.envVars, "env", nil,
		"Set VAR=VALUE in COMMAND's environment (repeatable)")
	flags.StringArrayVar(&f.unsetVars, "unset-env", nil,
		"Unset VAR in COMMAND's environment (repeatable)")
	flags.BoolVar(&f.closeFDs, "close-fds", false,
		"Do not pass inherited fds above stderr to COMMAND")
	flags.BoolVar(&f.noCloseFDs, "no-close-fds", false,
		"Pass inherited fds to COMMAND (default)")
	flags.BoolVar(&f.exitWithParent, "exit-with-parent", false,
		"Terminate when the parent process exits")
	flags.BoolVar(&f.noExitWParent, "no-exit-with-parent", false,
		"Do not terminate when the parent process exits (default)")
	flags.BoolVar(&f.lockCreate, "lock-create", false,
		"Create each subsequent lock file if it does not exist")
	flags.BoolVar(&f.noLockCreate, "no-lock-create", false,
		"Do not create lock files (default)")
	flags.BoolVar(&f.lockExclusive, "lock-exclusive", false,
		"Lock files exclusively, for writing")
	flags.BoolVar(&f.lockShared, "lock-shared", false,
		"Lock files in shared mode, for reading (default)")
	flags.BoolVar(&f.lockVerbose, "lock-verbose", false,
		"Log a message when waiting for a lock")
	flags.BoolVar(&f.noLockVerbose, "no-lock-verbose", false,
		"Do not log while waiting for locks (default)")
	flags.BoolVar(&f.lockWait, "lock-wait", false,
		"Wait for lock files instead of failing if busy")
	flags.BoolVar(&f.noLockWait, "no-lock-wait", false,
		"Fail if a lock file is busy (default)")
	flags.StringArrayVar(&f.lockFDs, "lock-fd", nil,
		"Hold the lock on inherited fd FD until COMMAND exits (repeatable)")
	flags.StringArrayVar(&f.lockFiles, "lock-file", nil,
		"Lock the given file until COMMAND and descendants exit (repeatable)")
	flags.BoolVar(&f.subreaper, "subreaper", false,
		"Wait for all descendant processes, not just COMMAND")
	flags.BoolVar(&f.noSubreaper, "no-subreaper", false,
		"Only wait for COMMAND itself (default)")
	flags.Float64Var(&f.terminateIdleTimeout, "terminate-idle-timeout", 0,
		"Wait this many seconds for descendants to exit before terminating them")
	flags.Float64Var(&f.terminateTimeout, "terminate-timeout", -1,
		"Terminate descendants with SIGTERM, escalating to SIGKILL after this many seconds (implies --subreaper)")
	flags.BoolVar(&f.dumpParameters, "dump-parameters", false,
		"Log the command line, environment and fd setup before launching")
	flags.CountVarP(&f.verbose, "verbose", "v",
		"Be more verbose (repeat for even more)")
	flags.BoolVar(&f.showVersion, "version", false,
		"Print version number and exit")

	cmd.SetArgs(os.Args[1:])

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)

		// Usage and flag errors never reach RunE.
		if exitStatus == 0 {
			exitStatus = supervisor.ExitUsage
		}
	}

	return exitStatus
}

func runSupervisor(cmd *cobra.Command, f *wardenFlags, args []string) (int, error) {
	if f.showVersion {
		fmt.Printf("warden %s (%s)\n", version, commit)
		return 0, nil
	}

	logCfg := log.FromEnv()
	logCfg.ApplyVerbosity(f.verbose)
	logger := log.WithComponent(log.New(logCfg), "warden")

	// SIGCHLD notifications must be in place before the first child.
	supervisor.Init()

	opts := supervisor.Options{
		CloseFDs:       f.closeFDs && !f.noCloseFDs,
		DumpParameters: f.dumpParameters,
		ExitWithParent: f.exitWithParent && !f.noExitWParent,
		ForwardSignals: true,
		Subreaper:      f.subreaper && !f.noSubreaper,
		TerminateGrace: -1,
	}
	defer opts.Close()

	if f.terminateIdleTimeout > 0 {
		opts.TerminateWait = time.Duration(f.terminateIdleTimeout * float64(time.Second))
	}

	if f.terminateTimeout >= 0 {
		opts.TerminateGrace = time.Duration(f.terminateTimeout * float64(time.Second))
		opts.Subreaper = true
	}

	for _, value := range f.assignFDs {
		if err := opts.AssignFDCLI(value); err != nil {
			return supervisor.ExitUsage, err
		}
	}

	for _, value := range f.passFDs {
		if err := opts.PassFDCLI(value); err != nil {
			return supervisor.ExitUsage, err
		}
	}

	for _, value := range f.lockFDs {
		if err := opts.LockFDCLI(value); err != nil {
			return supervisor.ExitUsage, err
		}
	}

	lockFlags := filelock.Flags(0)
	if f.lockCreate && !f.noLockCreate {
		lockFlags |= filelock.Create
	}
	if f.lockExclusive && !f.lockShared {
		lockFlags |= filelock.Exclusive
	}
	if f.lockWait && !f.noLockWait {
		lockFlags |= filelock.Wait
	}
	lockVerbose := f.lockVerbose && !f.noLockVerbose

	for _, path := range f.lockFiles {
		if err := acquireLockFile(&opts, path, lockFlags, lockVerbose, logger); err != nil {
			return supervisor.ExitUsage, err
		}
	}

	envp, err := buildEnviron(f)
	if err != nil {
		return supervisor.ExitUsage, err
	}

	if len(args) == 0 {
		return supervisor.ExitUsage, fmt.Errorf("a command to run is required")
	}

	m, err := supervisor.New(&opts, logger)
	if err != nil {
		return supervisor.ExitUsage, err
	}
	defer m.Close()

	if err := m.Run(args, envp); err != nil {
		return m.ExitStatus(), err
	}

	return m.ExitStatus(), nil
}

// acquireLockFile takes the lock for one --lock-file argument. With
// --lock-wait --lock-verbose, contention is logged once before
// blocking, so an interactive user knows why nothing is happening.
func acquireLockFile(opts *supervisor.Options, path string, flags filelock.Flags,
	verbose bool, logger *slog.Logger) error {
	if verbose && flags&filelock.Wait != 0 {
		err := opts.LockFileCLI(path, flags&^filelock.Wait)
		if err == nil {
			return nil
		}
		if !errors.Is(err, filelock.ErrBusy) {
			return err
		}
		logger.Info("waiting for lock", "path", path)
	}

	return opts.LockFileCLI(path, flags)
}

func buildEnviron(f *wardenFlags) ([]string, error) {
	base := os.Environ()
	if f.clearEnv {
		base = nil
	}

	overlay := envutil.NewOverlay()

	for _, entry := range f.envVars {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--env requires VAR=VALUE, not %q", entry)
		}
		overlay.Set(name, value)
	}

	for _, name := range f.unsetVars {
		if name == "" || strings.Contains(name, "=") {
			return nil, fmt.Errorf("--unset-env requires a variable name, not %q", name)
		}
		overlay.Unset(name)
	}

	return overlay.Apply(base), nil
}
