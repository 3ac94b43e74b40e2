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
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// childPID is the main child process, if any. Signal forwarding reads
// it from a signal-handling goroutine while Run writes it.
var childPID atomic.Int64

// sigchld receives SIGCHLD notifications once Init has been called.
var sigchld chan os.Signal

// forwardedSignals are the common termination signals that are passed
// on to the main child process instead of killing the manager.
var forwardedSignals = []os.Signal{
	unix.SIGHUP,
	unix.SIGINT,
	unix.SIGQUIT,
	unix.SIGTERM,
	unix.SIGUSR1,
	unix.SIGUSR2,
}

var initOnce sync.Once

// Init prepares process-wide signal handling. It must be called early
// in main, before any child processes are spawned: the termination
// engine relies on SIGCHLD notifications that would otherwise be lost.
func Init() {
	initOnce.Do(func() {
		sigchld = make(chan os.Signal, 16)
		signal.Notify(sigchld, unix.SIGCHLD)
	})
}

var forwardOnce sync.Once

// forwardSignalsToChild responds to common termination signals by
// killing the main child instead of this process. If no child is
// running yet, the default disposition is restored and the signal
// re-raised.
func forwardSignalsToChild() {
	forwardOnce.Do(func() {
		ch := make(chan os.Signal, 16)
		signal.Notify(ch, forwardedSignals...)

		go func() {
			for sig := range ch {
				signum, ok := sig.(unix.Signal)
				if !ok {
					continue
				}

				if pid := childPID.Load(); pid != 0 {
					// Pass it on to the child we're going to wait for.
					_ = unix.Kill(int(pid), signum)
				} else {
					signal.Reset(sig)
					_ = unix.Kill(unix.Getpid(), signum)
				}
			}
		}()
	})
}
