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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndGetSubreaper(t *testing.T) {
	require.NoError(t, SetSubreaper())

	isSubreaper, err := IsSubreaper()
	require.NoError(t, err)
	assert.True(t, isSubreaper)
}

func TestWaitForChildrenWithoutChildren(t *testing.T) {
	_, err := WaitForChildren(0)
	assert.NoError(t, err)

	// A specific process that does not exist as our child cannot be
	// seen to exit.
	_, err = WaitForChildren(999999)
	assert.Error(t, err)
}

func TestTerminateRequiresInit(t *testing.T) {
	saved := sigchld
	sigchld = nil
	defer func() { sigchld = saved }()

	err := TerminateAllChildProcesses(0, 0, discard())
	assert.Error(t, err)
}

func TestTerminateLeftoverDescendantsImmediately(t *testing.T) {
	opts := Options{
		Subreaper:      true,
		TerminateGrace: 0,
	}

	m := newTestManager(t, opts)

	// The main process leaves behind a long sleep. With no wait period
	// and no grace period it goes straight to SIGKILL, so Run should
	// return quickly rather than after 10 minutes.
	start := time.Now()
	script := "sleep 600 & exit 0"
	require.NoError(t, m.Run([]string{"/bin/sh", "-c", script}, os.Environ()))

	assert.Equal(t, 0, m.ExitStatus())
	assert.Less(t, time.Since(start), 30*time.Second)
}

func TestTerminateLeftoverDescendantsWithGrace(t *testing.T) {
	opts := Options{
		Subreaper:      true,
		TerminateWait:  0,
		TerminateGrace: 2 * time.Minute,
	}

	m := newTestManager(t, opts)

	// sleep dies on the initial SIGTERM, long before the SIGKILL
	// escalation would fire.
	start := time.Now()
	script := "sleep 600 & exit 0"
	require.NoError(t, m.Run([]string{"/bin/sh", "-c", script}, os.Environ()))

	assert.Equal(t, 0, m.ExitStatus())
	assert.Less(t, time.Since(start), time.Minute)
}

func TestTerminateKillDeferredByWaitPeriod(t *testing.T) {
	opts := Options{
		Subreaper:      true,
		TerminateWait:  200 * time.Millisecond,
		TerminateGrace: 0,
	}

	m := newTestManager(t, opts)

	// With a wait period but no grace period, the leftover child gets
	// the whole wait period to exit on its own before the SIGKILL.
	start := time.Now()
	script := "sleep 600 & exit 0"
	require.NoError(t, m.Run([]string{"/bin/sh", "-c", script}, os.Environ()))

	elapsed := time.Since(start)
	assert.Equal(t, 0, m.ExitStatus())
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 30*time.Second)
}

func TestTerminateStoppedDescendant(t *testing.T) {
	opts := Options{
		Subreaper:      true,
		TerminateGrace: 2 * time.Minute,
	}

	m := newTestManager(t, opts)

	// The leftover child stopped itself, so SIGTERM alone would stay
	// pending until the SIGKILL escalation two minutes later. The
	// SIGCONT sent along with it wakes the child up to die promptly.
	start := time.Now()
	script := `sh -c 'kill -STOP $$' & sleep 0.2; exit 0`
	require.NoError(t, m.Run([]string{"/bin/sh", "-c", script}, os.Environ()))

	assert.Equal(t, 0, m.ExitStatus())
	assert.Less(t, time.Since(start), time.Minute)
}

func TestTerminateNoDescendants(t *testing.T) {
	m := newTestManager(t, Options{
		Subreaper:      true,
		TerminateGrace: 0,
	})

	// Nothing is left behind: termination finds no children and
	// finishes at once.
	require.NoError(t, m.Run([]string{"/bin/true"}, os.Environ()))
	assert.Equal(t, 0, m.ExitStatus())
}
