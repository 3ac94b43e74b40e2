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
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/warden/internal/filelock"
)

// rotationTestLogger returns a file-sink logger already set up in a
// temporary directory, which is also the current directory, the way
// Process arranges things before pumping.
func rotationTestLogger(t *testing.T, maxBytes int64) *Logger {
	t.Helper()

	t.Setenv("JOURNAL_STREAM", "")
	t.Setenv("WARDEN_LOG_TERMINAL", "")

	dir := t.TempDir()
	oldWD, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(oldWD) })

	opts := NewOptions()
	opts.LogDir = dir
	opts.Filename = "app.txt"
	opts.MaxBytes = maxBytes
	opts.Timestamps = false

	l := New(opts, slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)})))
	t.Cleanup(l.Close)

	require.NoError(t, l.setup())
	require.NoError(t, lockOutputFile(l.filename, l.fileFD))

	return l
}

func writeLine(l *Logger, line string) {
	l.processCompleteLine(LevelInfo, time.Time{}, []byte(line))
}

func TestRotation(t *testing.T) {
	l := rotationTestLogger(t, 200)

	line1 := strings.Repeat("a", 99) + "\n"
	line2 := strings.Repeat("b", 99) + "\n"
	line3 := strings.Repeat("c", 99) + "\n"

	// The "Log opened" header plus line1 fits within the limit.
	writeLine(l, line1)
	_, err := os.Stat("app.previous.txt")
	assert.True(t, os.IsNotExist(err), "should not have rotated yet")

	// line2 would cross the limit, so everything written so far moves
	// to the previous name and line2 starts a fresh file.
	writeLine(l, line2)

	previous, err := os.ReadFile("app.previous.txt")
	require.NoError(t, err)
	assert.Contains(t, string(previous), "Log opened\n")
	assert.Contains(t, string(previous), line1)
	assert.NotContains(t, string(previous), line2)

	current, err := os.ReadFile("app.txt")
	require.NoError(t, err)
	assert.Equal(t, line2, string(current))

	_, err = os.Stat(".app.new.txt")
	assert.True(t, os.IsNotExist(err), "temporary file should have been cleaned up")

	// The fresh file has room for one more line without rotating again.
	writeLine(l, line3)
	current, err = os.ReadFile("app.txt")
	require.NoError(t, err)
	assert.Equal(t, line2+line3, string(current))
}

func TestRotationSkippedWhileShared(t *testing.T) {
	l := rotationTestLogger(t, 200)

	line1 := strings.Repeat("a", 99) + "\n"
	line2 := strings.Repeat("b", 99) + "\n"
	line3 := strings.Repeat("c", 99) + "\n"

	writeLine(l, line1)

	// A concurrent reader (or a second writer) holding a shared lock
	// through its own file description blocks the upgrade to an
	// exclusive lock, so this cycle must skip rotation and keep
	// appending rather than fail.
	holder, err := filelock.New("app.txt", 0)
	require.NoError(t, err)

	writeLine(l, line2)

	_, err = os.Stat("app.previous.txt")
	assert.True(t, os.IsNotExist(err), "rotation should have been skipped")

	current, err := os.ReadFile("app.txt")
	require.NoError(t, err)
	assert.Contains(t, string(current), line1)
	assert.Contains(t, string(current), line2)

	// Once the contending lock goes away, rotation resumes on the next
	// crossing instead of staying disabled.
	require.NoError(t, holder.Close())

	writeLine(l, line3)

	previous, err := os.ReadFile("app.previous.txt")
	require.NoError(t, err)
	assert.Contains(t, string(previous), line2)

	current, err = os.ReadFile("app.txt")
	require.NoError(t, err)
	assert.Equal(t, line3, string(current))
}

func TestRotationLeavesForeignTempAlone(t *testing.T) {
	l := rotationTestLogger(t, 200)

	line1 := strings.Repeat("a", 99) + "\n"
	line2 := strings.Repeat("b", 99) + "\n"

	writeLine(l, line1)

	// Another rotator got as far as creating the temporary name. That
	// file is theirs: a rotation attempt here must never remove a
	// temporary file it did not create itself.
	require.NoError(t, os.WriteFile(".app.new.txt", []byte("other\n"), 0644))

	writeLine(l, line2)

	content, err := os.ReadFile(".app.new.txt")
	require.NoError(t, err)
	assert.Equal(t, "other\n", string(content))

	// The exclusive create of the temporary name failed, so the log
	// keeps appending in place.
	current, err := os.ReadFile("app.txt")
	require.NoError(t, err)
	assert.Contains(t, string(current), line1)
	assert.Contains(t, string(current), line2)
}

func TestReopenAfterDeletion(t *testing.T) {
	l := rotationTestLogger(t, 0)

	writeLine(l, "first\n")
	require.NoError(t, os.Remove("app.txt"))

	// Someone cleared the logs out from under us: the next write must
	// recreate the file instead of appending to the unlinked inode.
	writeLine(l, "second\n")

	content, err := os.ReadFile("app.txt")
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(content))
}

func TestReopenAfterReplacement(t *testing.T) {
	l := rotationTestLogger(t, 0)

	writeLine(l, "first\n")
	require.NoError(t, os.Remove("app.txt"))
	require.NoError(t, os.WriteFile("app.txt", []byte("imposter\n"), 0644))

	writeLine(l, "second\n")

	content, err := os.ReadFile("app.txt")
	require.NoError(t, err)
	assert.Equal(t, "imposter\nsecond\n", string(content))
}
