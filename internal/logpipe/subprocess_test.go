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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubprocessArgv(t *testing.T) {
	t.Setenv("WARDEN_LOG_ROTATION", "")

	l := &Logger{
		diag:          slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)})),
		logDir:        "/var/log/warden",
		filename:      "app.txt",
		fileFD:        5,
		journalFD:     -1,
		terminalFD:    7,
		maxBytes:      4096,
		defaultLevel:  LevelWarning,
		fileLevel:     DefaultFileLevel,
		journalLevel:  DefaultJournalLevel,
		terminalLevel: DefaultTerminalLevel,
		timestamps:    false,
		parsePrefix:   true,
	}

	argv := l.subprocessArgv("/usr/libexec/warden-logger")

	assert.Equal(t, "/usr/libexec/warden-logger", argv[0])
	assert.Contains(t, argv, "--sh-syntax")
	assert.Contains(t, argv, "--rotate=4096")
	assert.Contains(t, argv, "--log-directory")
	assert.Contains(t, argv, "/var/log/warden")
	assert.Contains(t, argv, "--filename")
	assert.Contains(t, argv, "app.txt")
	assert.Contains(t, argv, "--log-fd=5")
	assert.Contains(t, argv, "--terminal-fd=7")
	assert.Contains(t, argv, "--no-timestamps")
	assert.Contains(t, argv, "--parse-level-prefix")
	assert.Contains(t, argv, "--default-level=warning")

	assert.NotContains(t, argv, "--background")
	assert.NotContains(t, argv, "--journal-fd=-1")
	assert.NotContains(t, argv, "-v")
}

func TestSubprocessArgvRotationDisabledByEnv(t *testing.T) {
	t.Setenv("WARDEN_LOG_ROTATION", "0")

	l := &Logger{
		diag:          slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)})),
		fileFD:        -1,
		journalFD:     -1,
		terminalFD:    -1,
		maxBytes:      4096,
		defaultLevel:  DefaultLineLevel,
		fileLevel:     DefaultFileLevel,
		journalLevel:  DefaultJournalLevel,
		terminalLevel: DefaultTerminalLevel,
		timestamps:    true,
	}

	argv := l.subprocessArgv("warden-logger")
	assert.NotContains(t, argv, "--rotate=4096")
}

func TestBoolEnv(t *testing.T) {
	tests := []struct {
		value    string
		fallback bool
		want     bool
	}{
		{"", true, true},
		{"", false, false},
		{"1", false, true},
		{"true", false, true},
		{"yes", false, true},
		{"0", true, false},
		{"false", true, false},
		{"no", true, false},
		{"whatever", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.value, func(t *testing.T) {
			t.Setenv("WARDEN_TEST_BOOL", tc.value)
			assert.Equal(t, tc.want, boolEnv("WARDEN_TEST_BOOL", tc.fallback))
		})
	}
}
