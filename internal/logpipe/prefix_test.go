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

func prefixTestLogger() *Logger {
	return &Logger{
		diag:         slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)})),
		defaultLevel: LevelInfo,
		parsePrefix:  true,
	}
}

func TestParseLevelPrefix(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantSize  int
		wantLevel Level
	}{
		{"prefixed line", "<3>oh no\n", 3, LevelError},
		{"prefixed debug", "<7>trace\n", 3, LevelDebug},
		{"unprefixed line", "ordinary\n", 0, LevelInfo},
		{"digit but no angle brackets", "3> x\n", 0, LevelInfo},
		{"out of range digit", "<8>x\n", 0, LevelInfo},
		{"not a digit", "<x>y\n", 0, LevelInfo},
		{"unterminated prefix", "<3x\n", 0, LevelInfo},
		{"empty buffer", "", needMoreData, 0},
		{"lone angle bracket", "<", needMoreData, 0},
		{"angle bracket and digit", "<3", needMoreData, 0},
		{"partial directive", "<remaining-lines", needMoreData, 0},
		{"directive missing newline", "<remaining-lines-assume-level=4>x\n", 0, LevelInfo},
		{"complete directive", "<remaining-lines-assume-level=4>\n", 33, LevelWarning},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l := prefixTestLogger()
			size, level := l.parseLevelPrefix([]byte(tc.in))
			assert.Equal(t, tc.wantSize, size)
			assert.Equal(t, tc.wantLevel, level)
		})
	}
}

func TestParseLevelPrefixDisabled(t *testing.T) {
	l := prefixTestLogger()
	l.parsePrefix = false

	size, level := l.parseLevelPrefix([]byte("<3>looks prefixed\n"))
	assert.Equal(t, 0, size)
	assert.Equal(t, LevelInfo, level)
}

func TestDirectiveChangesState(t *testing.T) {
	l := prefixTestLogger()

	size, level := l.parseLevelPrefix([]byte("<remaining-lines-assume-level=2>\n"))
	assert.Equal(t, 33, size)
	assert.Equal(t, LevelCritical, level)

	// The directive takes effect for every later line, and severity
	// prefixes are now passed through literally.
	assert.Equal(t, LevelCritical, l.defaultLevel)
	assert.False(t, l.parsePrefix)

	size, level = l.parseLevelPrefix([]byte("<6>now literal\n"))
	assert.Equal(t, 0, size)
	assert.Equal(t, LevelCritical, level)
}
