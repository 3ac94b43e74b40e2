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
	"fmt"
	"strconv"
	"strings"
)

// Level is a syslog severity level. Lower values are more severe.
type Level int

const (
	LevelEmergency Level = iota
	LevelAlert
	LevelCritical
	LevelError
	LevelWarning
	LevelNotice
	LevelInfo
	LevelDebug
)

// Default severity settings: unprefixed lines count as info, and every
// sink passes everything through unless configured otherwise.
const (
	DefaultLineLevel     = LevelInfo
	DefaultFileLevel     = LevelDebug
	DefaultJournalLevel  = LevelDebug
	DefaultTerminalLevel = LevelDebug
)

// levelNames maps each level to its accepted spellings, canonical
// name first.
var levelNames = [LevelDebug + 1][]string{
	LevelEmergency: {"emerg", "emergency"},
	LevelAlert:     {"alert"},
	LevelCritical:  {"crit", "critical"},
	LevelError:     {"err", "error", "e"},
	LevelWarning:   {"warning", "warn", "w"},
	LevelNotice:    {"notice", "n"},
	LevelInfo:      {"info", "i"},
	LevelDebug:     {"debug", "d"},
}

// ParseLevel parses a severity from either a decimal digit 0-7 or a
// (case-insensitive) canonical or alias name.
func ParseLevel(s string) (Level, error) {
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		n, err := strconv.ParseUint(s, 10, 8)
		if err != nil || n > uint64(LevelDebug) {
			return 0, fmt.Errorf("not a recognised log level: %q", s)
		}
		return Level(n), nil
	}

	for level, names := range levelNames {
		for _, name := range names {
			if strings.EqualFold(name, s) {
				return Level(level), nil
			}
		}
	}

	return 0, fmt.Errorf("not a recognised log level: %q", s)
}

// String returns the canonical name of the level.
func (l Level) String() string {
	if l >= 0 && int(l) < len(levelNames) {
		return levelNames[l][0]
	}
	return strconv.Itoa(int(l))
}

// valid reports whether l is within the syslog severity range.
func (l Level) valid() bool {
	return l >= LevelEmergency && l <= LevelDebug
}
