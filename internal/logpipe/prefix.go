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

import "bytes"

const remainingLinesDirective = "remaining-lines-assume-level="

// needMoreData is returned by parseLevelPrefix when the buffered bytes
// are not yet enough to decide whether a prefix is present.
const needMoreData = -1

// parseLevelPrefix attempts to parse a severity prefix ("<N>") or a
// directive ("<remaining-lines-assume-level=N>\n") from the start of a
// partial log line. buf includes the trailing newline if the line is
// complete.
//
// If the presence of a prefix cannot be determined because not enough
// data is available, it returns (needMoreData, 0). Otherwise it
// returns the length of the prefix to strip (0 if there was none) and
// the level to use for the line. A directive additionally changes the
// default level and disables all further prefix parsing.
func (l *Logger) parseLevelPrefix(buf []byte) (int, Level) {
	if !l.parsePrefix {
		return 0, l.defaultLevel
	}

	if len(buf) == 0 {
		return needMoreData, 0
	}

	rest := buf
	if rest[0] != '<' {
		return 0, l.defaultLevel
	}
	rest = rest[1:]

	directive := false
	if prefixOverlap(rest, remainingLinesDirective) {
		if len(rest) < len(remainingLinesDirective) {
			return needMoreData, 0
		}
		directive = true
		rest = rest[len(remainingLinesDirective):]
	}

	if len(rest) == 0 {
		return needMoreData, 0
	}
	if rest[0] < '0' || rest[0] > '9' {
		return 0, l.defaultLevel
	}
	level := Level(rest[0] - '0')
	rest = rest[1:]

	if !level.valid() {
		return 0, l.defaultLevel
	}

	if len(rest) == 0 {
		return needMoreData, 0
	}
	if rest[0] != '>' {
		return 0, l.defaultLevel
	}
	rest = rest[1:]

	if directive {
		if len(rest) == 0 {
			return needMoreData, 0
		}
		if rest[0] != '\n' {
			return 0, l.defaultLevel
		}
		rest = rest[1:]

		l.defaultLevel = level
		l.parsePrefix = false
	}

	return len(buf) - len(rest), level
}

// prefixOverlap reports whether buf matches s as far as it goes:
// either s is a prefix of buf, or buf is a (possibly incomplete)
// prefix of s.
func prefixOverlap(buf []byte, s string) bool {
	n := len(s)
	if len(buf) < n {
		n = len(buf)
	}
	return bytes.Equal(buf[:n], []byte(s[:n]))
}
