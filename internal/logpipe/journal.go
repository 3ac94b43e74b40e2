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
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tombee/warden/internal/fdio"
)

// journalStdoutSocket is journald's stream socket: each connection
// carries a short header followed by raw log lines.
const journalStdoutSocket = "/run/systemd/journal/stdout"

// stderrIsJournal reports whether stderr is connected to the systemd
// Journal, by comparing the device and inode advertised in
// $JOURNAL_STREAM with the actual stderr.
func stderrIsJournal() bool {
	stream := os.Getenv("JOURNAL_STREAM")
	if stream == "" {
		return false
	}

	devStr, inoStr, ok := strings.Cut(stream, ":")
	if !ok {
		return false
	}

	var st unix.Stat_t
	if err := unix.Fstat(2, &st); err != nil {
		return false
	}

	return devStr == fmt.Sprintf("%d", st.Dev) && inoStr == fmt.Sprintf("%d", st.Ino)
}

// journalStreamFD connects a new log stream to the systemd Journal,
// in the manner of sd_journal_stream_fd(3): a connection to the
// journald stdout socket, prefixed with a 7-line header naming the
// identifier, the default priority, and whether lines may carry <N>
// severity prefixes.
func journalStreamFD(identifier string, priority Level, levelPrefix bool) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: journalStdoutSocket}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", journalStdoutSocket, err)
	}

	// Header lines: identifier, unit ID (unused), priority,
	// level-prefix flag, then three zeroes declining syslog, kmsg and
	// console forwarding.
	prefixFlag := "0"
	if levelPrefix {
		prefixFlag = "1"
	}

	header := fmt.Sprintf("%s\n\n%d\n%s\n0\n0\n0\n",
		strings.ReplaceAll(identifier, "\n", " "), priority, prefixFlag)

	if err := fdio.WriteAll(fd, []byte(header)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("writing journal stream header: %w", err)
	}

	return fd, nil
}
