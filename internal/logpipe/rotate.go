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

	"golang.org/x/sys/unix"

	"github.com/tombee/warden/internal/filelock"
)

// tryRotate renames the current log file to its ".previous" name and
// starts a fresh file under the canonical name.
//
// To avoid loss of information in error situations, if two processes
// both have the same log open, neither of them rotates it: the upgrade
// to an exclusive lock fails and this rotation cycle is skipped.
func (l *Logger) tryRotate() error {
	l.diag.Debug("trying to rotate log file", "filename", l.filename)

	if l.filename == "" || l.previousFilename == "" || l.newFilename == "" {
		return fmt.Errorf("rotation requires a filename")
	}

	if _, err := filelock.Acquire(l.fileFD, l.filename,
		filelock.Exclusive|filelock.RequireOFD); err != nil {
		return fmt.Errorf("unable to take exclusive lock on %s: %w", l.filename, err)
	}

	// Whatever happens next, drop back to a shared lock on whichever
	// fd we end up keeping.
	defer func() {
		if _, err := filelock.Acquire(l.fileFD, l.filename, filelock.RequireOFD); err != nil {
			l.diag.Debug("unable to return to a shared lock", "filename", l.filename, "error", err)
		}
	}()

	if err := unlinkRetry(l.previousFilename); err != nil && err != unix.ENOENT {
		return fmt.Errorf("unable to remove previous filename %s: %w", l.previousFilename, err)
	}

	// A hard link, so that a concurrent process opening the canonical
	// filename still sees our exclusive lock on it.
	if err := linkRetry(l.filename, l.previousFilename); err != nil {
		return fmt.Errorf("unable to hard-link %s as %s: %w", l.filename, l.previousFilename, err)
	}

	// O_EXCL on the temporary name, so that a concurrent process
	// trying to do the same thing just fails to open it.
	newFD, err := openLogFile(l.newFilename, unix.O_EXCL)
	if err != nil {
		return fmt.Errorf("unable to open new log file %s: %w", l.newFilename, err)
	}

	// The fd and the temporary name are ours until the rename makes
	// the new file canonical. After that, the temporary name is free
	// for a concurrent process to reuse, so it must not be unlinked.
	cleanupFD := newFD
	defer func() {
		if cleanupFD < 0 {
			return
		}

		unix.Close(cleanupFD)
		if err := unlinkRetry(l.newFilename); err != nil && err != unix.ENOENT {
			l.diag.Debug("unable to remove temporary new filename", "filename", l.newFilename)
		}
	}()

	if _, err := filelock.Acquire(newFD, l.newFilename,
		filelock.Exclusive|filelock.RequireOFD); err != nil {
		return fmt.Errorf("unable to take exclusive lock on new log file %s: %w", l.newFilename, err)
	}

	var newStat unix.Stat_t
	if err := unix.Fstat(newFD, &newStat); err != nil {
		return fmt.Errorf("unable to stat %q: %w", l.newFilename, err)
	}

	if err := unix.Rename(l.newFilename, l.filename); err != nil {
		return fmt.Errorf("unable to rename %s to %s: %w", l.newFilename, l.filename, err)
	}

	cleanupFD = -1
	unix.Close(l.fileFD)
	l.fileFD = newFD
	l.fileStat = newStat
	return nil
}

func unlinkRetry(path string) error {
	for {
		err := unix.Unlink(path)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func linkRetry(oldpath, newpath string) error {
	for {
		err := unix.Link(oldpath, newpath)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
