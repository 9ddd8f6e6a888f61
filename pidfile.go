package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// lockFileName is the PID/lock file inside the workdir.
const lockFileName = "drivedav.pid"

const (
	pidFilePermissions = 0o644
	pidDirPermissions  = 0o700
)

// errWorkdirLocked means another drivedav process owns the workdir.
var errWorkdirLocked = errors.New("workdir is in use by another drivedav process")

// lockWorkdir takes an exclusive flock on the workdir's PID file and writes
// the current process ID into it. Two processes sharing a workdir would
// rotate the same refresh token and invalidate each other, so the second one
// fails fast. The returned release removes the file and drops the lock.
func lockWorkdir(workdir string) (release func(), err error) {
	if workdir == "" {
		return nil, errors.New("workdir is empty, cannot determine lock file location")
	}

	if err := os.MkdirAll(workdir, pidDirPermissions); err != nil {
		return nil, fmt.Errorf("creating workdir: %w", err)
	}

	path := filepath.Join(workdir, lockFileName)
	fl := flock.New(path, flock.SetPermissions(pidFilePermissions))

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	if !locked {
		if pid, readErr := readPIDFile(path); readErr == nil {
			return nil, fmt.Errorf("%w (PID %d, lock %s)", errWorkdirLocked, pid, path)
		}

		return nil, fmt.Errorf("%w (lock %s)", errWorkdirLocked, path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), pidFilePermissions); err != nil {
		_ = fl.Unlock()

		return nil, fmt.Errorf("writing PID file: %w", err)
	}

	return func() {
		os.Remove(path)
		_ = fl.Unlock()
	}, nil
}

// readPIDFile reads the PID from the given file path. Returns 0 and an error
// if the file does not exist or contains invalid content.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}
