// Package worker holds the single-instance guard for the HTTP worker: a
// PID file protected by an advisory file lock, so two workers never share
// one data directory.
package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/gofrs/flock"
)

// ErrPIDFileNotFound is returned when the PID file doesn't exist.
var ErrPIDFileNotFound = errors.New("PID file not found")

// ErrAlreadyRunning is returned when another worker holds the lock.
var ErrAlreadyRunning = errors.New("another worker is already running")

// PIDFile manages the worker's PID file and its lock.
type PIDFile struct {
	path string
	lock *flock.Flock
}

// NewPIDFile creates a manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Path returns the PID file path.
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire takes the lock and writes the current PID. Fails with
// ErrAlreadyRunning when another live worker holds the lock; a stale file
// left by a crashed worker is silently replaced because the crashed
// process no longer holds the lock.
func (p *PIDFile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}

	locked, err := p.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire worker lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}

	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = p.lock.Unlock()
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Release removes the PID file and drops the lock.
func (p *PIDFile) Release() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return p.lock.Unlock()
}

// Read returns the stored PID.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrPIDFileNotFound
		}
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("invalid pid in file: %w", err)
	}
	return pid, nil
}

// IsRunning reports whether the stored PID refers to a live process.
func (p *PIDFile) IsRunning() bool {
	pid, err := p.Read()
	if err != nil {
		return false
	}
	return processExists(pid)
}

// processExists probes a PID with signal 0.
func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
