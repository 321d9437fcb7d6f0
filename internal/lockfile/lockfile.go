// Package lockfile keeps two WhatsHook processes from sharing one state directory.
//
// The lock is an flock on a file in the state directory; the kernel drops it when the process
// exits, however it exits. The file body is a small dotenv record describing the owner so a
// second instance can say who holds the lock.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "whatshook.lock"

const (
	keyPID     = "PID"
	keyStarted = "STARTED_AT"
	keyAddr    = "API_ADDR"
)

// Owner describes the process holding a lock.
type Owner struct {
	PID       int
	StartedAt time.Time
	APIAddr   string
}

// Running reports whether the owning process still exists.
func (o Owner) Running() bool {
	return o.PID > 0 && isProcessRunning(o.PID)
}

func (o Owner) String() string {
	if o.PID <= 0 {
		return "unknown process"
	}
	state := "running"
	if !o.Running() {
		state = "not running, stale lock"
	}
	s := fmt.Sprintf("PID %d (%s)", o.PID, state)
	if !o.StartedAt.IsZero() {
		s += ", started " + o.StartedAt.Format(time.RFC3339)
	}
	if o.APIAddr != "" {
		s += ", API on " + o.APIAddr
	}
	return s
}

func (o Owner) marshal() (string, error) {
	m := map[string]string{
		keyPID:     strconv.Itoa(o.PID),
		keyStarted: o.StartedAt.UTC().Format(time.RFC3339),
	}
	if o.APIAddr != "" {
		m[keyAddr] = o.APIAddr
	}
	return godotenv.Marshal(m)
}

func parseOwner(content string) (Owner, error) {
	m, err := godotenv.Unmarshal(content)
	if err != nil {
		return Owner{}, err
	}
	var o Owner
	if v := m[keyPID]; v != "" {
		if o.PID, err = strconv.Atoi(v); err != nil {
			return Owner{}, fmt.Errorf("bad %s %q: %w", keyPID, v, err)
		}
	}
	if v := m[keyStarted]; v != "" {
		o.StartedAt, _ = time.Parse(time.RFC3339, v)
	}
	o.APIAddr = m[keyAddr]
	return o, nil
}

// ReadOwner reads the owner record of the lock file in stateDir.
func ReadOwner(stateDir string) (Owner, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, LockFileName))
	if err != nil {
		return Owner{}, err
	}
	return parseOwner(string(data))
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Option defines a configuration option for AcquireLock.
type Option func(*Owner)

// WithAPIAddr records the API address in the owner record.
func WithAPIAddr(addr string) Option {
	return func(o *Owner) { o.APIAddr = addr }
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory if needed. When
// another process holds it the returned error is a *LockError.
func AcquireLock(stateDir string, opts ...Option) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// O_TRUNC would wipe the holder's record before we know we own the lock.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner, _ := ReadOwner(stateDir)
		slog.Error("AcquireLock: state directory is locked by another WhatsHook instance", "lock_path", path, "owner", owner.String())
		return nil, &LockError{LockPath: path, Owner: owner, Cause: err}
	}

	owner := Owner{PID: os.Getpid(), StartedAt: time.Now()}
	for _, opt := range opts {
		opt(&owner)
	}
	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}

	slog.Info("AcquireLock: state directory locked", "lock_path", path, "pid", owner.PID)
	return &Lock{file: file, path: path}, nil
}

func writeOwner(file *os.File, owner Owner) error {
	body, err := owner.marshal()
	if err != nil {
		return err
	}
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(body+"\n"), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("AcquireLock: failed to sync lock file", "error", err, "lock_path", file.Name())
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the lock file and drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting instance never reads our stale record.
	removeErr := os.Remove(l.path)
	if errors.Is(removeErr, os.ErrNotExist) {
		removeErr = nil
	}
	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if err := errors.Join(removeErr, unlockErr, closeErr); err != nil {
		slog.Error("Lock.Release: failed to release cleanly", "error", err, "lock_path", l.path)
		return err
	}
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return nil
}

// LockError is returned when another process holds the lock.
type LockError struct {
	LockPath string
	Owner    Owner
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another WhatsHook instance is using this state directory (lock file %s, held by %s)", e.LockPath, e.Owner)
	if e.Owner.PID > 0 && !e.Owner.Running() {
		msg += fmt.Sprintf("; the owner is gone, so if nothing else uses the directory remove the file with: rm %s", e.LockPath)
	}
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// isProcessRunning checks for the process by sending it signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
