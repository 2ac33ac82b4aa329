// Package lock implements the per-repository exclusive writer lock with
// stale-holder detection.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aliou/osgrep/internal/oserr"
)

// FileName is the lock file name inside <projectRoot>/.osgrep/.
const FileName = "LOCK"

// Lock is a held writer lock. Zero value is not usable; call Acquire.
type Lock struct {
	path string
}

// Holder describes the process recorded in an existing lock file.
type Holder struct {
	PID       int
	Timestamp time.Time
}

// Acquire takes the writer lock in dir, creating the lock file exclusively
// with "<pid>\n<RFC3339>". If the file exists and its owner is dead, the
// stale file is removed and acquisition retried once. A live owner yields a
// LockHeld error carrying pid and timestamp.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	path := filepath.Join(dir, FileName)

	if err := tryCreate(path); err == nil {
		return &Lock{path: path}, nil
	} else if !os.IsExist(err) {
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	holder, parseErr := readHolder(path)
	if parseErr == nil && processAlive(holder.PID) {
		return nil, oserr.Newf(oserr.CodeLockHeld,
			"index lock held by pid %d since %s", holder.PID, holder.Timestamp.Format(time.RFC3339)).
			WithDetail("pid", strconv.Itoa(holder.PID)).
			WithDetail("since", holder.Timestamp.Format(time.RFC3339))
	}

	// Stale (owner dead) or unreadable: reclaim and retry once.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale lock: %w", err)
	}
	if err := tryCreate(path); err != nil {
		if os.IsExist(err) {
			return nil, oserr.New(oserr.CodeLockHeld, "index lock re-acquired by another process")
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file, tolerating a file already gone.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

func tryCreate(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	content := fmt.Sprintf("%d\n%s", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

func readHolder(path string) (*Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid pid in lock file: %w", err)
	}
	h := &Holder{PID: pid}
	if len(lines) == 2 {
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1])); err == nil {
			h.Timestamp = ts
		}
	}
	return h, nil
}

// processAlive probes pid with signal 0. EPERM counts as alive: the process
// exists but belongs to another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
