// Package lock implements per-stage session locks. The lock is the
// session_active flag in the stage file's own frontmatter, so a lock
// survives process restarts and is visible to anyone reading the file.
// A single process-wide mutex serializes the read-modify-write cycle;
// acquisition is fail-fast, there is no blocking acquire.
package lock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pitboss-dev/pitboss/internal/frontmatter"
	"github.com/pitboss-dev/pitboss/internal/item"
)

// ActiveKey is the frontmatter flag that marks a running session.
const ActiveKey = "session_active"

var (
	// ErrAlreadyLocked means another session holds the stage.
	ErrAlreadyLocked = errors.New("session already active")

	// ErrMissingStatus means the stage file has no usable status field.
	ErrMissingStatus = errors.New("status missing or not a string")
)

// Locker guards stage files against concurrent sessions.
type Locker struct {
	mu sync.Mutex
}

// New returns a Locker.
func New() *Locker {
	return &Locker{}
}

// Acquire sets session_active on the stage file. It fails fast with
// ErrAlreadyLocked when the flag is already set.
func (l *Locker) Acquire(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := frontmatter.Read(path)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if doc.GetBool(ActiveKey) {
		return fmt.Errorf("acquire %s: %w", path, ErrAlreadyLocked)
	}
	if err := doc.Set(ActiveKey, true); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if err := doc.Write(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	return nil
}

// Release clears session_active. Releasing an unlocked stage is a
// no-op so release paths can run unconditionally.
func (l *Locker) Release(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := frontmatter.Read(path)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if !doc.GetBool(ActiveKey) {
		return nil
	}
	if err := doc.Set(ActiveKey, false); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if err := doc.Write(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// IsLocked reports whether the stage currently has a session.
func (l *Locker) IsLocked(path string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := frontmatter.Read(path)
	if err != nil {
		return false, fmt.Errorf("read lock: %w", err)
	}
	return doc.GetBool(ActiveKey), nil
}

// ReadStatus returns the stage's current status straight from disk.
// Status comparison around a worker run must always use fresh reads,
// never a cached parse.
func (l *Locker) ReadStatus(path string) (string, error) {
	doc, err := frontmatter.Read(path)
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	status, ok := doc.GetString("status")
	if !ok {
		return "", fmt.Errorf("%s: %w", path, ErrMissingStatus)
	}
	return status, nil
}

// Onboard moves a stage from Not Started into the pipeline's entry
// status before its first session. Called with the lock already held
// by the caller's admission flow.
func (l *Locker) Onboard(path, entryStatus string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := frontmatter.Read(path)
	if err != nil {
		return fmt.Errorf("onboard: %w", err)
	}
	status, ok := doc.GetString("status")
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrMissingStatus)
	}
	if status != item.StatusNotStarted {
		return nil
	}
	if err := doc.Set("status", entryStatus); err != nil {
		return fmt.Errorf("onboard: %w", err)
	}
	if err := doc.Write(); err != nil {
		return fmt.Errorf("onboard: %w", err)
	}
	return nil
}
