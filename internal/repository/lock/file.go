package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-ps"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/lambda-deployer/internal/logger"
)

// Marker is the content of the lock file.
type Marker struct {
	// PID is the process holding the lock.
	PID int `yaml:"pid"`
	// StartedAt is when the lock was taken.
	StartedAt time.Time `yaml:"started_at"`
}

// FileLock is a PID marker file.
type FileLock struct {
	// path is the marker location.
	path string
	// staleAfter is the age after which a marker is ignored even if its PID is alive.
	staleAfter time.Duration
	// grace is how long an unreadable or incomplete marker is still honored.
	grace time.Duration
	// pid is written into markers created by this lock.
	pid int
	// held reports whether this instance created the current marker.
	held bool
	// alive reports whether a process exists; replaced in tests.
	alive func(pid int) (bool, error)
	// now is replaced in tests.
	now func() time.Time
}

const (
	// DefaultStaleAfter is longer than any sane install plus deploy.
	DefaultStaleAfter = time.Hour
	// DefaultIncompleteGrace protects markers written by other tools that are not yet complete.
	DefaultIncompleteGrace = 10 * time.Second

	markerPermissions = 0o600
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("another deployment is running")

// NewFileLock creates a lock at path owned by the current process.
func NewFileLock(path string) *FileLock {
	return &FileLock{
		path:       filepath.Clean(path),
		staleAfter: DefaultStaleAfter,
		grace:      DefaultIncompleteGrace,
		pid:        os.Getpid(),
		alive:      processAlive,
		now:        time.Now,
	}
}

// Acquire creates the marker, taking over a stale one.
func (l *FileLock) Acquire(ctx context.Context) error {
	err := l.create()
	if err == nil || !errors.Is(err, os.ErrExist) {
		return err
	}

	if err = l.checkStale(ctx); err != nil {
		return err
	}

	logger.WarnKV(ctx, "Taking over a stale lock", "path", l.path)

	if err = os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale lock: %w", err)
	}

	return l.create()
}

// Release removes the marker if this instance created it.
func (l *FileLock) Release(_ context.Context) error {
	if !l.held {
		return nil
	}

	l.held = false

	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}

	return nil
}

// Path returns the marker location.
func (l *FileLock) Path() string {
	return l.path
}

// create publishes a complete marker under path. The marker is written to a
// temporary file first and hard-linked into place, so readers never observe
// it half written and the link fails if another marker already exists.
func (l *FileLock) create() error {
	data, err := yaml.Marshal(&Marker{PID: l.pid, StartedAt: l.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create lock: %w", err)
	}

	tmpPath := tmp.Name()

	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write lock: %w", err)
	}

	if err = tmp.Chmod(markerPermissions); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod lock: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close lock: %w", err)
	}

	if err = os.Link(tmpPath, l.path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return err
		}

		return fmt.Errorf("publish lock: %w", err)
	}

	l.held = true

	return nil
}

func (l *FileLock) read() (*Marker, error) {
	contents, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}

	var marker Marker
	if err = yaml.Unmarshal(contents, &marker); err != nil {
		return nil, err
	}

	return &marker, nil
}

// checkStale returns nil when the existing marker may be taken over and
// ErrLocked while its owner is still considered alive.
func (l *FileLock) checkStale(ctx context.Context) error {
	marker, readErr := l.read()
	if errors.Is(readErr, os.ErrNotExist) {
		return nil
	}

	if readErr != nil || marker.PID <= 0 {
		return l.checkIncomplete(ctx, readErr)
	}

	if !marker.StartedAt.IsZero() && l.now().Sub(marker.StartedAt) > l.staleAfter {
		return nil
	}

	alive, err := l.alive(marker.PID)
	if err != nil {
		return fmt.Errorf("check lock owner: %w", err)
	}

	if alive {
		return fmt.Errorf("%w: pid %d since %s (%s)",
			ErrLocked, marker.PID, marker.StartedAt.Format(time.RFC3339), l.path)
	}

	return nil
}

// checkIncomplete handles a marker without a usable owner. A fresh one may
// still be in the middle of being written, so it is honored until grace passes.
func (l *FileLock) checkIncomplete(ctx context.Context, readErr error) error {
	info, err := os.Stat(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("stat lock: %w", err)
	}

	age := l.now().Sub(info.ModTime())
	if age <= l.grace {
		return fmt.Errorf("%w: incomplete marker written %s ago (%s)",
			ErrLocked, age.Round(time.Millisecond), l.path)
	}

	logger.DebugKV(ctx, "Ignoring incomplete lock marker", "path", l.path, "age", age.String(), "read_error", readErr)

	return nil
}

// processAlive looks the PID up in the process table.
func processAlive(pid int) (bool, error) {
	process, err := ps.FindProcess(pid)
	if err != nil {
		return false, err
	}

	return process != nil, nil
}
