// Package lockmgr serializes access to on-disk dispatch state, both within
// one process and across processes sharing the same host. It is the one
// place in this repo that reaches below net/http and encoding/json into raw
// OS primitives, because file locking has no portable pure-Go equivalent.
package lockmgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockTimeout is returned when a lock could not be acquired before the
// context deadline. Callers should treat it as retryable.
var ErrLockTimeout = fmt.Errorf("lockmgr: timed out acquiring lock")

// Manager hands out locks keyed by file path. It pairs a per-process
// sync.Mutex registry (cheap, for goroutines in this binary) with an
// OS-level flock on a "<path>.lock" sidecar (for other processes touching
// the same state directory, e.g. a second dispatcherd instance or clawctl).
type Manager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{locks: make(map[string]*sync.Mutex)}
}

// Unlock releases both the in-process mutex and the OS-level flock acquired
// by a matching Lock call.
type Unlock func()

func (m *Manager) procMutex(path string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.locks[path]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[path] = mu
	}
	return mu
}

// Lock acquires exclusive access to path, blocking goroutines in this
// process via a mutex and other processes via flock(2) on path+".lock".
// It polls at a short interval until ctx is done, at which point it
// returns ErrLockTimeout.
func (m *Manager) Lock(ctx context.Context, path string) (Unlock, error) {
	procMu := m.procMutex(path)
	if err := acquireWithContext(ctx, procMu); err != nil {
		return nil, err
	}

	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		procMu.Unlock()
		return nil, fmt.Errorf("lockmgr: creating lock dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		procMu.Unlock()
		return nil, fmt.Errorf("lockmgr: opening lock file: %w", err)
	}

	if err := flockWithContext(ctx, f); err != nil {
		f.Close()
		procMu.Unlock()
		return nil, err
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		procMu.Unlock()
	}, nil
}

// acquireWithContext tries to Lock mu, giving up with ErrLockTimeout if ctx
// is done first. sync.Mutex has no native timed-lock, so it is raced
// against a goroutine that always succeeds eventually; on timeout a second
// goroutine waits for that late Lock and unlocks mu immediately —
// acceptable because mu is never leaked outside this package.
func acquireWithContext(ctx context.Context, mu *sync.Mutex) error {
	done := make(chan struct{})
	go func() {
		mu.Lock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		go func() {
			<-done
			mu.Unlock()
		}()
		return ErrLockTimeout
	}
}

// flockWithContext repeatedly attempts a non-blocking flock, backing off
// between tries, until it succeeds or ctx is done.
func flockWithContext(ctx context.Context, f *os.File) error {
	const pollInterval = 20 * time.Millisecond
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			return fmt.Errorf("lockmgr: flock: %w", err)
		}

		select {
		case <-ctx.Done():
			return ErrLockTimeout
		case <-time.After(pollInterval):
		}
	}
}
