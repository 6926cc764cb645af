// Package flock provides advisory whole-file locks shared between processes.
package flock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// fcntl locks belong to the process, so goroutines of one process would
// share them. gates serializes holders within the process per lock path.
var gates sync.Map // abs path -> chan struct{}

func gate(path string) chan struct{} {
	ch, _ := gates.LoadOrStore(path, make(chan struct{}, 1))
	return ch.(chan struct{})
}

// File is an open, locked lock file.
type File struct {
	f    *os.File
	gate chan struct{}
}

// Acquire creates path if needed and waits for an exclusive lock on it, both
// against other processes and other holders in this process.
func Acquire(ctx context.Context, path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	g := gate(abs)
	select {
	case g <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l, err := acquire(ctx, abs)
	if err != nil {
		<-g
		return nil, err
	}
	l.gate = g
	return l, nil
}

func acquire(ctx context.Context, path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := LockBlocking(ctx, f); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return &File{f: f}, nil
}

// Release unlocks and closes the file.
func (l *File) Release() error {
	uerr := Unlock(l.f)
	cerr := l.f.Close()
	<-l.gate
	if uerr != nil {
		return uerr
	}
	return cerr
}
