//go:build windows

package flock

import (
	"context"
	"os"
)

// Lock is a no-op on Windows. Sessions on Windows rely on the lock
// bookkeeping in session files alone.
func Lock(f *os.File) error { return nil }

// LockBlocking is a no-op on Windows.
func LockBlocking(ctx context.Context, f *os.File) error { return ctx.Err() }

// Unlock is a no-op on Windows.
func Unlock(f *os.File) error { return nil }
