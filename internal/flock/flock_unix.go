//go:build !windows

package flock

import (
	"context"
	"io"
	"os"
	"syscall"
	"time"
)

// Lock takes an exclusive lock on f without waiting. fcntl locks are used for
// consistent behavior across platforms and some compatibility over NFS.
func Lock(f *os.File) error {
	return syscall.FcntlFlock(f.Fd(), syscall.F_SETLK, lockSpec(syscall.F_WRLCK))
}

// LockBlocking is like Lock except that it retries until the lock becomes
// available or ctx is done.
func LockBlocking(ctx context.Context, f *os.File) error {
	delay := 5 * time.Millisecond
	for {
		err := Lock(f)
		if err == nil {
			return nil
		}
		if err != syscall.EAGAIN && err != syscall.EACCES && err != syscall.EINTR {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < 200*time.Millisecond {
			delay *= 2
		}
	}
}

// Unlock releases a lock taken by Lock or LockBlocking.
func Unlock(f *os.File) error {
	return syscall.FcntlFlock(f.Fd(), syscall.F_SETLK, lockSpec(syscall.F_UNLCK))
}

func lockSpec(typ int16) *syscall.Flock_t {
	return &syscall.Flock_t{
		Type:   typ,
		Whence: int16(io.SeekStart),
		Start:  0,
		Len:    0,
	}
}
