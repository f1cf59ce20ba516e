// Package platform is the leaf dependency of the whole fabric:
// monotonic time, the current process/thread identity, a liveness
// probe for another process's pid, and shared-memory create/attach/
// unlink. Time is taken through the injected Clock interface so tests
// can fake it; the pid, tid and liveness helpers are plain functions
// that other packages call directly.
package platform

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// Clock is monotonic time in nanoseconds. All timeout math in the
// slot protocol and spinlock is measured against this, never wall
// time.
type Clock interface {
	NowNs() uint64
}

// SystemClock is the production Clock, backed by time.Now's monotonic
// reading relative to the instant the clock was created.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a Clock anchored at the current instant.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// NowNs returns nanoseconds elapsed since the clock was created.
func (c *SystemClock) NowNs() uint64 {
	return uint64(time.Since(c.start).Nanoseconds())
}

// CurrentPID returns the calling process's pid.
func CurrentPID() uint32 {
	return uint32(os.Getpid())
}

// CurrentTID returns an identifier for the calling OS thread. Go does
// not expose a stable OS thread id to user code without cgo; this
// calls gettid via the golang.org/x/sys/unix wrapper, which is only
// stable across calls while the goroutine is locked to its thread
// (see LockOSThreadForOwnership).
func CurrentTID() uint32 {
	return uint32(unix.Gettid())
}

// LockOSThreadForOwnership pins the calling goroutine to its current
// OS thread so that a CurrentTID() value sampled before and after a
// spinlock acquisition refers to the same actual thread. Callers that
// hold a shared spinlock across any possible goroutine reschedule
// point must call this first.
func LockOSThreadForOwnership() func() {
	runtime.LockOSThread()
	return runtime.UnlockOSThread
}

// IsProcessAlive reports whether pid currently refers to a live
// process, using the standard zero-signal liveness probe (sending
// signal 0 never actually signals the process; it only reports
// whether the kernel would have permitted and found a target).
func IsProcessAlive(pid uint32) bool {
	if pid == 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	if err == nil {
		return true
	}
	// ESRCH: no such process. EPERM: process exists but we can't
	// signal it — still alive from our point of view.
	return err == unix.EPERM
}

// ShmPath returns the backing path for a named segment. Segments live
// under /dev/shm, so they are visible to `ls /dev/shm` for operator
// diagnosis and are tmpfs-backed — there is no durability across
// reboot, by design.
func ShmPath(name string) string {
	return "/dev/shm/" + name
}

// Region is a memory-mapped shared-memory segment.
type Region struct {
	file *os.File
	data []byte
}

// Bytes returns the mapped byte slice. Callers must not retain it
// past Close.
func (r *Region) Bytes() []byte { return r.data }

// ShmCreate creates (or truncates and recreates) a named shared-memory
// segment of exactly size bytes and maps it read-write.
func ShmCreate(name string, size int) (*Region, error) {
	path := ShmPath(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("platform: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("platform: truncate %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("platform: mmap %s: %w", path, err)
	}
	return &Region{file: f, data: data}, nil
}

// ShmAttach opens and maps an existing named segment. size must match
// the segment's actual on-disk size (the caller derives it from a
// first, header-only attach when the full size is not yet known).
func ShmAttach(name string, size int, writable bool) (*Region, error) {
	path := ShmPath(name)
	flag := os.O_RDONLY
	prot := unix.PROT_READ
	if writable {
		flag = os.O_RDWR
		prot |= unix.PROT_WRITE
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("platform: attach %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("platform: mmap %s: %w", path, err)
	}
	return &Region{file: f, data: data}, nil
}

// StatSize returns the current on-disk size of a named segment,
// without mapping it — used to attach without knowing the layout in
// advance (read the header first, then remap the full extent).
func StatSize(name string) (int64, error) {
	fi, err := os.Stat(ShmPath(name))
	if err != nil {
		return 0, fmt.Errorf("platform: stat %s: %w", name, err)
	}
	return fi.Size(), nil
}

// Close unmaps the region and closes its backing file descriptor.
func (r *Region) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		return fmt.Errorf("platform: munmap: %w", err)
	}
	return r.file.Close()
}

// ShmUnlink removes a named segment's backing file. Called by the
// segment's creator once the last attacher has detached.
func ShmUnlink(name string) error {
	if err := os.Remove(ShmPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("platform: unlink %s: %w", name, err)
	}
	return nil
}
