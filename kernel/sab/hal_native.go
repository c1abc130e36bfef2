//go:build unix

package sab

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SharedMemoryProvider maps a region from a file, so it can outlive the
// process or be inspected by another one.
type SharedMemoryProvider struct {
	mapping
	path string
	fd   int
}

var _ MemoryProvider = (*SharedMemoryProvider)(nil)

// SharedMemoryOptions selects the backing file. Size is only used, and then
// required, when Create is set.
type SharedMemoryOptions struct {
	Path   string
	Size   uint32
	Create bool
}

// DefaultSharedMemoryPath returns the default backing path for region name.
func DefaultSharedMemoryPath(name string) string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return filepath.Join("/dev/shm", "syslink_"+name)
	}
	return filepath.Join(os.TempDir(), "syslink_"+name)
}

// OpenSharedMemory maps the file at opts.Path read-write and shared.
func OpenSharedMemory(opts SharedMemoryOptions) (*SharedMemoryProvider, error) {
	if opts.Path == "" {
		return nil, errors.New("shared memory path required")
	}
	if opts.Create && opts.Size == 0 {
		return nil, errors.New("shared memory size required when creating")
	}

	path := filepath.Clean(opts.Path)
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	fail := func(format string, err error) (*SharedMemoryProvider, error) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf(format, path, err)
	}

	if opts.Create {
		if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
			return fail("size %s: %w", err)
		}
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fail("stat %s: %w", err)
	}
	if st.Size <= 0 || st.Size > int64(^uint32(0)) {
		return fail("map %s: %w", fmt.Errorf("unusable size %d", st.Size))
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail("mmap %s: %w", err)
	}
	return &SharedMemoryProvider{mapping: mapping{data: data}, path: path, fd: fd}, nil
}

// Path returns the backing file path.
func (s *SharedMemoryProvider) Path() string {
	return s.path
}

// Sync flushes the mapping to its backing file.
func (s *SharedMemoryProvider) Sync() error {
	if s.data == nil {
		return ErrClosed
	}
	return unix.Msync(s.data, unix.MS_SYNC)
}

func (s *SharedMemoryProvider) Close() error {
	if s.data == nil {
		return nil
	}
	err := errors.Join(unix.Munmap(s.data), unix.Close(s.fd))
	s.data = nil
	return err
}
