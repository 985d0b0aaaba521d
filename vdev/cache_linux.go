package vdev

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
)

var pageSize = unix.Getpagesize()

// AnonMapper maps private anonymous memory, pre-faulted so every page is
// resident before its frame number is looked up. With Lock set the pages are
// also pinned with mlock.
type AnonMapper struct {
	Lock bool
}

type anonRegion struct {
	buf    []byte
	locked bool
}

// Map allocates size bytes; size must be a positive multiple of the page size.
func (m *AnonMapper) Map(size int) (Region, error) {
	if size <= 0 || size%pageSize != 0 {
		return nil, errors.Wrapf(errdefs.ErrInvalidInput, "cache size %d is not a multiple of page size %d", size, pageSize)
	}

	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrBadState, "mmap %d bytes: %v", size, err)
	}

	r := &anonRegion{buf: buf}
	if m.Lock {
		if err := unix.Mlock(buf); err != nil {
			unix.Munmap(buf)
			return nil, errors.Wrapf(errdefs.ErrBadState, "mlock %d bytes (check RLIMIT_MEMLOCK): %v", size, err)
		}
		r.locked = true
	}
	return r, nil
}

func (r *anonRegion) Bytes() []byte { return r.buf }

func (r *anonRegion) Addr() uintptr {
	return uintptr(unsafe.Pointer(&r.buf[0]))
}

func (r *anonRegion) Release() error {
	if r.buf == nil {
		return nil
	}
	if r.locked {
		unix.Munlock(r.buf)
	}
	err := unix.Munmap(r.buf)
	r.buf = nil
	if err != nil {
		return errors.Wrap(err, "munmap cache")
	}
	return nil
}

// openDrive opens a backing file read/write, unbuffered when direct is set.
func openDrive(path string, direct bool) (*os.File, error) {
	flags := os.O_RDWR
	if direct {
		flags |= unix.O_DIRECT
	}
	return os.OpenFile(path, flags, 0)
}
