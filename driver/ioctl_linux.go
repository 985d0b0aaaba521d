package driver

import (
	"bytes"
	"context"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
)

const diskPathMax = 4096

// Create hands the VM images to the driver and returns the VM id it assigned.
func (d *Driver) Create(ctx context.Context, img Images) (uint64, error) {
	if len(img.Bios) == 0 || len(img.Kernel) == 0 {
		return 0, errors.Wrap(errdefs.ErrInvalidInput, "create vm: bios and kernel images are required")
	}

	var pinner runtime.Pinner
	defer pinner.Unpin()

	// the driver writes the assigned id back through IDPtr
	id := new(uintptr)
	*id = uintptr(img.ID)
	pinner.Pin(id)
	disk := []byte(img.DiskPath)
	raw := []byte(img.RawConfig)

	arg := VMCreateArg{
		IDPtr:          uintptr(unsafe.Pointer(id)),
		CPUSet:         uintptr(img.CPUSet),
		BiosImgPtr:     pin(&pinner, img.Bios),
		BiosImgSize:    uintptr(len(img.Bios)),
		KernelImgPtr:   pin(&pinner, img.Kernel),
		KernelImgSize:  uintptr(len(img.Kernel)),
		RamdiskImgPtr:  pin(&pinner, img.Ramdisk),
		RamdiskImgSize: uintptr(len(img.Ramdisk)),
		DiskPathPtr:    pin(&pinner, disk),
		DiskPathSize:   uintptr(len(disk)),
		RawCfgPtr:      pin(&pinner, raw),
		RawCfgSize:     uintptr(len(raw)),
	}
	err := d.ioctl(ctx, OpCreate, unsafe.Pointer(&arg))
	if err != nil {
		return 0, errors.Wrap(err, "create vm")
	}

	d.Log.WithFields(logrus.Fields{
		"vmid":        uint64(*id),
		"bios-size":   len(img.Bios),
		"kernel-size": len(img.Kernel),
	}).Info("vm created")
	return uint64(*id), nil
}

// Boot starts a created VM.
func (d *Driver) Boot(ctx context.Context, vmid uint64) error {
	arg := VMBootArg{ID: uintptr(vmid)}
	if err := d.ioctl(ctx, OpBoot, unsafe.Pointer(&arg)); err != nil {
		return errors.Wrapf(err, "boot vm %d", vmid)
	}
	return nil
}

// Shutdown stops a VM.
func (d *Driver) Shutdown(ctx context.Context, vmid uint64) error {
	arg := VMShutdownArg{ID: uintptr(vmid)}
	if err := d.ioctl(ctx, OpShutdown, unsafe.Pointer(&arg)); err != nil {
		return errors.Wrapf(err, "shutdown vm %d", vmid)
	}
	return nil
}

// DiskPath returns the disk path the driver recorded for vmid.
func (d *Driver) DiskPath(ctx context.Context, vmid uint64) (string, error) {
	var pinner runtime.Pinner
	defer pinner.Unpin()

	buf := make([]byte, diskPathMax)
	arg := VMDiskPathArg{
		ID:      uintptr(vmid),
		BufPtr:  pin(&pinner, buf),
		BufSize: uintptr(len(buf)),
	}
	err := d.ioctl(ctx, OpDiskPath, unsafe.Pointer(&arg))
	if err != nil {
		return "", errors.Wrapf(err, "disk path of vm %d", vmid)
	}
	if n := bytes.IndexByte(buf, 0); n >= 0 {
		buf = buf[:n]
	}
	return string(buf), nil
}

func (d *Driver) ioctl(ctx context.Context, op uintptr, arg unsafe.Pointer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fd, err := unix.Open(d.Path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(kind(err), "open %s: %v", d.Path, err)
	}
	defer unix.Close(fd)

	sys := d.sys
	if sys == nil {
		sys = rawIoctl
	}
	if err := sys(fd, op, arg); err != nil {
		return errors.Wrapf(kind(err), "ioctl %#x: %v", op, err)
	}
	return nil
}

func rawIoctl(fd int, op uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

func kind(err error) error {
	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return errdefs.ErrPermissionDenied
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENODEV):
		return errdefs.ErrInvalidInput
	default:
		return errdefs.ErrBadState
	}
}
