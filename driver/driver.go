// Package driver is the ioctl boundary to the hypervisor kernel driver.
//
// Every request is a fixed-layout struct of machine words. Buffers the
// driver reads or writes live on the heap and stay pinned for the duration
// of the call.
package driver

import (
	"runtime"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// DefaultDevice is the driver's character device.
const DefaultDevice = "/dev/jailhouse"

// ioctl direction bits, asm-generic layout.
const (
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | typ<<iocTypeShift | nr<<iocNRShift
}

func iow(nr, size uintptr) uintptr { return ioc(iocWrite, 0, nr, size) }
func ior(nr, size uintptr) uintptr { return ioc(iocRead, 0, nr, size) }

// --- Request layouts ---

// VMCreateArg creates a VM. The driver writes the assigned id through IDPtr.
type VMCreateArg struct {
	IDPtr          uintptr
	CPUSet         uintptr
	BiosImgPtr     uintptr
	BiosImgSize    uintptr
	KernelImgPtr   uintptr
	KernelImgSize  uintptr
	RamdiskImgPtr  uintptr // 0 without a ramdisk
	RamdiskImgSize uintptr
	DiskPathPtr    uintptr // 0 without a disk
	DiskPathSize   uintptr
	RawCfgPtr      uintptr
	RawCfgSize     uintptr
}

// VMBootArg boots a created VM.
type VMBootArg struct {
	ID uintptr
}

// VMShutdownArg shuts a VM down.
type VMShutdownArg struct {
	ID uintptr
}

// VMDiskPathArg reads back the disk path recorded at creation.
type VMDiskPathArg struct {
	ID      uintptr
	BufPtr  uintptr
	BufSize uintptr
}

// Opcodes.
var (
	OpCreate   = iow(6, unsafe.Sizeof(VMCreateArg{}))
	OpBoot     = iow(7, unsafe.Sizeof(VMBootArg{}))
	OpShutdown = iow(8, unsafe.Sizeof(VMShutdownArg{}))
	OpDiskPath = ior(9, unsafe.Sizeof(VMDiskPathArg{}))
)

// Images are the buffers handed to the driver on create.
type Images struct {
	ID        uint64 // requested id; the driver may assign another
	CPUSet    uint64
	Bios      []byte
	Kernel    []byte
	Ramdisk   []byte
	DiskPath  string
	RawConfig string
}

// Driver issues VM ioctls against a device node.
type Driver struct {
	Path string
	Log  *logrus.Entry

	// sys issues the ioctl on an open fd; nil means the real syscall.
	sys func(fd int, op uintptr, arg unsafe.Pointer) error
}

// New returns a Driver for path, or DefaultDevice if path is empty.
func New(path string, log *logrus.Entry) *Driver {
	if path == "" {
		path = DefaultDevice
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{Path: path, Log: log.WithField("device", path)}
}

// pin keeps b's backing array in place until p is unpinned and returns its
// address, or 0 for an empty slice.
func pin(p *runtime.Pinner, b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	data := unsafe.SliceData(b)
	p.Pin(data)
	return uintptr(unsafe.Pointer(data))
}
