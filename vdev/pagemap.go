package vdev

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
)

// Pagemap entry bits, see Documentation/admin-guide/mm/pagemap.rst.
const (
	pagemapEntrySize = 8
	pagemapPresent   = uint64(1) << 63
	pagemapPFNMask   = uint64(1)<<55 - 1
)

// PagemapTranslator resolves addresses through /proc/<pid>/maps and
// /proc/<pid>/pagemap of the current process.
// Frame numbers read back as zero without CAP_SYS_ADMIN.
type PagemapTranslator struct {
	root     string
	pageSize int
}

// NewPagemapTranslator reads from the proc filesystem mounted at root, or the
// default mount point when root is empty.
func NewPagemapTranslator(root string) *PagemapTranslator {
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	return &PagemapTranslator{root: root, pageSize: pageSize}
}

// Translate returns the physical address backing vaddr.
func (t *PagemapTranslator) Translate(vaddr uintptr) (uint64, error) {
	fs, err := procfs.NewFS(t.root)
	if err != nil {
		return 0, errors.Wrapf(errdefs.ErrInvalidInput, "open proc filesystem: %v", err)
	}
	self, err := fs.Self()
	if err != nil {
		return 0, errors.Wrapf(errdefs.ErrInvalidInput, "resolve own process: %v", err)
	}

	// 1. Region containing vaddr
	maps, err := self.ProcMaps()
	if err != nil {
		return 0, errors.Wrapf(errdefs.ErrInvalidInput, "read memory maps: %v", err)
	}
	var region *procfs.ProcMap
	for _, m := range maps {
		if vaddr >= m.StartAddr && vaddr < m.EndAddr {
			region = m
			break
		}
	}
	if region == nil {
		return 0, errors.Wrapf(errdefs.ErrBadState, "no mapping contains %#x", vaddr)
	}

	// 2. Page-table entry. pagemap is indexed by absolute virtual page number.
	page := uint64(vaddr) / uint64(t.pageSize)
	entry, err := t.readEntry(self.PID, page)
	if err != nil {
		return 0, err
	}

	// 3. Frame
	if entry&pagemapPresent == 0 {
		return 0, errors.Wrapf(errdefs.ErrBadState,
			"%#x (page %d of mapping at %#x) is not resident",
			vaddr, (uint64(vaddr)-uint64(region.StartAddr))/uint64(t.pageSize), region.StartAddr)
	}
	pfn := entry & pagemapPFNMask
	if pfn == 0 {
		return 0, errors.Wrapf(errdefs.ErrPermissionDenied,
			"frame number of %#x reads as zero, CAP_SYS_ADMIN is required", vaddr)
	}
	return pfn*uint64(t.pageSize) + uint64(vaddr)%uint64(t.pageSize), nil
}

func (t *PagemapTranslator) readEntry(pid int, page uint64) (uint64, error) {
	path := filepath.Join(t.root, strconv.Itoa(pid), "pagemap")
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(errdefs.ErrInvalidInput, "open %s: %v", path, err)
	}
	defer f.Close()

	var b [pagemapEntrySize]byte
	if _, err := f.ReadAt(b[:], int64(page*pagemapEntrySize)); err != nil {
		return 0, errors.Wrapf(errdefs.ErrBadState, "read %s entry %d: %v", path, page, err)
	}
	return binary.NativeEndian.Uint64(b[:]), nil
}
