// Package vdev implements the emulated block backends the daemon prepares for
// each guest: a backing drive file plus a resident, physically addressable
// cache the hypervisor reads and writes directly.
package vdev

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
)

const (
	// BlockSize is the sector size exposed to guests.
	BlockSize = 512
	// DefaultCacheSize is one 2 MiB huge-page-class region.
	DefaultCacheSize = 2 << 20
	// SerialSize is the length of the GetID answer.
	SerialSize = 20

	// Written by the hypervisor once it maps the cache.
	cacheHPAPlaceholder = 0xdeadbeef
)

// BlockConfig is the per-VM configuration block shared with the hypervisor.
// The layout is fixed: seven little-endian machine words.
type BlockConfig struct {
	VMID        uint64
	BlockNum    uint64
	DMABlockMax uint64
	CacheSize   uint64
	CacheGVA    uint64
	CacheGPA    uint64
	CacheHPA    uint64
}

// DriveFile is one opened backing file.
type DriveFile struct {
	VMID   uint64
	File   *os.File
	Path   string
	Direct bool
}

// EmulatedBlock couples a config block with its drive and cache.
type EmulatedBlock struct {
	Config BlockConfig
	Drive  DriveFile

	// mu serializes sector I/O with release; the cache holds one request.
	mu     sync.Mutex
	closed bool
	cache  Region
}

// RequestType is a sector request kind, numbered like virtio-blk.
type RequestType uint32

const (
	RequestRead  RequestType = 0
	RequestWrite RequestType = 1
	RequestFlush RequestType = 4
	RequestGetID RequestType = 8
)

func (t RequestType) String() string {
	switch t {
	case RequestRead:
		return "read"
	case RequestWrite:
		return "write"
	case RequestFlush:
		return "flush"
	case RequestGetID:
		return "get-id"
	default:
		return "unknown"
	}
}

// BlockRequest asks for Count sectors starting at Sector to be moved between
// the drive file and the start of the cache.
type BlockRequest struct {
	Type   RequestType
	Sector uint64
	Count  uint64
}

// Region is a mapped cache.
type Region interface {
	Bytes() []byte
	Addr() uintptr
	Release() error
}

// Mapper allocates cache regions.
type Mapper interface {
	Map(size int) (Region, error)
}

// Translator resolves a virtual address of this process to a physical one.
type Translator interface {
	Translate(vaddr uintptr) (uint64, error)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(vaddr uintptr) (uint64, error)

func (f TranslatorFunc) Translate(vaddr uintptr) (uint64, error) { return f(vaddr) }

// Options configures Backends. Zero values select the defaults.
type Options struct {
	CacheSize  int
	Mapper     Mapper
	Translator Translator
	Log        *logrus.Entry

	// Observe, if set, is called with the duration of every successful Setup.
	Observe func(time.Duration)
}

// Backends is the collection of emulated blocks, keyed by vmid.
// Mutations are expected from a single dispatcher; the mutex only protects
// the map for observers and is never held across I/O.
type Backends struct {
	mu     sync.Mutex
	blocks map[uint64]*EmulatedBlock

	cacheSize  int
	mapper     Mapper
	translator Translator
	observe    func(time.Duration)
	log        *logrus.Entry
}

// NewBackends returns an empty collection.
func NewBackends(opts Options) *Backends {
	b := &Backends{
		blocks:     make(map[uint64]*EmulatedBlock),
		cacheSize:  opts.CacheSize,
		mapper:     opts.Mapper,
		translator: opts.Translator,
		observe:    opts.Observe,
		log:        opts.Log,
	}
	if b.cacheSize <= 0 {
		b.cacheSize = DefaultCacheSize
	}
	if b.mapper == nil {
		b.mapper = &AnonMapper{Lock: true}
	}
	if b.translator == nil {
		b.translator = NewPagemapTranslator("")
	}
	if b.log == nil {
		b.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return b
}

// Setup opens path, prepares a verified cache for vmid and records the
// resulting backend. Nothing is recorded on failure and every resource
// acquired so far is released.
func (b *Backends) Setup(ctx context.Context, vmid uint64, path string, direct bool) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	log := b.log.WithFields(logrus.Fields{"vmid": vmid, "path": path, "direct": direct})
	log.Info("set up emulated block")

	if b.Exists(vmid) {
		return errors.Wrapf(errdefs.ErrBackendExists, "VM [%d]", vmid)
	}

	// 1. Drive file
	f, err := openDrive(path, direct)
	if err != nil {
		return errors.Wrapf(errdefs.ErrInvalidInput, "open %s for VM [%d]: %v", path, vmid, err)
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	// 2. Geometry
	fi, err := f.Stat()
	if err != nil {
		return errors.Wrapf(errdefs.ErrInvalidInput, "stat %s: %v", path, err)
	}
	blockNum := (uint64(fi.Size()) + BlockSize - 1) / BlockSize

	// 3. Cache
	region, err := b.mapper.Map(b.cacheSize)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rerr := region.Release(); rerr != nil {
				log.WithError(rerr).Warn("release cache")
			}
		}
	}()

	// 4. Self-test
	if err = verifyCache(region); err != nil {
		return errors.Wrapf(err, "VM [%d]", vmid)
	}

	// 5. Physical address
	gva := region.Addr()
	gpa, err := b.translator.Translate(gva)
	if err != nil {
		return errors.Wrapf(err, "resolve cache address %#x for VM [%d]", gva, vmid)
	}

	// 6. Config block
	blk := &EmulatedBlock{
		Config: BlockConfig{
			VMID:        vmid,
			BlockNum:    blockNum,
			DMABlockMax: uint64(b.cacheSize) / BlockSize,
			CacheSize:   uint64(b.cacheSize),
			CacheGVA:    uint64(gva),
			CacheGPA:    gpa,
			CacheHPA:    cacheHPAPlaceholder,
		},
		Drive: DriveFile{VMID: vmid, File: f, Path: path, Direct: direct},
		cache: region,
	}

	// 7. Record
	b.mu.Lock()
	if _, ok := b.blocks[vmid]; ok {
		b.mu.Unlock()
		err = errors.Wrapf(errdefs.ErrBackendExists, "VM [%d]", vmid)
		return err
	}
	b.blocks[vmid] = blk
	b.mu.Unlock()

	if b.observe != nil {
		b.observe(time.Since(start))
	}
	log.WithFields(logrus.Fields{
		"blocks": blockNum,
		"gva":    blk.Config.CacheGVA,
		"gpa":    blk.Config.CacheGPA,
	}).Info("emulated block ready")
	return nil
}

// verifyCache writes random bytes through the mapping, reads them back and
// leaves the cache zeroed.
func verifyCache(r Region) error {
	size := len(r.Bytes())
	pattern := make([]byte, size)
	if _, err := rand.Read(pattern); err != nil {
		return errors.Wrapf(errdefs.ErrBadState, "generate test pattern: %v", err)
	}
	copy(r.Bytes(), pattern)
	if !bytes.Equal(r.Bytes(), pattern) {
		return errors.Wrapf(errdefs.ErrBadState, "cache of %d bytes is invalid", size)
	}
	clear(r.Bytes())
	return nil
}

// Remove releases the cache and drive of vmid and forgets it.
func (b *Backends) Remove(vmid uint64) error {
	b.mu.Lock()
	blk, ok := b.blocks[vmid]
	delete(b.blocks, vmid)
	b.mu.Unlock()
	if !ok {
		return errors.Wrapf(errdefs.ErrUnknownVM, "remove VM [%d]", vmid)
	}
	return blk.release()
}

// release waits for the request in flight, if any, then frees the block.
func (blk *EmulatedBlock) release() error {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	if blk.closed {
		return nil
	}
	blk.closed = true

	cerr := blk.cache.Release()
	ferr := blk.Drive.File.Close()
	if cerr != nil {
		return errors.Wrapf(cerr, "release cache of VM [%d]", blk.Config.VMID)
	}
	if ferr != nil {
		return errors.Wrapf(ferr, "close %s", blk.Drive.Path)
	}
	return nil
}

// Close removes every backend. The first error is returned; the rest are
// logged.
func (b *Backends) Close() error {
	var first error
	for _, vmid := range b.VMIDs() {
		if err := b.Remove(vmid); err != nil {
			if first == nil {
				first = err
				continue
			}
			b.log.WithError(err).WithField("vmid", vmid).Warn("tear down emulated block")
		}
	}
	return first
}

// Exists reports whether vmid has a backend.
func (b *Backends) Exists(vmid uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocks[vmid]
	return ok
}

// Config returns a copy of vmid's config block.
func (b *Backends) Config(vmid uint64) (BlockConfig, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blk, ok := b.blocks[vmid]
	if !ok {
		return BlockConfig{}, false
	}
	return blk.Config, true
}

// Len returns the number of live backends.
func (b *Backends) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blocks)
}

// VMIDs returns the vmids with a backend, sorted.
func (b *Backends) VMIDs() []uint64 {
	b.mu.Lock()
	ids := make([]uint64, 0, len(b.blocks))
	for id := range b.blocks {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// --- Sector I/O ---

// RWSectors moves sectors between vmid's drive file and the start of its
// cache. Offsets and lengths are sector multiples and the cache is page
// aligned, which satisfies O_DIRECT.
func (b *Backends) RWSectors(vmid uint64, req BlockRequest) error {
	b.mu.Lock()
	blk, ok := b.blocks[vmid]
	b.mu.Unlock()
	if !ok {
		return errors.Wrapf(errdefs.ErrUnknownVM, "VM [%d]", vmid)
	}
	return blk.rwSectors(req)
}

func (blk *EmulatedBlock) rwSectors(req BlockRequest) error {
	blk.mu.Lock()
	defer blk.mu.Unlock()
	if blk.closed {
		return errors.Wrapf(errdefs.ErrUnknownVM, "VM [%d] removed", blk.Config.VMID)
	}

	cfg := blk.Config
	switch req.Type {
	case RequestFlush:
		if err := blk.Drive.File.Sync(); err != nil {
			return errors.Wrapf(err, "flush %s", blk.Drive.Path)
		}
		return nil
	case RequestGetID:
		copy(blk.cache.Bytes()[:SerialSize], serial(blk.Drive.Path))
		return nil
	case RequestRead, RequestWrite:
	default:
		return errors.Wrapf(errdefs.ErrInvalidInput, "request type %d", req.Type)
	}

	if req.Count == 0 || req.Count > cfg.DMABlockMax {
		return errors.Wrapf(errdefs.ErrInvalidInput, "sector count %d not in [1, %d]", req.Count, cfg.DMABlockMax)
	}
	if req.Sector >= cfg.BlockNum || req.Count > cfg.BlockNum-req.Sector {
		return errors.Wrapf(errdefs.ErrInvalidInput, "sectors [%d, +%d) beyond %d", req.Sector, req.Count, cfg.BlockNum)
	}

	buf := blk.cache.Bytes()[:req.Count*BlockSize]
	off := int64(req.Sector * BlockSize)

	if req.Type == RequestWrite {
		if _, err := blk.Drive.File.WriteAt(buf, off); err != nil {
			return errors.Wrapf(err, "write %s at sector %d", blk.Drive.Path, req.Sector)
		}
		return nil
	}

	n, err := blk.Drive.File.ReadAt(buf, off)
	if err != nil && err != io.EOF { //nolint:errorlint
		return errors.Wrapf(err, "read %s at sector %d", blk.Drive.Path, req.Sector)
	}
	// last sector of a file whose size is not a sector multiple
	clear(buf[n:])
	return nil
}

// serial is the NUL padded device id reported for GetID.
func serial(path string) []byte {
	id := make([]byte, SerialSize)
	copy(id, filepath.Base(path))
	return id
}
