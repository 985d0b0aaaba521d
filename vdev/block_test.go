package vdev

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
)

const testGPA = 0x8000_0000

// --- Fakes ---

type heapRegion struct {
	buf      []byte
	released bool
}

func (r *heapRegion) Bytes() []byte { return r.buf }
func (r *heapRegion) Addr() uintptr { return uintptr(unsafe.Pointer(&r.buf[0])) }
func (r *heapRegion) Release() error {
	r.released = true
	return nil
}

// flakyRegion loses every write.
type flakyRegion struct {
	size     int
	released bool
}

func (r *flakyRegion) Bytes() []byte { return make([]byte, r.size) }
func (r *flakyRegion) Addr() uintptr { return 0x7000_0000 }
func (r *flakyRegion) Release() error {
	r.released = true
	return nil
}

type fakeMapper struct {
	regions []Region
	flaky   bool
}

func (m *fakeMapper) Map(size int) (Region, error) {
	var r Region
	if m.flaky {
		r = &flakyRegion{size: size}
	} else {
		r = &heapRegion{buf: make([]byte, size)}
	}
	m.regions = append(m.regions, r)
	return r, nil
}

type fakeTranslator struct {
	err error
}

func (t fakeTranslator) Translate(vaddr uintptr) (uint64, error) {
	if t.err != nil {
		return 0, t.err
	}
	return testGPA, nil
}

func newTestBackends(t *testing.T, m Mapper, tr Translator) *Backends {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return NewBackends(Options{
		CacheSize:  8 * BlockSize,
		Mapper:     m,
		Translator: tr,
		Log:        logrus.NewEntry(logger),
	})
}

func writeDisk(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// --- Setup ---

func TestSetup_Success(t *testing.T) {
	m := &fakeMapper{}
	b := newTestBackends(t, m, fakeTranslator{})
	path := writeDisk(t, make([]byte, 1000))

	require.NoError(t, b.Setup(context.Background(), 7, path, false))

	cfg, ok := b.Config(7)
	require.True(t, ok)
	assert.Equal(t, uint64(7), cfg.VMID)
	assert.Equal(t, uint64(2), cfg.BlockNum) // ceil(1000/512)
	assert.Equal(t, uint64(8), cfg.DMABlockMax)
	assert.Equal(t, uint64(8*BlockSize), cfg.CacheSize)
	assert.Equal(t, uint64(testGPA), cfg.CacheGPA)
	assert.Equal(t, uint64(m.regions[0].Addr()), cfg.CacheGVA)
	assert.Equal(t, uint64(0xdeadbeef), cfg.CacheHPA)

	// self-test leaves the cache zeroed
	assert.Equal(t, make([]byte, 8*BlockSize), m.regions[0].Bytes())
	assert.Equal(t, 1, b.Len())
}

func TestSetup_EmptyDrive(t *testing.T) {
	b := newTestBackends(t, &fakeMapper{}, fakeTranslator{})
	require.NoError(t, b.Setup(context.Background(), 1, writeDisk(t, nil), false))

	cfg, _ := b.Config(1)
	assert.Equal(t, uint64(0), cfg.BlockNum)
}

func TestSetup_Duplicate(t *testing.T) {
	m := &fakeMapper{}
	b := newTestBackends(t, m, fakeTranslator{})
	path := writeDisk(t, make([]byte, 4096))

	require.NoError(t, b.Setup(context.Background(), 7, path, false))
	first, _ := b.Config(7)

	err := b.Setup(context.Background(), 7, path, false)
	assert.True(t, errors.Is(err, errdefs.ErrBackendExists))

	second, _ := b.Config(7)
	assert.Equal(t, first, second)
	assert.Len(t, m.regions, 1)
	assert.False(t, m.regions[0].(*heapRegion).released)
}

func TestSetup_MissingFile(t *testing.T) {
	m := &fakeMapper{}
	b := newTestBackends(t, m, fakeTranslator{})

	err := b.Setup(context.Background(), 3, filepath.Join(t.TempDir(), "nope.img"), false)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidInput))
	assert.Contains(t, err.Error(), "nope.img")
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, m.regions)
}

func TestSetup_SelfTestFailure(t *testing.T) {
	m := &fakeMapper{flaky: true}
	b := newTestBackends(t, m, fakeTranslator{})

	err := b.Setup(context.Background(), 5, writeDisk(t, make([]byte, 512)), false)
	assert.True(t, errors.Is(err, errdefs.ErrBadState))
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Exists(5))
	require.Len(t, m.regions, 1)
	assert.True(t, m.regions[0].(*flakyRegion).released)
}

func TestSetup_TranslateFailure(t *testing.T) {
	for _, sentinel := range []error{errdefs.ErrPermissionDenied, errdefs.ErrBadState} {
		m := &fakeMapper{}
		b := newTestBackends(t, m, fakeTranslator{err: errors.Wrap(sentinel, "pagemap")})

		err := b.Setup(context.Background(), 9, writeDisk(t, make([]byte, 512)), false)
		assert.True(t, errors.Is(err, sentinel))
		assert.Equal(t, 0, b.Len())
		assert.True(t, m.regions[0].(*heapRegion).released)
	}
}

func TestSetup_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := newTestBackends(t, &fakeMapper{}, fakeTranslator{})
	assert.ErrorIs(t, b.Setup(ctx, 1, writeDisk(t, nil), false), context.Canceled)
}

func TestSetup_Observe(t *testing.T) {
	var observed []time.Duration
	logger, _ := test.NewNullLogger()
	b := NewBackends(Options{
		CacheSize:  8 * BlockSize,
		Mapper:     &fakeMapper{},
		Translator: fakeTranslator{},
		Log:        logrus.NewEntry(logger),
		Observe:    func(d time.Duration) { observed = append(observed, d) },
	})

	require.NoError(t, b.Setup(context.Background(), 1, writeDisk(t, nil), false))
	assert.Error(t, b.Setup(context.Background(), 1, writeDisk(t, nil), false))
	assert.Len(t, observed, 1)
}

// --- Remove / Close ---

func TestRemove(t *testing.T) {
	m := &fakeMapper{}
	b := newTestBackends(t, m, fakeTranslator{})
	require.NoError(t, b.Setup(context.Background(), 7, writeDisk(t, make([]byte, 512)), false))
	blk := b.blocks[7]

	require.NoError(t, b.Remove(7))
	assert.False(t, b.Exists(7))
	assert.True(t, m.regions[0].(*heapRegion).released)
	_, err := blk.Drive.File.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)

	err = b.Remove(7)
	assert.True(t, errors.Is(err, errdefs.ErrUnknownVM))
}

func TestClose(t *testing.T) {
	m := &fakeMapper{}
	b := newTestBackends(t, m, fakeTranslator{})
	for vmid := uint64(1); vmid <= 3; vmid++ {
		require.NoError(t, b.Setup(context.Background(), vmid, writeDisk(t, nil), false))
	}
	assert.Equal(t, []uint64{1, 2, 3}, b.VMIDs())

	require.NoError(t, b.Close())
	assert.Equal(t, 0, b.Len())
	for _, r := range m.regions {
		assert.True(t, r.(*heapRegion).released)
	}
}

func TestRemove_StaleBlock(t *testing.T) {
	b := newTestBackends(t, &fakeMapper{}, fakeTranslator{})
	require.NoError(t, b.Setup(context.Background(), 7, writeDisk(t, make([]byte, 4*BlockSize)), false))
	blk := b.blocks[7] // looked up before the removal

	require.NoError(t, b.Remove(7))
	err := blk.rwSectors(BlockRequest{Type: RequestRead, Sector: 0, Count: 1})
	assert.True(t, errors.Is(err, errdefs.ErrUnknownVM), "got %v", err)
	assert.NoError(t, blk.release())
}

func TestRWSectors_ConcurrentRemove(t *testing.T) {
	b := newTestBackends(t, &fakeMapper{}, fakeTranslator{})
	require.NoError(t, b.Setup(context.Background(), 7, writeDisk(t, make([]byte, 8*BlockSize)), false))

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < cap(errs); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			typ := RequestRead
			if i%2 == 1 {
				typ = RequestWrite
			}
			errs <- b.RWSectors(7, BlockRequest{Type: typ, Sector: uint64(i % 8), Count: 1})
		}(i)
	}
	require.NoError(t, b.Remove(7))
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			assert.True(t, errors.Is(err, errdefs.ErrUnknownVM), "got %v", err)
		}
	}
	err := b.RWSectors(7, BlockRequest{Type: RequestFlush})
	assert.True(t, errors.Is(err, errdefs.ErrUnknownVM))
}

// --- Sector I/O ---

func TestRWSectors(t *testing.T) {
	m := &fakeMapper{}
	b := newTestBackends(t, m, fakeTranslator{})
	disk := bytes.Repeat([]byte{0x11}, 4*BlockSize)
	path := writeDisk(t, disk)
	require.NoError(t, b.Setup(context.Background(), 7, path, false))
	cache := m.regions[0].Bytes()

	// write sectors 1..2 from the cache
	copy(cache, bytes.Repeat([]byte{0xab}, 2*BlockSize))
	require.NoError(t, b.RWSectors(7, BlockRequest{Type: RequestWrite, Sector: 1, Count: 2}))
	require.NoError(t, b.RWSectors(7, BlockRequest{Type: RequestFlush}))

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, disk[:BlockSize], onDisk[:BlockSize])
	assert.Equal(t, bytes.Repeat([]byte{0xab}, 2*BlockSize), onDisk[BlockSize:3*BlockSize])
	assert.Equal(t, disk[3*BlockSize:], onDisk[3*BlockSize:])

	// read sectors 0..3 back into the cache
	clear(cache)
	require.NoError(t, b.RWSectors(7, BlockRequest{Type: RequestRead, Sector: 0, Count: 4}))
	assert.Equal(t, onDisk, cache[:4*BlockSize])
}

func TestRWSectors_ShortLastSector(t *testing.T) {
	m := &fakeMapper{}
	b := newTestBackends(t, m, fakeTranslator{})
	require.NoError(t, b.Setup(context.Background(), 1, writeDisk(t, bytes.Repeat([]byte{0x22}, 600)), false))
	cache := m.regions[0].Bytes()
	for i := range cache {
		cache[i] = 0xff
	}

	require.NoError(t, b.RWSectors(1, BlockRequest{Type: RequestRead, Sector: 1, Count: 1}))
	assert.Equal(t, bytes.Repeat([]byte{0x22}, 88), cache[:88])
	assert.Equal(t, make([]byte, BlockSize-88), cache[88:BlockSize])
}

func TestRWSectors_Invalid(t *testing.T) {
	b := newTestBackends(t, &fakeMapper{}, fakeTranslator{})
	require.NoError(t, b.Setup(context.Background(), 1, writeDisk(t, make([]byte, 16*BlockSize)), false))

	tests := []struct {
		name string
		req  BlockRequest
	}{
		{"zero count", BlockRequest{Type: RequestRead, Sector: 0, Count: 0}},
		{"beyond dma max", BlockRequest{Type: RequestRead, Sector: 0, Count: 9}},
		{"beyond drive", BlockRequest{Type: RequestWrite, Sector: 12, Count: 8}},
		{"start past end", BlockRequest{Type: RequestRead, Sector: 16, Count: 1}},
		{"unknown type", BlockRequest{Type: 3, Sector: 0, Count: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.RWSectors(1, tt.req)
			assert.True(t, errors.Is(err, errdefs.ErrInvalidInput), "got %v", err)
		})
	}

	err := b.RWSectors(2, BlockRequest{Type: RequestRead, Count: 1})
	assert.True(t, errors.Is(err, errdefs.ErrUnknownVM))
}

func TestRWSectors_GetID(t *testing.T) {
	m := &fakeMapper{}
	b := newTestBackends(t, m, fakeTranslator{})
	require.NoError(t, b.Setup(context.Background(), 1, writeDisk(t, nil), false))

	require.NoError(t, b.RWSectors(1, BlockRequest{Type: RequestGetID}))
	want := make([]byte, SerialSize)
	copy(want, "disk.img")
	assert.Equal(t, want, m.regions[0].Bytes()[:SerialSize])
}

// --- Real mappings ---

func TestAnonMapper(t *testing.T) {
	m := &AnonMapper{}
	r, err := m.Map(2 * pageSize)
	require.NoError(t, err)

	assert.Len(t, r.Bytes(), 2*pageSize)
	assert.Zero(t, r.Addr()%uintptr(pageSize))
	require.NoError(t, verifyCache(r))
	require.NoError(t, r.Release())
	require.NoError(t, r.Release())

	_, err = m.Map(pageSize + 1)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidInput))
	_, err = m.Map(0)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidInput))
}

func TestPagemapTranslator(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "4242"), 0o755))
	require.NoError(t, os.Symlink("4242", filepath.Join(root, "self")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "4242", "maps"),
		[]byte("00400000-00600000 rw-p 00000000 00:00 0 \n"), 0o644))

	ps := uint64(pageSize)
	base := uint64(0x400000)
	resident := base + 0x123
	zeroPFN := base + ps
	absent := base + 2*ps

	entries := map[uint64]uint64{
		resident / ps: pagemapPresent | 0x1234,
		zeroPFN / ps:  pagemapPresent,
		absent / ps:   0x1234,
	}
	f, err := os.Create(filepath.Join(root, "4242", "pagemap"))
	require.NoError(t, err)
	for page, entry := range entries {
		var b [8]byte
		binary.NativeEndian.PutUint64(b[:], entry)
		_, err := f.WriteAt(b[:], int64(page*8))
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	tr := NewPagemapTranslator(root)

	pa, err := tr.Translate(uintptr(resident))
	require.NoError(t, err)
	assert.Equal(t, 0x1234*ps+0x123, pa)

	_, err = tr.Translate(uintptr(zeroPFN))
	assert.True(t, errors.Is(err, errdefs.ErrPermissionDenied))
	assert.Contains(t, err.Error(), "CAP_SYS_ADMIN")

	_, err = tr.Translate(uintptr(absent))
	assert.True(t, errors.Is(err, errdefs.ErrBadState))

	_, err = tr.Translate(0x700000)
	assert.True(t, errors.Is(err, errdefs.ErrBadState))
}
