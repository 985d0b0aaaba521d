package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/wire"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/vdev"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/vmm"
)

// fakeGPA pretends every page is resident at a fixed physical offset.
var fakeGPA = vdev.TranslatorFunc(func(vaddr uintptr) (uint64, error) {
	return uint64(vaddr) | 1<<44, nil
})

func testCacheSize() int { return 16 * os.Getpagesize() }

func nullLog() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

// gatedMapper blocks every Map after the first pass calls until release is
// closed.
type gatedMapper struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
	pass    atomic.Int32
}

func newGatedMapper() *gatedMapper {
	return &gatedMapper{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (m *gatedMapper) Map(size int) (vdev.Region, error) {
	if m.calls.Add(1) > m.pass.Load() {
		m.entered <- struct{}{}
		<-m.release
	}
	return (&vdev.AnonMapper{}).Map(size)
}

type testEngine struct {
	*Engine
	queue    *Queue
	registry *vmm.Registry
	backends *vdev.Backends
	sessions *SessionRegistry
	signals  chan os.Signal
	aborted  atomic.Bool
}

func newTestEngine(t *testing.T, workers int, mapper vdev.Mapper) *testEngine {
	t.Helper()
	if mapper == nil {
		mapper = &vdev.AnonMapper{}
	}
	te := &testEngine{
		queue:    NewQueue(DefaultQueueDepth),
		sessions: NewSessionRegistry(),
		signals:  make(chan os.Signal, 2),
	}
	te.backends = vdev.NewBackends(vdev.Options{
		CacheSize:  testCacheSize(),
		Mapper:     mapper,
		Translator: fakeGPA,
		Log:        nullLog(),
	})
	reg, err := vmm.New(vmm.Config{Backends: te.backends, Log: nullLog()})
	require.NoError(t, err)
	te.registry = reg
	te.Engine = NewEngine(EngineConfig{
		Queue:        te.queue,
		Registry:     reg,
		Backends:     te.backends,
		Sessions:     te.sessions,
		Signals:      te.signals,
		SetupWorkers: workers,
		Abort:        func() { te.aborted.Store(true) },
		Log:          nullLog(),
	})
	return te
}

// submit queues req and returns its reply slot.
func (te *testEngine) submit(t *testing.T, req *wire.Request) *ReplySlot {
	t.Helper()
	slot := NewReplySlot()
	require.NoError(t, te.queue.Submit(context.Background(), Event{ID: t.Name(), Request: req, Reply: slot}))
	return slot
}

func waitReply(t *testing.T, slot *ReplySlot) *wire.Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, ok := slot.Wait(ctx)
	require.True(t, ok, "no reply")
	return rep
}

func writeDisk(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

// startServer runs a daemon on loopback ports. The returned stop delivers
// one terminate signal and waits for Run; it also runs at cleanup.
func startServer(t *testing.T, cfg Config, opts Options) (*Server, func() error) {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	if cfg.CacheSize == 0 {
		cfg.CacheSize = testCacheSize()
	}
	sig := make(chan os.Signal, 2)
	opts.Signals = sig
	if opts.Mapper == nil {
		opts.Mapper = &vdev.AnonMapper{}
	}
	if opts.Translator == nil {
		opts.Translator = fakeGPA
	}
	if opts.Abort == nil {
		opts.Abort = func() {}
	}
	opts.Log = nullLog()

	srv, err := New(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	var (
		once   sync.Once
		runErr error
	)
	stop := func() error {
		once.Do(func() {
			sig <- os.Interrupt
			select {
			case runErr = <-done:
			case <-time.After(5 * time.Second):
				runErr = errors.New("server did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() {
		if err := stop(); err != nil {
			t.Error(err)
		}
	})
	return srv, stop
}

// dial opens a raw protocol connection.
func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func rpc(t *testing.T, c net.Conn, req *wire.Request) *wire.Reply {
	t.Helper()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, wire.WriteRequest(c, req))
	rep, err := wire.ReadReply(c)
	require.NoError(t, err)
	require.NotNil(t, rep, "connection closed")
	return rep
}
