package daemon

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/wire"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/vdev"
)

func runEngine(te *testEngine) chan error {
	done := make(chan error, 1)
	go func() { done <- te.Run(context.Background()) }()
	return done
}

func waitRun(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
		return nil
	}
}

func TestEngine_RegisterBoot(t *testing.T) {
	for _, workers := range []int{0, 2} {
		te := newTestEngine(t, workers, nil)
		done := runEngine(te)
		disk := writeDisk(t, 4096)

		rep := waitReply(t, te.submit(t, wire.RegisterVM(7, disk)))
		assert.NoError(t, rep.Err())

		rep = waitReply(t, te.submit(t, wire.BootVM(7)))
		assert.NoError(t, rep.Err())
		assert.Equal(t, 1, te.backends.Len())

		rep = waitReply(t, te.submit(t, wire.BootVM(7)))
		assert.Error(t, rep.Err())
		assert.Equal(t, 1, te.backends.Len())

		rep = waitReply(t, te.submit(t, wire.BootVM(99)))
		assert.Contains(t, rep.Error, "not registered")

		te.signals <- os.Interrupt
		assert.NoError(t, waitRun(t, done))
		assert.Equal(t, 0, te.backends.Len())
	}
}

func TestEngine_ConcurrentBootSameVM(t *testing.T) {
	mapper := newGatedMapper()
	te := newTestEngine(t, 4, mapper)
	done := runEngine(te)
	defer func() {
		te.signals <- os.Interrupt
		waitRun(t, done)
	}()

	require.NoError(t, waitReply(t, te.submit(t, wire.RegisterVM(3, writeDisk(t, 512)))).Err())

	first := te.submit(t, wire.BootVM(3))
	<-mapper.entered // first setup is in flight on the pool

	// the engine keeps serving while the setup blocks
	second := waitReply(t, te.submit(t, wire.BootVM(3)))
	assert.True(t, second.Failed)
	assert.Contains(t, second.Error, errdefs.ErrBackendExists.Error())

	list := waitReply(t, te.submit(t, wire.ListVMs()))
	require.Len(t, list.VMs, 1)
	assert.Equal(t, "booting", list.VMs[0].State)

	close(mapper.release)
	assert.NoError(t, waitReply(t, first).Err())
	assert.Equal(t, int32(1), mapper.calls.Load())

	list = waitReply(t, te.submit(t, wire.ListVMs()))
	assert.Equal(t, "running", list.VMs[0].State)
}

func TestEngine_DrainDispatchesQueued(t *testing.T) {
	te := newTestEngine(t, 1, nil)
	disk := writeDisk(t, 512)

	// queued before the engine runs, then the signal is already pending
	slots := []*ReplySlot{
		te.submit(t, wire.RegisterVM(1, disk)),
		te.submit(t, wire.BootVM(1)),
		te.submit(t, wire.RegisterVM(2, disk)),
	}
	stopped := false
	te.Engine.onTerminate = func() { stopped = true }

	done := runEngine(te)
	te.signals <- os.Interrupt
	require.NoError(t, waitRun(t, done))
	assert.True(t, stopped)

	for _, s := range slots {
		rep, ok := s.Wait(context.Background())
		require.True(t, ok)
		assert.NoError(t, rep.Err())
	}
	assert.Equal(t, 0, te.backends.Len(), "backends torn down")

	err := te.queue.Submit(context.Background(), Event{Request: wire.ListVMs(), Reply: NewReplySlot()})
	assert.True(t, errors.Is(err, errdefs.ErrQueueClosed))
}

func TestEngine_DrainWaitsForSetup(t *testing.T) {
	mapper := newGatedMapper()
	te := newTestEngine(t, 1, mapper)
	done := runEngine(te)

	require.NoError(t, waitReply(t, te.submit(t, wire.RegisterVM(5, writeDisk(t, 512)))).Err())
	boot := te.submit(t, wire.BootVM(5))
	<-mapper.entered

	te.signals <- os.Interrupt
	select {
	case <-done:
		t.Fatal("engine stopped with a setup in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(mapper.release)
	require.NoError(t, waitRun(t, done))
	assert.NoError(t, waitReply(t, boot).Err())
	assert.False(t, te.aborted.Load())
	assert.Equal(t, 0, te.backends.Len())
}

func TestEngine_SecondSignalAborts(t *testing.T) {
	mapper := newGatedMapper()
	te := newTestEngine(t, 1, mapper)
	done := runEngine(te)
	defer close(mapper.release)

	require.NoError(t, waitReply(t, te.submit(t, wire.RegisterVM(5, writeDisk(t, 512)))).Err())
	te.submit(t, wire.BootVM(5))
	<-mapper.entered

	te.signals <- os.Interrupt
	te.signals <- os.Interrupt

	err := waitRun(t, done)
	assert.True(t, errors.Is(err, ErrAborted))
	assert.True(t, te.aborted.Load())
}

func TestEngine_ContextCancelDrains(t *testing.T) {
	te := newTestEngine(t, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- te.Run(ctx) }()

	require.NoError(t, waitReply(t, te.submit(t, wire.RegisterVM(1, writeDisk(t, 512)))).Err())
	require.NoError(t, waitReply(t, te.submit(t, wire.BootVM(1))).Err())

	cancel()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, 0, te.backends.Len())
}

func TestEngine_ReplyToGoneClient(t *testing.T) {
	te := newTestEngine(t, 0, nil)
	done := runEngine(te)

	gone := te.submit(t, wire.RegisterVM(1, "/tmp/a.img"))
	gone.Abandon()

	// the next request is unaffected
	rep := waitReply(t, te.submit(t, wire.RegisterVM(1, "/tmp/b.img")))
	assert.Contains(t, rep.Error, errdefs.ErrAlreadyRegistered.Error())

	te.signals <- os.Interrupt
	require.NoError(t, waitRun(t, done))
}

func TestEngine_SubmitBlockIO(t *testing.T) {
	te := newTestEngine(t, 0, nil)
	done := runEngine(te)
	ctx := context.Background()

	require.NoError(t, waitReply(t, te.submit(t, wire.RegisterVM(1, writeDisk(t, 4*vdev.BlockSize)))).Err())
	require.NoError(t, waitReply(t, te.submit(t, wire.BootVM(1))).Err())

	assert.NoError(t, te.SubmitBlockIO(ctx, 1, vdev.BlockRequest{Type: vdev.RequestRead, Sector: 0, Count: 4}))
	assert.NoError(t, te.SubmitBlockIO(ctx, 1, vdev.BlockRequest{Type: vdev.RequestFlush}))

	err := te.SubmitBlockIO(ctx, 2, vdev.BlockRequest{Type: vdev.RequestRead, Count: 1})
	assert.True(t, errors.Is(err, errdefs.ErrUnknownVM))

	te.signals <- os.Interrupt
	require.NoError(t, waitRun(t, done))

	err = te.SubmitBlockIO(ctx, 1, vdev.BlockRequest{Type: vdev.RequestFlush})
	assert.True(t, errors.Is(err, errdefs.ErrQueueClosed))
}

func TestEngine_BlockIOOnPool(t *testing.T) {
	mapper := newGatedMapper()
	mapper.pass.Store(1)
	te := newTestEngine(t, 1, mapper)
	done := runEngine(te)
	ctx := context.Background()

	require.NoError(t, waitReply(t, te.submit(t, wire.RegisterVM(1, writeDisk(t, 4*vdev.BlockSize)))).Err())
	require.NoError(t, waitReply(t, te.submit(t, wire.BootVM(1))).Err())

	// the only worker is held by VM 2's setup
	require.NoError(t, waitReply(t, te.submit(t, wire.RegisterVM(2, writeDisk(t, 512)))).Err())
	boot2 := te.submit(t, wire.BootVM(2))
	<-mapper.entered

	ioDone := make(chan error, 1)
	go func() { ioDone <- te.SubmitBlockIO(ctx, 1, vdev.BlockRequest{Type: vdev.RequestFlush}) }()

	// the engine keeps dispatching while the sector request waits for a worker
	rep := waitReply(t, te.submit(t, wire.ListVMs()))
	assert.Len(t, rep.VMs, 2)
	select {
	case err := <-ioDone:
		t.Fatalf("sector request ran without a worker: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(mapper.release)
	assert.NoError(t, waitReply(t, boot2).Err())
	select {
	case err := <-ioDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sector request never completed")
	}

	te.signals <- os.Interrupt
	require.NoError(t, waitRun(t, done))
}

func TestEngine_Metrics(t *testing.T) {
	te := newTestEngine(t, 0, nil)
	m := NewMetrics(te.queue.Len)
	te.Engine.metrics = m
	done := runEngine(te)

	waitReply(t, te.submit(t, wire.RegisterVM(1, writeDisk(t, 512))))
	waitReply(t, te.submit(t, wire.BootVM(1)))
	waitReply(t, te.submit(t, wire.BootVM(1)))
	waitReply(t, te.submit(t, wire.ShutdownVM(9)))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("RegisterVM", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("BootVM", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("BootVM", "BackendAlreadyExists")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("ShutdownVM", "NotRegistered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backends))

	te.signals <- os.Interrupt
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.backends))
}
