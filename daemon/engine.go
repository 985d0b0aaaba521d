package daemon

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/wire"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/vdev"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/vmm"
)

// ErrAborted is returned by Run when a second terminate signal arrived
// during the drain and Abort returned.
var ErrAborted = errors.New("event engine aborted")

// DefaultSessionDrainTimeout bounds how long the drain waits for a session to
// deliver its last reply before closing it.
const DefaultSessionDrainTimeout = 5 * time.Second

// EngineConfig wires an Engine to its collaborators.
type EngineConfig struct {
	Queue    *Queue
	Registry *vmm.Registry
	Backends *vdev.Backends
	Sessions *SessionRegistry

	// Signals is the terminate source.
	Signals <-chan os.Signal

	// SetupWorkers bounds concurrent backend setups and block I/O. Zero runs
	// both inline on the engine.
	SetupWorkers int

	// SessionDrainTimeout bounds the final reply delivery of each session
	// during the drain. Defaults to DefaultSessionDrainTimeout.
	SessionDrainTimeout time.Duration

	// OnTerminate stops accepting connections. Called once, first thing in
	// the drain.
	OnTerminate func()

	// Abort ends the process on a second terminate signal. Defaults to
	// os.Exit(130).
	Abort func()

	Metrics *Metrics
	Log     *logrus.Entry
}

type setupDone struct {
	ev   Event
	err  error
	took time.Duration
}

type blockIO struct {
	vmid uint64
	req  vdev.BlockRequest
	done chan error
}

// Engine is the daemon's single consumer. It handles one event at a time;
// only the blocking part of a boot and sector I/O run elsewhere, on a bounded
// pool. A boot's result comes back as an event.
type Engine struct {
	queue    *Queue
	registry *vmm.Registry
	backends *vdev.Backends
	sessions *SessionRegistry
	signals  <-chan os.Signal

	sem         *semaphore.Weighted
	completions chan setupDone
	running     int // offloaded setups, engine goroutine only

	blockIO chan blockIO
	stopped chan struct{}

	sessionDrain time.Duration

	onTerminate func()
	abort       func()
	metrics     *Metrics
	log         *logrus.Entry
}

// NewEngine builds an engine from cfg.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		queue:        cfg.Queue,
		registry:     cfg.Registry,
		backends:     cfg.Backends,
		sessions:     cfg.Sessions,
		signals:      cfg.Signals,
		completions:  make(chan setupDone),
		blockIO:      make(chan blockIO),
		stopped:      make(chan struct{}),
		sessionDrain: cfg.SessionDrainTimeout,
		onTerminate:  cfg.OnTerminate,
		abort:        cfg.Abort,
		metrics:      cfg.Metrics,
		log:          cfg.Log,
	}
	if cfg.SetupWorkers > 0 {
		e.sem = semaphore.NewWeighted(int64(cfg.SetupWorkers))
	}
	if e.sessionDrain <= 0 {
		e.sessionDrain = DefaultSessionDrainTimeout
	}
	if e.abort == nil {
		e.abort = func() { os.Exit(130) }
	}
	if e.log == nil {
		e.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return e
}

// Run dispatches events until a terminate signal or ctx cancellation, then
// drains and tears down. It returns nil after a graceful drain.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	e.log.Info("event engine started")

	for {
		select {
		case ev := <-e.queue.Events():
			e.dispatch(ctx, ev)
		case c := <-e.completions:
			e.complete(c)
		case b := <-e.blockIO:
			e.rwSectors(ctx, b)
		case sig := <-e.signals:
			e.log.WithField("signal", sig).Info("terminate requested, draining (repeat to abort)")
			return e.drain(ctx)
		case <-ctx.Done():
			e.log.Info("context cancelled, draining")
			return e.drain(ctx)
		}
	}
}

// drain stops intake, finishes everything already accepted and releases all
// backends. A second signal aborts.
func (e *Engine) drain(ctx context.Context) error {
	// 1. Stop accepting connections
	if e.onTerminate != nil {
		e.onTerminate()
	}

	// 2. Refuse new submissions
	e.queue.Close()
	idle := e.queue.Idle()
	events := e.queue.Events()

	// 3. Dispatch what was accepted, wait for offloaded setups
	for events != nil || e.running > 0 {
		select {
		case ev := <-events:
			e.dispatch(ctx, ev)
		case <-idle:
			e.flush(ctx)
			events, idle = nil, nil
		case c := <-e.completions:
			e.complete(c)
		case b := <-e.blockIO:
			e.rwSectors(ctx, b)
		case sig := <-e.signals:
			e.log.WithField("signal", sig).Warn("second terminate signal, aborting")
			e.abort()
			return ErrAborted
		}
	}

	// 4. Tear down backends and sessions
	if err := e.backends.Close(); err != nil {
		e.log.WithError(err).Warn("tear down emulated blocks")
	}
	if e.metrics != nil {
		e.metrics.backends.Set(0)
	}
	// every accepted request has its reply in a slot; let the sessions send
	// them before closing
	if e.sessions != nil {
		if ids := e.sessions.List(); len(ids) > 0 {
			e.log.WithField("sessions", ids).Info("closing sessions")
		}
		if err := e.sessions.Shutdown(e.sessionDrain); err != nil {
			e.log.WithError(err).Warn("close sessions")
		}
	}
	e.log.Info("event engine stopped")
	return nil
}

// flush dispatches events left in a closed, idle queue.
func (e *Engine) flush(ctx context.Context) {
	for {
		select {
		case ev := <-e.queue.Events():
			e.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, ev Event) {
	req := ev.Request
	log := e.log.WithFields(logrus.Fields{"request-id": ev.ID, "op": req.Op(), "vmid": req.VMID})
	log.Debug("dispatch")

	// dequeued requests run to completion
	ctx = context.WithoutCancel(ctx)
	if req.Type == wire.TbootVM && e.sem != nil {
		e.bootAsync(ctx, ev, log)
		return
	}
	rep, err := e.registry.Handle(ctx, req)
	e.reply(ev, rep, err, log)
}

// bootAsync reserves the vmid here and runs the setup on the pool. The
// reservation makes a concurrent boot of the same vmid fail immediately.
func (e *Engine) bootAsync(ctx context.Context, ev Event, log *logrus.Entry) {
	vmid := ev.Request.VMID
	path, err := e.registry.BeginBoot(vmid)
	if err != nil {
		e.reply(ev, wire.Result(err), err, log)
		return
	}

	e.running++
	go func() {
		start := time.Now()
		err := e.sem.Acquire(ctx, 1)
		if err == nil {
			err = e.registry.Setup(ctx, vmid, path)
			e.sem.Release(1)
		}
		e.completions <- setupDone{ev: ev, err: err, took: time.Since(start)}
	}()
}

func (e *Engine) complete(c setupDone) {
	e.running--
	e.registry.FinishBoot(c.ev.Request.VMID)
	log := e.log.WithFields(logrus.Fields{
		"request-id": c.ev.ID,
		"op":         c.ev.Request.Op(),
		"vmid":       c.ev.Request.VMID,
		"took":       c.took,
	})
	e.reply(c.ev, wire.Result(c.err), c.err, log)
}

// reply sends rep and counts it under the error kind of err.
func (e *Engine) reply(ev Event, rep *wire.Reply, err error, log *logrus.Entry) {
	if rep.Failed {
		log = log.WithField("error", rep.Error)
		log.Info("request failed")
	}
	if e.metrics != nil {
		e.metrics.requests.WithLabelValues(ev.Request.Op(), resultLabel(rep, err)).Inc()
		e.metrics.backends.Set(float64(e.backends.Len()))
	}
	if err := ev.Reply.Send(rep); err != nil {
		log.WithError(err).Warn("reply discarded")
	}
}

func resultLabel(rep *wire.Reply, err error) string {
	if !rep.Failed {
		return "ok"
	}
	if k := errdefs.Kind(err); k != "" {
		return k
	}
	return "error"
}

// rwSectors runs a sector request on the worker pool when there is one. The
// emulated block serializes its own I/O against removal.
func (e *Engine) rwSectors(ctx context.Context, b blockIO) {
	if e.sem == nil {
		b.done <- e.backends.RWSectors(b.vmid, b.req)
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			b.done <- err
			return
		}
		defer e.sem.Release(1)
		b.done <- e.backends.RWSectors(b.vmid, b.req)
	}()
}

// SubmitBlockIO hands a sector request for vmid to the engine and waits for
// its result. With setup workers configured the request runs on the pool;
// otherwise it runs on the engine itself.
func (e *Engine) SubmitBlockIO(ctx context.Context, vmid uint64, req vdev.BlockRequest) error {
	done := make(chan error, 1)
	select {
	case e.blockIO <- blockIO{vmid: vmid, req: req, done: done}:
	case <-e.stopped:
		return errors.WithStack(errdefs.ErrQueueClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
