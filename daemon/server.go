// Package daemon is the axdaemon runtime: it accepts client connections,
// funnels their requests through one bounded queue into a single event
// engine, and drives the VM registry and emulated block backends from there.
package daemon

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/wire"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/vdev"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/vmm"
)

// Config holds the daemon settings.
type Config struct {
	ListenAddr  string // host:port of the TCP listener
	WSAddr      string // optional WebSocket listener, path /ws
	MetricsAddr string // optional Prometheus listener, path /metrics
	StateDB     string // optional bbolt registry journal

	DirectIO       bool
	CacheSize      int
	QueueDepth     int
	SetupWorkers   int
	RequestTimeout time.Duration
}

// DefaultConfig returns the settings used when no flag overrides them.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   net.JoinHostPort(wire.DefaultIP, strconv.Itoa(wire.DefaultPort)),
		CacheSize:    vdev.DefaultCacheSize,
		QueueDepth:   DefaultQueueDepth,
		SetupWorkers: 2,
	}
}

// Options injects collaborators, mostly for tests. Zero values select the
// production implementations.
type Options struct {
	Mapper     vdev.Mapper
	Translator vdev.Translator
	Signals    <-chan os.Signal
	Abort      func()
	Log        *logrus.Entry
}

// Server owns every daemon component.
type Server struct {
	cfg Config
	log *logrus.Entry

	queue    *Queue
	backends *vdev.Backends
	registry *vmm.Registry
	journal  vmm.Journal
	sessions *SessionRegistry
	engine   *Engine
	metrics  *Metrics

	stopSignals func()

	ln        net.Listener
	wsLn      net.Listener
	metricsLn net.Listener

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds a server. Nothing is bound until Listen.
func New(cfg Config, opts Options) (*Server, error) {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		queue:    NewQueue(cfg.QueueDepth),
		sessions: NewSessionRegistry(),
		stop:     make(chan struct{}),
	}
	s.metrics = NewMetrics(s.queue.Len)

	s.backends = vdev.NewBackends(vdev.Options{
		CacheSize:  cfg.CacheSize,
		Mapper:     opts.Mapper,
		Translator: opts.Translator,
		Observe:    s.metrics.ObserveSetup,
		Log:        log.WithField("component", "vdev"),
	})

	if cfg.StateDB != "" {
		j, err := vmm.OpenBoltJournal(cfg.StateDB)
		if err != nil {
			return nil, err
		}
		s.journal = j
	}
	reg, err := vmm.New(vmm.Config{
		Backends: s.backends,
		DirectIO: cfg.DirectIO,
		Journal:  s.journal,
		Log:      log.WithField("component", "vmm"),
	})
	if err != nil {
		if s.journal != nil {
			s.journal.Close()
		}
		return nil, err
	}
	s.registry = reg

	signals := opts.Signals
	if signals == nil {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		s.stopSignals = func() { signal.Stop(ch) }
		signals = ch
	}

	s.engine = NewEngine(EngineConfig{
		Queue:        s.queue,
		Registry:     s.registry,
		Backends:     s.backends,
		Sessions:     s.sessions,
		Signals:      signals,
		SetupWorkers: cfg.SetupWorkers,
		OnTerminate:  s.stopAccepting,
		Abort:        opts.Abort,
		Metrics:      s.metrics,
		Log:          log.WithField("component", "engine"),
	})
	return s, nil
}

// Listen binds every configured endpoint. Failure to bind is fatal for the
// daemon and is returned as is.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.ListenAddr)
	}
	s.ln = ln

	if s.cfg.WSAddr != "" {
		if s.wsLn, err = net.Listen("tcp", s.cfg.WSAddr); err != nil {
			s.closeListeners()
			return errors.Wrapf(err, "listen on %s", s.cfg.WSAddr)
		}
	}
	if s.cfg.MetricsAddr != "" {
		if s.metricsLn, err = net.Listen("tcp", s.cfg.MetricsAddr); err != nil {
			s.closeListeners()
			return errors.Wrapf(err, "listen on %s", s.cfg.MetricsAddr)
		}
	}
	return nil
}

// Addr is the bound TCP address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// WSAddr is the bound WebSocket address, or nil.
func (s *Server) WSAddr() net.Addr {
	if s.wsLn == nil {
		return nil
	}
	return s.wsLn.Addr()
}

// MetricsAddr is the bound metrics address, or nil.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsLn == nil {
		return nil
	}
	return s.metricsLn.Addr()
}

func (s *Server) Engine() *Engine { return s.engine }
func (s *Server) Registry() *vmm.Registry { return s.registry }
func (s *Server) Backends() *vdev.Backends { return s.backends }
func (s *Server) Metrics() *Metrics { return s.metrics }
func (s *Server) Sessions() *SessionRegistry { return s.sessions }

// Run serves until the engine has drained. Listen must have succeeded.
func (s *Server) Run(ctx context.Context) error {
	if s.stopSignals != nil {
		defer s.stopSignals()
	}
	defer func() {
		if s.journal != nil {
			if err := s.journal.Close(); err != nil {
				s.log.WithError(err).Warn("close state db")
			}
		}
	}()

	// Sessions outlive the drain's first step so queued requests still get
	// their replies; the engine closes them at the end.
	sessCtx := context.WithoutCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)

	// 1. Engine
	g.Go(func() error {
		err := s.engine.Run(gctx)
		s.stopAccepting()
		return err
	})

	// 2. TCP
	g.Go(func() error {
		s.log.WithField("addr", s.ln.Addr().String()).Info("axdaemon listening (TCP)")
		return s.acceptLoop(sessCtx)
	})

	// 3. WebSocket
	if s.wsLn != nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			socket, err := Upgrade(w, r)
			if err != nil {
				s.log.WithError(err).Warn("websocket upgrade failed")
				return
			}
			s.newSession(socket).Serve(sessCtx, s.sessions)
		})
		s.serveHTTP(g, "websocket", s.wsLn, mux)
	}

	// 4. Metrics
	if s.metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.serveHTTP(g, "metrics", s.metricsLn, mux)
	}

	// Unblock Accept once intake stops.
	go func() {
		<-s.stop
		s.closeListeners()
	}()

	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.WithError(err).Warn("accept failed")
			time.Sleep(5 * time.Millisecond)
			continue
		}

		go s.newSession(NewTCPTransport(conn)).Serve(ctx, s.sessions)
	}
}

func (s *Server) serveHTTP(g *errgroup.Group, name string, ln net.Listener, h http.Handler) {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		s.log.WithField("addr", ln.Addr().String()).Infof("axdaemon listening (%s)", name)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			return errors.Wrapf(err, "%s server", name)
		}
		return nil
	})
	go func() {
		<-s.stop
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()
}

func (s *Server) newSession(t Transport) *Session {
	return NewSession(t, SessionConfig{
		Queue:          s.queue,
		RequestTimeout: s.cfg.RequestTimeout,
		Metrics:        s.metrics,
		Log:            s.log.WithField("component", "session"),
	})
}

// stopAccepting is the engine's first drain step.
func (s *Server) stopAccepting() {
	s.stopOnce.Do(func() {
		s.log.Info("no longer accepting connections")
		close(s.stop)
	})
}

func (s *Server) closeListeners() {
	for _, ln := range []net.Listener{s.ln, s.wsLn, s.metricsLn} {
		if ln != nil {
			ln.Close()
		}
	}
}
