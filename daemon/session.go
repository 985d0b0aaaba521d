package daemon

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/wire"
)

// Transport abstracts the connection (TCP or WebSocket).
// ReadMsg returns (nil, nil) when the peer disconnected in an orderly way.
type Transport interface {
	ReadMsg(ctx context.Context) (*wire.Request, error)
	WriteMsg(ctx context.Context, rep *wire.Reply) error
	Close() error
	RemoteAddr() string
}

// TCPTransport carries framed messages over a stream connection.
type TCPTransport struct {
	conn net.Conn
}

// NewTCPTransport wraps conn, disabling Nagle on TCP connections.
func NewTCPTransport(conn net.Conn) *TCPTransport {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &TCPTransport{conn: conn}
}

func (t *TCPTransport) ReadMsg(ctx context.Context) (*wire.Request, error) {
	return wire.ReadRequest(t.conn)
}

func (t *TCPTransport) WriteMsg(ctx context.Context, rep *wire.Reply) error {
	return wire.WriteReply(t.conn, rep)
}

func (t *TCPTransport) Close() error {
	return t.conn.Close()
}

func (t *TCPTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// --- Session ---

// SessionConfig carries the settings shared by every session.
type SessionConfig struct {
	Queue *Queue

	// RequestTimeout bounds the wait for a reply. Zero waits forever. The
	// request itself is not cancelled.
	RequestTimeout time.Duration

	Metrics *Metrics
	Log     *logrus.Entry
}

// Session is one client connection. It never touches VM state; every request
// goes through the queue and comes back through a ReplySlot.
type Session struct {
	transport Transport
	cfg       SessionConfig
	log       *logrus.Entry

	mu      sync.Mutex
	closing bool
	busy    chan struct{} // closed when the current request is answered; nil when idle

	closeOnce sync.Once
}

func NewSession(t Transport, cfg SessionConfig) *Session {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		transport: t,
		cfg:       cfg,
		log:       log.WithField("remote", t.RemoteAddr()),
	}
}

// Serve handles the request loop until the peer leaves, the queue closes or
// a send fails.
func (s *Session) Serve(ctx context.Context, reg *SessionRegistry) {
	defer s.Close()

	// Register Session
	if reg != nil {
		id := reg.Register(s)
		defer reg.Unregister(id)
		s.log = s.log.WithField("session", id)
	}
	if m := s.cfg.Metrics; m != nil {
		m.connections.Inc()
		defer m.connections.Dec()
	}
	s.log.Debug("session opened")

	for {
		// 1. Await request
		req, err := s.transport.ReadMsg(ctx)
		if err != nil {
			switch {
			case errors.Is(err, errdefs.ErrInvalidData):
				s.log.WithError(err).Warn("malformed request, closing connection")
			case errdefs.IsIO(err):
				s.log.WithError(err).Debug("connection lost")
			default:
				s.log.WithError(err).Warn("read failed, closing connection")
			}
			return
		}
		if req == nil {
			s.log.Debug("client disconnected")
			return
		}

		if !s.handle(ctx, req) {
			return
		}
	}
}

// handle runs one request through the queue and sends its reply. It reports
// whether the session should keep reading.
func (s *Session) handle(ctx context.Context, req *wire.Request) bool {
	if !s.begin() {
		s.log.WithField("op", req.Op()).Debug("session closing, request ignored")
		return false
	}
	defer s.end()

	// 2. Dispatch
	ev := Event{ID: uuid.NewString(), Request: req, Reply: NewReplySlot()}
	log := s.log.WithFields(logrus.Fields{"request-id": ev.ID, "op": req.Op()})
	if err := s.cfg.Queue.Submit(ctx, ev); err != nil {
		log.WithError(err).Info("request not accepted, closing connection")
		return false
	}

	// 3. Await reply
	rep, ok := s.await(ctx, ev)
	if !ok {
		if ctx.Err() != nil {
			return false
		}
		log.Warn("no reply produced for request")
		return true
	}

	// 4. Send reply
	if err := s.transport.WriteMsg(ctx, rep); err != nil {
		log.WithError(err).Info("send failed, closing connection")
		return false
	}
	return true
}

// begin marks a request in flight. It fails once Shutdown has started.
func (s *Session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.busy = make(chan struct{})
	return true
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.busy)
	s.busy = nil
}

func (s *Session) await(ctx context.Context, ev Event) (*wire.Reply, bool) {
	if s.cfg.RequestTimeout <= 0 {
		return ev.Reply.Wait(ctx)
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	rep, ok := ev.Reply.Wait(wctx)
	if !ok && ctx.Err() == nil && errors.Is(wctx.Err(), context.DeadlineExceeded) {
		return wire.Result(errors.Errorf("request timed out after %v", s.cfg.RequestTimeout)), true
	}
	return rep, ok
}

// Shutdown stops the session from taking new requests, waits up to timeout
// for the reply to the request in flight to be sent, then closes the
// transport.
func (s *Session) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.closing = true
	busy := s.busy
	s.mu.Unlock()

	if busy != nil {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-busy:
		case <-t.C:
			s.log.Warn("reply still pending at shutdown, closing anyway")
		}
	}
	return s.Close()
}

// Close closes the transport once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.transport.Close()
	})
	return err
}

// --- Registry ---

// SessionRegistry tracks all active sessions.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[uint32]*Session
	nextID   uint32
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[uint32]*Session),
		nextID:   1,
	}
}

func (r *SessionRegistry) Register(s *Session) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.sessions[id] = s
	return id
}

func (r *SessionRegistry) Unregister(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns the live session ids in ascending order.
func (r *SessionRegistry) List() []uint32 {
	r.mu.RLock()
	ids := make([]uint32, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Shutdown shuts every live session down in parallel, letting each deliver
// the reply it is waiting on for at most timeout. The first close error is
// returned.
func (r *SessionRegistry) Shutdown(timeout time.Duration) error {
	r.mu.RLock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, s := range live {
		s := s
		g.Go(func() error { return s.Shutdown(timeout) })
	}
	return g.Wait()
}
