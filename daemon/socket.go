package daemon

import (
	"context"
	"encoding/binary"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/pkg/errors"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/wire"
)

// Socket wraps a WebSocket connection. Each binary message holds exactly one
// frame: [8-byte length][payload].
type Socket struct {
	conn   *websocket.Conn
	remote string
	mu     sync.Mutex
}

// Upgrade upgrades the HTTP request to a WebSocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Socket, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow all origins
	})
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(wire.HeaderSize + wire.MaxFrameSize)
	return &Socket{conn: c, remote: r.RemoteAddr}, nil
}

// Close closes the connection.
func (s *Socket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Socket) RemoteAddr() string {
	return s.remote
}

// ReadMsg reads one request from a binary message. A normal closure is an
// orderly disconnect.
func (s *Socket) ReadMsg(ctx context.Context) (*wire.Request, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, nil
		}
		return nil, errors.Wrap(err, "websocket read")
	}
	if typ != websocket.MessageBinary {
		return nil, errors.Wrap(errdefs.ErrInvalidData, "websocket text message")
	}

	// Validate size prefix
	if len(data) < wire.HeaderSize {
		return nil, errors.Wrap(errdefs.ErrInvalidData, "frame too short")
	}
	size := binary.LittleEndian.Uint64(data[0:wire.HeaderSize])
	if size != uint64(len(data)-wire.HeaderSize) {
		return nil, errors.Wrapf(errdefs.ErrInvalidData, "frame size mismatch: header says %d, got %d", size, len(data)-wire.HeaderSize)
	}
	return wire.DecodeRequest(data[wire.HeaderSize:])
}

// WriteMsg writes one reply as a binary message.
func (s *Socket) WriteMsg(ctx context.Context, rep *wire.Reply) error {
	b, err := wire.Encode(rep)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Timeout for writes
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return s.conn.Write(ctx, websocket.MessageBinary, wire.Frame(b))
}
