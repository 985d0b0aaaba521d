// Package client talks to a running axdaemon over TCP or WebSocket.
package client

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/pkg/errors"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/resilience"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/wire"
)

// Environment overrides for the daemon address.
const (
	EnvIP   = "AXDAEMON_IP"
	EnvPort = "AXDAEMON_PORT"
)

// AddrFromEnv returns the daemon address from AXDAEMON_IP and AXDAEMON_PORT.
// Unset or malformed values fall back to the defaults.
func AddrFromEnv() string {
	ip := net.ParseIP(os.Getenv(EnvIP))
	if ip == nil {
		ip = net.ParseIP(wire.DefaultIP)
	}
	port, err := strconv.ParseUint(os.Getenv(EnvPort), 10, 16)
	if err != nil {
		port = wire.DefaultPort
	}
	return net.JoinHostPort(ip.String(), strconv.FormatUint(port, 10))
}

// Client is a connection to axdaemon. Requests are serialized: one request
// is in flight at a time.
type Client struct {
	addr string
	conn net.Conn
	mu   sync.Mutex
}

// New wraps an established connection.
func New(conn net.Conn) *Client {
	return &Client{addr: conn.RemoteAddr().String(), conn: conn}
}

// Dialer connects to the daemon with retry.
type Dialer struct {
	RetryConfig resilience.RetryConfig
	Timeout     time.Duration // per attempt
}

// NewDialer creates a Dialer with default retry settings.
func NewDialer() *Dialer {
	return &Dialer{
		RetryConfig: resilience.DefaultRetryConfig(),
		Timeout:     2 * time.Second,
	}
}

// Dial connects with the default Dialer. An addr starting with ws:// or
// wss:// is dialed as a WebSocket.
func Dial(ctx context.Context, addr string) (*Client, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return DialWebSocket(ctx, addr)
	}
	return NewDialer().Dial(ctx, addr)
}

// Dial connects to a daemon TCP endpoint.
func (d *Dialer) Dial(ctx context.Context, addr string) (*Client, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, errors.Wrapf(errdefs.ErrInvalidInput, "daemon address %q: %v", addr, err)
	}

	var conn net.Conn
	nd := net.Dialer{Timeout: d.Timeout}
	err := resilience.Retry(ctx, d.RetryConfig, func() error {
		c, err := nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return resilience.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrBadState,
			"connect to axdaemon at %s: %v (check that axdaemon is running and the address is right)", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return New(conn), nil
}

// DialWebSocket connects to the daemon's WebSocket endpoint, e.g.
// ws://127.0.0.1:2335/ws.
func DialWebSocket(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrBadState, "connect to axdaemon at %s: %v", url, err)
	}
	cl := New(websocket.NetConn(context.WithoutCancel(ctx), ws, websocket.MessageBinary))
	cl.addr = url
	return cl, nil
}

// Addr returns the address the client is connected to.
func (c *Client) Addr() string {
	return c.addr
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// RPC sends a request and waits for its reply. The ctx deadline, if any,
// bounds the round trip.
func (c *Client) RPC(ctx context.Context, req *wire.Request) (*wire.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "set deadline")
	}

	if err := wire.WriteRequest(c.conn, req); err != nil {
		return nil, errors.Wrapf(err, "send %s", req.Op())
	}
	rep, err := wire.ReadReply(c.conn)
	if err != nil {
		return nil, errors.Wrapf(err, "receive reply to %s", req.Op())
	}
	if rep == nil {
		return nil, errors.Wrapf(errdefs.ErrBadState, "%s: daemon disconnected unexpectedly", req.Op())
	}
	return rep, nil
}

// RegisterVM records the disk image path of vmid.
func (c *Client) RegisterVM(ctx context.Context, vmid uint64, diskImagePath string) error {
	return c.result(ctx, wire.RegisterVM(vmid, diskImagePath))
}

// BootVM asks the daemon to set up the emulated devices of vmid.
func (c *Client) BootVM(ctx context.Context, vmid uint64) error {
	return c.result(ctx, wire.BootVM(vmid))
}

// ShutdownVM asks the daemon to tear down vmid.
func (c *Client) ShutdownVM(ctx context.Context, vmid uint64) error {
	return c.result(ctx, wire.ShutdownVM(vmid))
}

// ListVMs returns the daemon's registry.
func (c *Client) ListVMs(ctx context.Context) ([]wire.VMInfo, error) {
	req := wire.ListVMs()
	rep, err := c.RPC(ctx, req)
	if err != nil {
		return nil, err
	}
	switch rep.Type {
	case wire.Rvmlist:
		return rep.VMs, nil
	case wire.Rresult:
		if err := rep.Err(); err != nil {
			return nil, errors.Wrap(err, req.Op())
		}
	}
	return nil, errors.Wrapf(errdefs.ErrBadState, "%s: unexpected reply %s", req.Op(), rep)
}

func (c *Client) result(ctx context.Context, req *wire.Request) error {
	rep, err := c.RPC(ctx, req)
	if err != nil {
		return err
	}
	if rep.Type != wire.Rresult {
		return errors.Wrapf(errdefs.ErrBadState, "%s: unexpected reply %s", req.Op(), rep)
	}
	if err := rep.Err(); err != nil {
		return errors.Wrap(err, req.Op())
	}
	return nil
}
