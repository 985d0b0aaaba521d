// Package errdefs defines the error kinds shared by the daemon, its backends
// and the CLI. Callers wrap these sentinels with github.com/pkg/errors and
// test for them with errors.Is.
package errdefs

import (
	"io"
	"net"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

var (
	// Registry
	ErrAlreadyRegistered = errors.New("vm already registered")
	ErrNotRegistered     = errors.New("vm not registered")

	// Backend
	ErrUnknownVM     = errors.New("no emulated block for vm")
	ErrBackendExists = errors.New("emulated block already exists")

	// Generic
	ErrInvalidInput     = errors.New("invalid input")
	ErrBadState         = errors.New("bad state")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidData      = errors.New("invalid data")

	// Dispatch
	ErrQueueClosed  = errors.New("event queue closed")
	ErrReplyDropped = errors.New("reply slot dropped")
)

// IsIO reports whether err originated in the transport rather than in the
// codec or the VM layer.
func IsIO(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Kind returns a short name for the sentinel err wraps, or "" if none.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

var kinds = []struct {
	err  error
	name string
}{
	{ErrAlreadyRegistered, "AlreadyRegistered"},
	{ErrNotRegistered, "NotRegistered"},
	{ErrUnknownVM, "UnknownVm"},
	{ErrBackendExists, "BackendAlreadyExists"},
	{ErrInvalidInput, "InvalidInput"},
	{ErrBadState, "BadState"},
	{ErrPermissionDenied, "PermissionDenied"},
	{ErrInvalidData, "InvalidData"},
	{ErrQueueClosed, "QueueClosed"},
	{ErrReplyDropped, "ReplyDropped"},
}
