package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
)

const (
	// HeaderSize is the length prefix: u64 little-endian payload size.
	HeaderSize = 8
	// MaxFrameSize bounds a single payload.
	MaxFrameSize = 16 << 20
)

type flusher interface {
	Flush() error
}

// Frame prefixes payload with its length.
func Frame(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint64(buf[0:HeaderSize], uint64(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// Send writes one framed message and flushes w if it buffers.
// On error the stream must be considered unusable.
func Send(w io.Writer, payload []byte) error {
	if _, err := w.Write(Frame(payload)); err != nil {
		return errors.Wrap(err, "wire: write frame")
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return errors.Wrap(err, "wire: flush frame")
		}
	}
	return nil
}

// Receive reads one framed message.
// A clean end of stream before the length prefix returns (nil, nil): the peer
// disconnected in an orderly way. Any other failure, including an end of
// stream inside the frame, is an error. A zero-length frame yields a non-nil
// empty slice.
func Receive(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF { //nolint:errorlint
			return nil, nil
		}
		return nil, errors.Wrap(err, "wire: read frame length")
	}

	size := binary.LittleEndian.Uint64(hdr[:])
	if size > MaxFrameSize {
		return nil, errors.Wrapf(errdefs.ErrInvalidData, "wire: frame of %d bytes exceeds %d", size, MaxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF { //nolint:errorlint
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrap(err, "wire: read frame payload")
	}
	return payload, nil
}

// --- Message helpers ---

// ReadRequest receives and decodes one request. (nil, nil) means the peer
// closed the stream.
func ReadRequest(r io.Reader) (*Request, error) {
	b, err := Receive(r)
	if err != nil || b == nil {
		return nil, err
	}
	return DecodeRequest(b)
}

// WriteRequest encodes and sends one request.
func WriteRequest(w io.Writer, req *Request) error {
	b, err := Encode(req)
	if err != nil {
		return err
	}
	return Send(w, b)
}

// ReadReply receives and decodes one reply. (nil, nil) means the peer closed
// the stream.
func ReadReply(r io.Reader) (*Reply, error) {
	b, err := Receive(r)
	if err != nil || b == nil {
		return nil, err
	}
	return DecodeReply(b)
}

// WriteReply encodes and sends one reply.
func WriteReply(w io.Writer, rep *Reply) error {
	b, err := Encode(rep)
	if err != nil {
		return err
	}
	return Send(w, b)
}
