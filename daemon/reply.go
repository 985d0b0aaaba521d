package daemon

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/wire"
)

// ReplySlot is a single-use channel carrying one reply from the engine back to
// the session that submitted the request. Either side may walk away: the
// engine by calling Drop, the session by calling Abandon.
type ReplySlot struct {
	ch chan *wire.Reply

	mu        sync.Mutex
	closed    bool
	abandoned bool
}

// NewReplySlot returns an empty slot.
func NewReplySlot() *ReplySlot {
	return &ReplySlot{ch: make(chan *wire.Reply, 1)}
}

// Send delivers rep. It fails with errdefs.ErrReplyDropped if the slot was
// already used or the receiver abandoned it.
func (s *ReplySlot) Send(rep *wire.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Wrap(errdefs.ErrReplyDropped, "reply already sent")
	}
	s.closed = true
	if s.abandoned {
		close(s.ch)
		return errors.Wrap(errdefs.ErrReplyDropped, "receiver gone")
	}
	s.ch <- rep
	close(s.ch)
	return nil
}

// Drop closes the slot without a reply.
func (s *ReplySlot) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Abandon tells the producer nobody is waiting any more.
func (s *ReplySlot) Abandon() {
	s.mu.Lock()
	s.abandoned = true
	s.mu.Unlock()
}

// Wait blocks for the reply. ok is false when the slot was dropped or ctx
// ended first; in the latter case the slot is abandoned.
func (s *ReplySlot) Wait(ctx context.Context) (rep *wire.Reply, ok bool) {
	select {
	case rep, ok = <-s.ch:
		return rep, ok
	case <-ctx.Done():
		s.Abandon()
		return nil, false
	}
}
