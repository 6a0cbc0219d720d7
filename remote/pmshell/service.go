// Package pmshell drives the package manager's session commands over a
// connected shell.
//
// Each command is one line on the shell's stdin and is answered by one line
// on its stdout. Artifact bytes follow their install-write command raw, so a
// write stream holds the connection until it is closed.
package pmshell

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/ggoodman/installsession-go/installer"
)

// Service is an installer.Service over a Conn. It cannot list sessions and
// only accepts whole artifacts of known length.
type Service struct {
	c *Conn
}

var _ installer.Service = (*Service)(nil)

// New returns a Service speaking over c.
func New(c *Conn) *Service { return &Service{c: c} }

// Close closes the underlying connection.
func (s *Service) Close() error { return s.c.Close() }

func (s *Service) CreateSession(ctx context.Context, p installer.Params) (installer.SessionID, error) {
	line, err := createCommand(p)
	if err != nil {
		return 0, err
	}
	resp, err := s.c.Call(ctx, line)
	if err != nil {
		return 0, err
	}
	return parseCreated(resp)
}

// OpenSession binds a handle without a round trip; unknown ids fail on first
// use.
func (s *Service) OpenSession(ctx context.Context, id installer.SessionID) (installer.SessionHandle, error) {
	if id <= 0 {
		return nil, fmt.Errorf("session %d: %w", id, installer.ErrSessionNotFound)
	}
	return &handle{c: s.c, id: id}, nil
}

func (s *Service) AbandonSession(ctx context.Context, id installer.SessionID) error {
	resp, err := s.c.Call(ctx, abandonCommand(id))
	if err != nil {
		return err
	}
	return parseSuccess(resp)
}

func (s *Service) GetSessions(ctx context.Context, ownerName string, userScope int) ([]installer.SessionInfo, error) {
	return nil, fmt.Errorf("pmshell: listing sessions: %w: %w", errUnsupported, installer.ErrBroker)
}

type handle struct {
	c      *Conn
	id     installer.SessionID
	closed atomic.Bool
}

func (h *handle) check() error {
	if h.closed.Load() {
		return fmt.Errorf("session %d handle is closed: %w", h.id, installer.ErrProtocolViolation)
	}
	return nil
}

func (h *handle) OpenWrite(ctx context.Context, name string, offset, length int64) (io.WriteCloser, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	if offset != 0 {
		return nil, fmt.Errorf("pmshell: write at offset %d: %w: %w", offset, errUnsupported, installer.ErrBroker)
	}
	if length < 0 {
		return nil, fmt.Errorf("pmshell: write of unknown length: %w: %w", errUnsupported, installer.ErrBroker)
	}
	line, err := writeCommand(h.id, name, length)
	if err != nil {
		return nil, err
	}

	h.c.wmu.Lock()
	pc, err := h.c.enqueue(line, nil)
	if err != nil {
		h.c.wmu.Unlock()
		return nil, err
	}
	return &stream{ctx: ctx, h: h, name: name, length: length, pc: pc}, nil
}

func (h *handle) Fsync(ctx context.Context, w io.WriteCloser) error {
	if err := h.check(); err != nil {
		return err
	}
	if st, ok := w.(*stream); !ok || st.h != h {
		return fmt.Errorf("stream does not belong to session %d: %w", h.id, installer.ErrProtocolViolation)
	}
	// Bytes go straight into the remote process; there is nothing to flush.
	return nil
}

func (h *handle) Commit(ctx context.Context, receiver installer.ResultReceiver) error {
	if err := h.check(); err != nil {
		return err
	}
	if receiver == nil {
		return fmt.Errorf("nil result receiver: %w", installer.ErrBroker)
	}
	id := h.id
	return h.c.Send(commitCommand(id), func(line string) {
		status, msg := commitOutcome(line)
		h.c.log.Debug("pmshell.commit.result", slog.Int("id", int(id)), slog.Int("status", status))
		receiver(status, msg)
	})
}

// Done is closed when the connection is lost, after which no commit result
// can arrive.
func (h *handle) Done() <-chan struct{} { return h.c.Done() }

func (h *handle) Close() error {
	h.closed.Store(true)
	return nil
}

// stream owns the connection's write side from OpenWrite until Close.
type stream struct {
	ctx     context.Context
	h       *handle
	name    string
	length  int64
	written int64
	pc      *pendingCall
	closed  bool
}

func (w *stream) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write to closed stream %q: %w", w.name, installer.ErrProtocolViolation)
	}
	if w.written+int64(len(p)) > w.length {
		return 0, fmt.Errorf("stream %q exceeds declared length %d: %w", w.name, w.length, installer.ErrBroker)
	}
	n, err := w.h.c.w.Write(p)
	w.written += int64(n)
	return n, err
}

// Close completes the body and waits for the shell's acknowledgement. A
// stream closed short is padded with zeros so the shell sees the declared
// length, and reported as a failure.
func (w *stream) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var short error
	if missing := w.length - w.written; missing > 0 {
		short = fmt.Errorf("stream %q closed after %d of %d bytes: %w", w.name, w.written, w.length, installer.ErrBroker)
		if _, err := io.CopyN(w.h.c.w, zeroReader{}, missing); err != nil {
			w.h.c.wmu.Unlock()
			return fmt.Errorf("%w: pad: %w", short, err)
		}
	}
	w.h.c.wmu.Unlock()

	resp, err := w.h.c.await(context.WithoutCancel(w.ctx), w.pc)
	if err != nil {
		return err
	}
	if short != nil {
		return short
	}
	return parseStreamed(resp, w.length)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
