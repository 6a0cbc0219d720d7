package installer

import (
	"context"
	"io"
	"slices"
	"sync"

	"github.com/ggoodman/installsession-go/identity"
)

// transitionFunc observes state changes, e.g. to persist them.
type transitionFunc func(ctx context.Context, s *Session, from, to SessionState)

// Session is an open install session owned exclusively by the transaction
// that opened it until Close.
type Session struct {
	id     SessionID
	owner  identity.Identity
	handle SessionHandle

	observe transitionFunc
	release func(SessionID)

	mu             sync.Mutex
	state          SessionState
	artifacts      []string
	commitTimedOut bool
	closed         bool
}

// ID returns the service-assigned session id.
func (s *Session) ID() SessionID { return s.id }

// Owner returns the identity the session was opened under.
func (s *Session) Owner() identity.Identity { return s.owner }

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Artifacts returns the names written so far, in order.
func (s *Session) Artifacts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.artifacts)
}

// CommitTimedOut reports whether a commit wait expired on this session.
func (s *Session) CommitTimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitTimedOut
}

func (s *Session) transition(ctx context.Context, op string, to SessionState) error {
	s.mu.Lock()
	from := s.state
	if s.closed && (to == StateWriting || to == StateCommitting) {
		s.mu.Unlock()
		return violation(op, s.id, "session handle is closed")
	}
	if from == to && to == StateWriting {
		s.mu.Unlock()
		return nil
	}
	if !canTransition(from, to) {
		s.mu.Unlock()
		return violation(op, s.id, "cannot move from %s to %s", from, to)
	}
	s.state = to
	s.mu.Unlock()

	if s.observe != nil {
		s.observe(ctx, s, from, to)
	}
	return nil
}

// reserveArtifact records name, rejecting duplicates.
func (s *Session) reserveArtifact(op, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.artifacts, name) {
		return violation(op, s.id, "artifact %q already written", name)
	}
	s.artifacts = append(s.artifacts, name)
	return nil
}

func (s *Session) markCommitTimedOut(ctx context.Context) {
	s.mu.Lock()
	s.commitTimedOut = true
	st := s.state
	s.mu.Unlock()
	if s.observe != nil {
		s.observe(ctx, s, st, st)
	}
}

// forceAbandoned is used by the broker once the service confirmed the
// abandonment of a session stuck in StateCommitting.
func (s *Session) forceAbandoned(ctx context.Context) {
	s.mu.Lock()
	from := s.state
	s.state = StateAbandoned
	s.mu.Unlock()
	if s.observe != nil && from != StateAbandoned {
		s.observe(ctx, s, from, StateAbandoned)
	}
}

// Close releases the remote handle. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.release != nil {
		s.release(s.id)
	}
	if s.handle == nil {
		return nil
	}
	return s.handle.Close()
}

var _ io.Closer = (*Session)(nil)
