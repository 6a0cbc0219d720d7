package installer

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ggoodman/installsession-go/rendezvous"
	"github.com/ggoodman/installsession-go/rendezvous/memory"
	"github.com/google/uuid"
)

// CommitPhase is the coordinator's progress through one commit attempt.
type CommitPhase int32

const (
	// PhaseIdle means Commit has not been called.
	PhaseIdle CommitPhase = iota
	// PhaseCommitRequested means the waiter is registered and the commit is
	// being sent.
	PhaseCommitRequested
	// PhaseAwaitingCallback means the service accepted the commit.
	PhaseAwaitingCallback
	// PhaseResolved means a result arrived and is being applied.
	PhaseResolved
	// PhaseDone means the attempt is over, whatever its outcome.
	PhaseDone
)

func (p CommitPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCommitRequested:
		return "commit-requested"
	case PhaseAwaitingCallback:
		return "awaiting-callback"
	case PhaseResolved:
		return "resolved"
	case PhaseDone:
		return "done"
	default:
		return "invalid"
	}
}

// transportDone is implemented by handles whose connection can be lost.
// Done is closed once the handle can no longer deliver a commit result.
type transportDone interface {
	Done() <-chan struct{}
}

var errTransportLost = errors.New("transport to installer service lost")

// fulfillTimeout bounds a callback's delivery into the rendezvous.
const fulfillTimeout = 10 * time.Second

// CommitCoordinator issues one commit and turns the service's asynchronous
// result callback into a synchronous return. A coordinator is single use.
type CommitCoordinator struct {
	rv      rendezvous.Host
	timeout time.Duration
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	used  atomic.Bool
	phase atomic.Int32
}

// NewCommitCoordinator returns a coordinator that waits at most timeout for
// the callback; zero waits until ctx ends. A nil rv uses an in-memory host.
func NewCommitCoordinator(rv rendezvous.Host, timeout time.Duration, opts ...Option) *CommitCoordinator {
	if rv == nil {
		rv = memory.New()
	}
	o := newOptions(opts)
	return &CommitCoordinator{rv: rv, timeout: timeout, log: o.log, metrics: o.metrics, now: o.now}
}

// Phase reports the coordinator's current phase.
func (c *CommitCoordinator) Phase() CommitPhase { return CommitPhase(c.phase.Load()) }

func (c *CommitCoordinator) setPhase(p CommitPhase) { c.phase.Store(int32(p)) }

func (c *CommitCoordinator) awaitTTL() time.Duration {
	if c.timeout <= 0 {
		return 24 * time.Hour
	}
	return c.timeout + time.Minute
}

// Commit commits s and blocks until the service reports the outcome.
//
// A Failure outcome is returned together with a *CommitError. If no usable
// outcome arrives before the timeout (ctx ends, the handle's transport is
// lost, or the delivered result cannot be decoded) the error has kind
// ErrTimeout and the session is left Committing, marked for manual cleanup.
// Calling Commit a second time on the same coordinator fails with
// ErrProtocolViolation.
func (c *CommitCoordinator) Commit(ctx context.Context, s *Session) (CommitResult, error) {
	const op = "commit"
	if !c.used.CompareAndSwap(false, true) {
		return CommitResult{}, violation(op, s.ID(), "commit already issued by this coordinator")
	}

	// Register the waiter before anything can produce a result.
	sessionKey := s.ID().String()
	correlationID := uuid.NewString()
	aw, err := c.rv.BeginAwait(ctx, sessionKey, correlationID, c.awaitTTL())
	if err != nil {
		c.setPhase(PhaseDone)
		return CommitResult{}, newError(op, s.ID(), ErrBroker, err)
	}

	if err := s.transition(ctx, op, StateCommitting); err != nil {
		_ = aw.Cancel(context.WithoutCancel(ctx))
		c.setPhase(PhaseDone)
		return CommitResult{}, err
	}
	c.setPhase(PhaseCommitRequested)

	receiver := c.adaptor(ctx, sessionKey, correlationID)
	started := c.now()
	if err := s.handle.Commit(ctx, receiver); err != nil {
		_ = aw.Cancel(context.WithoutCancel(ctx))
		if terr := s.transition(ctx, op, StateFailed); terr != nil {
			c.log.WarnContext(ctx, "commit.mark_failed.fail", slog.String("err", terr.Error()))
		}
		c.setPhase(PhaseDone)
		c.metrics.commit("error", 0)
		return CommitResult{}, classify(op, s.ID(), err, ErrBroker)
	}
	c.setPhase(PhaseAwaitingCallback)
	c.log.DebugContext(ctx, "commit.awaiting", slog.String("correlation_id", correlationID))

	waitCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if d, ok := s.handle.(transportDone); ok {
		var cancel context.CancelCauseFunc
		waitCtx, cancel = context.WithCancelCause(waitCtx)
		defer cancel(nil)
		go func() {
			select {
			case <-d.Done():
				cancel(errTransportLost)
			case <-waitCtx.Done():
			}
		}()
	}

	data, err := aw.Recv(waitCtx)
	if err != nil {
		if cause := context.Cause(waitCtx); cause != nil {
			err = cause
		}
		return CommitResult{}, c.unknownOutcome(ctx, s, aw, "timeout", err)
	}

	res, err := DecodeResult(data)
	if err != nil {
		return CommitResult{}, c.unknownOutcome(ctx, s, aw, "undecodable", err)
	}
	c.setPhase(PhaseResolved)
	wait := c.now().Sub(started)

	to := StateCommitted
	if res.Status != StatusSuccess {
		to = StateFailed
	}
	if terr := s.transition(context.WithoutCancel(ctx), op, to); terr != nil {
		c.log.WarnContext(ctx, "commit.transition.fail", slog.String("err", terr.Error()))
	}
	c.setPhase(PhaseDone)
	c.metrics.commit(res.Status.String(), wait)

	if res.Status != StatusSuccess {
		c.log.InfoContext(ctx, "commit.failed", slog.Int("code", res.Code), slog.String("message", res.Message))
		return res, &CommitError{SessionID: s.ID(), Result: res}
	}
	c.log.InfoContext(ctx, "commit.succeeded", slog.Duration("wait", wait))
	return res, nil
}

// unknownOutcome ends a commit whose result will never be known. The
// session stays Committing but is released for abandon.
func (c *CommitCoordinator) unknownOutcome(ctx context.Context, s *Session, aw rendezvous.Awaiter, reason string, err error) error {
	_ = aw.Cancel(context.WithoutCancel(ctx))
	s.markCommitTimedOut(context.WithoutCancel(ctx))
	c.setPhase(PhaseDone)
	c.metrics.commit(reason, 0)
	c.log.WarnContext(ctx, "commit.outcome_unknown", slog.String("reason", reason), slog.String("err", err.Error()))
	return newError("commit", s.ID(), ErrTimeout, err)
}

// adaptor returns the callback handed to the service. The first invocation
// fulfills the rendezvous; later invocations are dropped.
func (c *CommitCoordinator) adaptor(ctx context.Context, sessionKey, correlationID string) ResultReceiver {
	var fired atomic.Bool
	logCtx := context.WithoutCancel(ctx)
	return func(status int, message string) {
		if !fired.CompareAndSwap(false, true) {
			c.log.WarnContext(logCtx, "commit.callback.duplicate", slog.Int("status", status))
			return
		}
		data, err := EncodeResult(status, message)
		if err != nil {
			c.log.ErrorContext(logCtx, "commit.callback.encode.fail", slog.String("err", err.Error()))
			return
		}
		fctx, cancel := context.WithTimeout(context.Background(), fulfillTimeout)
		defer cancel()
		delivered, err := c.rv.Fulfill(fctx, sessionKey, correlationID, data)
		switch {
		case err != nil:
			c.log.ErrorContext(logCtx, "commit.callback.fulfill.fail", slog.String("err", err.Error()))
		case !delivered:
			c.log.WarnContext(logCtx, "commit.callback.dropped", slog.Int("status", status))
		}
	}
}

// IsTimeout reports whether err is a commit wait that expired.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
