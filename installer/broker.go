package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/installsession-go/identity"
	"github.com/ggoodman/installsession-go/internal/logctx"
	"github.com/ggoodman/installsession-go/journal"
	"github.com/ggoodman/installsession-go/journal/memory"
)

// Broker is the client-side protocol wrapper over the installer Service. It
// creates, opens, abandons and lists sessions on behalf of one identity
// context and journals every session it creates.
type Broker struct {
	svc     Service
	ident   identity.Context
	journal journal.Store
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu   sync.Mutex
	live map[SessionID]*Session
}

// NewBroker returns a Broker that acts as ident against svc.
func NewBroker(svc Service, ident identity.Context, opts ...Option) *Broker {
	o := newOptions(opts)
	j := o.journal
	if j == nil {
		j = memory.New()
	}
	return &Broker{
		svc:     svc,
		ident:   ident,
		journal: j,
		log:     o.log,
		metrics: o.metrics,
		now:     o.now,
		live:    make(map[SessionID]*Session),
	}
}

// Identity returns the identity context the broker acts under.
func (b *Broker) Identity() identity.Context { return b.ident }

// Journal returns the store the broker records sessions in.
func (b *Broker) Journal() journal.Store { return b.journal }

func (b *Broker) withSession(ctx context.Context, id SessionID) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: int(id),
		Owner:     b.ident.Identity.OwnerName,
		UserScope: b.ident.Identity.UserScope,
	})
}

// CreateSession asks the service for a new session in mode with the given
// install flags OR-ed into the base flags.
func (b *Broker) CreateSession(ctx context.Context, mode Mode, flags InstallFlags) (SessionID, error) {
	const op = "create"
	if !b.ident.Authorized() {
		return 0, newError(op, 0, ErrPermission, errors.New("identity context is not authorized"))
	}
	if !mode.Valid() {
		return 0, newError(op, 0, ErrBroker, fmt.Errorf("unsupported mode %s", mode))
	}

	id, err := b.svc.CreateSession(ctx, Params{Mode: mode, Flags: flags, Owner: b.ident.Identity})
	if err != nil {
		return 0, classify(op, 0, err, ErrBroker)
	}

	now := b.now()
	rec := &journal.Record{
		ID:        int(id),
		Owner:     b.ident.Identity,
		State:     StateCreated.String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	ctx = b.withSession(ctx, id)
	if err := b.journal.Put(ctx, rec); err != nil {
		b.log.WarnContext(ctx, "broker.journal.put.fail", slog.String("err", err.Error()))
	}
	b.metrics.transition(StateCreated)
	b.log.InfoContext(ctx, "broker.session.created", slog.String("mode", mode.String()), slog.String("flags", flags.String()))
	return id, nil
}

// OpenSession binds a handle to an existing session. A session may be open
// at most once per broker at a time.
func (b *Broker) OpenSession(ctx context.Context, id SessionID) (*Session, error) {
	const op = "open"
	if !b.ident.Authorized() {
		return nil, newError(op, id, ErrPermission, errors.New("identity context is not authorized"))
	}

	rec, err := b.journal.Get(ctx, int(id))
	if err != nil {
		b.log.WarnContext(b.withSession(ctx, id), "broker.journal.get.fail", slog.String("err", err.Error()))
		rec = nil
	}
	state := StateCreated
	timedOut := false
	var artifacts []string
	if rec != nil {
		if rec.Owner != b.ident.Identity {
			return nil, newError(op, id, ErrSessionNotFound, errors.New("session belongs to another owner"))
		}
		st, _ := ParseSessionState(rec.State)
		if st == StateCommitted || st == StateAbandoned {
			return nil, newError(op, id, ErrSessionNotFound, fmt.Errorf("session is %s", st))
		}
		if st != StateUnknown {
			state = st
		}
		timedOut = rec.CommitTimedOut
		artifacts = rec.Artifacts
	}

	b.mu.Lock()
	if _, open := b.live[id]; open {
		b.mu.Unlock()
		return nil, violation(op, id, "session is already open")
	}
	// Reserve the slot before the remote call so concurrent opens cannot both
	// succeed.
	b.live[id] = nil
	b.mu.Unlock()

	h, err := b.svc.OpenSession(ctx, id)
	if err != nil {
		b.release(id)
		return nil, classify(op, id, err, ErrSessionNotFound)
	}

	s := &Session{
		id:             id,
		owner:          b.ident.Identity,
		handle:         h,
		observe:        b.observe,
		release:        b.release,
		state:          state,
		artifacts:      artifacts,
		commitTimedOut: timedOut,
	}
	b.mu.Lock()
	b.live[id] = s
	b.mu.Unlock()

	b.log.DebugContext(b.withSession(ctx, id), "broker.session.opened", slog.String("state", state.String()))
	return s, nil
}

func (b *Broker) release(id SessionID) {
	b.mu.Lock()
	delete(b.live, id)
	b.mu.Unlock()
}

// observe persists a session's state after each transition.
func (b *Broker) observe(ctx context.Context, s *Session, from, to SessionState) {
	ctx = b.withSession(ctx, s.id)
	if from != to {
		b.metrics.transition(to)
		b.log.InfoContext(ctx, "session.transition", slog.String("from", from.String()), slog.String("to", to.String()))
	}

	if to == StateAbandoned {
		if err := b.journal.Delete(ctx, int(s.id)); err != nil {
			b.log.WarnContext(ctx, "broker.journal.delete.fail", slog.String("err", err.Error()))
		}
		return
	}

	now := b.now()
	rec, err := b.journal.Get(ctx, int(s.id))
	if err != nil || rec == nil {
		rec = &journal.Record{ID: int(s.id), Owner: s.owner, CreatedAt: now}
	}
	rec.State = to.String()
	rec.Artifacts = s.Artifacts()
	rec.CommitTimedOut = s.CommitTimedOut()
	rec.UpdatedAt = now
	if err := b.journal.Put(ctx, rec); err != nil {
		b.log.WarnContext(ctx, "broker.journal.put.fail", slog.String("err", err.Error()))
	}
}

// AbandonSession discards a session. It is valid while the session is
// Created, Writing or Failed, or Committing after its commit wait expired.
// Abandoning a committed session fails with ErrProtocolViolation.
func (b *Broker) AbandonSession(ctx context.Context, id SessionID) (err error) {
	const op = "abandon"
	ctx = b.withSession(ctx, id)
	defer func() { b.metrics.abandon(err) }()

	b.mu.Lock()
	s := b.live[id]
	b.mu.Unlock()

	if s != nil {
		st := s.State()
		if !abandonable(st, s.CommitTimedOut()) {
			return violation(op, id, "cannot abandon a %s session", st)
		}
	} else if rec, gerr := b.journal.Get(ctx, int(id)); gerr == nil && rec != nil {
		if rec.Owner != b.ident.Identity {
			return newError(op, id, ErrSessionNotFound, errors.New("session belongs to another owner"))
		}
		st, _ := ParseSessionState(rec.State)
		if st != StateUnknown && !abandonable(st, rec.CommitTimedOut) {
			return violation(op, id, "cannot abandon a %s session", st)
		}
	}

	if err := b.svc.AbandonSession(ctx, id); err != nil {
		return classify(op, id, err, ErrBroker)
	}

	if s != nil {
		if terr := s.transition(ctx, op, StateAbandoned); terr != nil {
			// Committing after an expired wait has no regular edge to
			// Abandoned; the service has already confirmed it.
			s.forceAbandoned(ctx)
		}
	} else if derr := b.journal.Delete(ctx, int(id)); derr != nil {
		b.log.WarnContext(ctx, "broker.journal.delete.fail", slog.String("err", derr.Error()))
	}
	b.log.InfoContext(ctx, "broker.session.abandoned")
	return nil
}

// ListSessions returns the sessions visible to owner, decorated with the
// locally journaled state. Entries the service reports for any other owner
// are dropped. When the service cannot list sessions the journal is the
// source, so only sessions this client created and has not yet seen finish
// are returned.
func (b *Broker) ListSessions(ctx context.Context, owner identity.Identity) ([]SessionInfo, error) {
	const op = "list"
	infos, err := b.svc.GetSessions(ctx, owner.OwnerName, owner.UserScope)
	if errors.Is(err, errors.ErrUnsupported) {
		b.log.DebugContext(ctx, "broker.list.from_journal", slog.String("reason", err.Error()))
		return b.listJournal(ctx, owner)
	}
	if err != nil {
		return nil, classify(op, 0, err, ErrBroker)
	}

	out := make([]SessionInfo, 0, len(infos))
	for _, info := range infos {
		if info.Owner != owner {
			b.log.WarnContext(ctx, "broker.list.foreign_session", slog.Int("id", int(info.ID)), slog.String("owner", info.Owner.String()))
			continue
		}
		if rec, err := b.journal.Get(ctx, int(info.ID)); err == nil && rec != nil && rec.Owner == owner {
			info.State, _ = ParseSessionState(rec.State)
		}
		out = append(out, info)
	}
	return out, nil
}

func (b *Broker) listJournal(ctx context.Context, owner identity.Identity) ([]SessionInfo, error) {
	recs, err := b.journal.List(ctx, owner)
	if err != nil {
		return nil, classify("list", 0, err, ErrBroker)
	}
	out := make([]SessionInfo, 0, len(recs))
	for _, rec := range recs {
		st, _ := ParseSessionState(rec.State)
		if st == StateCommitted || st == StateAbandoned || rec.Owner != owner {
			continue
		}
		out = append(out, SessionInfo{
			ID:        SessionID(rec.ID),
			Owner:     rec.Owner,
			CreatedAt: rec.CreatedAt,
			State:     st,
		})
	}
	return out, nil
}
