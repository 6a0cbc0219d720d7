package installer

import (
	"context"
	"log/slog"
)

// Registry is the maintenance path over the sessions owned by the broker's
// identity. It works on session ids only, never on open handles.
type Registry struct {
	b   *Broker
	log *slog.Logger
}

// NewRegistry returns a registry over b.
func NewRegistry(b *Broker, opts ...Option) *Registry {
	o := newOptions(opts)
	return &Registry{b: b, log: o.log}
}

// ListMine lists the sessions visible to the broker's identity.
func (r *Registry) ListMine(ctx context.Context) ([]SessionInfo, error) {
	return r.b.ListSessions(ctx, r.b.Identity().Identity)
}

// AbandonOutcome is the per-session result of AbandonAll.
type AbandonOutcome struct {
	ID  SessionID
	Err error
}

// Abandoned reports whether the session was abandoned.
func (o AbandonOutcome) Abandoned() bool { return o.Err == nil }

func (o AbandonOutcome) String() string {
	if o.Err == nil {
		return "session " + o.ID.String() + ": abandoned"
	}
	return "session " + o.ID.String() + ": error: " + o.Err.Error()
}

// AbandonAll abandons every listed session independently and returns one
// outcome per session in listing order. Individual failures do not stop the
// batch; the error is non-nil only when listing fails.
func (r *Registry) AbandonAll(ctx context.Context) ([]AbandonOutcome, error) {
	infos, err := r.ListMine(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AbandonOutcome, 0, len(infos))
	for _, info := range infos {
		err := r.b.AbandonSession(ctx, info.ID)
		if err != nil {
			r.log.WarnContext(ctx, "registry.abandon.fail", slog.Int("id", int(info.ID)), slog.String("err", err.Error()))
		}
		out = append(out, AbandonOutcome{ID: info.ID, Err: err})
	}
	return out, nil
}
