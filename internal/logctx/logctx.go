// Package logctx decorates slog records with the install transaction and
// session carried by the context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends the context's txn, sess and
// artifact groups to each record.
type Handler struct {
	slog.Handler
}

// New returns a logger whose handler is wrapped by Handler.
func New(h slog.Handler) *slog.Logger {
	return slog.New(Handler{Handler: h})
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if td, ok := ctx.Value(txnDataKey{}).(*TxnData); ok {
		r.AddAttrs(slog.Group("txn",
			slog.String("id", td.ID),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.Int("id", sd.SessionID),
			slog.String("owner", sd.Owner),
			slog.Int("scope", sd.UserScope),
		))
	}

	if ad, ok := ctx.Value(artifactDataKey{}).(*ArtifactData); ok {
		r.AddAttrs(slog.Group("artifact",
			slog.String("name", ad.Name),
			slog.Int64("size", ad.Size),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type txnDataKey struct{}

type TxnData struct {
	ID string
}

func WithTxnData(ctx context.Context, data *TxnData) context.Context {
	return context.WithValue(ctx, txnDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID int
	Owner     string
	UserScope int
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type artifactDataKey struct{}

type ArtifactData struct {
	Name string
	Size int64
}

func WithArtifactData(ctx context.Context, data *ArtifactData) context.Context {
	return context.WithValue(ctx, artifactDataKey{}, data)
}
