package installer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ggoodman/installsession-go/internal/logctx"
	"github.com/zeebo/blake3"
)

// TransferConfig tunes the TransferEngine.
type TransferConfig struct {
	// ChunkSize is the size of each copy chunk. Defaults to 64 KiB.
	ChunkSize int
	// SyncEvery is the number of chunks between fsyncs; 1 syncs after every
	// chunk. Zero syncs once after the last chunk.
	SyncEvery int
	// SettleDelay is the pause before opening each artifact after the first.
	SettleDelay time.Duration
}

// ArtifactResult describes one fully written artifact.
type ArtifactResult struct {
	Name  string `json:"name"`
	Bytes int64  `json:"bytes"`
	Syncs int    `json:"syncs"`
	// Digest is the hex BLAKE3 digest of the bytes sent.
	Digest   string        `json:"digest"`
	Duration time.Duration `json:"duration"`
}

// TransferEngine streams artifacts into an open session, strictly one at a
// time.
type TransferEngine struct {
	cfg     TransferConfig
	log     *slog.Logger
	metrics *Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// NewTransferEngine returns an engine for cfg.
func NewTransferEngine(cfg TransferConfig, opts ...Option) *TransferEngine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 64 * 1024
	}
	if cfg.SyncEvery < 0 {
		cfg.SyncEvery = 0
	}
	o := newOptions(opts)
	return &TransferEngine{cfg: cfg, log: o.log, metrics: o.metrics, sleep: o.sleep, now: o.now}
}

// Config returns the effective configuration.
func (e *TransferEngine) Config() TransferConfig { return e.cfg }

// WriteAll writes arts in order, observing the settle delay between them. It
// takes ownership of every source: sources of artifacts that are never
// started because an earlier one failed are closed too.
func (e *TransferEngine) WriteAll(ctx context.Context, s *Session, arts []Artifact) ([]ArtifactResult, error) {
	results := make([]ArtifactResult, 0, len(arts))
	for i, a := range arts {
		if i > 0 {
			if err := e.sleep(ctx, e.cfg.SettleDelay); err != nil {
				closeSources(arts[i:])
				return results, newError("write", s.ID(), ErrTransfer, err)
			}
		}
		res, err := e.WriteArtifact(ctx, s, a)
		if err != nil {
			closeSources(arts[i+1:])
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func closeSources(arts []Artifact) {
	for _, a := range arts {
		if a.Source != nil {
			_ = a.Source.Close()
		}
	}
}

// WriteArtifact streams one artifact into s. The first write moves the
// session from Created to Writing. Every exit path closes both the remote
// write stream and a.Source; a close failure after a failed copy is joined
// to the copy error instead of replacing it.
//
// On failure the session stays Writing, or becomes Failed when the service
// reports that the session died. Abandoning it is the caller's decision.
func (e *TransferEngine) WriteArtifact(ctx context.Context, s *Session, a Artifact) (res ArtifactResult, err error) {
	const op = "write"
	ctx = logctx.WithArtifactData(ctx, &logctx.ArtifactData{Name: a.Name, Size: a.Size})

	if a.Source == nil {
		return res, violation(op, s.ID(), "artifact %q has no source", a.Name)
	}
	if a.Name == "" {
		_ = a.Source.Close()
		return res, violation(op, s.ID(), "artifact name is required")
	}
	if a.Size < 0 && a.Size != UnknownLength {
		_ = a.Source.Close()
		return res, violation(op, s.ID(), "artifact %q has invalid size %d", a.Name, a.Size)
	}
	if err := s.transition(ctx, op, StateWriting); err != nil {
		_ = a.Source.Close()
		return res, err
	}
	if err := s.reserveArtifact(op, a.Name); err != nil {
		_ = a.Source.Close()
		return res, err
	}

	start := e.now()
	stream, err := s.handle.OpenWrite(ctx, a.Name, 0, a.Size)
	if err != nil {
		serr := a.Source.Close()
		return res, e.fail(ctx, s, errors.Join(err, wrapClose("source", serr)))
	}

	res.Name = a.Name
	written, syncs, digest, copyErr := e.copy(ctx, s, stream, a)
	res.Bytes, res.Syncs, res.Digest = written, syncs, digest

	streamErr := stream.Close()
	sourceErr := a.Source.Close()

	if copyErr != nil {
		return res, e.fail(ctx, s, errors.Join(copyErr, wrapClose("write stream", streamErr), wrapClose("source", sourceErr)))
	}
	if streamErr != nil {
		return res, e.fail(ctx, s, wrapClose("write stream", streamErr))
	}
	if sourceErr != nil {
		e.log.WarnContext(ctx, "transfer.source.close.fail", slog.String("err", sourceErr.Error()))
	}

	res.Duration = e.now().Sub(start)
	e.log.InfoContext(ctx, "transfer.artifact.written",
		slog.Int64("bytes", res.Bytes),
		slog.Int("syncs", res.Syncs),
		slog.String("blake3", res.Digest),
	)
	return res, nil
}

func (e *TransferEngine) copy(ctx context.Context, s *Session, stream io.WriteCloser, a Artifact) (written int64, syncs int, digest string, err error) {
	h := blake3.New()
	buf := make([]byte, e.cfg.ChunkSize)
	unsynced := 0

	flush := func() error {
		if err := s.handle.Fsync(ctx, stream); err != nil {
			return fmt.Errorf("fsync after %d bytes: %w", written, err)
		}
		syncs++
		unsynced = 0
		e.metrics.synced()
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return written, syncs, "", err
		}
		n, rerr := io.ReadFull(a.Source, buf)
		if n > 0 {
			if a.Size >= 0 && written+int64(n) > a.Size {
				return written, syncs, "", fmt.Errorf("source exceeds declared size %d", a.Size)
			}
			if _, werr := stream.Write(buf[:n]); werr != nil {
				return written, syncs, "", fmt.Errorf("write at offset %d: %w", written, werr)
			}
			_, _ = h.Write(buf[:n])
			written += int64(n)
			unsynced++
			e.metrics.wrote(int64(n))
			e.log.DebugContext(ctx, "transfer.chunk", slog.Int("n", n), slog.Int64("offset", written))

			if e.cfg.SyncEvery > 0 && unsynced >= e.cfg.SyncEvery {
				if err := flush(); err != nil {
					return written, syncs, "", err
				}
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return written, syncs, "", fmt.Errorf("read source: %w", rerr)
		}
	}

	if unsynced > 0 {
		if err := flush(); err != nil {
			return written, syncs, "", err
		}
	}
	if a.Size >= 0 && written != a.Size {
		return written, syncs, "", fmt.Errorf("source ended after %d of %d bytes: %w", written, a.Size, io.ErrUnexpectedEOF)
	}
	return written, syncs, hex.EncodeToString(h.Sum(nil)), nil
}

// fail classifies a transfer failure and marks the session Failed when the
// service reported it dead.
func (e *TransferEngine) fail(ctx context.Context, s *Session, cause error) error {
	if errors.Is(cause, ErrSessionDead) {
		if terr := s.transition(ctx, "write", StateFailed); terr != nil {
			e.log.WarnContext(ctx, "transfer.mark_failed.fail", slog.String("err", terr.Error()))
		}
	}
	e.log.WarnContext(ctx, "transfer.artifact.fail", slog.String("err", cause.Error()))
	return newError("write", s.ID(), ErrTransfer, cause)
}

func wrapClose(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("close %s: %w", what, err)
}
