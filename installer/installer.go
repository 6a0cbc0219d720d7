package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/installsession-go/internal/logctx"
	"github.com/ggoodman/installsession-go/rendezvous"
	"github.com/ggoodman/installsession-go/rendezvous/memory"
	"github.com/google/uuid"
)

// Request describes one install transaction.
type Request struct {
	Mode      Mode
	Flags     InstallFlags
	Artifacts []Artifact
}

// Installer runs the full create, write, commit pipeline for one identity.
type Installer struct {
	broker        *Broker
	engine        *TransferEngine
	rv            rendezvous.Host
	commitTimeout time.Duration
	opts          []Option
	log           *slog.Logger
}

// NewInstaller wires a pipeline. A nil rv uses an in-memory rendezvous.
func NewInstaller(b *Broker, e *TransferEngine, rv rendezvous.Host, commitTimeout time.Duration, opts ...Option) *Installer {
	if rv == nil {
		rv = memory.New()
	}
	o := newOptions(opts)
	return &Installer{broker: b, engine: e, rv: rv, commitTimeout: commitTimeout, opts: opts, log: o.log}
}

// Install runs one transaction. The returned Report is never nil and lists
// every stage that ran. The error carries the first failing stage's error;
// cleanup failures are joined after it.
func (i *Installer) Install(ctx context.Context, req Request) (*Report, error) {
	ident := i.broker.Identity().Identity
	rep := &Report{TransactionID: uuid.NewString(), Owner: ident}
	ctx = logctx.WithTxnData(ctx, &logctx.TxnData{ID: rep.TransactionID})

	if req.Mode == 0 {
		req.Mode = ModeFullInstall
	}

	id, err := i.broker.CreateSession(ctx, req.Mode, req.Flags)
	rep.add(StageCreate, "", err, fmt.Sprintf("mode=%s flags=%s", req.Mode, req.Flags))
	if err != nil {
		closeSources(req.Artifacts)
		rep.FinalState = StateUnknown
		return rep, err
	}
	rep.SessionID = id
	rep.FinalState = StateCreated

	s, err := i.broker.OpenSession(ctx, id)
	rep.add(StageOpen, "", err, "")
	if err != nil {
		closeSources(req.Artifacts)
		return rep, i.cleanup(ctx, rep, id, err)
	}
	defer func() {
		rep.FinalState = s.State()
		if cerr := s.Close(); cerr != nil {
			i.log.WarnContext(ctx, "installer.session.close.fail", slog.String("err", cerr.Error()))
		}
	}()

	results, err := i.engine.WriteAll(ctx, s, req.Artifacts)
	rep.Artifacts = results
	for _, r := range results {
		rep.add(StageWrite, r.Name, nil, fmt.Sprintf("%d bytes, %d syncs, blake3 %s", r.Bytes, r.Syncs, shortDigest(r.Digest)))
	}
	if err != nil {
		target := ""
		if n := len(results); n < len(req.Artifacts) {
			target = req.Artifacts[n].Name
		}
		rep.add(StageWrite, target, err, "")
		return rep, i.cleanup(ctx, rep, id, err)
	}

	cc := NewCommitCoordinator(i.rv, i.commitTimeout, i.opts...)
	res, err := cc.Commit(ctx, s)
	switch {
	case err == nil:
		rep.Result = &res
		rep.add(StageCommit, "", nil, "status "+res.Status.String())
	case errors.Is(err, ErrCommitFailed):
		rep.Result = &res
		rep.add(StageCommit, "", err, "status "+res.Status.String())
	case errors.Is(err, ErrTimeout):
		rep.add(StageCommit, "", err, "outcome unknown; session left committing")
	default:
		rep.add(StageCommit, "", err, "")
	}
	return rep, err
}

// cleanup abandons the session after a failed stage and records the outcome.
// The original error stays first.
func (i *Installer) cleanup(ctx context.Context, rep *Report, id SessionID, cause error) error {
	actx := context.WithoutCancel(ctx)
	aerr := i.broker.AbandonSession(actx, id)
	rep.add(StageAbandon, "", aerr, "best-effort cleanup")
	if aerr != nil {
		i.log.WarnContext(actx, "installer.cleanup.fail", slog.String("err", aerr.Error()))
		return errors.Join(cause, aerr)
	}
	rep.FinalState = StateAbandoned
	return cause
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
