// Package memremote is an in-process installer Service. It keeps sessions in
// memory, enforces owner scoping and stream bounds, and can inject the
// failures a real service produces.
package memremote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/installsession-go/identity"
	"github.com/ggoodman/installsession-go/installer"
)

// ErrInjected is the cause of failures produced by fault injection.
var ErrInjected = errors.New("memremote: injected failure")

// CommitMode controls how the result callback is delivered.
type CommitMode int

const (
	// CommitAsync delivers the result from a new goroutine after the commit
	// call returned.
	CommitAsync CommitMode = iota
	// CommitSync delivers the result before the commit call returns.
	CommitSync
	// CommitNever never delivers a result.
	CommitNever
)

// Option configures a Service.
type Option func(*Service)

// WithCommitMode selects how commit results are delivered.
func WithCommitMode(m CommitMode) Option { return func(s *Service) { s.commitMode = m } }

// WithCommitDelay delays asynchronous result delivery.
func WithCommitDelay(d time.Duration) Option { return func(s *Service) { s.commitDelay = d } }

// WithDuplicateCallbacks makes the service invoke every result callback
// twice.
func WithDuplicateCallbacks() Option { return func(s *Service) { s.duplicate = true } }

// WithDeniedOwner rejects session creation for owner with ErrPermission.
func WithDeniedOwner(owner identity.Identity) Option {
	return func(s *Service) { s.denied[owner] = true }
}

// WithUnscopedListing makes GetSessions return every session regardless of
// owner, like a misbehaving service.
func WithUnscopedListing() Option { return func(s *Service) { s.unscoped = true } }

// WithFirstID sets the first session id handed out.
func WithFirstID(id int) Option { return func(s *Service) { s.nextID = id } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

type writeFault struct {
	name  string
	after int64
}

type artifact struct {
	data   []byte
	length int64
}

type session struct {
	id        installer.SessionID
	params    installer.Params
	createdAt time.Time

	order     []string
	artifacts map[string]*artifact
	fsyncs    int

	committing bool
	committed  bool
	dead       bool
}

// Service is an in-process installer.Service.
type Service struct {
	log         *slog.Logger
	commitMode  CommitMode
	commitDelay time.Duration
	duplicate   bool
	unscoped    bool
	denied      map[identity.Identity]bool

	mu          sync.Mutex
	nextID      int
	sessions    map[installer.SessionID]*session
	faults      []writeFault
	commitFault *installer.CommitResult
	abandons    map[installer.SessionID]error

	callbacks sync.WaitGroup
}

var _ installer.Service = (*Service)(nil)

// New returns an empty service.
func New(opts ...Option) *Service {
	s := &Service{
		log:      slog.Default(),
		denied:   make(map[identity.Identity]bool),
		nextID:   1,
		sessions: make(map[installer.SessionID]*session),
		abandons: make(map[installer.SessionID]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailWrite makes writes to artifact name fail once after bytes have been
// accepted.
func (s *Service) FailWrite(name string, after int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, writeFault{name: name, after: after})
}

// FailCommit makes every later commit resolve with code and message.
func (s *Service) FailCommit(code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := installer.ResultFromStatus(code, message)
	s.commitFault = &r
}

// FailAbandon makes abandoning id fail with err.
func (s *Service) FailAbandon(id installer.SessionID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandons[id] = err
}

// Kill marks a session dead; later operations on it fail with
// installer.ErrSessionDead.
func (s *Service) Kill(id installer.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.dead = true
	}
}

// WaitCallbacks blocks until every asynchronous callback has been delivered.
func (s *Service) WaitCallbacks() { s.callbacks.Wait() }

func (s *Service) CreateSession(ctx context.Context, p installer.Params) (installer.SessionID, error) {
	if s.denied[p.Owner] {
		return 0, fmt.Errorf("owner %s may not install: %w", p.Owner, installer.ErrPermission)
	}
	if !p.Mode.Valid() {
		return 0, fmt.Errorf("invalid mode %s: %w", p.Mode, installer.ErrBroker)
	}
	if u := p.Flags.Unknown(); u != 0 {
		return 0, fmt.Errorf("unknown install flags %#x: %w", uint32(u), installer.ErrBroker)
	}
	if p.Owner.OwnerName == "" {
		return 0, fmt.Errorf("owner name is required: %w", installer.ErrBroker)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := installer.SessionID(s.nextID)
	s.nextID++
	s.sessions[id] = &session{
		id:        id,
		params:    p,
		createdAt: time.Now(),
		artifacts: make(map[string]*artifact),
	}
	s.log.DebugContext(ctx, "memremote.create", slog.Int("id", int(id)), slog.String("owner", p.Owner.String()))
	return id, nil
}

func (s *Service) OpenSession(ctx context.Context, id installer.SessionID) (installer.SessionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, installer.ErrSessionNotFound)
	}
	if sess.dead {
		return nil, fmt.Errorf("session %d: %w", id, installer.ErrSessionDead)
	}
	return &handle{svc: s, id: id}, nil
}

func (s *Service) AbandonSession(ctx context.Context, id installer.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.abandons[id]; ok {
		return err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %d: %w", id, installer.ErrSessionNotFound)
	}
	if sess.committed {
		return fmt.Errorf("session %d is committed: %w", id, installer.ErrProtocolViolation)
	}
	delete(s.sessions, id)
	s.log.DebugContext(ctx, "memremote.abandon", slog.Int("id", int(id)))
	return nil
}

func (s *Service) GetSessions(ctx context.Context, ownerName string, userScope int) ([]installer.SessionInfo, error) {
	owner := identity.Identity{OwnerName: ownerName, UserScope: userScope}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []installer.SessionInfo
	for _, sess := range s.sessions {
		if !s.unscoped && sess.params.Owner != owner {
			continue
		}
		out = append(out, installer.SessionInfo{
			ID:        sess.id,
			Owner:     sess.params.Owner,
			CreatedAt: sess.createdAt,
			Committed: sess.committed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Params returns the creation parameters of id.
func (s *Service) Params(id installer.SessionID) (installer.Params, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return installer.Params{}, false
	}
	return sess.params, true
}

// Artifacts returns the artifact names written to id, in order.
func (s *Service) Artifacts(id installer.SessionID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return slices.Clone(sess.order)
	}
	return nil
}

// Artifact returns a copy of the bytes written to name in id.
func (s *Service) Artifact(id installer.SessionID, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	a, ok := sess.artifacts[name]
	if !ok {
		return nil, false
	}
	return slices.Clone(a.data), true
}

// FsyncCount returns the number of fsyncs issued on id.
func (s *Service) FsyncCount(id installer.SessionID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.fsyncs
	}
	return 0
}

// Exists reports whether id is still known to the service.
func (s *Service) Exists(id installer.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// Committed reports whether id was committed successfully.
func (s *Service) Committed(id installer.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return ok && sess.committed
}

// lookup returns the live session id or the error a handle operation
// reports. The caller holds s.mu.
func (s *Service) lookup(id installer.SessionID) (*session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, installer.ErrSessionNotFound)
	}
	if sess.dead {
		return nil, fmt.Errorf("session %d: %w", id, installer.ErrSessionDead)
	}
	return sess, nil
}

// takeFault removes and returns the pending write fault for name.
func (s *Service) takeFault(name string) (int64, bool) {
	for i, f := range s.faults {
		if f.name == name {
			s.faults = slices.Delete(s.faults, i, i+1)
			return f.after, true
		}
	}
	return 0, false
}

type handle struct {
	svc *Service
	id  installer.SessionID

	mu     sync.Mutex
	closed bool
}

func (h *handle) check() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("session %d handle is closed: %w", h.id, installer.ErrProtocolViolation)
	}
	return nil
}

func (h *handle) OpenWrite(ctx context.Context, name string, offset, length int64) (io.WriteCloser, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("empty artifact name: %w", installer.ErrBroker)
	}
	if offset < 0 || length < installer.UnknownLength {
		return nil, fmt.Errorf("invalid range offset=%d length=%d: %w", offset, length, installer.ErrBroker)
	}

	s := h.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookup(h.id)
	if err != nil {
		return nil, err
	}
	if sess.committing || sess.committed {
		return nil, fmt.Errorf("session %d is sealed: %w", h.id, installer.ErrProtocolViolation)
	}
	a, ok := sess.artifacts[name]
	var end int64
	if ok {
		end = int64(len(a.data))
	}
	if offset > end {
		return nil, fmt.Errorf("offset %d past end %d: %w", offset, end, installer.ErrBroker)
	}
	if !ok {
		a = &artifact{}
		sess.artifacts[name] = a
		sess.order = append(sess.order, name)
	}
	a.data = a.data[:offset]
	a.length = length

	w := &stream{h: h, name: name, a: a, offset: offset, length: length}
	if after, ok := s.takeFault(name); ok {
		w.failAfter = after
		w.fault = true
	}
	return w, nil
}

func (h *handle) Fsync(ctx context.Context, w io.WriteCloser) error {
	if err := h.check(); err != nil {
		return err
	}
	st, ok := w.(*stream)
	if !ok || st.h != h {
		return fmt.Errorf("stream does not belong to session %d: %w", h.id, installer.ErrProtocolViolation)
	}
	s := h.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookup(h.id)
	if err != nil {
		return err
	}
	sess.fsyncs++
	return nil
}

func (h *handle) Commit(ctx context.Context, receiver installer.ResultReceiver) error {
	if err := h.check(); err != nil {
		return err
	}
	if receiver == nil {
		return fmt.Errorf("nil result receiver: %w", installer.ErrBroker)
	}
	s := h.svc
	s.mu.Lock()
	sess, err := s.lookup(h.id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if sess.committing || sess.committed {
		s.mu.Unlock()
		return fmt.Errorf("session %d already committed: %w", h.id, installer.ErrProtocolViolation)
	}
	sess.committing = true
	res := installer.ResultFromStatus(0, "")
	if s.commitFault != nil {
		res = *s.commitFault
	}
	if res.Status == installer.StatusSuccess {
		sess.committed = true
	}
	mode, delay, dup := s.commitMode, s.commitDelay, s.duplicate
	s.mu.Unlock()

	deliver := func() {
		receiver(res.Code, res.Message)
		if dup {
			receiver(res.Code, res.Message)
		}
	}
	switch mode {
	case CommitSync:
		deliver()
	case CommitAsync:
		s.callbacks.Add(1)
		go func() {
			defer s.callbacks.Done()
			if delay > 0 {
				time.Sleep(delay)
			}
			deliver()
		}()
	case CommitNever:
	}
	return nil
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

type stream struct {
	h      *handle
	name   string
	a      *artifact
	offset int64
	length int64

	written   int64
	fault     bool
	failAfter int64
	tripped   bool
	closed    bool
}

func (w *stream) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write to closed stream %q: %w", w.name, installer.ErrProtocolViolation)
	}
	s := w.h.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(w.h.id); err != nil {
		return 0, err
	}
	if w.length >= 0 && w.written+int64(len(p)) > w.length {
		return 0, fmt.Errorf("stream %q exceeds declared length %d: %w", w.name, w.length, installer.ErrBroker)
	}
	n := len(p)
	var err error
	if w.fault && w.written+int64(n) > w.failAfter {
		n = int(max(0, w.failAfter-w.written))
		err = fmt.Errorf("stream %q: %w", w.name, ErrInjected)
		w.fault, w.tripped = false, true
	}
	w.a.data = append(w.a.data, p[:n]...)
	w.written += int64(n)
	return n, err
}

func (w *stream) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.length >= 0 && w.written != w.length && !w.tripped {
		return fmt.Errorf("stream %q closed after %d of %d bytes: %w", w.name, w.written, w.length, installer.ErrBroker)
	}
	return nil
}
