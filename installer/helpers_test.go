package installer_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/installsession-go/identity"
	"github.com/ggoodman/installsession-go/installer"
	"github.com/stretchr/testify/require"
)

var (
	shell = identity.Identity{OwnerName: identity.DefaultShellName, UserScope: 0}
	store = identity.Identity{OwnerName: "com.example.store", UserScope: 10}
)

// sleepRecorder replaces the settle sleep and records every requested delay.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// source is an artifact source that remembers whether it was closed.
type source struct {
	*bytes.Reader
	closed atomic.Bool
}

func (s *source) Close() error {
	s.closed.Store(true)
	return nil
}

func newSource(data []byte) *source { return &source{Reader: bytes.NewReader(data)} }

func artifactOf(name string, data []byte) (installer.Artifact, *source) {
	src := newSource(data)
	return installer.Artifact{Name: name, Source: src, Size: int64(len(data))}, src
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// failingReader fails after returning n bytes.
type failingReader struct {
	n   int
	err error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, r.err
	}
	k := min(len(p), r.n)
	r.n -= k
	return k, nil
}

func (r *failingReader) Close() error { return nil }

var _ io.ReadCloser = (*failingReader)(nil)

func newBroker(t *testing.T, svc installer.Service, owner identity.Identity, opts ...installer.Option) *installer.Broker {
	t.Helper()
	return installer.NewBroker(svc, identity.NewContext(owner), opts...)
}

// openSession creates and opens a session through b.
func openSession(t *testing.T, b *installer.Broker) *installer.Session {
	t.Helper()
	ctx := context.Background()
	id, err := b.CreateSession(ctx, installer.ModeFullInstall, 0)
	require.NoError(t, err)
	s, err := b.OpenSession(ctx, id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
