package pmshell

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrConnClosed indicates the shell connection is closed.
var ErrConnClosed = errors.New("pmshell: connection closed")

type pendingCall struct {
	respCh chan string
	errCh  chan error
	// onLine, when set, consumes the response on the reader goroutine
	// instead of respCh.
	onLine func(line string)
}

// Conn multiplexes package-manager commands over one shell's stdin and
// stdout. The shell answers commands in order, one line each, so responses
// are routed to pending calls first in, first out.
type Conn struct {
	w      io.Writer
	closer io.Closer
	log    *slog.Logger

	// wmu serializes commands and the raw bodies that follow them.
	wmu sync.Mutex

	mu    sync.Mutex
	queue []*pendingCall

	closed    atomic.Bool
	closeErr  error
	done      chan struct{}
	closeOnce sync.Once
	closeRes  error
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Conn) { c.log = l } }

// NewConn starts routing responses read from stdout. Closing the Conn closes
// stdin.
func NewConn(stdin io.WriteCloser, stdout io.Reader, opts ...Option) *Conn {
	c := &Conn{w: stdin, closer: stdin, log: slog.Default(), done: make(chan struct{})}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop(stdout)
	return c
}

type procCloser struct {
	stdin io.Closer
	cmd   *exec.Cmd
}

func (p procCloser) Close() error {
	err := p.stdin.Close()
	return errors.Join(err, p.cmd.Wait())
}

// Dial starts argv (e.g. "adb", "shell") and speaks the protocol over its
// stdio.
func Dial(ctx context.Context, argv []string, opts ...Option) (*Conn, error) {
	if len(argv) == 0 {
		return nil, errors.New("pmshell: empty shell command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	c := NewConn(stdin, stdout, opts...)
	c.closer = procCloser{stdin: stdin, cmd: cmd}
	return c, nil
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error the connection was closed with.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Conn) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		c.mu.Lock()
		var pc *pendingCall
		if len(c.queue) > 0 {
			pc = c.queue[0]
			c.queue = c.queue[1:]
		}
		c.mu.Unlock()
		if pc == nil {
			c.log.Warn("pmshell.unsolicited_line", slog.String("line", line))
			continue
		}
		if pc.onLine != nil {
			pc.onLine(line)
			continue
		}
		pc.respCh <- line
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.shutdown(errors.Join(ErrConnClosed, err))
}

// enqueue writes line and registers its pending call. The caller holds wmu.
func (c *Conn) enqueue(line string, onLine func(string)) (*pendingCall, error) {
	pc := &pendingCall{respCh: make(chan string, 1), errCh: make(chan error, 1), onLine: onLine}
	c.mu.Lock()
	if err := c.closeErr; err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.queue = append(c.queue, pc)
	c.mu.Unlock()

	c.log.Debug("pmshell.send", slog.String("cmd", line))
	if _, err := io.WriteString(c.w, line+"\n"); err != nil {
		// The stream is unusable once a partial command went out.
		c.shutdown(errors.Join(ErrConnClosed, err))
		return nil, err
	}
	return pc, nil
}

// await waits for the response of pc.
func (c *Conn) await(ctx context.Context, pc *pendingCall) (string, error) {
	select {
	case line := <-pc.respCh:
		return line, nil
	case err := <-pc.errCh:
		return "", err
	case <-ctx.Done():
		// The response still arrives later and is discarded into respCh.
		return "", ctx.Err()
	}
}

// Call sends one command and waits for its response line.
func (c *Conn) Call(ctx context.Context, line string) (string, error) {
	c.wmu.Lock()
	pc, err := c.enqueue(line, nil)
	c.wmu.Unlock()
	if err != nil {
		return "", err
	}
	return c.await(ctx, pc)
}

// Send sends one command whose response is handed to onLine on the reader
// goroutine. onLine is not called if the connection closes first.
func (c *Conn) Send(line string, onLine func(string)) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.enqueue(line, onLine)
	return err
}

func (c *Conn) shutdown(err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	c.closeErr = err
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, pc := range pending {
		pc.errCh <- err
	}
	close(c.done)
}

// Close fails all pending calls and closes the shell's stdin.
func (c *Conn) Close() error {
	c.shutdown(ErrConnClosed)
	c.closeOnce.Do(func() { c.closeRes = c.closer.Close() })
	return c.closeRes
}
