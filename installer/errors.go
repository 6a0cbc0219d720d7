package installer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPermission indicates the identity lacks rights to create or open
	// sessions.
	ErrPermission = errors.New("permission denied")
	// ErrBroker indicates the service rejected a request or its parameters.
	ErrBroker = errors.New("request rejected by installer service")
	// ErrSessionNotFound indicates a stale or foreign session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrProtocolViolation indicates caller misuse such as a double commit,
	// a write after commit, or abandoning a committed session.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrTransfer indicates an I/O failure while streaming an artifact.
	ErrTransfer = errors.New("artifact transfer failed")
	// ErrCommitFailed indicates the service reported a failed commit.
	ErrCommitFailed = errors.New("commit failed")
	// ErrTimeout indicates the commit outcome never arrived; the true outcome
	// is unknown.
	ErrTimeout = errors.New("timed out waiting for commit result")
	// ErrSessionDead indicates the service reported the session itself died.
	ErrSessionDead = errors.New("session died")
)

// Error is the structured error returned by every stage. Kind is one of the
// sentinels above; Err is the underlying cause. Both match errors.Is.
type Error struct {
	Op        string
	SessionID SessionID
	Kind      error
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("installer: ")
	b.WriteString(e.Op)
	if e.SessionID != 0 {
		fmt.Fprintf(&b, " session %d", e.SessionID)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil && e.Err != e.Kind {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, id SessionID, kind, err error) *Error {
	return &Error{Op: op, SessionID: id, Kind: kind, Err: err}
}

func violation(op string, id SessionID, format string, args ...any) *Error {
	return newError(op, id, ErrProtocolViolation, fmt.Errorf(format, args...))
}

// classify wraps a service error, keeping the kind the service reported and
// falling back to def.
func classify(op string, id SessionID, err, def error) *Error {
	var ie *Error
	if errors.As(err, &ie) {
		return ie
	}
	for _, kind := range []error{ErrPermission, ErrSessionNotFound, ErrProtocolViolation, ErrSessionDead, ErrBroker} {
		if errors.Is(err, kind) {
			return newError(op, id, kind, err)
		}
	}
	return newError(op, id, def, err)
}

// CommitError reports a commit the service resolved as a failure. It is a
// normal outcome, returned alongside the CommitResult.
type CommitError struct {
	SessionID SessionID
	Result    CommitResult
}

func (e *CommitError) Error() string {
	msg := e.Result.Message
	if msg == "" {
		msg = "no message"
	}
	return fmt.Sprintf("installer: commit session %d: status %d: %s", e.SessionID, e.Result.Code, msg)
}

func (e *CommitError) Unwrap() error { return ErrCommitFailed }
