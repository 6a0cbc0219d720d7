package installer

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/installsession-go/identity"
)

// SessionID is the service-assigned handle of an install session.
type SessionID int

func (id SessionID) String() string { return strconv.Itoa(int(id)) }

// UnknownLength declares a write stream whose size is not known up front.
const UnknownLength int64 = -1

// Mode selects how a session's artifacts relate to an existing install.
type Mode int

const (
	// ModeFullInstall replaces every artifact of the package.
	ModeFullInstall Mode = 1
	// ModeInheritExisting keeps artifacts not written to the session.
	ModeInheritExisting Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeFullInstall:
		return "full-install"
	case ModeInheritExisting:
		return "inherit-existing"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeFullInstall || m == ModeInheritExisting }

// InstallFlags is a bitmask OR-ed into the session's base flags.
type InstallFlags uint32

const (
	// FlagReplaceExisting allows replacing an already installed package.
	FlagReplaceExisting InstallFlags = 0x00000002

	// FlagAllowTest allows installing packages marked test-only.
	FlagAllowTest InstallFlags = 0x00000004

	// FlagRequestDowngrade allows a lower version code than the installed one.
	FlagRequestDowngrade InstallFlags = 0x00000080

	// FlagGrantPermissions grants every requested runtime permission.
	FlagGrantPermissions InstallFlags = 0x00000100

	// FlagDontKillApp keeps the running app alive when adding split artifacts.
	FlagDontKillApp InstallFlags = 0x00001000
)

const knownFlags = FlagReplaceExisting | FlagAllowTest | FlagRequestDowngrade | FlagGrantPermissions | FlagDontKillApp

// Has reports whether all bits of x are set in f.
func (f InstallFlags) Has(x InstallFlags) bool { return f&x == x }

// Unknown returns the bits of f that have no defined meaning.
func (f InstallFlags) Unknown() InstallFlags { return f &^ knownFlags }

func (f InstallFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, n := range []struct {
		flag InstallFlags
		name string
	}{
		{FlagReplaceExisting, "replace-existing"},
		{FlagAllowTest, "allow-test"},
		{FlagRequestDowngrade, "request-downgrade"},
		{FlagGrantPermissions, "grant-permissions"},
		{FlagDontKillApp, "dont-kill"},
	} {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	if u := f.Unknown(); u != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(u), 16))
	}
	return strings.Join(parts, "|")
}

// Params are the creation parameters sent to the service.
type Params struct {
	Mode  Mode
	Flags InstallFlags
	Owner identity.Identity
}

// SessionInfo describes a session as reported by the service, decorated with
// the locally known state when this client created it.
type SessionInfo struct {
	ID        SessionID         `json:"id"`
	Owner     identity.Identity `json:"owner"`
	CreatedAt time.Time         `json:"created_at"`
	Committed bool              `json:"committed"`
	State     SessionState      `json:"state"`
}

// Artifact is one payload to stream into a session. The engine closes Source
// once the write finishes, successfully or not.
type Artifact struct {
	Name   string
	Source io.ReadCloser
	// Size is the declared length in bytes, or UnknownLength.
	Size int64
}

// ResultReceiver is the callback the service invokes exactly once with the
// commit outcome: status 0 for success, non-zero for failure, and an optional
// message. It may be called from any goroutine.
type ResultReceiver func(status int, message string)

// Service is the remote installer surface, consumed through an already
// connected proxy. Implementations return the sentinel errors of this package
// (ErrPermission, ErrSessionNotFound, ErrProtocolViolation, ErrSessionDead)
// so callers can classify failures.
type Service interface {
	CreateSession(ctx context.Context, p Params) (SessionID, error)
	OpenSession(ctx context.Context, id SessionID) (SessionHandle, error)
	AbandonSession(ctx context.Context, id SessionID) error
	// GetSessions lists the sessions of an owner. Services that cannot list
	// return an error matching errors.ErrUnsupported.
	GetSessions(ctx context.Context, ownerName string, userScope int) ([]SessionInfo, error)
}

// SessionHandle is bound to one open session.
type SessionHandle interface {
	// OpenWrite opens a named write stream at offset with a declared length
	// or UnknownLength.
	OpenWrite(ctx context.Context, name string, offset, length int64) (io.WriteCloser, error)
	// Fsync forces bytes written so far on stream to durable storage.
	Fsync(ctx context.Context, stream io.WriteCloser) error
	// Commit starts the asynchronous commit. The outcome arrives on receiver,
	// not in the return value.
	Commit(ctx context.Context, receiver ResultReceiver) error
	Close() error
}

// Status is the outcome of a commit.
type Status int

const (
	// StatusSuccess means the package was installed.
	StatusSuccess Status = iota
	// StatusFailure means the service rejected the install.
	StatusFailure
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failure"
}

// CommitResult is the single outcome delivered by the service for a session.
type CommitResult struct {
	Status Status `json:"status"`
	// Code is the raw status code reported by the service.
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// ResultFromStatus maps a raw callback status to a CommitResult.
func ResultFromStatus(code int, message string) CommitResult {
	st := StatusSuccess
	if code != 0 {
		st = StatusFailure
	}
	return CommitResult{Status: st, Code: code, Message: message}
}
