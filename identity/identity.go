package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"
)

const (
	// RootUID is the uid of a fully privileged service.
	RootUID = 0
	// ShellUID is the uid of a service running with shell privileges.
	ShellUID = 2000
	// PerUserRange is the number of uids reserved for each user; a uid's user
	// scope is uid / PerUserRange.
	PerUserRange = 100000
	// DefaultShellName is the owner used when the service is not root.
	DefaultShellName = "com.android.shell"
)

// ErrUnresolved is returned when no owner name can be derived.
var ErrUnresolved = errors.New("identity: unable to resolve owner")

// Identity is the owner under which sessions are created and listed.
type Identity struct {
	OwnerName string `json:"owner" yaml:"owner"`
	UserScope int    `json:"user_scope" yaml:"user_scope"`
}

func (i Identity) String() string {
	return i.OwnerName + "/" + strconv.Itoa(i.UserScope)
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool { return i.OwnerName == "" && i.UserScope == 0 }

// PrivilegeChecker reports the uid the installer service runs as.
type PrivilegeChecker interface {
	ServiceUID(ctx context.Context) (int, error)
}

// PrivilegeFunc adapts a function to PrivilegeChecker.
type PrivilegeFunc func(ctx context.Context) (int, error)

func (f PrivilegeFunc) ServiceUID(ctx context.Context) (int, error) { return f(ctx) }

// ProcessUID returns the real uid of the current process.
func ProcessUID() int { return unix.Getuid() }

// Resolver derives an Identity from the service's privilege level.
type Resolver struct {
	// Checker reports the service uid. Required.
	Checker PrivilegeChecker
	// SelfName is the owner used when the service is root.
	SelfName string
	// ShellName is the owner used otherwise. Defaults to DefaultShellName.
	ShellName string
	// LocalUID returns the caller's uid. Defaults to ProcessUID.
	LocalUID func() int
}

// Resolve performs the privilege check and maps it to an Identity. Errors
// from the checker are returned wrapped and unchanged in kind.
func (r Resolver) Resolve(ctx context.Context) (Identity, error) {
	if r.Checker == nil {
		return Identity{}, fmt.Errorf("%w: no privilege checker", ErrUnresolved)
	}
	uid, err := r.Checker.ServiceUID(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: privilege check: %w", err)
	}

	if uid == RootUID {
		if r.SelfName == "" {
			return Identity{}, fmt.Errorf("%w: service is root but no self name configured", ErrUnresolved)
		}
		local := ProcessUID
		if r.LocalUID != nil {
			local = r.LocalUID
		}
		return Identity{OwnerName: r.SelfName, UserScope: local() / PerUserRange}, nil
	}

	name := r.ShellName
	if name == "" {
		name = DefaultShellName
	}
	return Identity{OwnerName: name, UserScope: 0}, nil
}
