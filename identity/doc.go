// Package identity resolves the (owner name, user scope) pair under which
// install sessions are created and later listed.
//
// The owner depends on the privilege level of the service that performs the
// installation on the caller's behalf. A service running as root installs as
// the calling application itself, scoped to the caller's user. A service
// running with shell privileges installs as the shell package in the primary
// user.
//
// Resolve once per transaction and carry the result in a Context. The Context
// also carries the legacy token state that older service versions require,
// so nothing about authorization lives in process-wide variables.
//
//	r := identity.Resolver{Checker: svc, SelfName: "com.example.app"}
//	id, err := r.Resolve(ctx)
//	if err != nil { return err }
//	ictx := identity.NewContext(id)
package identity
