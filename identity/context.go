package identity

// Context is the per-transaction authorization state. It is a value; derive
// new contexts instead of mutating shared ones.
type Context struct {
	Identity Identity
	// Legacy marks a service generation that authorizes callers by token
	// instead of a runtime permission.
	Legacy bool
	// TokenValid is set once a legacy token has been accepted.
	TokenValid bool
}

// NewContext returns a Context for a permission-based (non-legacy) service.
func NewContext(id Identity) Context { return Context{Identity: id} }

// NewLegacyContext returns a Context that stays unauthorized until a token is
// accepted by a TokenAuthorizer.
func NewLegacyContext(id Identity) Context { return Context{Identity: id, Legacy: true} }

// Authorized reports whether sessions may be created or opened.
func (c Context) Authorized() bool {
	return !c.Legacy || c.TokenValid
}
