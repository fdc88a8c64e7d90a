package registry

import "context"

// Session is what a client needs to reach a service on behalf of a user:
// the endpoint URL and the authentication token to send with each call.
type Session struct {
	Endpoint string
	Token    string
}

// Resolver produces the session of a client. Resolve may perform network
// calls; clients invoke it at most once at a time.
type Resolver interface {
	Resolve(ctx context.Context) (Session, error)
}

type ResolverFunc func(ctx context.Context) (Session, error)

func (f ResolverFunc) Resolve(ctx context.Context) (Session, error) { return f(ctx) }

// Static returns a resolver that always yields s.
func Static(s Session) Resolver {
	return ResolverFunc(func(context.Context) (Session, error) { return s, nil })
}
