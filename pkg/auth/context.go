package auth

import (
	"context"
	"errors"

	"github.com/gwi-platform/governance/pkg/policy"
)

type contextKey string

const (
	principalKey contextKey = "principal"
)

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return nil, errors.New("no principal in context")
	}
	return p, nil
}

// GetTenantID is a helper to get the TenantID from the context's Principal.
func GetTenantID(ctx context.Context) (string, error) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return "", err
	}
	return p.GetTenantID(), nil
}

// ActorFromContext converts the authenticated Principal into the actor
// shape policy evaluation expects. Returns a zero Actor when no
// principal is present.
func ActorFromContext(ctx context.Context) policy.Actor {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return policy.Actor{}
	}
	a := policy.Actor{
		ID:    p.GetID(),
		Type:  p.GetType(),
		Teams: p.GetTeams(),
	}
	if roles := p.GetRoles(); len(roles) > 0 {
		a.Role = roles[0]
	}
	return a
}
