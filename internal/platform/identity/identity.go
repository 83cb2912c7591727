// Package identity propagates caller identity between services via trusted
// internal headers. Authentication itself is owned by the (external) gateway;
// core services only read what it forwards.
package identity

import (
	"context"
	"net/http"
	"strings"
)

const (
	HeaderSubject = "X-Populus-Subject"
	HeaderTenant  = "X-Populus-Tenant"
	HeaderRoles   = "X-Populus-Roles"
)

type Identity struct {
	Subject  string
	TenantID string
	Roles    []string
}

type contextKey struct{}

// FromRequest extracts the forwarded identity. A missing subject yields the
// zero Identity; callers that require one should check Subject themselves.
func FromRequest(r *http.Request) Identity {
	return Identity{
		Subject:  strings.TrimSpace(r.Header.Get(HeaderSubject)),
		TenantID: strings.TrimSpace(r.Header.Get(HeaderTenant)),
		Roles:    parseCSV(r.Header.Get(HeaderRoles)),
	}
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
