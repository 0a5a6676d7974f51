// Package auth resolves the caller of an HTTP request to a user identity.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

type Identity struct {
	UserID string
}

// Authenticator resolves r to an identity. ok is false for anonymous requests;
// err is reserved for failures of the authenticator itself.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, bool, error)
}

type AuthenticatorFunc func(r *http.Request) (Identity, bool, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (Identity, bool, error) {
	return f(r)
}

// StaticTokens maps bearer tokens to user ids.
type StaticTokens map[string]string

var _ Authenticator = StaticTokens{}

// ParseTokens reads "token=user" pairs.
func ParseTokens(pairs []string) (StaticTokens, error) {
	ret := StaticTokens{}
	for _, p := range pairs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		token, user, ok := strings.Cut(p, "=")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, errors.Errorf("invalid auth token %q, expected token=user", p)
		}
		ret[token] = user
	}
	return ret, nil
}

func (t StaticTokens) Authenticate(r *http.Request) (Identity, bool, error) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return Identity{}, false, nil
	}
	user, ok := t[strings.TrimSpace(token)]
	if !ok {
		return Identity{}, false, nil
	}
	return Identity{UserID: user}, true, nil
}

// TrustedHeader takes the user id from a header set by an authenticating proxy.
type TrustedHeader string

func (h TrustedHeader) Authenticate(r *http.Request) (Identity, bool, error) {
	if h == "" {
		return Identity{}, false, nil
	}
	user := strings.TrimSpace(r.Header.Get(string(h)))
	if user == "" {
		return Identity{}, false, nil
	}
	return Identity{UserID: user}, true, nil
}

// Chain tries each authenticator in turn and returns the first identity found.
type Chain []Authenticator

func (c Chain) Authenticate(r *http.Request) (Identity, bool, error) {
	for _, a := range c {
		if a == nil {
			continue
		}
		id, ok, err := a.Authenticate(r)
		if err != nil {
			return Identity{}, false, err
		}
		if ok {
			return id, true, nil
		}
	}
	return Identity{}, false, nil
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.UserID != ""
}
