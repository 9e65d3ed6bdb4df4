// package roles resolves actor identities to role sets. Role computation is an
// upstream concern; this package only looks the assignment up (static map) or
// reads it off a signed bearer token.
package roles

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// Resolver maps an actor id to the roles it holds.
type Resolver interface {
	ResolveRoles(ctx context.Context, actorID string) ([]string, error)
}

// HasRole reports whether the role set contains the role.
func HasRole(roleSet []string, role string) bool {
	for _, r := range roleSet {
		if r == role {
			return true
		}
	}
	return false
}

// HasAny reports whether the role set intersects allowed.
func HasAny(roleSet, allowed []string) bool {
	for _, r := range allowed {
		if HasRole(roleSet, r) {
			return true
		}
	}
	return false
}

// StaticResolver serves assignments from configuration. Unknown actors
// resolve to an empty role set, not an error.
type StaticResolver struct {
	assignments map[string][]string
}

func NewStaticResolver(assignments map[string][]string) *StaticResolver {
	if assignments == nil {
		assignments = map[string][]string{}
	}
	return &StaticResolver{assignments: assignments}
}

func (s *StaticResolver) ResolveRoles(ctx context.Context, actorID string) ([]string, error) {
	return append([]string(nil), s.assignments[actorID]...), nil
}

type ctxKey struct{}

type ctxRoles struct {
	actor string
	roles []string
}

// WithRoles stashes a verified actor's role set in the context so a
// ContextResolver can serve it without a second lookup.
func WithRoles(ctx context.Context, actor string, roleSet []string) context.Context {
	return context.WithValue(ctx, ctxKey{}, ctxRoles{actor: actor, roles: roleSet})
}

// ContextResolver serves roles previously verified into the context (token
// claims), deferring to Fallback for any other actor.
type ContextResolver struct {
	Fallback Resolver
}

func (c *ContextResolver) ResolveRoles(ctx context.Context, actorID string) ([]string, error) {
	if v, ok := ctx.Value(ctxKey{}).(ctxRoles); ok && v.actor == actorID {
		return append([]string(nil), v.roles...), nil
	}
	if c.Fallback != nil {
		return c.Fallback.ResolveRoles(ctx, actorID)
	}
	return nil, nil
}

// TokenVerifier validates actor bearer tokens against trusted public keys and
// extracts the subject and roles claim.
type TokenVerifier struct {
	keys []interface{}
}

// NewTokenVerifier loads trusted public keys from a PEM file (SPKI blocks or
// certificates).
func NewTokenVerifier(keysFile string) (*TokenVerifier, error) {
	data, err := os.ReadFile(keysFile)
	if err != nil {
		return nil, fmt.Errorf("read token keys: %w", err)
	}
	var keys []interface{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				continue
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no valid keys found in %s", keysFile)
	}
	return &TokenVerifier{keys: keys}, nil
}

// Verify parses and validates the token, returning the subject and roles claim.
func (v *TokenVerifier) Verify(tokenStr string) (subject string, roleSet []string, err error) {
	var token *jwt.Token
	for _, key := range v.keys {
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err == nil && token.Valid {
			break
		}
	}
	if err != nil {
		return "", nil, fmt.Errorf("token parse: %w", err)
	}
	if token == nil || !token.Valid {
		return "", nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", nil, fmt.Errorf("invalid claims")
	}
	subject, err = claims.GetSubject()
	if err != nil || subject == "" {
		return "", nil, fmt.Errorf("token missing subject")
	}
	rawRoles, ok := claims["roles"].([]interface{})
	if !ok {
		return "", nil, fmt.Errorf("token missing roles claim")
	}
	for _, r := range rawRoles {
		if s, ok := r.(string); ok {
			roleSet = append(roleSet, s)
		}
	}
	return subject, roleSet, nil
}
