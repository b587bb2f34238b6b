// Package auth provides the identity of the caller of every hub request. Checkouts present
// an HS256 signed JSON web token issued with the hub's shared secret.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
)

// AnonymousSubject is the subject of callers of a hub that runs without a secret.
const AnonymousSubject = "anonymous"

const tokenIssuer = "changehub"

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	// Admin identities may act on behalf of every replica.
	Admin bool
}

// Anonymous is the identity of every caller when authentication is disabled. A hub without a
// secret trusts its network, so the identity is administrative.
var Anonymous = Identity{Subject: AnonymousSubject, Admin: true}

// Claims are the token claims.
type Claims struct {
	gojwt.RegisteredClaims
	Admin bool `json:"adm,omitempty"`
}

// Issuer signs tokens with the hub's secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer returns an issuer for the configured secret.
func NewIssuer(conf config.Auth) (*Issuer, error) {
	if conf.Token == "" {
		return nil, errors.New("no auth token configured")
	}
	return &Issuer{secret: []byte(conf.Token), now: time.Now}, nil
}

// Issue returns a signed token for subject. A zero ttl issues a token that never expires.
func (i *Issuer) Issue(subject string, admin bool, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("empty subject")
	}

	now := i.now()
	claims := Claims{
		RegisteredClaims: gojwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			Subject:  subject,
			IssuedAt: gojwt.NewNumericDate(now),
		},
		Admin: admin,
	}
	if ttl > 0 {
		claims.ExpiresAt = gojwt.NewNumericDate(now.Add(ttl))
	}

	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verifier authenticates requests.
type Verifier struct {
	secret        []byte
	transitioning bool
	parser        *gojwt.Parser
}

// NewVerifier returns a verifier for the configured secret. Without a secret every request is
// Anonymous.
func NewVerifier(conf config.Auth) *Verifier {
	return &Verifier{
		secret:        []byte(conf.Token),
		transitioning: conf.Transitioning,
		parser: gojwt.NewParser(
			gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
			gojwt.WithIssuer(tokenIssuer),
		),
	}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// Transitioning reports whether failed authentication is tolerated.
func (v *Verifier) Transitioning() bool { return v.transitioning }

// Verify checks a token and returns the identity it was issued to.
func (v *Verifier) Verify(token string) (Identity, error) {
	if !v.Enabled() {
		return Anonymous, nil
	}

	var claims Claims
	if _, err := v.parser.ParseWithClaims(token, &claims, func(*gojwt.Token) (interface{}, error) {
		return v.secret, nil
	}); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", commonerr.ErrUnauthenticated, err)
	}

	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token without subject", commonerr.ErrUnauthenticated)
	}

	return Identity{Subject: claims.Subject, Admin: claims.Admin}, nil
}

// Authenticate returns the identity of the request's bearer token.
func (v *Verifier) Authenticate(r *http.Request) (Identity, error) {
	if !v.Enabled() {
		return Anonymous, nil
	}

	token, err := BearerToken(r)
	if err != nil {
		return Identity{}, err
	}
	return v.Verify(token)
}

// BearerToken extracts the token of the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: missing authorization header", commonerr.ErrUnauthenticated)
	}

	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", fmt.Errorf("%w: malformed authorization header", commonerr.ErrUnauthenticated)
	}
	return header[len(prefix):], nil
}

// SetBearerToken sets the Authorization header of a request.
func SetBearerToken(r *http.Request, token string) {
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

type identityKey struct{}

// ContextWithIdentity attaches the identity to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity attached to the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// MayActFor reports whether the identity may act on behalf of a replica owned by owner.
func (id Identity) MayActFor(owner string) bool {
	return id.Admin || id.Subject == owner
}
