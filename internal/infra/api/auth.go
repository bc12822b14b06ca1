package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"generation-reconciler/internal/infra/logging"
)

var errMissingToken = errors.New("missing token")

// OwnerClaims identify the balance owner a request acts for. The owner id
// travels in the subject.
type OwnerClaims struct {
	jwt.RegisteredClaims
}

// Authenticator mints and verifies HS256 owner tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Mint issues a token for ownerID.
func (a *Authenticator) Mint(ownerID string) (string, error) {
	if ownerID == "" {
		return "", errors.New("owner id is required")
	}
	now := a.now()
	claims := OwnerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			Subject:   ownerID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Parse(tok string) (*OwnerClaims, error) {
	claims := &OwnerClaims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil || !tkn.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// ParseFromRequest reads "Authorization: Bearer <jwt>", falling back to the
// access_token query parameter, which browsers need for websockets.
func (a *Authenticator) ParseFromRequest(r *http.Request) (*OwnerClaims, error) {
	if hdr := r.Header.Get("Authorization"); hdr != "" {
		if strings.HasPrefix(strings.ToLower(hdr), "bearer ") {
			return a.Parse(strings.TrimSpace(hdr[7:]))
		}
		return nil, errors.New("malformed authorization header")
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return a.Parse(tok)
	}
	return nil, errMissingToken
}

type ownerKey struct{}

// RequireOwner rejects requests without a valid owner token.
func (a *Authenticator) RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.ParseFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey{}, claims.Subject)
		ctx = logging.WithOwnerID(ctx, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OwnerFrom returns the authenticated owner stored by RequireOwner.
func OwnerFrom(ctx context.Context) string {
	s, _ := ctx.Value(ownerKey{}).(string)
	return s
}
