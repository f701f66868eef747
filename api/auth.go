/*
auth.go - Actor identification for audited requests

PURPOSE:
  Every write is audited with an actor. This middleware decides who the
  actor is and puts it on the request context.

MODES:
  JWT (JWT_SECRET set):
    Authorization: Bearer <HS256 token>
    Claims: sub -> Actor.ID, email -> Actor.Email
    A missing or invalid token is rejected with 401 on every /api route.

  Headers (no secret, development):
    X-Actor-ID, X-Actor-Email
    Missing headers leave the actor empty; services then refuse writes.

SEE ALSO:
  - server.go: Middleware registration
  - tips/tips.go: requireActor
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/tip-ledger/ledger"
)

type actorKey struct{}

// WithActor returns ctx carrying a.
func WithActor(ctx context.Context, a ledger.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the request's actor, or the zero Actor.
func ActorFrom(ctx context.Context) ledger.Actor {
	a, _ := ctx.Value(actorKey{}).(ledger.Actor)
	return a
}

// ActorMiddleware identifies the caller. With an empty secret it trusts
// the X-Actor-* headers.
func ActorMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				a := ledger.Actor{
					ID:    strings.TrimSpace(r.Header.Get("X-Actor-ID")),
					Email: strings.TrimSpace(r.Header.Get("X-Actor-Email")),
				}
				next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), a)))
				return
			}

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
				return
			}
			a, err := parseToken(secret, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), a)))
		})
	}
}

func parseToken(secret, raw string) (ledger.Actor, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return ledger.Actor{}, err
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return ledger.Actor{}, errors.New("invalid claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return ledger.Actor{}, errors.New("token has no subject")
	}
	email, _ := claims["email"].(string)
	return ledger.Actor{ID: sub, Email: email}, nil
}

// SignToken issues an HS256 token for a. Used by operators' tooling and
// tests; the ledger itself has no login flow.
func SignToken(secret string, a ledger.Actor, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":   a.ID,
		"email": a.Email,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
