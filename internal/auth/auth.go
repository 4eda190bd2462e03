package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrUnauthorized is returned for missing or rejected credentials.
var ErrUnauthorized = errors.New("unauthorized")

// UserVerifier authenticates end-user bearer tokens. The real identity
// provider is external to this service; deployments without one run the
// static verifier.
type UserVerifier interface {
	// Verify returns the user id a valid token belongs to.
	Verify(ctx context.Context, token string) (string, error)
}

// staticVerifier treats the token itself as the user id. Good enough for
// single-host benches where the API is not exposed.
type staticVerifier struct{}

// NewStatic returns the pass-through verifier.
func NewStatic() UserVerifier {
	return staticVerifier{}
}

func (staticVerifier) Verify(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthorized
	}
	return token, nil
}

// WorkerAuthenticator checks the shared secret simulation workers present.
type WorkerAuthenticator struct {
	secret string
}

// NewWorkerAuthenticator builds the checker. An empty secret disables worker
// auth, which only makes sense on a trusted single host.
func NewWorkerAuthenticator(secret string) *WorkerAuthenticator {
	if secret == "" {
		log.Warn().Msg("Worker shared secret is empty, worker auth disabled")
	}
	return &WorkerAuthenticator{secret: secret}
}

// Verify compares in constant time.
func (a *WorkerAuthenticator) Verify(presented string) error {
	if a.secret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(a.secret), []byte(presented)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
