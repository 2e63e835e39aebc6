package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/goevery/relay/internal/ierr"
	"github.com/golang-jwt/jwt/v5"
)

const Audience = "relay"

type Authentication struct {
	Subject string
	IsAdmin bool
}

type contextKey string

const authenticationKey contextKey = "authentication"

func WithAuthentication(ctx context.Context, auth *Authentication) context.Context {
	return context.WithValue(ctx, authenticationKey, auth)
}

func AuthenticationFromContext(ctx context.Context) (*Authentication, bool) {
	auth, ok := ctx.Value(authenticationKey).(*Authentication)
	return auth, ok
}

// Authenticator validates user credentials for realtime connections and API
// keys for the administrative endpoints.
type Authenticator struct {
	secret    []byte
	apiKeys   []string
	jwtParser *jwt.Parser
}

func NewAuthenticator(secret string, apiKeys []string) *Authenticator {
	jwtParser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithAudience(Audience),
	)

	return &Authenticator{
		secret:    []byte(secret),
		apiKeys:   apiKeys,
		jwtParser: jwtParser,
	}
}

func (a *Authenticator) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("unexpected signing method")
	}
	return a.secret, nil
}

// ValidateCredential returns the user id carried by a signed token.
func (a *Authenticator) ValidateCredential(tokenString string) (string, error) {
	if tokenString == "" {
		return "", unauthenticated(errors.New("missing credential"))
	}

	claims := jwt.RegisteredClaims{}

	_, err := a.jwtParser.ParseWithClaims(tokenString, &claims, a.keyFunc)
	if err != nil {
		return "", unauthenticated(err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", unauthenticated(errors.New("invalid subject claim"))
	}

	return subject, nil
}

func (a *Authenticator) AuthenticateAPIKey(apiKey string) (*Authentication, error) {
	for _, key := range a.apiKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			return &Authentication{
				Subject: "api",
				IsAdmin: true,
			}, nil
		}
	}

	return nil, unauthenticated(errors.New("invalid api key"))
}

func unauthenticated(cause error) error {
	return ierr.New(ierr.ErrorCodeUnauthenticated, fmt.Errorf("%w: %w", ierr.ErrAuthenticationFailed, cause))
}
