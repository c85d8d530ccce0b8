package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMissingCredential means the Authorization header is absent or does
	// not start with the exact "Bearer " prefix.
	ErrMissingCredential = errors.New("proxy: missing or malformed bearer token")
	// ErrInvalidCredential means the bearer token is not a known access token.
	ErrInvalidCredential = errors.New("proxy: invalid access token")
)

var bearerPrefix = []byte("Bearer ")

// bearerToken extracts the token from an Authorization header value. The
// prefix match is case-sensitive and nothing is trimmed from the token.
func bearerToken(header []byte) (string, bool) {
	if !bytes.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	return string(header[len(bearerPrefix):]), true
}

// authenticate checks the caller's access token against the store. It runs
// before any upstream I/O; on success it returns the token for rate
// limiting.
func (g *Gateway) authenticate(ctx context.Context, header []byte) (string, error) {
	token, ok := bearerToken(header)
	if !ok {
		return "", ErrMissingCredential
	}
	if token == "" {
		return "", ErrInvalidCredential
	}

	exists, err := g.store.TokenExists(ctx, token)
	if err != nil {
		return "", fmt.Errorf("proxy: token lookup: %w", err)
	}
	if !exists {
		return "", ErrInvalidCredential
	}
	return token, nil
}
