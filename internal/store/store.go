// Package store holds the upstream credentials and caller access tokens the
// gateway reads on every request.
//
// The gateway itself only reads: it takes a fresh credential snapshot per
// request and checks token membership. Writes (AddCredential, IssueToken, ...)
// exist for the operator tooling in cmd/gatewayctl.
package store

import (
	"context"
	"errors"
	"time"
)

type (
	// Credential is one upstream secret, labelled for logs (usually an email).
	Credential struct {
		ID     int64
		Label  string
		Secret string
	}

	// AccessToken is an opaque bearer secret a caller presents to the gateway.
	AccessToken struct {
		ID        int64
		Secret    string
		CreatedAt time.Time
	}
)

// ErrNotFound is returned by delete operations when the row does not exist.
var ErrNotFound = errors.New("store: not found")

// CredentialLister returns the current credential set in insertion order.
type CredentialLister interface {
	ListCredentials(ctx context.Context) ([]Credential, error)
}

// TokenChecker reports whether secret is a known access token.
type TokenChecker interface {
	TokenExists(ctx context.Context, secret string) (bool, error)
}

// Reader is everything the request path needs.
type Reader interface {
	CredentialLister
	TokenChecker
}
