// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package museweb

import (
	"context"
	"fmt"
	"net/http"

	"storj.io/common/uuid"
)

// Auth authenticates HTTP requests.
type Auth interface {
	// Authenticate returns the id of the user making the request.
	Authenticate(ctx context.Context, r *http.Request) (uuid.UUID, error)
}

// HeaderAuth trusts the user id set in a request header by the
// authenticating proxy in front of the server.
type HeaderAuth struct {
	Header string
}

// NewHeaderAuth creates a new HeaderAuth reading header.
func NewHeaderAuth(header string) *HeaderAuth {
	return &HeaderAuth{Header: header}
}

// Authenticate implements Auth.
func (a *HeaderAuth) Authenticate(ctx context.Context, r *http.Request) (uuid.UUID, error) {
	value := r.Header.Get(a.Header)
	if value == "" {
		return uuid.UUID{}, fmt.Errorf("%w: missing %s header", ErrAuthorizationFailed, a.Header)
	}

	userID, err := uuid.FromString(value)
	if err != nil || userID.IsZero() {
		return uuid.UUID{}, fmt.Errorf("%w: invalid user id", ErrAuthorizationFailed)
	}
	return userID, nil
}
