// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/gatewarden/warden/internal"
)

// UserStore manages the user registry behind the login and register
// endpoints. The gateway core only consumes this interface; the registry
// itself is an external collaborator.
type UserStore interface {
	// CreateUser registers a new account. Returns gateway.ErrConflict when
	// the username is taken.
	CreateUser(ctx context.Context, username, password string, roles, scopes []string) (*gateway.User, error)
	// VerifyCredentials checks a username/password pair. Returns
	// gateway.ErrUnauthorized on unknown user or wrong password.
	VerifyCredentials(ctx context.Context, username, password string) (*gateway.User, error)
}
