package sqlite

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/gatewarden/warden/internal"
)

// hashPassword returns the hex SHA-256 of salt||password. Passwords never
// leave this package in any other form.
func hashPassword(password, salt string) string {
	h := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(h[:])
}

func newSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CreateUser registers a new account with the given roles and scopes.
func (s *Store) CreateUser(ctx context.Context, username, password string, roles, scopes []string) (*gateway.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, gateway.ErrBadRequest
	}

	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return nil, err
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return nil, err
	}

	u := &gateway.User{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Username:  username,
		Roles:     roles,
		Scopes:    scopes,
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.write.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, salt, roles, scopes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, hashPassword(password, salt), salt,
		string(rolesJSON), string(scopesJSON),
		u.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, gateway.ErrConflict
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// VerifyCredentials checks a username/password pair against the registry.
func (s *Store) VerifyCredentials(ctx context.Context, username, password string) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, username, password_hash, salt, roles, scopes, created_at
		 FROM users WHERE username = ?`, strings.TrimSpace(username),
	)

	var u gateway.User
	var hash, salt, rolesJSON, scopesJSON, createdAt string
	err := row.Scan(&u.ID, &u.Username, &hash, &salt, &rolesJSON, &scopesJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Hash anyway so unknown users cost the same as wrong passwords.
		hashPassword(password, "missing")
		return nil, gateway.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	computed := hashPassword(password, salt)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}

	if err := json.Unmarshal([]byte(rolesJSON), &u.Roles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	if err := json.Unmarshal([]byte(scopesJSON), &u.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &u, nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
