package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/gatewarden/warden/internal"
)

// maxCredentialBody bounds login/register request bodies.
const maxCredentialBody = 1 << 20

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// defaultRoles and defaultScopes are granted to every self-registered
// account. Privileged grants are an operator concern, not a registration one.
var (
	defaultRoles  = []string{"user"}
	defaultScopes = []string{"read", "write"}
)

// handleLogin verifies a username/password pair and issues an access token.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	user, err := s.deps.Users.VerifyCredentials(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, gateway.ErrUnauthorized) {
			writeJSON(w, http.StatusUnauthorized, errorResponse("invalid username or password"))
			return
		}
		slog.Error("credential check failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}

	token, expiresIn, err := s.deps.Tokens.Issue(user.Username, user.Roles, user.Scopes)
	if err != nil {
		slog.Error("token issue failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   expiresIn,
	})
}

// handleRegister creates a new account with the default role and scope grants.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	user, err := s.deps.Users.CreateUser(r.Context(), req.Username, req.Password, defaultRoles, defaultScopes)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrConflict):
			writeJSON(w, http.StatusConflict, errorResponse("username already taken"))
		case errors.Is(err, gateway.ErrBadRequest):
			writeJSON(w, http.StatusBadRequest, errorResponse("username and password are required"))
		default:
			slog.Error("user creation failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		}
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// decodeCredentials parses and validates a credentials body, writing the
// error response itself when the body is unusable.
func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	var req credentialsRequest
	body := http.MaxBytesReader(w, r.Body, maxCredentialBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return req, false
	}
	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("username and password are required"))
		return req, false
	}
	return req, true
}
