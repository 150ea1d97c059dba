// ABOUTME: HTTP handlers for account endpoints - register, login, token refresh
// ABOUTME: These sit outside the bearer middleware

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/clyre/clyre/internal/auth"
	"github.com/clyre/clyre/internal/store"
)

// RegisterRequest is the JSON request body for POST /api/auth/register
type RegisterRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// LoginRequest is the JSON request body for POST /api/auth/login
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest is the JSON request body for POST /api/auth/refresh
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// AuthResponse is the JSON response for register and login
type AuthResponse struct {
	UserID string          `json:"user_id"`
	Email  string          `json:"email"`
	Name   string          `json:"name"`
	Tokens *auth.TokenPair `json:"tokens"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, pair, err := s.auth.Register(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, AuthResponse{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
		Tokens: pair,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, pair, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, AuthResponse{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
		Tokens: pair,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		s.sendJSONError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, pair)
}

// writeAuthError maps account errors to HTTP status codes without leaking
// which part of the credentials was wrong
func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrPasswordTooShort):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrEmailTaken), errors.Is(err, store.ErrDuplicateUser):
		s.sendJSONError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrWrongTokenUse):
		s.sendJSONError(w, http.StatusUnauthorized, "invalid token")
	default:
		s.logger.Error("auth request failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
