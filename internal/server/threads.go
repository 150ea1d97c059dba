// ABOUTME: HTTP handlers for thread management - list, rename, star, delete, messages
// ABOUTME: Every operation is scoped to the authenticated user

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/clyre/clyre/internal/auth"
	"github.com/clyre/clyre/internal/store"
)

// ThreadResponse is the JSON shape for a thread in list responses
type ThreadResponse struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Starred   bool    `json:"starred"`
	ProjectID *string `json:"project_id"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// MessageResponse is the JSON shape for a message in history responses
type MessageResponse struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Order     int    `json:"order"`
	CreatedAt string `json:"created_at"`
}

// RenameThreadRequest is the JSON request body for POST /api/thread/{id}/rename
type RenameThreadRequest struct {
	Title string `json:"title"`
}

// StarThreadRequest is the JSON request body for POST /api/thread/{id}/star
type StarThreadRequest struct {
	Starred bool `json:"starred"`
}

// handleListThreads handles GET /api/thread/all, newest activity first
func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		s.sendJSONError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	threads, err := s.store.ListThreads(r.Context(), userID, 0)
	if err != nil {
		s.logger.Error("failed to list threads", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]ThreadResponse, 0, len(threads))
	for _, t := range threads {
		resp = append(resp, threadResponse(t))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleThreadMessages handles GET /api/thread/{id}/messages in ascending order
func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		s.sendJSONError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	threadID := r.PathValue("id")
	if _, err := s.store.GetThread(r.Context(), threadID, userID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	messages, err := s.store.GetMessages(r.Context(), threadID, userID, 0)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	resp := make([]MessageResponse, 0, len(messages))
	for _, m := range messages {
		resp = append(resp, MessageResponse{
			ID:        m.ID,
			ThreadID:  m.ThreadID,
			Role:      m.Role,
			Content:   m.Content,
			Order:     m.Order,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleRenameThread handles POST /api/thread/{id}/rename
func (s *Server) handleRenameThread(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		s.sendJSONError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req RenameThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		s.sendJSONError(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := s.store.RenameThread(r.Context(), r.PathValue("id"), userID, req.Title); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

// handleStarThread handles POST /api/thread/{id}/star
func (s *Server) handleStarThread(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		s.sendJSONError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req StarThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.store.StarThread(r.Context(), r.PathValue("id"), userID, req.Starred); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"starred": req.Starred})
}

// handleDeleteThread handles DELETE /api/thread/{id}; messages cascade
func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		s.sendJSONError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	if err := s.store.DeleteThread(r.Context(), r.PathValue("id"), userID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "thread not found")
		return
	}
	s.logger.Error("store error", "error", err)
	s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
}

func threadResponse(t *store.Thread) ThreadResponse {
	return ThreadResponse{
		ID:        t.ID,
		Title:     t.Title,
		Starred:   t.Starred,
		ProjectID: t.ProjectID,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: t.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
