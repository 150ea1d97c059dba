// ABOUTME: HTTP handlers for the chat endpoints - sync completion and NDJSON streaming
// ABOUTME: Streaming finalize also runs as a detached task so disconnects never lose a reply

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/clyre/clyre/internal/auth"
	"github.com/clyre/clyre/internal/chat"
	"github.com/clyre/clyre/internal/llama"
)

// ChatRequest is the JSON request body for POST /api/chat/response and /api/chat/stream
type ChatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
	Model    string `json:"model,omitempty"`
}

// ChatResponse is the JSON response for POST /api/chat/response
type ChatResponse struct {
	Response string `json:"response"`
	ThreadID string `json:"thread_id"`
}

// parseChatRequest parses and validates a ChatRequest from the given reader
func parseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Message == "" {
		return nil, errors.New("message is required")
	}
	return &req, nil
}

// handleChatResponse handles POST /api/chat/response requests. The whole
// completion is returned in one JSON object once the backend finishes.
func (s *Server) handleChatResponse(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		s.sendJSONError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	req, err := parseChatRequest(r.Body)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.chat.Respond(r.Context(), &chat.TurnRequest{
		UserID:   userID,
		Message:  req.Message,
		ThreadID: req.ThreadID,
		Model:    req.Model,
	})
	if err != nil {
		s.metrics.ObserveTurn("sync", "error")
		s.writeChatError(w, err)
		return
	}

	s.metrics.ObserveTurn("sync", "ok")
	s.writeJSON(w, http.StatusOK, ChatResponse{Response: resp.Response, ThreadID: resp.ThreadID})
}

// handleChatStream handles POST /api/chat/stream requests. Frames are written
// as newline-delimited JSON and flushed per frame. When the client goes away
// mid-stream the accumulated partial reply is still persisted by the
// detached finalize task.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		s.sendJSONError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	req, err := parseChatRequest(r.Body)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ts, err := s.chat.StreamTurn(r.Context(), &chat.TurnRequest{
		UserID:   userID,
		Message:  req.Message,
		ThreadID: req.ThreadID,
		Model:    req.Model,
	})
	if err != nil {
		s.metrics.ObserveTurn("stream", "error")
		s.writeChatError(w, err)
		return
	}

	defer func() { go ts.Finalize() }()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	sawDone := false
	for frame := range ts.Frames {
		if frame.Event == chat.EventNewChunk {
			s.metrics.chunksStreamed.Inc()
		}
		if frame.Event == chat.EventDone {
			sawDone = true
		}
		if err := enc.Encode(frame); err != nil {
			s.logger.Debug("client disconnected mid-stream", "thread_id", ts.ThreadID)
			break
		}
		flusher.Flush()
	}

	if sawDone {
		s.metrics.ObserveTurn("stream", "ok")
	} else {
		s.metrics.disconnects.Inc()
		s.metrics.ObserveTurn("stream", "disconnect")
	}
}

// writeChatError maps turn errors to HTTP status codes
func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		s.sendJSONError(w, http.StatusBadRequest, "message must not be empty")
	case errors.Is(err, chat.ErrThreadNotFound):
		s.sendJSONError(w, http.StatusNotFound, "thread not found")
	case errors.Is(err, chat.ErrMessageNotFound):
		s.sendJSONError(w, http.StatusNotFound, "no messages in thread")
	case errors.Is(err, llama.ErrBackendStatus):
		s.logger.Error("inference backend error", "error", err)
		s.sendJSONError(w, http.StatusBadGateway, "inference backend unavailable")
	default:
		s.logger.Error("chat turn failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
