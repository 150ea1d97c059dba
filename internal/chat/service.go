// ABOUTME: Turn orchestration - persists user turns, drives the inference backend, persists replies
// ABOUTME: All messages flow through here; per-thread locking keeps order assignment linearized

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clyre/clyre/internal/llama"
	"github.com/clyre/clyre/internal/store"
)

// Turn errors surfaced to the routing layer
var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrEmptyMessage    = errors.New("message must not be empty")
)

// maxOrderRetries bounds the retry loop on an order-slot collision. With the
// per-thread lock held a collision only happens when another process shares
// the database file.
const maxOrderRetries = 3

// titlePrompt asks the model for a short thread title on thread creation
const titlePrompt = "Create a concise and descriptive title for the given message " +
	"(min. 4 words and up to 6 words (strict), use language of context given below):\n\n%s\n\nTitle:"

// maxTitleLen caps generated titles to the thread title column width
const maxTitleLen = 90

// defaultTitle is used when title generation fails
const defaultTitle = "New Thread"

// persistTimeout bounds finalize-side writes that run detached from the
// request context (the request may already be cancelled).
const persistTimeout = 5 * time.Second

// ChatStore defines what the service needs from storage
type ChatStore interface {
	CreateThread(ctx context.Context, thread *store.Thread) error
	GetThread(ctx context.Context, id, userID string) (*store.Thread, error)
	UpdateThreadTime(ctx context.Context, id string, at time.Time) error
	CreateMessage(ctx context.Context, msg *store.Message) error
	GetMessages(ctx context.Context, threadID, userID string, limit int) ([]*store.Message, error)
	LastOrder(ctx context.Context, threadID, userID string) (int, error)
}

// Completer is the inference backend surface the service drives
type Completer interface {
	ChatCompletionSync(ctx context.Context, history []llama.ChatMessage, opts llama.Options) (*llama.Completion, error)
	ChatCompletionStream(ctx context.Context, history []llama.ChatMessage, opts llama.Options) (<-chan string, <-chan error, error)
}

// Gateway resolves a model name to a completion client, swapping the
// active backend when the model differs from the current one.
type Gateway interface {
	Acquire(model string) Completer
}

// Service orchestrates turns: it persists the user side, builds the model
// context window, invokes the backend, and persists the assistant side.
type Service struct {
	store   ChatStore
	gateway Gateway
	opts    llama.Options
	locks   *threadLocks
	logger  *slog.Logger
}

// New creates a turn orchestration service
func New(chatStore ChatStore, gateway Gateway, opts llama.Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   chatStore,
		gateway: gateway,
		opts:    opts,
		locks:   newThreadLocks(),
		logger:  logger.With("component", "chat"),
	}
}

// TurnRequest carries one user utterance into the orchestrator
type TurnRequest struct {
	UserID   string
	Message  string
	ThreadID string // empty to start a new thread
	Model    string // empty for the configured default
}

// TurnResponse is the result of a synchronous turn
type TurnResponse struct {
	Response string
	ThreadID string
}

// Respond runs a full synchronous turn: persist the user message, request a
// blocking completion over the thread history, persist the assistant reply.
// No assistant message is written when the backend call fails.
func (s *Service) Respond(ctx context.Context, req *TurnRequest) (*TurnResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	client := s.gateway.Acquire(req.Model)

	_, threadID, err := s.saveMessage(ctx, client, req.UserID, req.Message, store.RoleUser, req.ThreadID)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("user message saved", "thread_id", threadID)

	history, err := s.buildHistory(ctx, threadID, req.UserID)
	if err != nil {
		return nil, err
	}

	completion, err := client.ChatCompletionSync(ctx, history, s.opts)
	if err != nil {
		return nil, fmt.Errorf("completion failed: %w", err)
	}

	if _, _, err := s.saveMessage(ctx, client, req.UserID, completion.Content, store.RoleAssistant, threadID); err != nil {
		return nil, err
	}

	return &TurnResponse{Response: completion.Content, ThreadID: threadID}, nil
}

// buildHistory returns the thread's messages as the model context window,
// in ascending order position. An empty thread reports ErrMessageNotFound.
func (s *Service) buildHistory(ctx context.Context, threadID, userID string) ([]llama.ChatMessage, error) {
	messages, err := s.store.GetMessages(ctx, threadID, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	if len(messages) == 0 {
		return nil, ErrMessageNotFound
	}

	history := make([]llama.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		history = append(history, llama.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	return history, nil
}

// saveMessage persists one turn side. When threadID is empty a new thread is
// created with a model-generated title; otherwise the thread must exist and
// belong to the user. The per-thread lock is held across the read-last-order
// and insert steps so concurrent turns never claim the same position.
func (s *Service) saveMessage(ctx context.Context, client Completer, userID, content, role, threadID string) (messageID, resolvedThreadID string, err error) {
	if threadID == "" {
		now := time.Now()
		thread := &store.Thread{
			ID:        uuid.New().String(),
			UserID:    userID,
			Title:     s.generateTitle(ctx, client, content),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.CreateThread(ctx, thread); err != nil {
			return "", "", fmt.Errorf("creating thread: %w", err)
		}
		threadID = thread.ID
		s.logger.Debug("thread created", "thread_id", threadID)
	} else {
		if _, err := s.store.GetThread(ctx, threadID, userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", "", ErrThreadNotFound
			}
			return "", "", fmt.Errorf("loading thread: %w", err)
		}
	}

	unlock := s.locks.Lock(threadID)
	defer unlock()

	var msg *store.Message
	for attempt := 0; ; attempt++ {
		lastOrder, err := s.store.LastOrder(ctx, threadID, userID)
		if err != nil {
			return "", "", fmt.Errorf("reading last order: %w", err)
		}

		msg = &store.Message{
			ID:        uuid.New().String(),
			UserID:    userID,
			ThreadID:  threadID,
			Role:      role,
			Content:   content,
			Order:     lastOrder + 1,
			CreatedAt: time.Now(),
		}

		err = s.store.CreateMessage(ctx, msg)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrDuplicateOrder) && attempt < maxOrderRetries {
			s.logger.Warn("order slot taken, retrying", "thread_id", threadID, "order", msg.Order)
			continue
		}
		return "", "", fmt.Errorf("saving message: %w", err)
	}

	if err := s.store.UpdateThreadTime(ctx, threadID, time.Now()); err != nil {
		return "", "", fmt.Errorf("updating thread time: %w", err)
	}

	return msg.ID, threadID, nil
}

// generateTitle asks the model for a short title for a new thread. A failed
// title call never fails the turn; the default title is used instead.
func (s *Service) generateTitle(ctx context.Context, client Completer, message string) string {
	prompt := fmt.Sprintf(titlePrompt, message)
	completion, err := client.ChatCompletionSync(ctx, []llama.ChatMessage{{Role: "user", Content: prompt}}, s.opts)
	if err != nil {
		s.logger.Warn("title generation failed", "error", err)
		return defaultTitle
	}

	title := completion.Content
	if runes := []rune(title); len(runes) > maxTitleLen {
		title = string(runes[:maxTitleLen])
	}
	title = strings.Trim(strings.TrimSpace(title), `"`)
	if title == "" {
		return defaultTitle
	}
	return title
}
