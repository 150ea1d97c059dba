// ABOUTME: Streaming turn lifecycle - frame emission and exactly-once assistant persistence
// ABOUTME: Finalize runs detached from the request context so disconnects never drop a reply

package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/clyre/clyre/internal/store"
)

// Stream frame event names, in emission order within a turn
const (
	EventUserMessageInsert      = "user_message_insert"
	EventNewChunk               = "new_chunk"
	EventAssistantMessageInsert = "assistant_message_insert"
	EventDone                   = "done"
)

// Frame is one element of a streaming turn. Chunk and ThreadID are pointers
// so absent values serialize as JSON null.
type Frame struct {
	Chunk    *string `json:"chunk"`
	Event    string  `json:"event"`
	ThreadID *string `json:"thread_id"`
}

// TurnStream is a live streaming turn. Frames must be drained by the caller;
// the channel closes when the turn ends for any reason. Finalize persists the
// assistant reply accumulated so far and is safe to call more than once.
type TurnStream struct {
	ThreadID string
	Frames   <-chan Frame

	mu    sync.Mutex
	parts strings.Builder

	once     sync.Once
	finalize func()
}

// Finalize persists the accumulated assistant content exactly once. The
// streaming goroutine calls it on the way out; the routing layer calls it
// again from a background task as a persistence backstop.
func (t *TurnStream) Finalize() {
	t.once.Do(t.finalize)
}

func (t *TurnStream) append(delta string) {
	t.mu.Lock()
	t.parts.WriteString(delta)
	t.mu.Unlock()
}

func (t *TurnStream) content() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.parts.String()
}

// StreamTurn starts a streaming turn: the user message is persisted before
// this returns, then a goroutine relays completion deltas as frames. The
// assistant reply is persisted when the delta stream ends, or with whatever
// partial content accumulated when the client disconnects mid-stream.
func (s *Service) StreamTurn(ctx context.Context, req *TurnRequest) (*TurnStream, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	client := s.gateway.Acquire(req.Model)

	_, threadID, err := s.saveMessage(ctx, client, req.UserID, req.Message, store.RoleUser, req.ThreadID)
	if err != nil {
		return nil, err
	}

	history, err := s.buildHistory(ctx, threadID, req.UserID)
	if err != nil {
		return nil, err
	}

	deltas, streamErrs, err := client.ChatCompletionStream(ctx, history, s.opts)
	if err != nil {
		return nil, fmt.Errorf("starting completion stream: %w", err)
	}

	frames := make(chan Frame, 16)
	ts := &TurnStream{ThreadID: threadID, Frames: frames}
	ts.finalize = func() {
		// Persisted even when empty: every started turn ends with exactly
		// one assistant message.
		content := ts.content()
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, _, err := s.saveMessage(pctx, client, req.UserID, content, store.RoleAssistant, threadID); err != nil {
			s.logger.Error("failed to persist assistant message", "thread_id", threadID, "error", err)
			return
		}
		s.logger.Debug("assistant message saved", "thread_id", threadID)
	}

	go s.relay(ctx, ts, frames, deltas, streamErrs, threadID)

	return ts, nil
}

// relay pumps backend deltas into frames and finalizes on every exit path.
// The completion frames are only emitted after a clean end of the delta
// stream; a cancelled context or a backend transport failure closes the
// channel without them.
func (s *Service) relay(ctx context.Context, ts *TurnStream, frames chan<- Frame, deltas <-chan string, streamErrs <-chan error, threadID string) {
	defer close(frames)
	defer ts.Finalize()

	send := func(f Frame) bool {
		select {
		case frames <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(Frame{Event: EventUserMessageInsert, ThreadID: &threadID}) {
		return
	}

	for {
		select {
		case delta, ok := <-deltas:
			if !ok {
				ts.Finalize()
				if err := <-streamErrs; err != nil {
					// Transport failure: the partial reply is already
					// persisted, but the client must not see completion
					s.logger.Error("completion stream failed", "thread_id", threadID, "error", err)
					return
				}
				send(Frame{Event: EventAssistantMessageInsert, ThreadID: &threadID})
				send(Frame{Event: EventDone})
				return
			}
			ts.append(delta)
			if !send(Frame{Chunk: &delta, Event: EventNewChunk}) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
