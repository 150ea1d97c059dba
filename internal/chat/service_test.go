// ABOUTME: Tests for turn orchestration - persistence ordering, titles, error paths
// ABOUTME: Uses the real SQLite store with a scripted fake completion backend

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clyre/clyre/internal/llama"
	"github.com/clyre/clyre/internal/store"
)

// fakeCompleter replays scripted responses; each sync call pops the next
// entry from responses, each stream call replays deltas.
type fakeCompleter struct {
	mu        sync.Mutex
	responses []scripted
	deltas    []string
	step      chan struct{} // when set, each delta waits for one tick
	streamErr error         // fails the stream request up front
	midwayErr error         // cuts the stream after the deltas are delivered
	syncCalls int
}

type scripted struct {
	content string
	err     error
}

func (f *fakeCompleter) ChatCompletionSync(ctx context.Context, history []llama.ChatMessage, opts llama.Options) (*llama.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls++
	if len(f.responses) == 0 {
		return &llama.Completion{Content: "ok"}, nil
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	if next.err != nil {
		return nil, next.err
	}
	return &llama.Completion{Content: next.content}, nil
}

func (f *fakeCompleter) ChatCompletionStream(ctx context.Context, history []llama.ChatMessage, opts llama.Options) (<-chan string, <-chan error, error) {
	if f.streamErr != nil {
		return nil, nil, f.streamErr
	}
	out := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for _, d := range f.deltas {
			if f.step != nil {
				select {
				case <-f.step:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
		if f.midwayErr != nil {
			errc <- f.midwayErr
		}
	}()
	return out, errc, nil
}

type fakeGateway struct {
	client *fakeCompleter
}

func (g *fakeGateway) Acquire(model string) Completer { return g.client }

func newTestService(t *testing.T, client *fakeCompleter) (*Service, *store.SQLiteStore, string) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	user := &store.User{
		ID:           "user-1",
		Email:        "dev@example.com",
		Name:         "Dev",
		PasswordHash: "x",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, st.CreateUser(context.Background(), user))

	logger := slog.New(slog.DiscardHandler)
	svc := New(st, &fakeGateway{client: client}, llama.Options{MaxTokens: 800, Temperature: 0.7}, logger)
	return svc, st, user.ID
}

func TestRespondNewThread(t *testing.T) {
	client := &fakeCompleter{responses: []scripted{
		{content: "Friendly Greeting From The User"},
		{content: "hello!"},
	}}
	svc, st, userID := newTestService(t, client)

	resp, err := svc.Respond(context.Background(), &TurnRequest{UserID: userID, Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello!", resp.Response)
	require.NotEmpty(t, resp.ThreadID)

	thread, err := st.GetThread(context.Background(), resp.ThreadID, userID)
	require.NoError(t, err)
	assert.Equal(t, "Friendly Greeting From The User", thread.Title)

	messages, err := st.GetMessages(context.Background(), resp.ThreadID, userID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, "hi", messages[0].Content)
	assert.Equal(t, 0, messages[0].Order)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)
	assert.Equal(t, "hello!", messages[1].Content)
	assert.Equal(t, 1, messages[1].Order)
}

func TestRespondExistingThreadContinuesOrder(t *testing.T) {
	client := &fakeCompleter{responses: []scripted{
		{content: "A Short Title For Testing"},
		{content: "first reply"},
		{content: "second reply"},
	}}
	svc, st, userID := newTestService(t, client)

	resp1, err := svc.Respond(context.Background(), &TurnRequest{UserID: userID, Message: "one"})
	require.NoError(t, err)

	resp2, err := svc.Respond(context.Background(), &TurnRequest{UserID: userID, Message: "two", ThreadID: resp1.ThreadID})
	require.NoError(t, err)
	assert.Equal(t, resp1.ThreadID, resp2.ThreadID)

	messages, err := st.GetMessages(context.Background(), resp1.ThreadID, userID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	for i, msg := range messages {
		assert.Equal(t, i, msg.Order)
	}
	assert.Equal(t, "second reply", messages[3].Content)
}

func TestRespondEmptyMessage(t *testing.T) {
	svc, _, userID := newTestService(t, &fakeCompleter{})

	_, err := svc.Respond(context.Background(), &TurnRequest{UserID: userID, Message: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestRespondUnknownThread(t *testing.T) {
	svc, _, userID := newTestService(t, &fakeCompleter{})

	_, err := svc.Respond(context.Background(), &TurnRequest{UserID: userID, Message: "hi", ThreadID: "nope"})
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestRespondOtherUsersThreadHidden(t *testing.T) {
	client := &fakeCompleter{responses: []scripted{
		{content: "Some Title Words Here Now"},
		{content: "reply"},
	}}
	svc, st, userID := newTestService(t, client)

	other := &store.User{ID: "user-2", Email: "other@example.com", Name: "Other", PasswordHash: "x", CreatedAt: time.Now()}
	require.NoError(t, st.CreateUser(context.Background(), other))

	resp, err := svc.Respond(context.Background(), &TurnRequest{UserID: userID, Message: "hi"})
	require.NoError(t, err)

	_, err = svc.Respond(context.Background(), &TurnRequest{UserID: other.ID, Message: "hi", ThreadID: resp.ThreadID})
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestRespondBackendFailureKeepsUserMessage(t *testing.T) {
	client := &fakeCompleter{responses: []scripted{
		{content: "Title For A Failing Turn"},
		{err: errors.New("backend down")},
	}}
	svc, st, userID := newTestService(t, client)

	_, err := svc.Respond(context.Background(), &TurnRequest{UserID: userID, Message: "hi"})
	require.Error(t, err)

	threads, err := st.ListThreads(context.Background(), userID, 0)
	require.NoError(t, err)
	require.Len(t, threads, 1)

	messages, err := st.GetMessages(context.Background(), threads[0].ID, userID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.RoleUser, messages[0].Role)
}

func TestGenerateTitleFallback(t *testing.T) {
	client := &fakeCompleter{responses: []scripted{
		{err: errors.New("no model loaded")},
		{content: "reply"},
	}}
	svc, st, userID := newTestService(t, client)

	resp, err := svc.Respond(context.Background(), &TurnRequest{UserID: userID, Message: "hi"})
	require.NoError(t, err)

	thread, err := st.GetThread(context.Background(), resp.ThreadID, userID)
	require.NoError(t, err)
	assert.Equal(t, "New Thread", thread.Title)
}

func TestGenerateTitleTrimsAndTruncates(t *testing.T) {
	long := `"  ` + strings.Repeat("x", 120) + `  "`

	client := &fakeCompleter{responses: []scripted{
		{content: long},
		{content: "reply"},
	}}
	svc, st, userID := newTestService(t, client)

	resp, err := svc.Respond(context.Background(), &TurnRequest{UserID: userID, Message: "hi"})
	require.NoError(t, err)

	thread, err := st.GetThread(context.Background(), resp.ThreadID, userID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(thread.Title), 90)
	assert.NotContains(t, thread.Title, `"`)
}

func TestConcurrentTurnsGetDistinctOrders(t *testing.T) {
	client := &fakeCompleter{}
	svc, st, userID := newTestService(t, client)

	thread := &store.Thread{ID: "t-conc", UserID: userID, Title: "conc", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, st.CreateThread(context.Background(), thread))

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Respond(context.Background(), &TurnRequest{
				UserID:   userID,
				Message:  fmt.Sprintf("msg %d", i),
				ThreadID: thread.ID,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	messages, err := st.GetMessages(context.Background(), thread.ID, userID, 0)
	require.NoError(t, err)
	require.Len(t, messages, workers*2)

	seen := make(map[int]bool, len(messages))
	for _, msg := range messages {
		assert.False(t, seen[msg.Order], "order %d assigned twice", msg.Order)
		seen[msg.Order] = true
	}
	for i := 0; i < workers*2; i++ {
		assert.True(t, seen[i], "order %d missing", i)
	}
}
