// ABOUTME: HTTP client for the llama.cpp inference server
// ABOUTME: Provides a startup gate plus blocking and streaming chat completions

package llama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrBackendStatus is returned when the inference backend answers a
// completion request with a non-success HTTP status.
var ErrBackendStatus = errors.New("inference backend returned non-success status")

// Backoff intervals for the startup gate. An unhealthy-but-reachable
// backend retries sooner than one that refuses connections outright.
const (
	unhealthyBackoff   = 2 * time.Second
	unreachableBackoff = 5 * time.Second
)

// ChatMessage is one entry of the model context window
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries per-request generation parameters
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Usage holds token accounting reported by the backend
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the decoded result of a blocking completion call
type Completion struct {
	ID      string
	Content string
	Usage   Usage
	Timings json.RawMessage
}

// Client talks to one llama.cpp server for one model. A Client is bound to
// its (baseURL, model) pair at construction and never mutated, so in-flight
// requests are unaffected by model swaps in the Provider.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the given backend URL and model name
func NewClient(baseURL, model string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 100 * time.Second},
		logger:     slog.Default().With("component", "llama", "model", model),
	}
}

// Model returns the model name this client serves
func (c *Client) Model() string {
	return c.model
}

// WaitForStartup polls the backend health endpoint until it answers with
// success. It backs off briefly on an unhealthy response and longer on a
// connection failure, and only gives up when ctx is cancelled. This is a
// startup gate: it must complete before the service accepts traffic.
func (c *Client) WaitForStartup(ctx context.Context) error {
	c.logger.Info("waiting for inference backend", "url", c.baseURL)

	for {
		backoff, err := c.probeHealth(ctx)
		if err == nil {
			c.logger.Info("inference backend ready")
			return nil
		}

		c.logger.Debug("backend not ready", "error", err, "retry_in", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// probeHealth performs one health check and reports the retry backoff on failure
func (c *Client) probeHealth(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return unreachableBackoff, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return unhealthyBackoff, fmt.Errorf("health status %d", resp.StatusCode)
	}

	return 0, nil
}

type completionPayload struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type syncResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage   Usage           `json:"usage"`
	Timings json.RawMessage `json:"timings"`
}

// streamChunk is one decoded SSE data frame of a streaming completion
type streamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage   json.RawMessage `json:"usage"`
	Timings json.RawMessage `json:"timings"`
}

func (c *Client) newCompletionRequest(ctx context.Context, history []ChatMessage, opts Options, stream bool) (*http.Request, error) {
	payload := completionPayload{
		Model:       c.model,
		Messages:    history,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      stream,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

// ChatCompletionSync sends the full history as one blocking completion
// request and returns the decoded result with usage/timing metadata.
func (c *Client) ChatCompletionSync(ctx context.Context, history []ChatMessage, opts Options) (*Completion, error) {
	req, err := c.newCompletionRequest(ctx, history, opts, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %d", ErrBackendStatus, resp.StatusCode)
	}

	var decoded syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding completion: %w", err)
	}

	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("completion response has no choices")
	}

	c.logger.Info("completion finished",
		"id", decoded.ID,
		"prompt_tokens", decoded.Usage.PromptTokens,
		"completion_tokens", decoded.Usage.CompletionTokens,
		"timings", string(decoded.Timings),
	)

	return &Completion{
		ID:      decoded.ID,
		Content: decoded.Choices[0].Message.Content,
		Usage:   decoded.Usage,
		Timings: decoded.Timings,
	}, nil
}

// ChatCompletionStream opens a streaming completion request and returns a
// channel of content deltas plus an error channel. The delta channel is
// finite and non-restartable: it closes when the backend signals
// end-of-stream, the connection drops, or ctx is cancelled. After the delta
// channel closes, the error channel reports whether the stream ended cleanly
// (closed empty) or was cut by a transport failure (one wrapped error, then
// closed). Frames that carry no textual delta (usage/timing summaries) are
// logged and skipped; frames that fail to parse are logged and skipped
// without aborting the stream.
func (c *Client) ChatCompletionStream(ctx context.Context, history []ChatMessage, opts Options) (<-chan string, <-chan error, error) {
	req, err := c.newCompletionRequest(ctx, history, opts, true)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("stream request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, nil, fmt.Errorf("%w: %d", ErrBackendStatus, resp.StatusCode)
	}

	deltas := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errc)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "" {
				continue
			}

			if data == "[DONE]" {
				break
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				c.logger.Error("failed to decode stream chunk", "error", err, "line", line)
				continue
			}

			if len(chunk.Choices) == 0 {
				// Summary frame: carries usage/timings but no delta
				if len(chunk.Usage) > 0 || len(chunk.Timings) > 0 {
					c.logger.Info("stream finished",
						"id", chunk.ID,
						"usage", string(chunk.Usage),
						"timings", string(chunk.Timings),
					)
				}
				continue
			}

			token := chunk.Choices[0].Delta.Content
			if token == "" {
				continue
			}

			select {
			case deltas <- token:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			c.logger.Error("stream read failed", "error", err)
			errc <- fmt.Errorf("stream read: %w", err)
		}
	}()

	return deltas, errc, nil
}
