// Package llama is the client for the llama.cpp inference backend.
//
// # Overview
//
// The package exposes the backend as three operations:
//
//   - WaitForStartup: a startup gate that polls /health until success
//   - ChatCompletionSync: one blocking completion request
//   - ChatCompletionStream: a finite channel of content deltas plus an
//     error channel reporting a mid-stream transport failure
//
// # Streaming
//
// The streaming call parses the backend's SSE framing line by line. Frames
// without a textual delta (usage/timing summaries) are logged and skipped,
// and a frame that fails to parse never aborts the stream. The delta channel
// closes on the [DONE] sentinel, a dropped connection, or context
// cancellation; a dropped connection additionally sends one error on the
// error channel before it closes, so callers can tell a severed stream
// from a clean completion.
//
// # Model Swapping
//
// Provider holds the process-wide current Client in an atomic pointer.
// Requesting a different model compare-and-swaps a freshly constructed
// Client in; requests already streaming keep the Client they captured, so
// a swap never changes a stream underneath its consumer.
package llama
