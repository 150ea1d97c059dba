// Package server wires the HTTP API: chat endpoints, thread management,
// account endpoints, health and Prometheus metrics, plus server lifecycle
// with graceful shutdown.
package server
