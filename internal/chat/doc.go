// Package chat orchestrates conversation turns between storage and the
// inference backend. It owns order assignment within a thread, thread
// creation with generated titles, and the streaming turn lifecycle with
// exactly-once assistant persistence.
package chat
