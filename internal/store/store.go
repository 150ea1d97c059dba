// ABOUTME: Store interface and data types for clyre-server persistence
// ABOUTME: Defines Thread, Message, User structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateOrder is returned when a message insert collides with an
// existing (thread_id, order) pair. Callers re-read the last order and retry.
var ErrDuplicateOrder = errors.New("duplicate message order")

// ErrDuplicateUser is returned when registering an email that already exists
var ErrDuplicateUser = errors.New("user already exists")

// Role constants for message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Thread represents one conversation between a user and the assistant
type Thread struct {
	ID        string
	UserID    string
	Title     string
	Starred   bool
	ProjectID *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message represents a single turn side within a thread.
// Order is the strictly increasing position of the message in its thread,
// starting at 0. Messages are append-only and never edited.
type Message struct {
	ID        string
	UserID    string
	ThreadID  string
	Role      string // "user" or "assistant"
	Content   string
	Hash      string // sha256 hex of content, for audit/dedup
	Order     int
	CreatedAt time.Time
}

// User represents an account that owns threads and messages
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
}

// Store defines the interface for thread and message persistence
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// Threads
	CreateThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, id, userID string) (*Thread, error)
	UpdateThreadTime(ctx context.Context, id string, at time.Time) error
	RenameThread(ctx context.Context, id, userID, title string) error
	StarThread(ctx context.Context, id, userID string, starred bool) error
	ListThreads(ctx context.Context, userID string, limit int) ([]*Thread, error)
	DeleteThread(ctx context.Context, id, userID string) error

	// Messages (append-only; deletion only via thread cascade)
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, threadID, userID string, limit int) ([]*Message, error)
	LastOrder(ctx context.Context, threadID, userID string) (int, error)

	// Close releases any resources held by the store
	Close() error
}
