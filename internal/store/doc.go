// Package store provides persistent storage for clyre-server using SQLite.
//
// # Data Models
//
//   - User: Account owning threads and messages
//   - Thread: One conversation, sorted by denormalized updated_at
//   - Message: One turn side, positioned by a strictly increasing per-thread order
//
// # Ordering
//
// Message positions are unique within a thread: the schema enforces
// UNIQUE(thread_id, "order"). Inserting into an occupied slot returns
// ErrDuplicateOrder so callers can re-read LastOrder and retry. LastOrder
// reports -1 for an empty (or missing) thread, so the first message gets
// order 0.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Deleting a thread cascades to its messages; individual messages are never
// deleted or edited.
//
// # Error Handling
//
//   - ErrNotFound: Requested entity does not exist (or belongs to another user)
//   - ErrDuplicateOrder: Message order slot already taken
//   - ErrDuplicateUser: Email already registered
//
// All methods accept context.Context for cancellation support.
package store
