package repository

import (
	"context"
	"errors"

	"credit-approval/backend/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrExists is returned when an insert collides with an existing key.
var ErrExists = errors.New("record already exists")

// ErrConflict is returned when a replace loses an optimistic-concurrency
// race. Callers should re-read and retry.
var ErrConflict = errors.New("record version conflict")

// OperationStore is the durable key-value table of credit operations, keyed
// by (partitionKey, rowKey).
type OperationStore interface {
	// Insert stores a new operation. Returns ErrExists on a key collision.
	Insert(ctx context.Context, op *domain.CreditOperation) error
	// Get retrieves an operation by key. Returns ErrNotFound when absent.
	Get(ctx context.Context, partitionKey, rowKey string) (*domain.CreditOperation, error)
	// Replace overwrites an operation, guarded by its Version. Returns
	// ErrConflict when the stored version no longer matches; on success the
	// operation's Version is bumped.
	Replace(ctx context.Context, op *domain.CreditOperation) error
}
