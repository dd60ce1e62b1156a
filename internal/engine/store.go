package engine

import (
	"context"
	"time"
)

// Store persists workflow instances, their histories and their pending
// commands. Implementations live in internal/repository.
type Store interface {
	// CreateInstance inserts a new instance record.
	CreateInstance(ctx context.Context, inst *Instance) error
	// UpdateInstance replaces the stored instance record.
	UpdateInstance(ctx context.Context, inst *Instance) error
	// GetInstance retrieves an instance by id.
	GetInstance(ctx context.Context, id string) (*Instance, error)
	// ListInstances returns instances of a workflow filtered by status and,
	// when from/to are non-zero, by creation time window.
	ListInstances(ctx context.Context, workflow string, status InstanceStatus, from, to time.Time) ([]*Instance, error)
	// GetChildInstance retrieves the child started for a parent suspension
	// point, if any.
	GetChildInstance(ctx context.Context, parentID string, parentSeq int) (*Instance, error)

	// AppendEvent appends one event to an instance history.
	AppendEvent(ctx context.Context, instanceID string, ev *Event) error
	// ListEvents returns an instance history in append order.
	ListEvents(ctx context.Context, instanceID string) ([]*Event, error)

	// SaveCommand persists a pending command.
	SaveCommand(ctx context.Context, instanceID string, cmd *Command) error
	// DeleteCommand removes a pending command once resolved or cancelled.
	DeleteCommand(ctx context.Context, instanceID string, seq int) error
	// ListCommands returns the pending commands of an instance.
	ListCommands(ctx context.Context, instanceID string) ([]*Command, error)
}
