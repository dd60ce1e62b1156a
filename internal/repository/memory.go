package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"credit-approval/backend/internal/domain"
	"credit-approval/backend/internal/engine"
)

// MemoryOperationStore is an in-process OperationStore for dev mode and
// tests. Semantics match the Postgres store, including version conflicts.
type MemoryOperationStore struct {
	mu  sync.Mutex
	ops map[string]domain.CreditOperation
}

// NewMemoryOperationStore creates an empty MemoryOperationStore.
func NewMemoryOperationStore() *MemoryOperationStore {
	return &MemoryOperationStore{ops: make(map[string]domain.CreditOperation)}
}

func opKey(partitionKey, rowKey string) string {
	return partitionKey + "/" + rowKey
}

// Insert stores a new operation.
func (s *MemoryOperationStore) Insert(ctx context.Context, op *domain.CreditOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := opKey(op.PartitionKey, op.RowKey)
	if _, ok := s.ops[key]; ok {
		return ErrExists
	}
	op.Version = 1
	s.ops[key] = *op
	return nil
}

// Get retrieves an operation by key.
func (s *MemoryOperationStore) Get(ctx context.Context, partitionKey, rowKey string) (*domain.CreditOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[opKey(partitionKey, rowKey)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := op
	return &cp, nil
}

// Replace overwrites an operation, guarded by its Version.
func (s *MemoryOperationStore) Replace(ctx context.Context, op *domain.CreditOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := opKey(op.PartitionKey, op.RowKey)
	cur, ok := s.ops[key]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != op.Version {
		return ErrConflict
	}
	op.Version++
	s.ops[key] = *op
	return nil
}

// MemoryInstanceStore is an in-process engine.Store for dev mode and tests.
type MemoryInstanceStore struct {
	mu        sync.Mutex
	instances map[string]engine.Instance
	events    map[string][]engine.Event
	commands  map[string]map[int]engine.Command
}

// NewMemoryInstanceStore creates an empty MemoryInstanceStore.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[string]engine.Instance),
		events:    make(map[string][]engine.Event),
		commands:  make(map[string]map[int]engine.Command),
	}
}

// CreateInstance inserts a new instance record.
func (s *MemoryInstanceStore) CreateInstance(ctx context.Context, inst *engine.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return ErrExists
	}
	s.instances[inst.ID] = *inst
	return nil
}

// UpdateInstance replaces the stored instance record.
func (s *MemoryInstanceStore) UpdateInstance(ctx context.Context, inst *engine.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return ErrNotFound
	}
	s.instances[inst.ID] = *inst
	return nil
}

// GetInstance retrieves an instance by id.
func (s *MemoryInstanceStore) GetInstance(ctx context.Context, id string) (*engine.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, engine.ErrInstanceNotFound
	}
	cp := inst
	return &cp, nil
}

// ListInstances returns instances filtered by workflow, status and creation
// window. Empty workflow or status means no filter on that field.
func (s *MemoryInstanceStore) ListInstances(ctx context.Context, workflow string, status engine.InstanceStatus, from, to time.Time) ([]*engine.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Instance
	for _, inst := range s.instances {
		if workflow != "" && inst.Workflow != workflow {
			continue
		}
		if status != "" && inst.Status != status {
			continue
		}
		if !from.IsZero() && inst.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && inst.CreatedAt.After(to) {
			continue
		}
		cp := inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetChildInstance retrieves the child started for a parent suspension point.
func (s *MemoryInstanceStore) GetChildInstance(ctx context.Context, parentID string, parentSeq int) (*engine.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.ParentID == parentID && inst.ParentSeq == parentSeq {
			cp := inst
			return &cp, nil
		}
	}
	return nil, engine.ErrInstanceNotFound
}

// AppendEvent appends one event to an instance history.
func (s *MemoryInstanceStore) AppendEvent(ctx context.Context, instanceID string, ev *engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[instanceID] = append(s.events[instanceID], *ev)
	return nil
}

// ListEvents returns an instance history in append order.
func (s *MemoryInstanceStore) ListEvents(ctx context.Context, instanceID string) ([]*engine.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[instanceID]
	out := make([]*engine.Event, len(events))
	for i := range events {
		cp := events[i]
		out[i] = &cp
	}
	return out, nil
}

// SaveCommand persists a pending command.
func (s *MemoryInstanceStore) SaveCommand(ctx context.Context, instanceID string, cmd *engine.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[instanceID]; !ok {
		s.commands[instanceID] = make(map[int]engine.Command)
	}
	s.commands[instanceID][cmd.Seq] = *cmd
	return nil
}

// DeleteCommand removes a pending command.
func (s *MemoryInstanceStore) DeleteCommand(ctx context.Context, instanceID string, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.commands[instanceID], seq)
	return nil
}

// ListCommands returns the pending commands of an instance.
func (s *MemoryInstanceStore) ListCommands(ctx context.Context, instanceID string) ([]*engine.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmds := s.commands[instanceID]
	out := make([]*engine.Command, 0, len(cmds))
	for _, cmd := range cmds {
		cp := cmd
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
