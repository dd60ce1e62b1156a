package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"credit-approval/backend/internal/domain"
	"credit-approval/backend/internal/engine"
)

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	partition_key   TEXT NOT NULL,
	row_key         TEXT NOT NULL,
	account         TEXT NOT NULL,
	status          TEXT NOT NULL,
	rejected_reason TEXT NOT NULL DEFAULT '',
	score           DOUBLE PRECISION,
	cambio_rate     DOUBLE PRECISION,
	version         INT NOT NULL,
	PRIMARY KEY (partition_key, row_key)
);
CREATE TABLE IF NOT EXISTS instances (
	id         TEXT PRIMARY KEY,
	workflow   TEXT NOT NULL,
	input      JSONB,
	status     TEXT NOT NULL,
	output     JSONB,
	error      TEXT NOT NULL DEFAULT '',
	parent_id  TEXT NOT NULL DEFAULT '',
	parent_seq INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS instance_events (
	instance_id TEXT NOT NULL,
	pos         INT NOT NULL,
	seq         INT NOT NULL,
	kind        TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	payload     JSONB,
	error       TEXT NOT NULL DEFAULT '',
	at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (instance_id, pos)
);
CREATE TABLE IF NOT EXISTS instance_commands (
	instance_id TEXT NOT NULL,
	seq         INT NOT NULL,
	kind        TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	input       JSONB,
	due_at      TIMESTAMPTZ,
	PRIMARY KEY (instance_id, seq)
);
CREATE TABLE IF NOT EXISTS notifications (
	id         BIGSERIAL PRIMARY KEY,
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema creates the tables if they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// PostgresOperationStore is the Postgres implementation of OperationStore.
type PostgresOperationStore struct {
	db *pgxpool.Pool
}

// NewPostgresOperationStore creates a new PostgresOperationStore.
func NewPostgresOperationStore(db *pgxpool.Pool) *PostgresOperationStore {
	return &PostgresOperationStore{db: db}
}

// Insert stores a new operation.
func (s *PostgresOperationStore) Insert(ctx context.Context, op *domain.CreditOperation) error {
	op.Version = 1
	_, err := s.db.Exec(ctx,
		`INSERT INTO operations (partition_key, row_key, account, status, rejected_reason, score, cambio_rate, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		op.PartitionKey, op.RowKey, op.Account, op.Status, op.RejectedReason, op.Score, op.CambioRate, op.Version)
	if isUniqueViolation(err) {
		return ErrExists
	}
	return err
}

// Get retrieves an operation by key.
func (s *PostgresOperationStore) Get(ctx context.Context, partitionKey, rowKey string) (*domain.CreditOperation, error) {
	var op domain.CreditOperation
	err := s.db.QueryRow(ctx,
		`SELECT partition_key, row_key, account, status, rejected_reason, score, cambio_rate, version
		 FROM operations WHERE partition_key = $1 AND row_key = $2`,
		partitionKey, rowKey).
		Scan(&op.PartitionKey, &op.RowKey, &op.Account, &op.Status, &op.RejectedReason, &op.Score, &op.CambioRate, &op.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// Replace overwrites an operation, guarded by its Version.
func (s *PostgresOperationStore) Replace(ctx context.Context, op *domain.CreditOperation) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE operations
		 SET account = $3, status = $4, rejected_reason = $5, score = $6, cambio_rate = $7, version = version + 1
		 WHERE partition_key = $1 AND row_key = $2 AND version = $8`,
		op.PartitionKey, op.RowKey, op.Account, op.Status, op.RejectedReason, op.Score, op.CambioRate, op.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	op.Version++
	return nil
}

// PostgresInstanceStore is the Postgres implementation of engine.Store.
type PostgresInstanceStore struct {
	db *pgxpool.Pool
}

// NewPostgresInstanceStore creates a new PostgresInstanceStore.
func NewPostgresInstanceStore(db *pgxpool.Pool) *PostgresInstanceStore {
	return &PostgresInstanceStore{db: db}
}

// CreateInstance inserts a new instance record.
func (s *PostgresInstanceStore) CreateInstance(ctx context.Context, inst *engine.Instance) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO instances (id, workflow, input, status, output, error, parent_id, parent_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inst.ID, inst.Workflow, inst.Input, inst.Status, inst.Output, inst.Error,
		inst.ParentID, inst.ParentSeq, inst.CreatedAt, inst.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrExists
	}
	return err
}

// UpdateInstance replaces the stored instance record.
func (s *PostgresInstanceStore) UpdateInstance(ctx context.Context, inst *engine.Instance) error {
	_, err := s.db.Exec(ctx,
		`UPDATE instances SET status = $2, output = $3, error = $4, updated_at = $5 WHERE id = $1`,
		inst.ID, inst.Status, inst.Output, inst.Error, inst.UpdatedAt)
	return err
}

func scanInstance(row pgx.Row) (*engine.Instance, error) {
	var inst engine.Instance
	err := row.Scan(&inst.ID, &inst.Workflow, &inst.Input, &inst.Status, &inst.Output,
		&inst.Error, &inst.ParentID, &inst.ParentSeq, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

const instanceColumns = `id, workflow, input, status, output, error, parent_id, parent_seq, created_at, updated_at`

// GetInstance retrieves an instance by id.
func (s *PostgresInstanceStore) GetInstance(ctx context.Context, id string) (*engine.Instance, error) {
	return scanInstance(s.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id))
}

// GetChildInstance retrieves the child started for a parent suspension point.
func (s *PostgresInstanceStore) GetChildInstance(ctx context.Context, parentID string, parentSeq int) (*engine.Instance, error) {
	return scanInstance(s.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE parent_id = $1 AND parent_seq = $2`, parentID, parentSeq))
}

// ListInstances returns instances filtered by workflow, status and creation
// window. Empty workflow or status means no filter on that field.
func (s *PostgresInstanceStore) ListInstances(ctx context.Context, workflow string, status engine.InstanceStatus, from, to time.Time) ([]*engine.Instance, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+instanceColumns+` FROM instances
		 WHERE ($1 = '' OR workflow = $1)
		   AND ($2 = '' OR status = $2)
		   AND ($3::timestamptz IS NULL OR created_at >= $3)
		   AND ($4::timestamptz IS NULL OR created_at <= $4)
		 ORDER BY created_at`,
		workflow, string(status), nullableTime(from), nullableTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*engine.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// AppendEvent appends one event to an instance history.
func (s *PostgresInstanceStore) AppendEvent(ctx context.Context, instanceID string, ev *engine.Event) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO instance_events (instance_id, pos, seq, kind, name, payload, error, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		instanceID, ev.Pos, ev.Seq, ev.Kind, ev.Name, ev.Payload, ev.Error, ev.At)
	return err
}

// ListEvents returns an instance history in append order.
func (s *PostgresInstanceStore) ListEvents(ctx context.Context, instanceID string) ([]*engine.Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT pos, seq, kind, name, payload, error, at
		 FROM instance_events WHERE instance_id = $1 ORDER BY pos`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*engine.Event
	for rows.Next() {
		var ev engine.Event
		if err := rows.Scan(&ev.Pos, &ev.Seq, &ev.Kind, &ev.Name, &ev.Payload, &ev.Error, &ev.At); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// SaveCommand persists a pending command.
func (s *PostgresInstanceStore) SaveCommand(ctx context.Context, instanceID string, cmd *engine.Command) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO instance_commands (instance_id, seq, kind, name, input, due_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (instance_id, seq) DO NOTHING`,
		instanceID, cmd.Seq, cmd.Kind, cmd.Name, cmd.Input, nullableTime(cmd.DueAt))
	return err
}

// DeleteCommand removes a pending command.
func (s *PostgresInstanceStore) DeleteCommand(ctx context.Context, instanceID string, seq int) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM instance_commands WHERE instance_id = $1 AND seq = $2`, instanceID, seq)
	return err
}

// ListCommands returns the pending commands of an instance.
func (s *PostgresInstanceStore) ListCommands(ctx context.Context, instanceID string) ([]*engine.Command, error) {
	rows, err := s.db.Query(ctx,
		`SELECT seq, kind, name, input, due_at
		 FROM instance_commands WHERE instance_id = $1 ORDER BY seq`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*engine.Command
	for rows.Next() {
		var cmd engine.Command
		var due *time.Time
		if err := rows.Scan(&cmd.Seq, &cmd.Kind, &cmd.Name, &cmd.Input, &due); err != nil {
			return nil, err
		}
		if due != nil {
			cmd.DueAt = *due
		}
		out = append(out, &cmd)
	}
	return out, rows.Err()
}

// PostgresQueue is the Postgres-backed notification sink.
type PostgresQueue struct {
	db *pgxpool.Pool
}

// NewPostgresQueue creates a new PostgresQueue.
func NewPostgresQueue(db *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{db: db}
}

// Add appends a message to the queue.
func (q *PostgresQueue) Add(ctx context.Context, message string) error {
	_, err := q.db.Exec(ctx, `INSERT INTO notifications (message) VALUES ($1)`, message)
	return err
}

// Drain removes and returns all queued messages in append order.
func (q *PostgresQueue) Drain(ctx context.Context) ([]string, error) {
	rows, err := q.db.Query(ctx,
		`WITH drained AS (DELETE FROM notifications RETURNING id, message)
		 SELECT message FROM drained ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
