package activities

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-approval/backend/internal/domain"
	"credit-approval/backend/internal/engine"
	"credit-approval/backend/internal/logging"
	"credit-approval/backend/internal/notify"
	"credit-approval/backend/internal/rates"
	"credit-approval/backend/internal/repository"
)

type stubRates struct {
	rate float64
	err  error
}

func (s stubRates) USDRate(ctx context.Context) (float64, error) {
	return s.rate, s.err
}

type fixture struct {
	acts  *Activities
	ops   *repository.MemoryOperationStore
	queue *notify.MemoryQueue
}

func newFixture(t *testing.T, rc RateClient) *fixture {
	t.Helper()
	ops := repository.NewMemoryOperationStore()
	queue := notify.NewMemoryQueue()
	acts := New(ops, queue, rc, logging.NewLogger(), WithBackgroundDelay(0))
	return &fixture{acts: acts, ops: ops, queue: queue}
}

func input(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := engine.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestCreateOperation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, stubRates{rate: 5.0})
	op := domain.NewCreditOperation("op-1", "12345")

	_, err := f.acts.createOperation(ctx, input(t, op))
	require.NoError(t, err)

	stored, err := f.ops.Get(ctx, "op-1", "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInAnalysis, stored.Status)
	assert.Contains(t, f.queue.Peek(), "Successfully created operation 12345-op-1")

	_, err = f.acts.createOperation(ctx, input(t, op))
	require.Error(t, err)
	assert.True(t, engine.IsFatal(err), "duplicate create must not be retried")
}

func TestCheckInternalScore(t *testing.T) {
	f := newFixture(t, stubRates{})
	op := domain.NewCreditOperation("op-1", "12345")

	out, err := f.acts.checkInternalScore(context.Background(), input(t, op))
	require.NoError(t, err)
	score, ok := out.(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.Less(t, score, 1.0)
}

func TestCheckExternalBackground(t *testing.T) {
	f := newFixture(t, stubRates{})
	op := domain.NewCreditOperation("op-1", "12345")

	out, err := f.acts.checkExternalBackground(context.Background(), input(t, op))
	require.NoError(t, err)
	background, ok := out.(domain.ExternalBackground)
	require.True(t, ok)
	assert.Contains(t, domain.Backgrounds(), background)
}

func TestGetExchangeRate(t *testing.T) {
	ctx := context.Background()
	op := domain.NewCreditOperation("op-1", "12345")

	t.Run("returns the service rate", func(t *testing.T) {
		f := newFixture(t, stubRates{rate: 5.42})
		out, err := f.acts.getExchangeRate(ctx, input(t, op))
		require.NoError(t, err)
		assert.Equal(t, 5.42, out)
	})

	t.Run("degraded service yields the sentinel", func(t *testing.T) {
		f := newFixture(t, stubRates{err: rates.ErrUnavailable})
		out, err := f.acts.getExchangeRate(ctx, input(t, op))
		require.NoError(t, err)
		assert.Equal(t, float64(SentinelRate), out)
	})

	t.Run("transport errors stay retryable", func(t *testing.T) {
		f := newFixture(t, stubRates{err: context.DeadlineExceeded})
		_, err := f.acts.getExchangeRate(ctx, input(t, op))
		require.Error(t, err)
		assert.False(t, engine.IsFatal(err))
	})
}

func TestApproveCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, stubRates{})
	op := domain.NewCreditOperation("op-1", "12345")
	require.NoError(t, f.ops.Insert(ctx, op))

	payload := ApprovePayload{
		CambioRate:   5.2,
		Score:        0.8,
		PartitionKey: op.PartitionKey,
		RowKey:       op.RowKey,
		Identifier:   op.Identifier(),
	}
	_, err := f.acts.approveCredit(ctx, input(t, payload))
	require.NoError(t, err)

	stored, err := f.ops.Get(ctx, "op-1", "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, stored.Status)
	require.NotNil(t, stored.Score)
	assert.Equal(t, 0.8, *stored.Score)
	require.NotNil(t, stored.CambioRate)
	assert.Equal(t, 5.2, *stored.CambioRate)
	assert.Contains(t, f.queue.Peek(), "Credit Approved for operation: 12345-op-1 score: 0.8 cambio: 5.2")

	t.Run("missing record is fatal", func(t *testing.T) {
		payload := payload
		payload.PartitionKey, payload.RowKey = "ghost", "ghost"
		_, err := f.acts.approveCredit(ctx, input(t, payload))
		require.Error(t, err)
		assert.True(t, engine.IsFatal(err))
	})
}

func TestRejectCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, stubRates{})
	op := domain.NewCreditOperation("op-1", "12345")
	require.NoError(t, f.ops.Insert(ctx, op))

	payload := RejectPayload{
		Score:        0.1,
		Background:   domain.BackgroundClean,
		PartitionKey: op.PartitionKey,
		RowKey:       op.RowKey,
		Identifier:   op.Identifier(),
	}
	_, err := f.acts.rejectCredit(ctx, input(t, payload))
	require.NoError(t, err)

	stored, err := f.ops.Get(ctx, "op-1", "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, stored.Status)
	want := "Credit rejected for operation: 12345-op-1 score: 0.1 background check: Clean"
	assert.Equal(t, want, stored.RejectedReason)
	assert.Contains(t, f.queue.Peek(), want)
}

func TestExpireOperation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, stubRates{})
	op := domain.NewCreditOperation("op-1", "12345")
	require.NoError(t, f.ops.Insert(ctx, op))

	t.Run("expiring an unapproved operation is fatal", func(t *testing.T) {
		_, err := f.acts.expireOperation(ctx, input(t, op))
		require.Error(t, err)
		assert.True(t, engine.IsFatal(err))
	})

	stored, err := f.ops.Get(ctx, "op-1", "op-1")
	require.NoError(t, err)
	require.NoError(t, stored.Approve(0.8, 5.2))
	require.NoError(t, f.ops.Replace(ctx, stored))

	_, err = f.acts.expireOperation(ctx, input(t, op))
	require.NoError(t, err)

	stored, err = f.ops.Get(ctx, "op-1", "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, stored.Status)
	assert.Contains(t, f.queue.Peek(), "Credit operation: 12345-op-1 expired")
}

func TestAddToQueue(t *testing.T) {
	f := newFixture(t, stubRates{})
	_, err := f.acts.addToQueue(context.Background(), input(t, "hello there"))
	require.NoError(t, err)
	assert.Equal(t, []string{"hello there"}, f.queue.Peek())
}

func TestMonitorOperation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, stubRates{})
	op := domain.NewCreditOperation("op-1", "12345")
	require.NoError(t, f.ops.Insert(ctx, op))

	out, err := f.acts.monitorOperation(ctx, input(t, "op-1"))
	require.NoError(t, err)
	assert.Equal(t, false, out)
	assert.Contains(t, f.queue.Peek(), "Operation: 12345-op-1 for account: 12345 is InAnalysis")

	stored, err := f.ops.Get(ctx, "op-1", "op-1")
	require.NoError(t, err)
	require.NoError(t, stored.Reject("no"))
	require.NoError(t, f.ops.Replace(ctx, stored))

	out, err = f.acts.monitorOperation(ctx, input(t, "op-1"))
	require.NoError(t, err)
	assert.Equal(t, true, out)

	t.Run("missing operation is fatal", func(t *testing.T) {
		_, err := f.acts.monitorOperation(ctx, input(t, "ghost"))
		require.Error(t, err)
		assert.True(t, engine.IsFatal(err))
	})
}
