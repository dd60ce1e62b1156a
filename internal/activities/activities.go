// Package activities holds the side-effecting units of work invoked by the
// credit workflows. Activities run outside the engine's replay boundary:
// their results are recorded once and served from history on replay, and the
// engine retries them on transient failures.
package activities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"credit-approval/backend/internal/domain"
	"credit-approval/backend/internal/engine"
	"credit-approval/backend/internal/logging"
	"credit-approval/backend/internal/notify"
	"credit-approval/backend/internal/rates"
	"credit-approval/backend/internal/repository"
)

// Activity names, used for registration and scheduling.
const (
	CreateCreditOperation   = "CreateCreditOperation"
	CheckInternalScore      = "CheckInternalScore"
	CheckExternalBackground = "CheckExternalBackground"
	GetExchangeRate         = "GetExchangeRate"
	ApproveCredit           = "ApproveCredit"
	RejectCredit            = "RejectCredit"
	ExpireCreditOperation   = "MakeCreditOperationExpired"
	AddToQueue              = "AddToQueue"
	MonitorCreditOperation  = "MonitorCreditOperation"
)

// SentinelRate is stored when the exchange-rate lookup fails with a degraded
// response. It is not a valid rate; callers must treat it as "unavailable".
const SentinelRate = -1

// RateClient looks up the current USD exchange rate.
type RateClient interface {
	USDRate(ctx context.Context) (float64, error)
}

// ApprovePayload is the input of the ApproveCredit activity.
type ApprovePayload struct {
	CambioRate   float64 `json:"cambioRate"`
	Score        float64 `json:"score"`
	PartitionKey string  `json:"partitionKey"`
	RowKey       string  `json:"rowKey"`
	Identifier   string  `json:"identifier"`
}

// RejectPayload is the input of the RejectCredit activity.
type RejectPayload struct {
	Score        float64                   `json:"score"`
	Background   domain.ExternalBackground `json:"background"`
	PartitionKey string                    `json:"partitionKey"`
	RowKey       string                    `json:"rowKey"`
	Identifier   string                    `json:"identifier"`
}

// Activities bundles the dependencies the activity set needs.
type Activities struct {
	ops             repository.OperationStore
	queue           notify.Queue
	rates           RateClient
	logger          *logging.Logger
	backgroundDelay time.Duration
}

// Option configures the activity set.
type Option func(*Activities)

// WithBackgroundDelay overrides the simulated latency of the external
// background check. Tests set it to zero.
func WithBackgroundDelay(d time.Duration) Option {
	return func(a *Activities) { a.backgroundDelay = d }
}

// New creates the activity set.
func New(ops repository.OperationStore, queue notify.Queue, rc RateClient, logger *logging.Logger, opts ...Option) *Activities {
	a := &Activities{
		ops:             ops,
		queue:           queue,
		rates:           rc,
		logger:          logger,
		backgroundDelay: time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register registers every activity with the engine registry.
func (a *Activities) Register(r *engine.Registry) {
	r.RegisterActivity(CreateCreditOperation, a.createOperation)
	r.RegisterActivity(CheckInternalScore, a.checkInternalScore)
	r.RegisterActivity(CheckExternalBackground, a.checkExternalBackground)
	r.RegisterActivity(GetExchangeRate, a.getExchangeRate)
	r.RegisterActivity(ApproveCredit, a.approveCredit)
	r.RegisterActivity(RejectCredit, a.rejectCredit)
	r.RegisterActivity(ExpireCreditOperation, a.expireOperation)
	r.RegisterActivity(AddToQueue, a.addToQueue)
	r.RegisterActivity(MonitorCreditOperation, a.monitorOperation)
}

// notify appends a status line to the queue. Delivery is best effort: a lost
// line is logged, never surfaced as an activity failure.
func (a *Activities) notify(ctx context.Context, message string) {
	if err := a.queue.Add(ctx, message); err != nil {
		a.logger.Warn("failed to append notification", "error", err)
	}
}

func (a *Activities) createOperation(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var op domain.CreditOperation
	if err := engine.Unmarshal(input, &op); err != nil {
		return nil, engine.Fatal(err)
	}
	a.logger.Info("creating credit operation", "operation", op.Identifier())

	if err := a.ops.Insert(ctx, &op); err != nil {
		if errors.Is(err, repository.ErrExists) {
			return nil, engine.Fatal(fmt.Errorf("credit operation %s already exists", op.Identifier()))
		}
		return nil, err
	}
	a.notify(ctx, fmt.Sprintf("Successfully created operation %s", op.Identifier()))
	return nil, nil
}

func (a *Activities) checkInternalScore(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var op domain.CreditOperation
	if err := engine.Unmarshal(input, &op); err != nil {
		return nil, engine.Fatal(err)
	}

	// Stand-in for a real internal scoring model.
	score := rand.Float64()

	a.notify(ctx, fmt.Sprintf("Successfully checked internal score for operation %s. Score: %v", op.Identifier(), score))
	a.logger.Info("checked internal score", "operation", op.Identifier(), "score", score)
	return score, nil
}

func (a *Activities) checkExternalBackground(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var op domain.CreditOperation
	if err := engine.Unmarshal(input, &op); err != nil {
		return nil, engine.Fatal(err)
	}

	// A real integration would call out to an external bureau here; this
	// stand-in keeps the latency.
	categories := domain.Backgrounds()
	background := categories[rand.Intn(len(categories))]

	select {
	case <-time.After(a.backgroundDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	a.notify(ctx, fmt.Sprintf("Successfully checked external background for operation %s. Background: %s", op.Identifier(), background))
	a.logger.Info("checked external background", "operation", op.Identifier(), "background", background)
	return background, nil
}

func (a *Activities) getExchangeRate(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var op domain.CreditOperation
	if err := engine.Unmarshal(input, &op); err != nil {
		return nil, engine.Fatal(err)
	}

	rate, err := a.rates.USDRate(ctx)
	if err != nil {
		if errors.Is(err, rates.ErrUnavailable) {
			// Degraded response: hand the caller the sentinel instead of
			// failing the workflow.
			a.logger.Error("rate lookup degraded, returning sentinel", "operation", op.Identifier(), "error", err)
			return float64(SentinelRate), nil
		}
		return nil, err
	}

	a.notify(ctx, fmt.Sprintf("Successfully got dollar rate for operation %s. Dollar Rate: %v", op.Identifier(), rate))
	a.logger.Info("got dollar rate", "operation", op.Identifier(), "rate", rate)
	return rate, nil
}

func (a *Activities) approveCredit(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var p ApprovePayload
	if err := engine.Unmarshal(input, &p); err != nil {
		return nil, engine.Fatal(err)
	}
	a.logger.Info("approving credit", "operation", p.Identifier, "score", p.Score, "cambio", p.CambioRate)
	if p.CambioRate == SentinelRate {
		a.logger.Warn("approving with unavailable exchange rate", "operation", p.Identifier)
	}

	op, err := a.ops.Get(ctx, p.PartitionKey, p.RowKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, engine.Fatal(fmt.Errorf("credit operation %s not found", p.Identifier))
		}
		return nil, err
	}
	if err := op.Approve(p.Score, p.CambioRate); err != nil {
		return nil, engine.Fatal(err)
	}
	if err := a.ops.Replace(ctx, op); err != nil {
		return nil, err
	}

	a.notify(ctx, fmt.Sprintf("Credit Approved for operation: %s score: %v cambio: %v", p.Identifier, p.Score, p.CambioRate))
	a.logger.Info("credit approved", "operation", p.Identifier)
	return true, nil
}

func (a *Activities) rejectCredit(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var p RejectPayload
	if err := engine.Unmarshal(input, &p); err != nil {
		return nil, engine.Fatal(err)
	}
	a.logger.Info("rejecting credit", "operation", p.Identifier)

	op, err := a.ops.Get(ctx, p.PartitionKey, p.RowKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, engine.Fatal(fmt.Errorf("credit operation %s not found", p.Identifier))
		}
		return nil, err
	}

	message := fmt.Sprintf("Credit rejected for operation: %s score: %v background check: %s", p.Identifier, p.Score, p.Background)
	if err := op.Reject(message); err != nil {
		return nil, engine.Fatal(err)
	}
	if err := a.ops.Replace(ctx, op); err != nil {
		return nil, err
	}

	a.notify(ctx, message)
	a.logger.Info("credit rejected", "operation", p.Identifier)
	return nil, nil
}

func (a *Activities) expireOperation(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var op domain.CreditOperation
	if err := engine.Unmarshal(input, &op); err != nil {
		return nil, engine.Fatal(err)
	}
	a.logger.Info("expiring credit operation", "operation", op.Identifier())

	current, err := a.ops.Get(ctx, op.PartitionKey, op.RowKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, engine.Fatal(fmt.Errorf("credit operation %s not found", op.Identifier()))
		}
		return nil, err
	}
	if err := current.Expire(); err != nil {
		return nil, engine.Fatal(err)
	}
	if err := a.ops.Replace(ctx, current); err != nil {
		return nil, err
	}

	a.notify(ctx, fmt.Sprintf("Credit operation: %s expired", op.Identifier()))
	a.logger.Info("credit operation expired", "operation", op.Identifier())
	return nil, nil
}

func (a *Activities) addToQueue(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var message string
	if err := engine.Unmarshal(input, &message); err != nil {
		return nil, engine.Fatal(err)
	}
	a.notify(ctx, message)
	return nil, nil
}

func (a *Activities) monitorOperation(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var operationID string
	if err := engine.Unmarshal(input, &operationID); err != nil {
		return nil, engine.Fatal(err)
	}

	op, err := a.ops.Get(ctx, operationID, operationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, engine.Fatal(fmt.Errorf("operation %s not found", operationID))
		}
		return nil, err
	}

	a.notify(ctx, fmt.Sprintf("Operation: %s for account: %s is %s", op.Identifier(), op.Account, op.Status))
	a.logger.Info("monitored operation", "operation", op.Identifier(), "status", op.Status)
	return op.Terminal(), nil
}
