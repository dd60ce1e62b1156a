// Package workflows contains the credit workflows, expressed as
// deterministic compositions of engine suspension points.
package workflows

import (
	"encoding/json"
	"fmt"

	"credit-approval/backend/internal/activities"
	"credit-approval/backend/internal/config"
	"credit-approval/backend/internal/domain"
	"credit-approval/backend/internal/engine"
)

// Workflow names, used for registration, starting and instance lookup.
const (
	CreditAnalysis     = "CreditAnalysisWorkflow"
	CreditConfirmation = "CreditConfirmationWorkflow"
	CreditMonitor      = "MonitorCreditOperationWorkflow"
)

// ConfirmEvent is the external signal a customer confirmation raises on a
// running confirmation instance.
const ConfirmEvent = "ConfirmCredit"

// Library wires the workflow set to its timing configuration.
type Library struct {
	cfg config.Workflow
}

// NewLibrary creates the workflow library.
func NewLibrary(cfg config.Workflow) *Library {
	return &Library{cfg: cfg}
}

// Register registers every workflow with the engine registry.
func (l *Library) Register(r *engine.Registry) {
	r.RegisterWorkflow(CreditAnalysis, l.creditAnalysis)
	r.RegisterWorkflow(CreditConfirmation, l.confirmation)
	r.RegisterWorkflow(CreditMonitor, l.monitor)
}

// creditAnalysis creates the operation record, collects the three risk
// signals in parallel, applies the decision rule and either approves (then
// awaits the confirmation child workflow) or rejects.
func (l *Library) creditAnalysis(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
	var op domain.CreditOperation
	if err := engine.Unmarshal(input, &op); err != nil {
		return nil, fmt.Errorf("decode credit operation: %w", err)
	}
	ctx.Logger().Info("credit analysis workflow started", "operation", op.Identifier())

	if err := ctx.CallActivity(activities.CreateCreditOperation, op).Get(nil); err != nil {
		return nil, err
	}

	scoreFut := ctx.CallActivity(activities.CheckInternalScore, op)
	backgroundFut := ctx.CallActivity(activities.CheckExternalBackground, op)
	rateFut := ctx.CallActivity(activities.GetExchangeRate, op)

	var (
		score      float64
		background domain.ExternalBackground
		rate       float64
	)
	if err := scoreFut.Get(&score); err != nil {
		return nil, err
	}
	if err := backgroundFut.Get(&background); err != nil {
		return nil, err
	}
	if err := rateFut.Get(&rate); err != nil {
		return nil, err
	}

	if score >= 0.3 && background >= domain.BackgroundSomeProblems {
		approve := activities.ApprovePayload{
			CambioRate:   rate,
			Score:        score,
			PartitionKey: op.PartitionKey,
			RowKey:       op.RowKey,
			Identifier:   op.Identifier(),
		}
		if err := ctx.CallActivity(activities.ApproveCredit, approve).Get(nil); err != nil {
			return nil, err
		}
		if err := ctx.CallChildWorkflow(CreditConfirmation, op).Get(nil); err != nil {
			return nil, err
		}
	} else {
		reject := activities.RejectPayload{
			Score:        score,
			Background:   background,
			PartitionKey: op.PartitionKey,
			RowKey:       op.RowKey,
			Identifier:   op.Identifier(),
		}
		if err := ctx.CallActivity(activities.RejectCredit, reject).Get(nil); err != nil {
			return nil, err
		}
	}

	ctx.Logger().Info("credit analysis workflow finished", "operation", op.Identifier())
	return nil, nil
}

// confirmation gives the customer a fixed window to confirm an approved
// operation: the named confirmation signal races a durable timer, and the
// loser is cancelled. Timing out expires the operation; the record's move to
// Confirmed happens in the confirm endpoint, not here.
func (l *Library) confirmation(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
	var op domain.CreditOperation
	if err := engine.Unmarshal(input, &op); err != nil {
		return nil, fmt.Errorf("decode credit operation: %w", err)
	}
	ctx.Logger().Info("credit confirmation workflow started", "operation", op.Identifier())

	deadlineMsg := fmt.Sprintf("Account %s now has %d minutes to confirm the %s operation.",
		op.Account, l.cfg.ExpirationMinutes, op.Identifier())
	if err := ctx.CallActivity(activities.AddToQueue, deadlineMsg).Get(nil); err != nil {
		return nil, err
	}

	deadline := ctx.Now().Add(l.cfg.Expiration())
	confirmFut := ctx.WaitForEvent(ConfirmEvent)
	timerFut := ctx.CreateTimer(deadline)

	confirmed := false
	if ctx.Race(confirmFut, timerFut) == 0 {
		if err := confirmFut.Get(&confirmed); err != nil {
			return nil, err
		}
	}

	if confirmed {
		msg := fmt.Sprintf("Account %s confirmed the operation %s!", op.Account, op.Identifier())
		if err := ctx.CallActivity(activities.AddToQueue, msg).Get(nil); err != nil {
			return nil, err
		}
	} else {
		msg := fmt.Sprintf("Operation %s confirmation timed out.", op.Identifier())
		if err := ctx.CallActivity(activities.AddToQueue, msg).Get(nil); err != nil {
			return nil, err
		}
		if err := ctx.CallActivity(activities.ExpireCreditOperation, op).Get(nil); err != nil {
			return nil, err
		}
	}

	done := fmt.Sprintf("Account %s confirmation workflow complete for operation %s.", op.Account, op.Identifier())
	if err := ctx.CallActivity(activities.AddToQueue, done).Get(nil); err != nil {
		return nil, err
	}
	return nil, nil
}

// monitor polls the operation on a fixed interval until it reaches a
// terminal status or the wall-clock bound is hit. The poll-until-done shape
// is generic; only the check activity is specific to credit operations.
func (l *Library) monitor(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
	var operationID string
	if err := engine.Unmarshal(input, &operationID); err != nil {
		return nil, fmt.Errorf("decode operation id: %w", err)
	}
	ctx.Logger().Info("credit operation monitor started", "operation", operationID)

	expiry := ctx.Now().Add(l.cfg.MonitorTimeout())

	startMsg := fmt.Sprintf("Operation: %s is being monitored every %d seconds.",
		operationID, l.cfg.MonitorIntervalSeconds)
	if err := ctx.CallActivity(activities.AddToQueue, startMsg).Get(nil); err != nil {
		return nil, err
	}

	timedOut := false
	for ctx.Now().Before(expiry) {
		timedOut = false
		var done bool
		if err := ctx.CallActivity(activities.MonitorCreditOperation, operationID).Get(&done); err != nil {
			return nil, err
		}
		if done {
			break
		}
		next := ctx.Now().Add(l.cfg.MonitorInterval())
		if err := ctx.CreateTimer(next).Get(nil); err != nil {
			return nil, err
		}
		timedOut = true
	}
	if timedOut {
		msg := fmt.Sprintf("Operation: %s monitoring has timed out.", operationID)
		if err := ctx.CallActivity(activities.AddToQueue, msg).Get(nil); err != nil {
			return nil, err
		}
	}

	doneMsg := fmt.Sprintf("Operation: %s monitoring is done.", operationID)
	if err := ctx.CallActivity(activities.AddToQueue, doneMsg).Get(nil); err != nil {
		return nil, err
	}
	return nil, nil
}
