package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-approval/backend/internal/engine"
	"credit-approval/backend/internal/logging"
	"credit-approval/backend/internal/repository"
)

// fastRetry keeps retry waits out of the test runtime.
func fastRetry() engine.RetryPolicy {
	return engine.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      1.5,
		MaxAttempts:     4,
	}
}

func newTestEngine(t *testing.T, registry *engine.Registry, opts ...engine.Option) *engine.Engine {
	t.Helper()
	store := repository.NewMemoryInstanceStore()
	opts = append([]engine.Option{engine.WithRetryPolicy(fastRetry()), engine.WithWorkers(4)}, opts...)
	eng := engine.New(store, registry, logging.NewLogger(), opts...)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)
	return eng
}

func waitDone(t *testing.T, eng *engine.Engine, id string) *engine.Instance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := eng.Wait(ctx, id)
	require.NoError(t, err)
	return inst
}

func TestActivityFanOutFanIn(t *testing.T) {
	registry := engine.NewRegistry()
	var calls int64
	registry.RegisterActivity("double", func(ctx context.Context, input json.RawMessage) (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		var n int
		if err := engine.Unmarshal(input, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	})
	registry.RegisterWorkflow("sum", func(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
		a := ctx.CallActivity("double", 1)
		b := ctx.CallActivity("double", 2)
		c := ctx.CallActivity("double", 3)
		var x, y, z int
		if err := a.Get(&x); err != nil {
			return nil, err
		}
		if err := b.Get(&y); err != nil {
			return nil, err
		}
		if err := c.Get(&z); err != nil {
			return nil, err
		}
		return x + y + z, nil
	})
	eng := newTestEngine(t, registry)

	id, err := eng.StartWorkflow(context.Background(), "sum", nil)
	require.NoError(t, err)
	inst := waitDone(t, eng, id)

	assert.Equal(t, engine.StatusCompleted, inst.Status)
	var out int
	require.NoError(t, engine.Unmarshal(inst.Output, &out))
	assert.Equal(t, 12, out)

	// Replay passes must serve recorded results, never re-run the activity.
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestReplayServesRecordedResults(t *testing.T) {
	registry := engine.NewRegistry()
	var calls int64
	registry.RegisterActivity("tick", func(ctx context.Context, input json.RawMessage) (interface{}, error) {
		return atomic.AddInt64(&calls, 1), nil
	})
	registry.RegisterWorkflow("wf", func(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
		var first int64
		if err := ctx.CallActivity("tick", nil).Get(&first); err != nil {
			return nil, err
		}
		if err := ctx.WaitForEvent("go").Get(nil); err != nil {
			return nil, err
		}
		// Replayed after the signal; first must come from history.
		return first, nil
	})
	eng := newTestEngine(t, registry)

	id, err := eng.StartWorkflow(context.Background(), "wf", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return eng.Signal(context.Background(), id, "go", nil) == nil
	}, 5*time.Second, 5*time.Millisecond)

	inst := waitDone(t, eng, id)
	assert.Equal(t, engine.StatusCompleted, inst.Status)
	var out int64
	require.NoError(t, engine.Unmarshal(inst.Output, &out))
	assert.Equal(t, int64(1), out)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestDurableTimer(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := engine.NewFakeClock(start)
	registry := engine.NewRegistry()
	registry.RegisterWorkflow("sleeper", func(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
		due := ctx.Now().Add(time.Minute)
		if err := ctx.CreateTimer(due).Get(nil); err != nil {
			return nil, err
		}
		return "woke", nil
	})
	eng := newTestEngine(t, registry, engine.WithClock(clock))

	id, err := eng.StartWorkflow(context.Background(), "sleeper", nil)
	require.NoError(t, err)

	inst, err := eng.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusRunning, inst.Status)

	clock.Advance(30 * time.Second)
	inst, err = eng.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusRunning, inst.Status, "timer must not fire early")

	clock.Advance(time.Minute)
	inst = waitDone(t, eng, id)
	assert.Equal(t, engine.StatusCompleted, inst.Status)
}

func raceRegistry(window time.Duration) *engine.Registry {
	registry := engine.NewRegistry()
	registry.RegisterWorkflow("race", func(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
		deadline := ctx.Now().Add(window)
		ev := ctx.WaitForEvent("confirm")
		timer := ctx.CreateTimer(deadline)
		if ctx.Race(ev, timer) == 0 {
			return "confirmed", nil
		}
		return "timed out", nil
	})
	return registry
}

func TestRaceEventWins(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := engine.NewFakeClock(start)
	eng := newTestEngine(t, raceRegistry(time.Hour), engine.WithClock(clock))

	id, err := eng.StartWorkflow(context.Background(), "race", nil)
	require.NoError(t, err)

	require.NoError(t, eng.Signal(context.Background(), id, "confirm", true))
	inst := waitDone(t, eng, id)
	assert.Equal(t, engine.StatusCompleted, inst.Status)
	var out string
	require.NoError(t, engine.Unmarshal(inst.Output, &out))
	assert.Equal(t, "confirmed", out)

	// The losing timer was cancelled; firing past the deadline changes nothing.
	clock.Advance(2 * time.Hour)
	inst, err = eng.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, inst.Status)
	require.NoError(t, engine.Unmarshal(inst.Output, &out))
	assert.Equal(t, "confirmed", out)
}

func TestRaceTimerWinsAndLateSignalDropped(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := engine.NewFakeClock(start)
	eng := newTestEngine(t, raceRegistry(time.Minute), engine.WithClock(clock))

	id, err := eng.StartWorkflow(context.Background(), "race", nil)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	inst := waitDone(t, eng, id)
	assert.Equal(t, engine.StatusCompleted, inst.Status)
	var out string
	require.NoError(t, engine.Unmarshal(inst.Output, &out))
	assert.Equal(t, "timed out", out)

	err = eng.Signal(context.Background(), id, "confirm", true)
	assert.ErrorIs(t, err, engine.ErrNoPendingEvent)
}

func TestSignalWithoutPendingWait(t *testing.T) {
	registry := engine.NewRegistry()
	registry.RegisterActivity("noop", func(ctx context.Context, input json.RawMessage) (interface{}, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	})
	registry.RegisterWorkflow("busy", func(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
		return nil, ctx.CallActivity("noop", nil).Get(nil)
	})
	eng := newTestEngine(t, registry)

	id, err := eng.StartWorkflow(context.Background(), "busy", nil)
	require.NoError(t, err)

	err = eng.Signal(context.Background(), id, "confirm", true)
	assert.ErrorIs(t, err, engine.ErrNoPendingEvent)
	waitDone(t, eng, id)
}

func TestChildWorkflow(t *testing.T) {
	registry := engine.NewRegistry()
	registry.RegisterWorkflow("child", func(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
		var n int
		if err := engine.Unmarshal(input, &n); err != nil {
			return nil, err
		}
		return n + 1, nil
	})
	registry.RegisterWorkflow("parent", func(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
		var out int
		if err := ctx.CallChildWorkflow("child", 41).Get(&out); err != nil {
			return nil, err
		}
		return out, nil
	})
	eng := newTestEngine(t, registry)

	id, err := eng.StartWorkflow(context.Background(), "parent", nil)
	require.NoError(t, err)
	inst := waitDone(t, eng, id)

	assert.Equal(t, engine.StatusCompleted, inst.Status)
	var out int
	require.NoError(t, engine.Unmarshal(inst.Output, &out))
	assert.Equal(t, 42, out)
}

func TestChildWorkflowFailurePropagates(t *testing.T) {
	registry := engine.NewRegistry()
	registry.RegisterWorkflow("child", func(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
		return nil, errors.New("child broke")
	})
	registry.RegisterWorkflow("parent", func(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
		return nil, ctx.CallChildWorkflow("child", nil).Get(nil)
	})
	eng := newTestEngine(t, registry)

	id, err := eng.StartWorkflow(context.Background(), "parent", nil)
	require.NoError(t, err)
	inst := waitDone(t, eng, id)

	assert.Equal(t, engine.StatusFailed, inst.Status)
	assert.Contains(t, inst.Error, "child broke")
}

func TestActivityRetriesTransientErrors(t *testing.T) {
	registry := engine.NewRegistry()
	var calls int64
	registry.RegisterActivity("flaky", func(ctx context.Context, input json.RawMessage) (interface{}, error) {
		if atomic.AddInt64(&calls, 1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	registry.RegisterWorkflow("wf", func(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
		var out string
		if err := ctx.CallActivity("flaky", nil).Get(&out); err != nil {
			return nil, err
		}
		return out, nil
	})
	eng := newTestEngine(t, registry)

	id, err := eng.StartWorkflow(context.Background(), "wf", nil)
	require.NoError(t, err)
	inst := waitDone(t, eng, id)

	assert.Equal(t, engine.StatusCompleted, inst.Status)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestFatalActivityErrorIsNotRetried(t *testing.T) {
	registry := engine.NewRegistry()
	var calls int64
	registry.RegisterActivity("doomed", func(ctx context.Context, input json.RawMessage) (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		return nil, engine.Fatal(errors.New("bad input"))
	})
	registry.RegisterWorkflow("wf", func(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
		return nil, ctx.CallActivity("doomed", nil).Get(nil)
	})
	eng := newTestEngine(t, registry)

	id, err := eng.StartWorkflow(context.Background(), "wf", nil)
	require.NoError(t, err)
	inst := waitDone(t, eng, id)

	assert.Equal(t, engine.StatusFailed, inst.Status)
	assert.Contains(t, inst.Error, "bad input")
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestStartUnregisteredWorkflow(t *testing.T) {
	eng := newTestEngine(t, engine.NewRegistry())
	_, err := eng.StartWorkflow(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, engine.ErrWorkflowNotRegistered)
}

func TestDeterministicNow(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := engine.NewFakeClock(start)
	registry := engine.NewRegistry()
	registry.RegisterWorkflow("wf", func(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
		first := ctx.Now()
		if err := ctx.WaitForEvent("go").Get(nil); err != nil {
			return nil, err
		}
		second := ctx.Now()
		return []time.Time{first, second}, nil
	})
	eng := newTestEngine(t, registry, engine.WithClock(clock))

	id, err := eng.StartWorkflow(context.Background(), "wf", nil)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, eng.Signal(context.Background(), id, "go", nil))
	inst := waitDone(t, eng, id)

	var out []time.Time
	require.NoError(t, engine.Unmarshal(inst.Output, &out))
	require.Len(t, out, 2)
	// The first read was recorded before the clock moved and must replay
	// unchanged.
	assert.True(t, out[0].Equal(start))
	assert.True(t, out[1].Equal(start.Add(time.Hour)))
}

func TestRecoveryResumesRunningInstances(t *testing.T) {
	store := repository.NewMemoryInstanceStore()
	logger := logging.NewLogger()

	newRegistry := func(calls *int64) *engine.Registry {
		registry := engine.NewRegistry()
		registry.RegisterActivity("tick", func(ctx context.Context, input json.RawMessage) (interface{}, error) {
			return atomic.AddInt64(calls, 1), nil
		})
		registry.RegisterWorkflow("wf", func(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
			var n int64
			if err := ctx.CallActivity("tick", nil).Get(&n); err != nil {
				return nil, err
			}
			if err := ctx.WaitForEvent("go").Get(nil); err != nil {
				return nil, err
			}
			return n, nil
		})
		return registry
	}

	var calls1 int64
	eng1 := engine.New(store, newRegistry(&calls1), logger, engine.WithRetryPolicy(fastRetry()))
	require.NoError(t, eng1.Start(context.Background()))

	id, err := eng1.StartWorkflow(context.Background(), "wf", nil)
	require.NoError(t, err)

	// Wait until the activity result is in history and the instance is
	// suspended on the event, then simulate a process restart.
	require.Eventually(t, func() bool {
		events, err := store.ListEvents(context.Background(), id)
		return err == nil && len(events) == 1
	}, 5*time.Second, 5*time.Millisecond)
	eng1.Stop()

	var calls2 int64
	eng2 := engine.New(store, newRegistry(&calls2), logger, engine.WithRetryPolicy(fastRetry()))
	require.NoError(t, eng2.Start(context.Background()))
	t.Cleanup(eng2.Stop)

	require.NoError(t, eng2.Signal(context.Background(), id, "go", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := eng2.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, engine.StatusCompleted, inst.Status)
	var out int64
	require.NoError(t, engine.Unmarshal(inst.Output, &out))
	assert.Equal(t, int64(1), out)
	// The recorded activity result is replayed, not re-executed.
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls1))
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls2))
}

func TestFindMatchesRunningInstanceByInput(t *testing.T) {
	registry := engine.NewRegistry()
	registry.RegisterWorkflow("wf", func(ctx *engine.Context, input json.RawMessage) (interface{}, error) {
		return nil, ctx.WaitForEvent("go").Get(nil)
	})
	eng := newTestEngine(t, registry)

	idA, err := eng.StartWorkflow(context.Background(), "wf", "alpha")
	require.NoError(t, err)
	_, err = eng.StartWorkflow(context.Background(), "wf", "beta")
	require.NoError(t, err)

	now := time.Now().UTC()
	inst, err := eng.Find(context.Background(), "wf", now.Add(-time.Hour), now.Add(time.Hour),
		func(input json.RawMessage) bool {
			var s string
			return engine.Unmarshal(input, &s) == nil && s == "alpha"
		})
	require.NoError(t, err)
	assert.Equal(t, idA, inst.ID)

	_, err = eng.Find(context.Background(), "wf", now.Add(-time.Hour), now.Add(time.Hour),
		func(input json.RawMessage) bool { return false })
	assert.ErrorIs(t, err, engine.ErrInstanceNotFound)
}
