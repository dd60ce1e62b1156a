package engine

import (
	"time"

	"credit-approval/backend/internal/logging"
)

// Context is the handle a workflow function uses to express every
// nondeterministic operation as a suspension point: activities, timers,
// external events, child workflows and races. Each call site is assigned a
// sequence number in request order; on replay the same call order maps each
// recorded result back to its suspension point.
type Context struct {
	eng    *Engine
	is     *instanceState
	logger *logging.Logger

	seq      int
	index    map[int]*Event
	commands []*Command
	cancels  []int
}

func newContext(e *Engine, is *instanceState) *Context {
	idx := make(map[int]*Event, len(is.events))
	for _, ev := range is.events {
		idx[ev.Seq] = ev
	}
	return &Context{eng: e, is: is, logger: e.logger, index: idx}
}

func (c *Context) next() int {
	c.seq++
	return c.seq
}

func (c *Context) recorded(seq int) *Event {
	return c.index[seq]
}

// ensure schedules a command for this suspension point unless a previous
// pass already did.
func (c *Context) ensure(cmd *Command) {
	if _, pending := c.is.pending[cmd.Seq]; pending {
		return
	}
	c.commands = append(c.commands, cmd)
}

// InstanceID returns the id of the executing instance.
func (c *Context) InstanceID() string {
	return c.is.inst.ID
}

// Logger returns the engine logger. Log lines are emitted on every replay
// pass, so keep workflow-body logging low-volume.
func (c *Context) Logger() *logging.Logger {
	return c.logger
}

// Now returns the current time as a recorded suspension-point result, so the
// workflow body never reads the wall clock directly and replay sees the same
// instants.
func (c *Context) Now() time.Time {
	seq := c.next()
	if ev := c.recorded(seq); ev != nil {
		var t time.Time
		if err := Unmarshal(ev.Payload, &t); err == nil {
			return t
		}
	}
	now := c.eng.clock.Now().UTC()
	payload, _ := Marshal(now)
	c.eng.appendEventLocked(c.is, &Event{Seq: seq, Kind: KindNow, Payload: payload, At: now})
	c.index[seq] = c.is.events[len(c.is.events)-1]
	return now
}

// CallActivity schedules the named activity with the given input and returns
// a Future for its result.
func (c *Context) CallActivity(name string, input interface{}) *Future {
	seq := c.next()
	if c.recorded(seq) != nil {
		return &Future{ctx: c, seq: seq}
	}
	data, err := Marshal(input)
	if err != nil {
		return &Future{ctx: c, seq: seq, err: err}
	}
	c.ensure(&Command{Seq: seq, Kind: KindActivity, Name: name, Input: data})
	return &Future{ctx: c, seq: seq}
}

// CreateTimer schedules a durable timer that fires at or after the given
// time, never before.
func (c *Context) CreateTimer(at time.Time) *Future {
	seq := c.next()
	if c.recorded(seq) != nil {
		return &Future{ctx: c, seq: seq}
	}
	c.ensure(&Command{Seq: seq, Kind: KindTimer, DueAt: at.UTC()})
	return &Future{ctx: c, seq: seq}
}

// WaitForEvent suspends until an external signal with the given name is
// raised on this instance.
func (c *Context) WaitForEvent(name string) *Future {
	seq := c.next()
	if c.recorded(seq) != nil {
		return &Future{ctx: c, seq: seq}
	}
	c.ensure(&Command{Seq: seq, Kind: KindEvent, Name: name})
	return &Future{ctx: c, seq: seq}
}

// CallChildWorkflow starts the named workflow as a child instance and
// returns a Future for its completion. From this instance's point of view it
// is a single suspension point; the child has its own id, history and
// status and can be signaled independently.
func (c *Context) CallChildWorkflow(workflow string, input interface{}) *Future {
	seq := c.next()
	if c.recorded(seq) != nil {
		return &Future{ctx: c, seq: seq}
	}
	data, err := Marshal(input)
	if err != nil {
		return &Future{ctx: c, seq: seq, err: err}
	}
	c.ensure(&Command{Seq: seq, Kind: KindChild, Name: workflow, Input: data})
	return &Future{ctx: c, seq: seq}
}

// Race suspends until the first of the given futures resolves and returns
// its index. The losers' pending suspensions are cancelled: a cancelled
// timer never fires into the history and a late signal for a cancelled
// event wait is dropped. The winner is the future whose result was recorded
// first, which is stable across replays.
func (c *Context) Race(futures ...*Future) int {
	winner, bestPos := -1, -1
	for i, f := range futures {
		ev := c.recorded(f.seq)
		if ev == nil {
			continue
		}
		if winner == -1 || ev.Pos < bestPos {
			winner, bestPos = i, ev.Pos
		}
	}
	if winner == -1 {
		panic(suspend{})
	}
	for i, f := range futures {
		if i != winner {
			c.cancels = append(c.cancels, f.seq)
		}
	}
	return winner
}
