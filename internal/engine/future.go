package engine

import "errors"

// suspend is the marker recovered by the executor when a pass reaches a
// suspension point with no recorded result.
type suspend struct{}

// Future is the pending or recorded result of one suspension point.
type Future struct {
	ctx *Context
	seq int
	err error // construction failure, e.g. unmarshalable input
}

// Get returns the suspension point's result, decoding the payload into out
// when out is non-nil. If no result has been recorded yet the current
// execution pass yields; the workflow will be re-executed once the result
// arrives and this call will then return it from history.
func (f *Future) Get(out interface{}) error {
	if f.err != nil {
		return f.err
	}
	ev := f.ctx.recorded(f.seq)
	if ev == nil {
		panic(suspend{})
	}
	if ev.Error != "" {
		return errors.New(ev.Error)
	}
	return Unmarshal(ev.Payload, out)
}

// Ready reports whether a result has been recorded, without yielding.
func (f *Future) Ready() bool {
	if f.err != nil {
		return true
	}
	return f.ctx.recorded(f.seq) != nil
}
