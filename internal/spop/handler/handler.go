// Package handler defines the contract the SPOP runtime dispatches
// NOTIFY messages through. The runtime never implements request logic
// itself — it only knows how to call this interface and isolate its
// failures.
package handler

import (
	"context"

	"github.com/nullstream/spopagent/internal/spop/message"
)

// Handler processes one message and returns the actions it produces.
// Process may suspend on ctx but must not block indefinitely: a
// handler that never returns stalls its connection's frame loop
// (spec.md OP-4 — the engine does not impose a deadline here).
// Implementations are shared immutably across connections and may be
// called concurrently from different connection tasks; any internal
// mutable state is the implementation's own responsibility to
// synchronize.
type Handler interface {
	Process(ctx context.Context, msg message.Message) []message.Action
}

// Func adapts a plain function to the Handler interface.
type Func func(ctx context.Context, msg message.Message) []message.Action

func (f Func) Process(ctx context.Context, msg message.Message) []message.Action {
	return f(ctx, msg)
}
