package kernel

import "github.com/brokerhq/chatkernel/internal/r2r"

// UpdateStream is the generator/coroutine bridge specialization used by
// PreCall and PostCall hooks: they may yield zero or more string updates
// (surfaced to the user as tool_update events) and resolve to nothing but a
// possible error.
type UpdateStream = r2r.Stream[string, struct{}]

// FilterStream specializes the bridge for FilterStream hooks: zero or more
// string updates, resolving to the (possibly nil, meaning "drop the
// chunk") filtered ModelEvent.
type FilterStream = r2r.Stream[string, *ModelEvent]

// ToolStream specializes the bridge for tool execution: zero or more string
// progress updates, resolving to the tool's raw (pre-sanitization) result.
type ToolStream = r2r.Stream[string, any]
