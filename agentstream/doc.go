// Package agentstream defines the typed stream events produced from the raw
// agent process output and consumed by the stream orchestrator and the host
// transcript.
//
// # Design
//
// The event set is a closed tagged union: every concrete type implements
// Event, and consumers type-switch on the concrete structs. StreamEventKind
// exists for logging and for callers that only care about the category.
//
// Every event carries a scope. The scope is empty for events produced by the
// main agent and equals the id of the spawning tool call for events produced
// inside a subagent. Downstream routing reads the scope from the event and
// never re-derives it from the raw record.
//
// Events are values. They hold no references into the raw records they were
// decoded from, so an orchestrator may keep them after the raw line buffer is
// reused.
package agentstream
