// Package agent contains the core orchestrator responsible for alternating
// model inference and tool execution over an append-only conversation
// transcript. It owns the state machine, the termination decision, and the
// iteration safeguard for a single run.
package agent
