// Package task implements asynchronous travel-research runs: a queued task
// model with pluggable store and queue backends, a submission service, and a
// worker-pool processor that hands each task to the conversation orchestrator
// and books the outcome with retry semantics driven by error-code
// retryability.
package task
