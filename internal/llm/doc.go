// Package llm contains the model gateway abstraction and provider adapters
// for invoking large language models with tool definitions attached. It
// normalizes provider wire formats into the conversation message model used
// by the orchestrator.
package llm
