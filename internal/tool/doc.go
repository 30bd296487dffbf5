// Package tool defines the fixed set of callable capabilities exposed to the
// language model: a read-only registry of named specs, a declarative argument
// schema with validation and coercion, and a batch executor that converts
// every per-call failure into conversational content instead of aborting.
package tool
