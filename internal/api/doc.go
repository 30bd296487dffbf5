// Package api exposes the REST surface of the travel assistant: a
// synchronous conversation endpoint backed by in-memory sessions, and
// asynchronous research tasks that are queued and processed by workers.
package api
