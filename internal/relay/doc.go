// Package relay implements the conversation relay engine: one forum
// topic per requester on the operator group, bidirectional message-id
// mapping, debounced album aggregation and thread lifecycle tracking.
//
// The engine is fed transport.Updates and serializes all work for a
// given conversation onto one worker, so per-conversation ordering
// holds without global locking.
package relay
