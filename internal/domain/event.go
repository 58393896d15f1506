// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// Timeline event types, in the order they occur within a run.
const (
	EventRequestReceived = "request_received"
	EventRequestSent     = "request_sent"
	EventFirstToken      = "first_token"
	EventTokenChunk      = "token_chunk"
	EventStreamFinished  = "stream_finished"
	EventRequestFinished = "request_finished"
	EventError           = "error"
)

// EventRecord is an append-only timeline marker within a run. Details is
// empty for marker-only events such as first_token.
type EventRecord struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"event"`
	Details   string    `json:"details,omitempty"`
}
