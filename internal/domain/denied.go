// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// DeniedCommandRecord is an audit entry for a command the permission layer
// refused. Append-only; there is no update path.
type DeniedCommandRecord struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`
	Command   string    `json:"command"`
}
