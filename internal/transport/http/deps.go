// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"net/http"

	"github.com/switchboardhq/switchboard/internal/bus"
	"github.com/switchboardhq/switchboard/internal/domain"
	"github.com/switchboardhq/switchboard/internal/transcript"
)

// Forwarder is the proxy surface everything unmatched falls through to.
type Forwarder interface {
	http.Handler
}

// RunReader serves the admin views over recorded runs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (domain.RunRecord, error)
	RecentRuns(ctx context.Context, limit int) ([]domain.RunRecord, error)
	AllRuns(ctx context.Context) ([]domain.RunRecord, error)
	EventsForRun(ctx context.Context, runID string) ([]domain.EventRecord, error)
}

// DeniedCommandStore serves the denied-command audit trail.
type DeniedCommandStore interface {
	AddDeniedCommand(ctx context.Context, runID, command string) error
	DeniedCommands(ctx context.Context, runID string) ([]domain.DeniedCommandRecord, error)
}

// Backupper snapshots the ledger database. The return value is the
// destination path actually written.
type Backupper interface {
	Backup(dest string) string
}

// TranscriptReader serves stored transcripts and their occupancy stats.
type TranscriptReader interface {
	Read(runID string) (string, error)
	Stats() (transcript.Stats, error)
	Top(n int) ([]transcript.Blob, error)
}

// EventSubscriber attaches live observers to the event bus.
type EventSubscriber interface {
	Subscribe() *bus.Subscription
}
