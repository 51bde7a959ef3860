package service

import (
	"context"
	"log/slog"

	"peerlink/internal/server/database"
)

// Publisher delivers events to subscribers of an id. *events.Hub
// satisfies it.
type Publisher interface {
	PublishJSON(id, name string, v any)
}

// Recorder appends rows to the transfer ledger. *database.Repository
// satisfies it.
type Recorder interface {
	Record(ctx context.Context, t *database.Transfer) error
}

type nopPublisher struct{}

func (nopPublisher) PublishJSON(string, string, any) {}

func publisherOrNop(p Publisher) Publisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}

// record writes to the ledger if one is configured. Failures are logged
// and never reach the caller.
func record(ctx context.Context, ledger Recorder, t *database.Transfer) {
	if ledger == nil {
		return
	}
	if err := ledger.Record(context.WithoutCancel(ctx), t); err != nil {
		slog.Warn("failed to record transfer",
			"code", t.Code,
			"kind", t.Kind,
			"error", err,
		)
	}
}
