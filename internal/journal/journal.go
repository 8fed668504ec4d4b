// Package journal persists the immutable record of executed actions.
// PostgreSQL is the durable implementation; the in-memory one backs
// development and tests. Entries are append-only: once written they are
// never modified or deleted.
//
// The journal is an audit trail, not the source of truth — the lending
// market is. A journal write failure after a successful market call is
// logged and surfaced to metrics, never compensated.
package journal

import (
	"context"

	"github.com/covault/position-engine/internal/model"
)

// Journal is the append-only receipt store.
type Journal interface {
	// Append records one executed action.
	Append(ctx context.Context, receipt model.ExecutionReceipt) error

	// ListByAccount returns all receipts for an account, oldest first.
	ListByAccount(ctx context.Context, account string) ([]model.ExecutionReceipt, error)
}
