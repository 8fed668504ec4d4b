package journal

import (
	"context"
	"sync"

	"github.com/covault/position-engine/internal/model"
)

// MemoryJournal implements Journal with an in-memory slice. Used for
// development and testing; nothing persists across restarts.
type MemoryJournal struct {
	mu       sync.RWMutex
	receipts []model.ExecutionReceipt
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Append(_ context.Context, receipt model.ExecutionReceipt) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.receipts = append(j.receipts, receipt)
	return nil
}

func (j *MemoryJournal) ListByAccount(_ context.Context, account string) ([]model.ExecutionReceipt, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var result []model.ExecutionReceipt
	for _, r := range j.receipts {
		if r.Account == account {
			result = append(result, r)
		}
	}
	return result, nil
}
