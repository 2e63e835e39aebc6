package memory

import (
	"context"
	"sync"

	"github.com/goevery/relay/internal/persistence"
)

// PersistenceEngine keeps outcomes in process memory. Used when no MongoDB
// URI is configured.
type PersistenceEngine struct {
	mu       sync.RWMutex
	outcomes map[string]persistence.Outcome
}

func NewPersistenceEngine() *PersistenceEngine {
	return &PersistenceEngine{
		outcomes: make(map[string]persistence.Outcome),
	}
}

func (e *PersistenceEngine) Setup(ctx context.Context) error {
	return nil
}

func (e *PersistenceEngine) Save(ctx context.Context, outcome persistence.Outcome) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.outcomes[outcome.VerificationId] = outcome

	return nil
}

func (e *PersistenceEngine) Find(ctx context.Context, verificationId string) (persistence.Outcome, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	outcome, ok := e.outcomes[verificationId]
	if !ok {
		return persistence.Outcome{}, persistence.ErrNotFound
	}

	return outcome, nil
}
