package engine

import (
	"context"
	"errors"
	"sync"

	"soloride/internal/domain"
	"soloride/internal/status"
)

// CancelOutcome classifies the result of one cancel attempt.
type CancelOutcome string

const (
	CancelOK              CancelOutcome = "success"
	CancelAlreadyDone     CancelOutcome = "already_cancelled"
	CancelExternalFailure CancelOutcome = "external_failure"
)

// CancelResult is what a Cancel call reports back.
type CancelResult struct {
	Outcome CancelOutcome `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
}

// Canceller is the single entry point for cancelling one booking. Interactive
// callers and the engine's rollback both go through it, so a ride is never
// cancelled twice against the external service: a per-ride lock serialises
// concurrent attempts and the store's guarded transition records the flip.
type Canceller struct {
	Client BookingClient
	Store  *status.Store

	mu    sync.Mutex
	locks map[rideKey]*sync.Mutex
}

type rideKey struct {
	accountID string
	rideID    int64
}

func NewCanceller(client BookingClient, store *status.Store) *Canceller {
	return &Canceller{
		Client: client,
		Store:  store,
		locks:  make(map[rideKey]*sync.Mutex),
	}
}

// Cancel cancels one booking idempotently. Repeated or concurrent calls for
// the same ride reach the external cancel primitive at most once; the others
// observe AlreadyCancelled. On external failure the record stays Active.
func (c *Canceller) Cancel(ctx context.Context, acct domain.Account, rideID int64) CancelResult {
	lock := c.lockFor(acct.ID, rideID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := c.Store.Record(acct.ID, rideID)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return CancelResult{Outcome: CancelAlreadyDone}
	}
	if rec.Status == domain.StatusCancelled {
		return CancelResult{Outcome: CancelAlreadyDone}
	}
	if err := c.Client.Cancel(ctx, rideID, acct.Credential); err != nil {
		return CancelResult{Outcome: CancelExternalFailure, Reason: err.Error()}
	}
	already, err := c.Store.TransitionToCancelled(acct.ID, rideID)
	if err != nil || already {
		return CancelResult{Outcome: CancelAlreadyDone}
	}
	return CancelResult{Outcome: CancelOK}
}

func (c *Canceller) lockFor(accountID string, rideID int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := rideKey{accountID, rideID}
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	return lock
}
