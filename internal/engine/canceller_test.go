package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"soloride/internal/domain"
	"soloride/internal/status"
)

type countingCancelClient struct {
	fakeRideService
	mu      sync.Mutex
	calls   int
	failing bool
}

func (c *countingCancelClient) Cancel(ctx context.Context, rideID int64, cred domain.Credential) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failing {
		return domain.NetworkError{Op: "cancel", Err: errors.New("connection refused")}
	}
	return nil
}

func (c *countingCancelClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newCancellerFixture(t *testing.T) (*Canceller, *status.Store, *countingCancelClient, domain.Account) {
	t.Helper()
	acct := domain.Account{
		ID:         "acct-1",
		Name:       "Rider 1",
		Credential: domain.Credential{Token: "token-1", RiderID: 1},
	}
	store := status.New([]domain.Account{acct}, nil)
	client := &countingCancelClient{}
	return NewCanceller(client, store), store, client, acct
}

func TestCancelIsIdempotent(t *testing.T) {
	c, store, client, acct := newCancellerFixture(t)
	store.CreateBooking(status.CreateBookingParams{
		Account: acct,
		RideID:  501,
		Kind:    domain.RideKindShared,
		Source:  domain.SourceIndividual,
	})

	first := c.Cancel(context.Background(), acct, 501)
	if first.Outcome != CancelOK {
		t.Fatalf("first cancel outcome %s, want %s", first.Outcome, CancelOK)
	}
	second := c.Cancel(context.Background(), acct, 501)
	if second.Outcome != CancelAlreadyDone {
		t.Fatalf("second cancel outcome %s, want %s", second.Outcome, CancelAlreadyDone)
	}
	if client.callCount() != 1 {
		t.Fatalf("external cancel called %d times, want 1", client.callCount())
	}
}

func TestCancelUnknownRideIsSuccess(t *testing.T) {
	c, _, client, acct := newCancellerFixture(t)

	res := c.Cancel(context.Background(), acct, 999)
	if res.Outcome != CancelAlreadyDone {
		t.Fatalf("outcome %s, want %s", res.Outcome, CancelAlreadyDone)
	}
	if client.callCount() != 0 {
		t.Fatalf("external cancel called %d times, want 0", client.callCount())
	}
}

func TestConcurrentCancelsReachServiceOnce(t *testing.T) {
	c, store, client, acct := newCancellerFixture(t)
	store.CreateBooking(status.CreateBookingParams{
		Account: acct,
		RideID:  502,
		Kind:    domain.RideKindShared,
		Source:  domain.SourceIndividual,
	})

	const callers = 10
	results := make(chan CancelResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.Cancel(context.Background(), acct, 502)
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for res := range results {
		switch res.Outcome {
		case CancelOK:
			succeeded++
		case CancelAlreadyDone:
		default:
			t.Fatalf("unexpected outcome %s", res.Outcome)
		}
	}
	if succeeded != 1 {
		t.Fatalf("%d callers reported the flip, want 1", succeeded)
	}
	if client.callCount() != 1 {
		t.Fatalf("external cancel called %d times, want 1", client.callCount())
	}
}

func TestExternalFailureLeavesRecordRetryable(t *testing.T) {
	c, store, client, acct := newCancellerFixture(t)
	store.CreateBooking(status.CreateBookingParams{
		Account: acct,
		RideID:  503,
		Kind:    domain.RideKindShared,
		Source:  domain.SourceIndividual,
	})

	client.failing = true
	res := c.Cancel(context.Background(), acct, 503)
	if res.Outcome != CancelExternalFailure {
		t.Fatalf("outcome %s, want %s", res.Outcome, CancelExternalFailure)
	}
	rec, err := store.Record(acct.ID, 503)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Status != domain.StatusActive {
		t.Fatalf("record status %s, want active after failed cancel", rec.Status)
	}

	client.failing = false
	retry := c.Cancel(context.Background(), acct, 503)
	if retry.Outcome != CancelOK {
		t.Fatalf("retry outcome %s, want %s", retry.Outcome, CancelOK)
	}
}
