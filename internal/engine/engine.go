// Package engine drives the booking saga: fill the remaining seats of a
// shared-ride proposal with decoy accounts, book the target last, wait for
// the external service to dispatch a dedicated vehicle, then cancel every
// auxiliary booking. The external service offers no transactions, so every
// failure path compensates with explicit best-effort cancels.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"soloride/internal/config"
	"soloride/internal/domain"
	"soloride/internal/repo"
	"soloride/internal/status"
)

// BookingClient is the per-call surface of the external ride service.
type BookingClient interface {
	Search(ctx context.Context, origin, dest domain.Location, cred domain.Credential) ([]domain.Proposal, error)
	Book(ctx context.Context, p domain.Proposal, origin, dest domain.Location, cred domain.Credential) (domain.Confirmation, error)
	Cancel(ctx context.Context, rideID int64, cred domain.Credential) error
	RideState(ctx context.Context, rideID int64, cred domain.Credential) (domain.RideKind, error)
}

// Engine owns the filler-account pool and runs one saga at a time against it.
// Status queries, individual bookings and cancels on other accounts never
// contend for the pool lock.
type Engine struct {
	Client    BookingClient
	Store     *status.Store
	Canceller *Canceller
	Audit     *repo.Repo
	Config    *config.Config
	Now       func() time.Time

	// pool is the mutual exclusion over the shared filler accounts:
	// at most one run holds it at any instant.
	pool sync.Mutex
}

func New(client BookingClient, store *status.Store, audit *repo.Repo, cfg *config.Config) *Engine {
	return &Engine{
		Client:    client,
		Store:     store,
		Canceller: NewCanceller(client, store),
		Audit:     audit,
		Config:    cfg,
		Now:       time.Now,
	}
}

func (e *Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

// Run starts the saga for one target account and returns its live event
// stream: zero or more log events followed by exactly one result or error,
// after which the channel closes. The saga does not depend on the stream
// being consumed.
func (e *Engine) Run(ctx context.Context, target domain.Account, route domain.Route) <-chan Event {
	l := newRunLog()
	go func() {
		defer l.close()
		e.run(ctx, l, target, route)
	}()
	return l.ch
}

func (e *Engine) run(ctx context.Context, l *runLog, target domain.Account, route domain.Route) {
	accounts := e.Config.AccountList()
	if len(accounts) < 2 {
		l.emitTerminal(Event{Type: EventError, Failure: &RunFailure{
			Kind:   FailInsufficientAccounts,
			Reason: "insufficient accounts: at least one filler account is required",
		}})
		return
	}
	fillers := make([]domain.Account, 0, len(accounts)-1)
	for _, a := range accounts {
		if a.ID != target.ID {
			fillers = append(fillers, a)
		}
	}

	// Exclusive ownership of the filler pool; blocks while another run
	// holds it, released on every exit path.
	e.pool.Lock()
	defer e.pool.Unlock()

	runID := uuid.NewString()
	e.Store.ResetRunLog(runID)
	if e.Audit != nil {
		if err := e.Audit.InsertRun(context.Background(), runID, target.ID, route.ID, e.now()); err != nil {
			log.Printf("engine: persist run: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.Config.RunTimeout())
	defer cancel()

	emit := func(format string, args ...any) {
		line := fmt.Sprintf(format, args...)
		l.emit(Event{Type: EventLog, Line: line})
		e.Store.AppendRunLine(line)
	}

	emit("run %s: dedicated-vehicle upgrade for %s (%d filler seats)", runID, target.Name, len(fillers))
	e.Store.SetAccountStatus(target.ID, "orchestrating", "waiting for dedicated vehicle")

	// One proposal shared by every booking in the run; booking order into
	// it matters to the external matching logic.
	emit("searching proposals as %s", target.Name)
	proposals, err := e.Client.Search(ctx, route.Origin, route.Destination, target.Credential)
	if err != nil {
		e.finishFailure(l, emit, runID, target, RunFailure{
			RunID: runID, Kind: FailSearch,
			Reason: fmt.Sprintf("search failed: %v", err),
		}, nil)
		return
	}
	proposal, ok := pickShared(proposals)
	if !ok {
		e.finishFailure(l, emit, runID, target, RunFailure{
			RunID: runID, Kind: FailSearch,
			Reason: "search returned no shared-ride proposals",
		}, nil)
		return
	}
	emit("using proposal %s (ride %d)", proposal.Ref, proposal.RideRef)

	// Fillers book strictly in configured order; a failure stops the loop
	// and rolls back what was already booked.
	for _, filler := range fillers {
		emit("booking filler seat as %s", filler.Name)
		e.Store.SetAccountStatus(filler.ID, "booking", "filling seat for "+target.Name)
		conf, err := e.Client.Book(ctx, proposal, route.Origin, route.Destination, filler.Credential)
		if err != nil {
			e.finishFailure(l, emit, runID, target, RunFailure{
				RunID: runID, Kind: FailFillerBooking, Account: filler.ID,
				Reason: fmt.Sprintf("filler booking failed for %s: %v", filler.ID, err),
			}, e.rollbackRecords(runID, true))
			return
		}
		rec := e.Store.CreateBooking(status.CreateBookingParams{
			Account:     filler,
			RideID:      conf.ExternalRideID,
			ProposalRef: proposal.Ref,
			Kind:        conf.Kind,
			Source:      domain.SourceFiller,
			RunID:       runID,
			ServesID:    target.ID,
		})
		emit("filler %s booked ride %d", filler.Name, rec.ExternalRideID)
	}

	// Target books last onto the now nearly full proposal.
	emit("booking target seat as %s", target.Name)
	conf, err := e.Client.Book(ctx, proposal, route.Origin, route.Destination, target.Credential)
	if err != nil {
		e.finishFailure(l, emit, runID, target, RunFailure{
			RunID: runID, Kind: FailTargetBooking,
			Reason: fmt.Sprintf("target booking failed: %v", err),
		}, e.rollbackRecords(runID, true))
		return
	}
	targetRec := e.Store.CreateBooking(status.CreateBookingParams{
		Account:     target,
		RideID:      conf.ExternalRideID,
		ProposalRef: proposal.Ref,
		Kind:        conf.Kind,
		Source:      domain.SourceTarget,
		RunID:       runID,
	})
	emit("target %s booked ride %d, watching for dispatch flip", target.Name, targetRec.ExternalRideID)

	if e.waitForFlip(ctx, emit, target, targetRec.ExternalRideID) {
		e.commit(ctx, l, emit, runID, target, targetRec)
		return
	}
	e.finishFailure(l, emit, runID, target, RunFailure{
		RunID: runID, Kind: FailDispatchTimeout,
		Reason: fmt.Sprintf("ride %d did not flip to a dedicated vehicle before the deadline", targetRec.ExternalRideID),
	}, e.rollbackRecords(runID, e.Config.CancelTargetOnTimeout()))
}

func pickShared(proposals []domain.Proposal) (domain.Proposal, bool) {
	for _, p := range proposals {
		if p.Kind == domain.RideKindShared {
			return p, true
		}
	}
	return domain.Proposal{}, false
}

// waitForFlip polls the target booking's vehicle class for a bounded number
// of attempts, returning true once it reports dedicated. Poll errors are
// narrated and do not abort the wait; the deadline does.
func (e *Engine) waitForFlip(ctx context.Context, emit func(string, ...any), target domain.Account, rideID int64) bool {
	attempts := e.Config.PollAttempts()
	interval := e.Config.PollInterval()
	for i := 1; i <= attempts; i++ {
		if ctx.Err() != nil {
			return false
		}
		kind, err := e.Client.RideState(ctx, rideID, target.Credential)
		if err != nil {
			emit("poll %d/%d: %v", i, attempts, err)
		} else if kind == domain.RideKindDedicated {
			emit("poll %d/%d: ride %d dispatched as dedicated vehicle", i, attempts, rideID)
			return true
		} else {
			emit("poll %d/%d: ride %d still %s", i, attempts, rideID, kind)
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return false
}

// rollbackRecords returns the run's records that compensation must cancel.
// includeTarget is false only for the timed-out-run policy that keeps the
// target's ordinary booking as a fallback ride.
func (e *Engine) rollbackRecords(runID string, includeTarget bool) []domain.BookingRecord {
	var out []domain.BookingRecord
	for _, rec := range e.Store.RecordsForRun(runID) {
		if rec.Source == domain.SourceTarget && !includeTarget {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// cancelAll cancels the given records concurrently through the guarded
// Canceller; cancellations are independent, so one failure never stops the
// others. It returns the ride ids whose cancel failed externally.
func (e *Engine) cancelAll(records []domain.BookingRecord, emit func(string, ...any)) []int64 {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []int64
	)
	for _, rec := range records {
		wg.Add(1)
		go func(rec domain.BookingRecord) {
			defer wg.Done()
			acct, err := e.Config.Account(rec.AccountID)
			if err != nil {
				mu.Lock()
				failed = append(failed, rec.ExternalRideID)
				mu.Unlock()
				return
			}
			// Compensation proceeds even after the run deadline.
			cctx, cancel := context.WithTimeout(context.Background(), e.Config.ServiceTimeout())
			defer cancel()
			res := e.Canceller.Cancel(cctx, acct, rec.ExternalRideID)
			switch res.Outcome {
			case CancelOK:
				emit("cancelled ride %d (%s)", rec.ExternalRideID, rec.AccountName)
			case CancelAlreadyDone:
				emit("ride %d (%s) already cancelled", rec.ExternalRideID, rec.AccountName)
			case CancelExternalFailure:
				emit("cancel of ride %d (%s) failed: %s", rec.ExternalRideID, rec.AccountName, res.Reason)
				mu.Lock()
				failed = append(failed, rec.ExternalRideID)
				mu.Unlock()
			}
		}(rec)
	}
	wg.Wait()
	return failed
}

// commit cancels every filler booking (their purpose is served) and leaves
// the target's booking active.
func (e *Engine) commit(ctx context.Context, l *runLog, emit func(string, ...any), runID string, target domain.Account, targetRec domain.BookingRecord) {
	emit("dispatch confirmed, releasing %s's filler seats", target.Name)
	var fillers []domain.BookingRecord
	for _, rec := range e.Store.RecordsForRun(runID) {
		if rec.Source == domain.SourceFiller {
			fillers = append(fillers, rec)
		}
	}
	failed := e.cancelAll(fillers, emit)
	rec, err := e.Store.Record(target.ID, targetRec.ExternalRideID)
	if err != nil {
		rec = targetRec
	}
	result := RunResult{RunID: runID, Booking: rec, NeedsAttention: failed}
	if len(failed) > 0 {
		emit("run %s: dedicated vehicle secured, but %d filler ride(s) need manual cleanup", runID, len(failed))
	} else {
		emit("run %s: dedicated vehicle secured for %s (ride %d)", runID, target.Name, rec.ExternalRideID)
	}
	e.Store.SetAccountStatus(target.ID, "booked", "dedicated vehicle dispatched")
	e.closeRun(runID, "success", "")
	l.emitTerminal(Event{Type: EventResult, Result: &result})
}

// finishFailure cancels the given records, then emits the single terminal
// failure event, flagging PartialRollback when compensation was incomplete.
func (e *Engine) finishFailure(l *runLog, emit func(string, ...any), runID string, target domain.Account, failure RunFailure, toCancel []domain.BookingRecord) {
	if len(toCancel) > 0 {
		emit("rolling back %d booking(s)", len(toCancel))
		failed := e.cancelAll(toCancel, emit)
		if len(failed) > 0 {
			failure.PartialRollback = true
			failure.NeedsAttention = failed
		}
	}
	emit("run failed: %s", failure.Reason)
	e.Store.SetAccountStatus(target.ID, "error", failure.Reason)
	e.closeRun(runID, "failure", failure.Reason)
	l.emitTerminal(Event{Type: EventError, Failure: &failure})
}

func (e *Engine) closeRun(runID, outcome, reason string) {
	if e.Audit == nil || runID == "" {
		return
	}
	if err := e.Audit.CloseRun(context.Background(), runID, outcome, reason, e.now()); err != nil {
		log.Printf("engine: close run: %v", err)
	}
}

// SearchProposals is the individual (non-orchestrated) search operation.
func (e *Engine) SearchProposals(ctx context.Context, acct domain.Account, route domain.Route) ([]domain.Proposal, error) {
	return e.Client.Search(ctx, route.Origin, route.Destination, acct.Credential)
}

// BookIndividual books one proposal for one account outside any run.
func (e *Engine) BookIndividual(ctx context.Context, acct domain.Account, p domain.Proposal, route domain.Route) (domain.BookingRecord, error) {
	conf, err := e.Client.Book(ctx, p, route.Origin, route.Destination, acct.Credential)
	if err != nil {
		return domain.BookingRecord{}, err
	}
	rec := e.Store.CreateBooking(status.CreateBookingParams{
		Account:     acct,
		RideID:      conf.ExternalRideID,
		ProposalRef: p.Ref,
		Kind:        conf.Kind,
		Source:      domain.SourceIndividual,
	})
	return rec, nil
}
