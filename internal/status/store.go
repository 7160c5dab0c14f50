// Package status is the single source of truth for every booking the system
// has made, across all accounts and runs, plus the derived snapshot that is
// pushed to observers on every mutation.
package status

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"soloride/internal/domain"
	"soloride/internal/repo"
)

const (
	accessLogCap = 200
	rideLogCap   = 500
)

// Store owns all BookingRecords and per-account statuses. Every mutation goes
// through its lock; the per-record status flip is a guarded compare-and-swap
// so concurrent cancellation paths never double-fire external side effects.
type Store struct {
	mu       sync.Mutex
	accounts []domain.Account
	statuses map[string]*accountState
	records  []*domain.BookingRecord
	byKey    map[recordKey]*domain.BookingRecord
	access   []domain.AccessEntry
	runLog   []string
	runID    string
	runSeq   int

	subs map[int]chan domain.Snapshot
	next int

	// Audit is optional write-through persistence; a write failure is
	// logged and never fails the mutation.
	Audit *repo.Repo
	Now   func() time.Time
}

type recordKey struct {
	accountID string
	rideID    int64
}

type accountState struct {
	status    string
	message   string
	updatedAt string
}

// New builds a store seeded with the configured accounts. When audit storage
// is provided the ride and access logs are rehydrated from it so a restart
// does not lose the trail.
func New(accounts []domain.Account, audit *repo.Repo) *Store {
	s := &Store{
		accounts: accounts,
		statuses: make(map[string]*accountState, len(accounts)),
		byKey:    make(map[recordKey]*domain.BookingRecord),
		subs:     make(map[int]chan domain.Snapshot),
		Audit:    audit,
		Now:      time.Now,
	}
	for _, a := range accounts {
		s.statuses[a.ID] = &accountState{status: "idle"}
	}
	s.rehydrate()
	return s
}

func (s *Store) rehydrate() {
	if s.Audit == nil {
		return
	}
	ctx := context.Background()
	bookings, err := s.Audit.ListBookings(ctx)
	if err != nil {
		log.Printf("status: rehydrate bookings: %v", err)
	}
	// ListBookings returns newest first; records are kept in creation order.
	for i := len(bookings) - 1; i >= 0; i-- {
		b := bookings[i]
		s.records = append(s.records, &b)
		s.byKey[recordKey{b.AccountID, b.ExternalRideID}] = &b
	}
	access, err := s.Audit.ListAccess(ctx, accessLogCap)
	if err != nil {
		log.Printf("status: rehydrate access log: %v", err)
	}
	s.access = access
	lines, err := s.Audit.LatestRunLines(ctx)
	if err != nil {
		log.Printf("status: rehydrate run log: %v", err)
	}
	s.runLog = lines
}

func (s *Store) now() string {
	return s.Now().UTC().Format(time.RFC3339)
}

// CreateBookingParams describes a successful external book call.
type CreateBookingParams struct {
	Account     domain.Account
	RideID      int64
	ProposalRef string
	Kind        domain.RideKind
	Source      domain.BookingSource
	RunID       string
	ServesID    string
}

// CreateBooking records a booking that the external service confirmed.
// A second create for the same (account, ride id) returns the existing
// record: the external ride id is unique within its owner account.
func (s *Store) CreateBooking(p CreateBookingParams) domain.BookingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{p.Account.ID, p.RideID}
	if existing, ok := s.byKey[key]; ok {
		return *existing
	}
	rec := &domain.BookingRecord{
		ID:              uuid.NewString(),
		AccountID:       p.Account.ID,
		AccountName:     p.Account.Name,
		ExternalRideID:  p.RideID,
		ProposalRef:     p.ProposalRef,
		Kind:            p.Kind,
		Source:          p.Source,
		RunID:           p.RunID,
		ServesAccountID: p.ServesID,
		Status:          domain.StatusActive,
		CreatedAt:       s.now(),
	}
	s.records = append(s.records, rec)
	s.byKey[key] = rec
	st := s.state(p.Account.ID)
	st.status = "booked"
	st.updatedAt = rec.CreatedAt
	if s.Audit != nil {
		if err := s.Audit.InsertBooking(context.Background(), *rec); err != nil {
			log.Printf("status: persist booking: %v", err)
		}
	}
	s.publishLocked()
	return *rec
}

// TransitionToCancelled flips a record Active -> Cancelled. It is the single
// guarded transition every cancellation path funnels through: the flip
// happens only if the record is currently Active, and the return reports
// whether it was already Cancelled. ErrRecordNotFound when no such record.
func (s *Store) TransitionToCancelled(accountID string, rideID int64) (already bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[recordKey{accountID, rideID}]
	if !ok {
		return false, domain.ErrRecordNotFound
	}
	if rec.Status == domain.StatusCancelled {
		return true, nil
	}
	rec.Status = domain.StatusCancelled
	rec.CancelledAt = s.now()
	st := s.state(accountID)
	st.updatedAt = rec.CancelledAt
	if !s.hasActiveLocked(accountID) {
		st.status = "idle"
		st.message = ""
	}
	if s.Audit != nil {
		if err := s.Audit.MarkBookingCancelled(context.Background(), accountID, rideID, rec.CancelledAt); err != nil {
			log.Printf("status: persist cancellation: %v", err)
		}
	}
	s.publishLocked()
	return false, nil
}

// Record returns a copy of the record for (account, ride id).
func (s *Store) Record(accountID string, rideID int64) (domain.BookingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[recordKey{accountID, rideID}]
	if !ok {
		return domain.BookingRecord{}, domain.ErrRecordNotFound
	}
	return *rec, nil
}

// RecordsForRun returns copies of all records created by a run, in creation order.
func (s *Store) RecordsForRun(runID string) []domain.BookingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BookingRecord
	for _, rec := range s.records {
		if rec.RunID == runID {
			out = append(out, *rec)
		}
	}
	return out
}

// SetAccountStatus updates the per-account activity line shown in snapshots.
func (s *Store) SetAccountStatus(accountID, status, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(accountID)
	st.status = status
	st.message = message
	st.updatedAt = s.now()
	s.publishLocked()
}

// AppendAccess records one HTTP access into the access log.
func (s *Store) AppendAccess(ip, userAgent, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := domain.AccessEntry{
		ID:        uuid.NewString(),
		IP:        ip,
		UserAgent: userAgent,
		Path:      path,
		CreatedAt: s.now(),
	}
	s.access = append([]domain.AccessEntry{e}, s.access...)
	if len(s.access) > accessLogCap {
		s.access = s.access[:accessLogCap]
	}
	if s.Audit != nil {
		if err := s.Audit.InsertAccess(context.Background(), e); err != nil {
			log.Printf("status: persist access: %v", err)
		}
	}
	s.publishLocked()
}

// ResetRunLog starts a fresh narration for a new run.
func (s *Store) ResetRunLog(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
	s.runSeq = 0
	s.runLog = nil
	s.publishLocked()
}

// AppendRunLine appends one narration line for the current run.
func (s *Store) AppendRunLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.runSeq
	s.runSeq++
	s.runLog = append(s.runLog, line)
	if s.Audit != nil && s.runID != "" {
		if err := s.Audit.InsertRunLine(context.Background(), s.runID, seq, line, s.now()); err != nil {
			log.Printf("status: persist run line: %v", err)
		}
	}
	s.publishLocked()
}

// GetSnapshot is the pull-based fallback for callers that cannot hold a push
// subscription.
func (s *Store) GetSnapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers a push observer. The first value delivered on the
// channel is always a full current snapshot; afterwards, one snapshot per
// mutation, conflated so a slow consumer only ever misses intermediate
// states, never sees stale ones. Call the returned cancel func to detach.
func (s *Store) Subscribe() (<-chan domain.Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	ch := make(chan domain.Snapshot, 1)
	ch <- s.snapshotLocked()
	s.subs[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (s *Store) publishLocked() {
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Subscriber has not consumed the previous snapshot; replace
			// it with the newer one so delivery stays monotonic.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (s *Store) snapshotLocked() domain.Snapshot {
	snap := domain.Snapshot{
		TS:        s.now(),
		Accounts:  make([]domain.AccountStatus, 0, len(s.accounts)),
		RideLog:   make([]domain.BookingRecord, 0, len(s.records)),
		AccessLog: append([]domain.AccessEntry(nil), s.access...),
		RunLog:    append([]string(nil), s.runLog...),
	}
	for _, a := range s.accounts {
		st := s.state(a.ID)
		as := domain.AccountStatus{
			ID:             a.ID,
			Name:           a.Name,
			Status:         st.status,
			Message:        st.message,
			ActiveBookings: []domain.ActiveBooking{},
			UpdatedAt:      st.updatedAt,
		}
		for _, rec := range s.records {
			if rec.AccountID == a.ID && rec.Status == domain.StatusActive {
				as.ActiveBookings = append(as.ActiveBookings, domain.ActiveBooking{
					RideID: rec.ExternalRideID,
					Kind:   rec.Kind,
				})
			}
		}
		snap.Accounts = append(snap.Accounts, as)
	}
	// Newest first, capped; records slice is in creation order.
	for i := len(s.records) - 1; i >= 0 && len(snap.RideLog) < rideLogCap; i-- {
		snap.RideLog = append(snap.RideLog, *s.records[i])
	}
	return snap
}

func (s *Store) hasActiveLocked(accountID string) bool {
	for _, rec := range s.records {
		if rec.AccountID == accountID && rec.Status == domain.StatusActive {
			return true
		}
	}
	return false
}

func (s *Store) state(accountID string) *accountState {
	st, ok := s.statuses[accountID]
	if !ok {
		st = &accountState{status: "idle"}
		s.statuses[accountID] = st
	}
	return st
}
