package repo

import (
	"context"
	"testing"

	"soloride/internal/db"
	"soloride/internal/domain"
	"soloride/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func booking(id, account string, rideID int64, createdAt string) domain.BookingRecord {
	return domain.BookingRecord{
		ID:             id,
		AccountID:      account,
		AccountName:    "Rider " + account,
		ExternalRideID: rideID,
		ProposalRef:    "p-1",
		Kind:           domain.RideKindShared,
		Source:         domain.SourceFiller,
		RunID:          "run-1",
		Status:         domain.StatusActive,
		CreatedAt:      createdAt,
	}
}

func TestBookingRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if err := r.InsertBooking(ctx, booking("b-1", "acct-1", 100, "2026-01-01T10:00:00Z")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.InsertBooking(ctx, booking("b-2", "acct-2", 101, "2026-01-01T10:01:00Z")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := r.ListBookings(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d bookings, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != "b-2" || got[1].ID != "b-1" {
		t.Fatalf("order %s, %s; want b-2, b-1", got[0].ID, got[1].ID)
	}
	if got[1].ExternalRideID != 100 || got[1].Status != domain.StatusActive {
		t.Fatalf("record %+v", got[1])
	}
}

func TestMarkBookingCancelledGuardsStatus(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertBooking(ctx, booking("b-1", "acct-1", 100, "2026-01-01T10:00:00Z")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := r.MarkBookingCancelled(ctx, "acct-1", 100, "2026-01-01T10:05:00Z"); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	// Guarded on status: the second update matches no rows.
	if err := r.MarkBookingCancelled(ctx, "acct-1", 100, "2026-01-01T10:06:00Z"); err != ErrNotFound {
		t.Fatalf("second cancel err %v, want ErrNotFound", err)
	}
	if err := r.MarkBookingCancelled(ctx, "acct-1", 999, "2026-01-01T10:06:00Z"); err != ErrNotFound {
		t.Fatalf("unknown ride err %v, want ErrNotFound", err)
	}

	got, err := r.ListBookings(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got[0].Status != domain.StatusCancelled || got[0].CancelledAt != "2026-01-01T10:05:00Z" {
		t.Fatalf("record %+v", got[0])
	}
}

func TestLatestRunLinesReturnsMostRecentRun(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if err := r.InsertRun(ctx, "run-1", "acct-1", "default", "2026-01-01T10:00:00Z"); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	for i, line := range []string{"old first", "old second"} {
		if err := r.InsertRunLine(ctx, "run-1", i, line, "2026-01-01T10:00:01Z"); err != nil {
			t.Fatalf("insert line: %v", err)
		}
	}
	if err := r.CloseRun(ctx, "run-1", "failure", "search failed", "2026-01-01T10:01:00Z"); err != nil {
		t.Fatalf("close run: %v", err)
	}

	if err := r.InsertRun(ctx, "run-2", "acct-1", "default", "2026-01-01T11:00:00Z"); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	for i, line := range []string{"new first", "new second", "new third"} {
		if err := r.InsertRunLine(ctx, "run-2", i, line, "2026-01-01T11:00:01Z"); err != nil {
			t.Fatalf("insert line: %v", err)
		}
	}

	lines, err := r.LatestRunLines(ctx)
	if err != nil {
		t.Fatalf("latest lines: %v", err)
	}
	if len(lines) != 3 || lines[0] != "new first" || lines[2] != "new third" {
		t.Fatalf("lines %v", lines)
	}
}

func TestLatestRunLinesEmptyDatabase(t *testing.T) {
	r := newTestRepo(t)
	lines, err := r.LatestRunLines(context.Background())
	if err != nil {
		t.Fatalf("latest lines: %v", err)
	}
	if lines != nil {
		t.Fatalf("lines %v, want nil", lines)
	}
}

func TestAccessLogRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	entries := []domain.AccessEntry{
		{ID: "a-1", IP: "10.0.0.1", UserAgent: "curl/8", Path: "/v0/status", CreatedAt: "2026-01-01T10:00:00Z"},
		{ID: "a-2", IP: "10.0.0.2", UserAgent: "curl/8", Path: "/v0/runs", CreatedAt: "2026-01-01T10:01:00Z"},
	}
	for _, e := range entries {
		if err := r.InsertAccess(ctx, e); err != nil {
			t.Fatalf("insert access: %v", err)
		}
	}
	got, err := r.ListAccess(ctx, 10)
	if err != nil {
		t.Fatalf("list access: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a-2" {
		t.Fatalf("access log %+v", got)
	}
	capped, err := r.ListAccess(ctx, 1)
	if err != nil {
		t.Fatalf("list access: %v", err)
	}
	if len(capped) != 1 {
		t.Fatalf("capped list has %d entries, want 1", len(capped))
	}
}
