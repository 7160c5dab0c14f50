package repo

import (
	"context"
	"database/sql"
	"errors"

	"soloride/internal/domain"
)

// Repo persists the audit trail: every booking ever made, run outcomes, run
// narration lines, and the access log. It is write-through storage behind the
// in-memory status store, not the hot path.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertBooking(ctx context.Context, b domain.BookingRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO bookings(id,account_id,account_name,ride_id,proposal_ref,ride_kind,source,run_id,serves_account_id,status,created_at,cancelled_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.AccountID, b.AccountName, b.ExternalRideID, b.ProposalRef, string(b.Kind), string(b.Source),
		nullable(b.RunID), nullable(b.ServesAccountID), string(b.Status), b.CreatedAt, nullable(b.CancelledAt))
	return err
}

// MarkBookingCancelled flips status in the audit copy. Called only after the
// external cancel succeeded and the in-memory guarded transition was applied.
func (r Repo) MarkBookingCancelled(ctx context.Context, accountID string, rideID int64, cancelledAt string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE bookings SET status='cancelled', cancelled_at=? WHERE account_id=? AND ride_id=? AND status='active'`,
		cancelledAt, accountID, rideID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBookings returns all recorded bookings, newest first.
func (r Repo) ListBookings(ctx context.Context) ([]domain.BookingRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,account_id,account_name,ride_id,proposal_ref,ride_kind,source,
		COALESCE(run_id,''),COALESCE(serves_account_id,''),status,created_at,COALESCE(cancelled_at,'')
		FROM bookings ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BookingRecord
	for rows.Next() {
		var b domain.BookingRecord
		var kind, source, status string
		if err := rows.Scan(&b.ID, &b.AccountID, &b.AccountName, &b.ExternalRideID, &b.ProposalRef, &kind, &source,
			&b.RunID, &b.ServesAccountID, &status, &b.CreatedAt, &b.CancelledAt); err != nil {
			return nil, err
		}
		b.Kind = domain.RideKind(kind)
		b.Source = domain.BookingSource(source)
		b.Status = domain.BookingStatus(status)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r Repo) InsertRun(ctx context.Context, id, targetAccountID, routeID, startedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(id,target_account_id,route_id,started_at) VALUES (?,?,?,?)`,
		id, targetAccountID, nullable(routeID), startedAt)
	return err
}

func (r Repo) CloseRun(ctx context.Context, id, outcome, reason, finishedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE runs SET outcome=?, reason=?, finished_at=? WHERE id=?`,
		outcome, nullable(reason), finishedAt, id)
	return err
}

func (r Repo) InsertRunLine(ctx context.Context, runID string, seq int, line, ts string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO run_lines(run_id,seq,line,ts) VALUES (?,?,?,?)`,
		runID, seq, line, ts)
	return err
}

// LatestRunLines returns the narration of the most recently started run.
func (r Repo) LatestRunLines(ctx context.Context) ([]string, error) {
	var runID string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`).Scan(&runID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT line FROM run_lines WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func (r Repo) InsertAccess(ctx context.Context, e domain.AccessEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO access_log(id,ip,user_agent,path,created_at) VALUES (?,?,?,?,?)`,
		e.ID, e.IP, e.UserAgent, e.Path, e.CreatedAt)
	return err
}

// ListAccess returns recorded accesses, newest first, capped at limit.
func (r Repo) ListAccess(ctx context.Context, limit int) ([]domain.AccessEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ip,user_agent,path,created_at FROM access_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AccessEntry
	for rows.Next() {
		var e domain.AccessEntry
		if err := rows.Scan(&e.ID, &e.IP, &e.UserAgent, &e.Path, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
