package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/maxwatch/internal/db"
	"github.com/example/maxwatch/internal/internaltypes"
)

type PostgresRepo struct {
	db db.DBTX
}

func NewPostgresRepo(d db.DBTX) *PostgresRepo { return &PostgresRepo{db: d} }

const taskColumns = `key, user_id, booking, status, last_error, scheduled_at, updated_at`

func (r *PostgresRepo) Create(ctx context.Context, t Task) (Task, bool, error) {
	booking, err := json.Marshal(t.Booking)
	if err != nil {
		return Task{}, false, fmt.Errorf("encode booking: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO auto_confirm_tasks (key, user_id, booking, departure_at, status, last_error, scheduled_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (key) DO NOTHING`,
		t.Key, t.UserID, booking, t.Booking.DepartureDateTime, string(t.Status), t.LastError, t.ScheduledAt, t.UpdatedAt)
	if err != nil {
		return Task{}, false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Task{}, false, fmt.Errorf("db error: %w", err)
	}
	if n == 1 {
		return t, true, nil
	}
	cur, err := r.Get(ctx, t.Key)
	return cur, false, err
}

func (r *PostgresRepo) Get(ctx context.Context, key string) (Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM auto_confirm_tasks WHERE key = $1`, key)
	t, err := scanTask(row.Scan)
	if err != nil {
		if db.IsNoRows(err) {
			return Task{}, internaltypes.ErrNotFound
		}
		return Task{}, fmt.Errorf("db error: %w", err)
	}
	return t, nil
}

func (r *PostgresRepo) ListByUser(ctx context.Context, userID string) ([]Task, error) {
	return r.list(ctx, `SELECT `+taskColumns+` FROM auto_confirm_tasks WHERE user_id = $1 ORDER BY departure_at, key`, userID)
}

func (r *PostgresRepo) ListAll(ctx context.Context) ([]Task, error) {
	return r.list(ctx, `SELECT `+taskColumns+` FROM auto_confirm_tasks ORDER BY departure_at, key`)
}

func (r *PostgresRepo) ListDue(ctx context.Context) ([]Task, error) {
	return r.list(ctx, `SELECT `+taskColumns+` FROM auto_confirm_tasks WHERE status IN ($1, $2, $3) ORDER BY departure_at, key`,
		string(StatusPending), string(StatusNeedsReauth), string(StatusConfirming))
}

func (r *PostgresRepo) list(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func scanTask(scan func(dest ...any) error) (Task, error) {
	var (
		t       Task
		booking []byte
		status  string
	)
	if err := scan(&t.Key, &t.UserID, &booking, &status, &t.LastError, &t.ScheduledAt, &t.UpdatedAt); err != nil {
		return Task{}, err
	}
	if err := json.Unmarshal(booking, &t.Booking); err != nil {
		return Task{}, fmt.Errorf("decode booking %s: %w", t.Key, err)
	}
	t.Status = Status(status)
	return t, nil
}

func (r *PostgresRepo) Update(ctx context.Context, t Task) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE auto_confirm_tasks SET status = $2, last_error = $3, updated_at = $4 WHERE key = $1`,
		t.Key, string(t.Status), t.LastError, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return internaltypes.ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM auto_confirm_tasks WHERE key = $1`, key); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepo) DeleteByUser(ctx context.Context, userID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM auto_confirm_tasks WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(n), nil
}
