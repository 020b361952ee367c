package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/hero/pkg/schema"
)

// LibSQLQueue implements Store using libSQL (embedded SQLite fork).
type LibSQLQueue struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLQueue opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/hero.db".
func NewLibSQLQueue(dbPath string) (*LibSQLQueue, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLQueue{db: db, now: time.Now}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLQueue) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLQueue) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLQueue) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLQueue) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

const jobColumns = `id, task, queue, params, status, attempts, last_error, recurrent, run_at, created_at, updated_at`

// --- Queue ---

func (s *LibSQLQueue) Push(ctx context.Context, job *schema.Job) error {
	params := "{}"
	if len(job.Params) > 0 {
		params = string(job.Params)
	}
	now := s.now().UTC()
	created := job.CreatedAt
	if created.IsZero() {
		created = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)`,
		job.ID, job.Task, job.Queue, params, string(schema.JobStatusQueued), job.Attempts,
		boolInt(job.Recurrent), toNanos(job.RunAt), toNanos(created), toNanos(now),
	)
	if isUniqueViolation(err) {
		if job.Recurrent {
			return schema.NewErrorf(schema.ErrCodeConflict, "recurrent task %q already scheduled", job.Task).
				WithDetails(map[string]any{"task": job.Task})
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q already queued", job.ID)
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if err := appendEvent(ctx, tx, job.ID, EventJobEnqueued, "", job.Attempts, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLQueue) Claim(ctx context.Context, queues []string, now time.Time, limit int) ([]*schema.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? AND run_at <= ?`
	args := []any{string(schema.JobStatusQueued), toNanos(now)}
	if len(queues) > 0 {
		query += " AND queue IN (" + placeholders(len(queues)) + ")"
		for _, q := range queues {
			args = append(args, q)
		}
	}
	query += " ORDER BY run_at, created_at, id LIMIT ?"
	args = append(args, limit)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	stamp := now.UTC()
	for _, j := range jobs {
		j.Attempts++
		j.Status = schema.JobStatusRunning
		j.UpdatedAt = stamp
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, attempts = ?, updated_at = ? WHERE id = ?`,
			string(j.Status), j.Attempts, toNanos(stamp), j.ID,
		); err != nil {
			return nil, fmt.Errorf("claim job %s: %w", j.ID, err)
		}
		if err := appendEvent(ctx, tx, j.ID, EventJobClaimed, "", j.Attempts, stamp); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return jobs, nil
}

func (s *LibSQLQueue) Complete(ctx context.Context, id string) error {
	return s.finish(ctx, id, func(tx *sql.Tx, attempts int, now time.Time) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
			string(schema.JobStatusCompleted), toNanos(now), id,
		); err != nil {
			return err
		}
		return appendEvent(ctx, tx, id, EventJobCompleted, "", attempts, now)
	})
}

func (s *LibSQLQueue) Fail(ctx context.Context, id string, errMsg string, retryAt time.Time) error {
	return s.finish(ctx, id, func(tx *sql.Tx, attempts int, now time.Time) error {
		if retryAt.IsZero() {
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				string(schema.JobStatusFailed), errMsg, toNanos(now), id,
			); err != nil {
				return err
			}
			return appendEvent(ctx, tx, id, EventJobFailed, errMsg, attempts, now)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, last_error = ?, run_at = ?, updated_at = ? WHERE id = ?`,
			string(schema.JobStatusQueued), errMsg, toNanos(retryAt), toNanos(now), id,
		); err != nil {
			return err
		}
		return appendEvent(ctx, tx, id, EventJobRetrying, errMsg, attempts, now)
	})
}

// finish runs update inside a transaction after loading the job's attempt count.
func (s *LibSQLQueue) finish(ctx context.Context, id string, update func(tx *sql.Tx, attempts int, now time.Time) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts FROM jobs WHERE id = ?`, id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return storeNotFound("job", id)
	}
	if err != nil {
		return err
	}

	if err := update(tx, attempts, s.now().UTC()); err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *LibSQLQueue) HasRecurrent(ctx context.Context, task string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE task = ? AND recurrent = 1 AND status IN (?, ?)`,
		task, string(schema.JobStatusQueued), string(schema.JobStatusRunning),
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLQueue) DeleteRecurrent(ctx context.Context, task string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, attempts FROM jobs WHERE task = ? AND recurrent = 1 AND status = ?`,
		task, string(schema.JobStatusQueued),
	)
	if err != nil {
		return 0, err
	}
	type victim struct {
		id       string
		attempts int
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.attempts); err != nil {
			rows.Close()
			return 0, err
		}
		victims = append(victims, v)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	now := s.now().UTC()
	for _, v := range victims {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, v.id); err != nil {
			return 0, fmt.Errorf("delete job %s: %w", v.id, err)
		}
		if err := appendEvent(ctx, tx, v.id, EventJobDeleted, "recurrence stopped", v.attempts, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return len(victims), nil
}

// Reclaim re-queues running jobs last touched before claimedBefore. A
// process that died or stopped mid-job leaves its claims behind, and a
// recurrent one would otherwise block its task for good.
func (s *LibSQLQueue) Reclaim(ctx context.Context, queues []string, claimedBefore, now time.Time) (int, error) {
	query := `SELECT id, attempts FROM jobs WHERE status = ? AND updated_at < ?`
	args := []any{string(schema.JobStatusRunning), toNanos(claimedBefore)}
	if len(queues) > 0 {
		query += " AND queue IN (" + placeholders(len(queues)) + ")"
		for _, q := range queues {
			args = append(args, q)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("select stale jobs: %w", err)
	}
	type claim struct {
		id       string
		attempts int
	}
	var stale []claim
	for rows.Next() {
		var c claim
		if err := rows.Scan(&c.id, &c.attempts); err != nil {
			rows.Close()
			return 0, err
		}
		stale = append(stale, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	stamp := now.UTC()
	for _, c := range stale {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, run_at = ?, updated_at = ? WHERE id = ?`,
			string(schema.JobStatusQueued), toNanos(stamp), toNanos(stamp), c.id,
		); err != nil {
			return 0, fmt.Errorf("reclaim job %s: %w", c.id, err)
		}
		if err := appendEvent(ctx, tx, c.id, EventJobReclaimed, "claim abandoned", c.attempts, stamp); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reclaim: %w", err)
	}
	return len(stale), nil
}

func (s *LibSQLQueue) Len(ctx context.Context, queue string) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE status = ?`
	args := []any{string(schema.JobStatusQueued)}
	if queue != "" {
		query += " AND queue = ?"
		args = append(args, queue)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *LibSQLQueue) Jobs(ctx context.Context, queue string) ([]*schema.Job, error) {
	return s.ListJobs(ctx, JobFilter{Queue: queue})
}

// --- Inspection ---

func (s *LibSQLQueue) GetJob(ctx context.Context, id string) (*schema.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("job", id)
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *LibSQLQueue) ListJobs(ctx context.Context, filter JobFilter) ([]*schema.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var where []string
	var args []any

	if filter.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, filter.Queue)
	}
	if filter.Task != "" {
		where = append(where, "task = ?")
		args = append(args, filter.Task)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY run_at, created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// --- Maintenance ---

// Prune deletes completed and failed jobs last updated before the cutoff,
// along with their events.
func (s *LibSQLQueue) Prune(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const finished = `status IN (?, ?) AND updated_at < ?`
	args := []any{string(schema.JobStatusCompleted), string(schema.JobStatusFailed), toNanos(before)}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM job_events WHERE job_id IN (SELECT id FROM jobs WHERE `+finished+`)`, args...,
	); err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+finished, args...)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return int(n), nil
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(sc rowScanner) (*schema.Job, error) {
	j := &schema.Job{}
	var (
		params, status              string
		lastError                   sql.NullString
		recurrent                   int64
		runAt, createdAt, updatedAt int64
	)
	if err := sc.Scan(&j.ID, &j.Task, &j.Queue, &params, &status, &j.Attempts, &lastError,
		&recurrent, &runAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Params = []byte(params)
	j.Status = schema.JobStatus(status)
	j.LastError = lastError.String
	j.Recurrent = recurrent != 0
	j.RunAt = fromNanos(runAt)
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*schema.Job, error) {
	defer rows.Close()

	var jobs []*schema.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func storeNotFound(resource, id string) *schema.HeroError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT FAILED")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*LibSQLQueue)(nil)
