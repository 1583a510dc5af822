package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/cadence/pkg/schema"
)

const runColumns = `id, definition_code, family, subject_kind, subject_id, tenant, status,
	current_step, step_results, next_step_at, started_at, completed_at, trigger_desc,
	cancel_reason, claim_token, claimed_until, created_at, updated_at`

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
// Timestamps are stored as unix milliseconds.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/cadence.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
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
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) InsertRunIfAbsent(ctx context.Context, run *Run) (bool, error) {
	results, err := marshalResults(run.StepResults)
	if err != nil {
		return false, err
	}
	now := timeOrNow(run.CreatedAt)
	updated := timeOrNow(run.UpdatedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		run.ID, run.DefinitionCode, string(run.Family), string(run.Subject.Kind), run.Subject.ID,
		nullStr(run.Tenant), string(run.Status), run.CurrentStep, results,
		nullMillis(run.NextStepAt), toMillis(run.StartedAt), nullMillis(run.CompletedAt),
		nullStr(run.Trigger), nullStr(run.CancelReason), nullStr(run.ClaimToken), nullMillis(run.ClaimedUntil),
		toMillis(now), toMillis(updated),
	)
	if err != nil {
		return false, storeErr("insert run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("insert run", err)
	}
	return n == 1, nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanLibSQLRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, storeErr("get run", err)
	}
	return r, nil
}

func (s *LibSQLStore) FindOpenRun(ctx context.Context, definitionCode string, subject schema.SubjectRef) (*Run, error) {
	r, err := scanLibSQLRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE definition_code = ? AND subject_kind = ? AND subject_id = ?
		   AND status IN ('active', 'paused')`,
		definitionCode, string(subject.Kind), subject.ID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find open run", err)
	}
	return r, nil
}

func (s *LibSQLStore) LatestRun(ctx context.Context, definitionCode string, subject schema.SubjectRef) (*Run, error) {
	r, err := scanLibSQLRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE definition_code = ? AND subject_kind = ? AND subject_id = ?
		 ORDER BY started_at DESC, created_at DESC
		 LIMIT 1`,
		definitionCode, string(subject.Kind), subject.ID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("latest run", err)
	}
	return r, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var conditions []string
	var args []any

	if filter.Subject != nil {
		conditions = append(conditions, "subject_kind = ?", "subject_id = ?")
		args = append(args, string(filter.Subject.Kind), filter.Subject.ID)
	}
	if filter.DefinitionCode != "" {
		conditions = append(conditions, "definition_code = ?")
		args = append(args, filter.DefinitionCode)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	return s.queryRuns(ctx, "list runs", query, args...)
}

func (s *LibSQLStore) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*Run, error) {
	ms := toMillis(now)
	return s.queryRuns(ctx, "list due runs",
		`SELECT `+runColumns+` FROM runs
		 WHERE status = 'active' AND next_step_at IS NOT NULL AND next_step_at <= ?
		   AND (claimed_until IS NULL OR claimed_until <= ?)
		 ORDER BY next_step_at, id
		 LIMIT ?`,
		ms, ms, limit)
}

func (s *LibSQLStore) ClaimRun(ctx context.Context, c Claim) error {
	now := toMillis(c.Now)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET claim_token = ?, claimed_until = ?, updated_at = ?
		 WHERE id = ? AND status = 'active' AND current_step = ?
		   AND next_step_at IS NOT NULL AND next_step_at <= ?
		   AND (claimed_until IS NULL OR claimed_until <= ?)`,
		c.Token, toMillis(c.Until), now, c.RunID, c.ExpectStep, now, now,
	)
	if err != nil {
		return storeErr("claim run", err)
	}
	return checkClaimed(res, c.RunID, c.ExpectStep)
}

func (s *LibSQLStore) AdvanceRun(ctx context.Context, a Advance) (*Run, error) {
	result, err := json.Marshal(a.Result)
	if err != nil {
		return nil, storeErr("marshal step result", err)
	}
	next := a.NextStepAt
	if a.Complete {
		next = a.Now
	}
	now := toMillis(a.Now)
	complete := boolInt(a.Complete)
	r, err := scanLibSQLRun(s.db.QueryRowContext(ctx,
		`UPDATE runs SET
			current_step  = CASE WHEN status = 'cancelled' THEN current_step ELSE current_step + 1 END,
			step_results  = json_insert(step_results, '$[#]', json(?)),
			status        = CASE WHEN status = 'active' AND ? THEN 'completed' ELSE status END,
			next_step_at  = CASE WHEN status = 'cancelled' THEN NULL
			                     WHEN status = 'active' AND ? THEN NULL
			                     ELSE ? END,
			completed_at  = CASE WHEN status = 'active' AND ? THEN ? ELSE completed_at END,
			claim_token   = NULL,
			claimed_until = NULL,
			updated_at    = ?
		 WHERE id = ? AND current_step = ? AND claim_token = ?
		 RETURNING `+runColumns,
		string(result), complete, complete, toMillis(next), complete, now, now,
		a.RunID, a.ExpectStep, a.Token,
	))
	if err == sql.ErrNoRows {
		return nil, advanceConflict(a)
	}
	if err != nil {
		return nil, storeErr("advance run", err)
	}
	return r, nil
}

func (s *LibSQLStore) TransitionRun(ctx context.Context, t Transition) (*Run, error) {
	if len(t.From) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "transition needs at least one source status")
	}
	now := toMillis(t.Now)
	placeholders := make([]string, len(t.From))
	args := []any{
		string(t.To),
		boolInt(t.To.Terminal()), boolInt(t.To == schema.RunStatusActive), now, now,
		boolInt(t.To == schema.RunStatusCompleted), now,
		nullStr(t.CancelReason),
		now,
		t.RunID,
	}
	for i, st := range t.From {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	r, err := scanLibSQLRun(s.db.QueryRowContext(ctx,
		`UPDATE runs SET
			status        = ?,
			next_step_at  = CASE WHEN ? THEN NULL
			                     WHEN ? AND (next_step_at IS NULL OR next_step_at < ?) THEN ?
			                     ELSE next_step_at END,
			completed_at  = CASE WHEN ? THEN ? ELSE completed_at END,
			cancel_reason = COALESCE(?, cancel_reason),
			updated_at    = ?
		 WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)
		 RETURNING `+runColumns,
		args...,
	))
	if err == sql.ErrNoRows {
		current, gerr := s.GetRun(ctx, t.RunID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, transitionConflict(t, current.Status)
	}
	if err != nil {
		return nil, storeErr("transition run", err)
	}
	return r, nil
}

func (s *LibSQLStore) queryRuns(ctx context.Context, op, query string, args ...any) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanLibSQLRun(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return runs, nil
}

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanLibSQLRun(sc rowScanner) (*Run, error) {
	r := &Run{}
	var (
		tenant, trigger, reason, token sql.NullString
		results                        string
		next, completed, claimed       sql.NullInt64
		started, created, updated      int64
	)
	err := sc.Scan(
		&r.ID, &r.DefinitionCode, &r.Family, &r.Subject.Kind, &r.Subject.ID, &tenant, &r.Status,
		&r.CurrentStep, &results, &next, &started, &completed, &trigger,
		&reason, &token, &claimed, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(results), &r.StepResults); err != nil {
		return nil, fmt.Errorf("decode step_results of run %s: %w", r.ID, err)
	}
	r.Tenant = tenant.String
	r.Trigger = trigger.String
	r.CancelReason = reason.String
	r.ClaimToken = token.String
	r.NextStepAt = millisOrNil(next)
	r.CompletedAt = millisOrNil(completed)
	r.ClaimedUntil = millisOrNil(claimed)
	r.StartedAt = fromMillis(started)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.CadenceError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", resource, id).
		WithDetails(map[string]any{"resource": resource, "id": id})
}

func storeErr(op string, err error) *schema.CadenceError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkClaimed(res sql.Result, runID string, step int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("claim run", err)
	}
	if n == 0 {
		return claimConflict(runID, step)
	}
	return nil
}

func claimConflict(runID string, step int) *schema.CadenceError {
	return schema.NewErrorf(schema.ErrCodeConflict, "run %s step %d is no longer claimable", runID, step).
		WithRun(runID)
}

func advanceConflict(a Advance) *schema.CadenceError {
	return schema.NewErrorf(schema.ErrCodeConflict, "run %s moved past step %d or lost its claim", a.RunID, a.ExpectStep).
		WithRun(a.RunID)
}

func transitionConflict(t Transition, current schema.RunStatus) *schema.CadenceError {
	return schema.NewErrorf(schema.ErrCodeConflict, "run %s is %s, cannot become %s", t.RunID, current, t.To).
		WithRun(t.RunID).
		WithDetails(map[string]any{"status": string(current), "target": string(t.To)})
}

func marshalResults(results []schema.StepResult) (string, error) {
	if results == nil {
		return "[]", nil
	}
	b, err := json.Marshal(results)
	if err != nil {
		return "", storeErr("marshal step results", err)
	}
	return string(b), nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// boolInt encodes a flag as SQLite's 0/1.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
