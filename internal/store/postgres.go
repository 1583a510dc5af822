package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/cadence/pkg/schema"
)

// appendEventAttempts bounds retries when two writers race for the same
// event sequence number.
const appendEventAttempts = 5

// PostgresStore implements Store on PostgreSQL through a pgx connection pool.
// Unlike LibSQLStore it is safe to share between several engine processes.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects to the database described by dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Migrate applies pending PostgreSQL migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			for _, stmt := range splitStatements(m.SQL) {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_version (version, name) VALUES ($1, $2)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) InsertRunIfAbsent(ctx context.Context, run *Run) (bool, error) {
	results, err := marshalResults(run.StepResults)
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT DO NOTHING`,
		run.ID, run.DefinitionCode, string(run.Family), string(run.Subject.Kind), run.Subject.ID,
		nullStr(run.Tenant), string(run.Status), run.CurrentStep, results,
		run.NextStepAt, run.StartedAt, run.CompletedAt,
		nullStr(run.Trigger), nullStr(run.CancelReason), nullStr(run.ClaimToken), run.ClaimedUntil,
		timeOrNow(run.CreatedAt), timeOrNow(run.UpdatedAt),
	)
	if err != nil {
		return false, storeErr("insert run", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanPostgresRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, storeErr("get run", err)
	}
	return r, nil
}

func (s *PostgresStore) FindOpenRun(ctx context.Context, definitionCode string, subject schema.SubjectRef) (*Run, error) {
	r, err := scanPostgresRun(s.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE definition_code = $1 AND subject_kind = $2 AND subject_id = $3
		   AND status IN ('active', 'paused')`,
		definitionCode, string(subject.Kind), subject.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find open run", err)
	}
	return r, nil
}

func (s *PostgresStore) LatestRun(ctx context.Context, definitionCode string, subject schema.SubjectRef) (*Run, error) {
	r, err := scanPostgresRun(s.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE definition_code = $1 AND subject_kind = $2 AND subject_id = $3
		 ORDER BY started_at DESC, created_at DESC
		 LIMIT 1`,
		definitionCode, string(subject.Kind), subject.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("latest run", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Subject != nil {
		conditions = append(conditions,
			"subject_kind = "+arg(string(filter.Subject.Kind)),
			"subject_id = "+arg(filter.Subject.ID))
	}
	if filter.DefinitionCode != "" {
		conditions = append(conditions, "definition_code = "+arg(filter.DefinitionCode))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = "+arg(string(filter.Status)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET " + arg(filter.Offset)
		}
	}
	return s.queryRuns(ctx, "list runs", query, args...)
}

func (s *PostgresStore) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*Run, error) {
	return s.queryRuns(ctx, "list due runs",
		`SELECT `+runColumns+` FROM runs
		 WHERE status = 'active' AND next_step_at IS NOT NULL AND next_step_at <= $1
		   AND (claimed_until IS NULL OR claimed_until <= $1)
		 ORDER BY next_step_at, id
		 LIMIT $2`,
		now, limit)
}

func (s *PostgresStore) ClaimRun(ctx context.Context, c Claim) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE runs SET claim_token = $1, claimed_until = $2, updated_at = $3
		 WHERE id = $4 AND status = 'active' AND current_step = $5
		   AND next_step_at IS NOT NULL AND next_step_at <= $3
		   AND (claimed_until IS NULL OR claimed_until <= $3)`,
		c.Token, c.Until, c.Now, c.RunID, c.ExpectStep,
	)
	if err != nil {
		return storeErr("claim run", err)
	}
	if tag.RowsAffected() == 0 {
		return claimConflict(c.RunID, c.ExpectStep)
	}
	return nil
}

func (s *PostgresStore) AdvanceRun(ctx context.Context, a Advance) (*Run, error) {
	result, err := json.Marshal(a.Result)
	if err != nil {
		return nil, storeErr("marshal step result", err)
	}
	next := a.NextStepAt
	if a.Complete {
		next = a.Now
	}
	r, err := scanPostgresRun(s.db.QueryRow(ctx,
		`UPDATE runs SET
			current_step  = CASE WHEN status = 'cancelled' THEN current_step ELSE current_step + 1 END,
			step_results  = step_results || jsonb_build_array($1::jsonb),
			status        = CASE WHEN status = 'active' AND $2::boolean THEN 'completed' ELSE status END,
			next_step_at  = CASE WHEN status = 'cancelled' THEN NULL
			                     WHEN status = 'active' AND $2::boolean THEN NULL
			                     ELSE $3::timestamptz END,
			completed_at  = CASE WHEN status = 'active' AND $2::boolean THEN $4::timestamptz ELSE completed_at END,
			claim_token   = NULL,
			claimed_until = NULL,
			updated_at    = $4
		 WHERE id = $5 AND current_step = $6 AND claim_token = $7
		 RETURNING `+runColumns,
		string(result), a.Complete, next, a.Now, a.RunID, a.ExpectStep, a.Token,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, advanceConflict(a)
	}
	if err != nil {
		return nil, storeErr("advance run", err)
	}
	return r, nil
}

func (s *PostgresStore) TransitionRun(ctx context.Context, t Transition) (*Run, error) {
	if len(t.From) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "transition needs at least one source status")
	}
	from := make([]string, len(t.From))
	for i, st := range t.From {
		from[i] = string(st)
	}
	r, err := scanPostgresRun(s.db.QueryRow(ctx,
		`UPDATE runs SET
			status        = $1,
			next_step_at  = CASE WHEN $2::boolean THEN NULL
			                     WHEN $3::boolean AND (next_step_at IS NULL OR next_step_at < $4) THEN $4
			                     ELSE next_step_at END,
			completed_at  = CASE WHEN $5::boolean THEN $4 ELSE completed_at END,
			cancel_reason = COALESCE($6, cancel_reason),
			updated_at    = $4
		 WHERE id = $7 AND status = ANY($8)
		 RETURNING `+runColumns,
		string(t.To), t.To.Terminal(), t.To == schema.RunStatusActive, t.Now,
		t.To == schema.RunStatusCompleted, nullStr(t.CancelReason), t.RunID, from,
	))
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) queryRuns(ctx context.Context, op, query string, args ...any) ([]*Run, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
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

func scanPostgresRun(sc rowScanner) (*Run, error) {
	r := &Run{}
	var (
		tenant, trigger, reason, token *string
		results                        []byte
	)
	err := sc.Scan(
		&r.ID, &r.DefinitionCode, &r.Family, &r.Subject.Kind, &r.Subject.ID, &tenant, &r.Status,
		&r.CurrentStep, &results, &r.NextStepAt, &r.StartedAt, &r.CompletedAt, &trigger,
		&reason, &token, &r.ClaimedUntil, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(results, &r.StepResults); err != nil {
		return nil, fmt.Errorf("decode step_results of run %s: %w", r.ID, err)
	}
	r.Tenant = deref(tenant)
	r.Trigger = deref(trigger)
	r.CancelReason = deref(reason)
	r.ClaimToken = deref(token)
	return r, nil
}

// --- Events ---

func (s *PostgresStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	var payload any
	if len(event.Payload) > 0 {
		payload = string(event.Payload)
	}

	var err error
	for attempt := 0; attempt < appendEventAttempts; attempt++ {
		err = s.db.QueryRow(ctx,
			`INSERT INTO run_events (run_id, event_type, step_ordinal, payload, created_at, sequence)
			 SELECT $1, $2, $3, $4::jsonb, $5, COALESCE(MAX(sequence), 0) + 1
			 FROM run_events WHERE run_id = $1
			 RETURNING id, sequence`,
			event.RunID, event.Type, nullOrdinal(event.StepOrdinal), payload, event.Timestamp,
		).Scan(&event.ID, &event.Sequence)
		if !isUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		return storeErr("insert event", err)
	}
	return nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, run_id, event_type, step_ordinal, payload, created_at, sequence
		 FROM run_events WHERE run_id = $1 AND sequence > $2 ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var ordinal *int32
		var payload []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &ordinal, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeErr("scan event", err)
		}
		if ordinal != nil {
			e.StepOrdinal = int(*ordinal)
		}
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get events", err)
	}
	return events, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
