package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/eddo.db".
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

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
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

// --- Checkpoints ---

const checkpointColumns = `session_key, request_id, user_id, node, status, state, created_at, updated_at`

func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.SessionKey == "" {
		return schema.NewError(schema.ErrCodeValidation, "checkpoint requires a session key")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (`+checkpointColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET
		   request_id=excluded.request_id, user_id=excluded.user_id, node=excluded.node,
		   status=excluded.status, state=excluded.state, updated_at=excluded.updated_at`,
		cp.SessionKey, cp.RequestID, nullStr(cp.UserID), cp.Node, string(cp.Status),
		string(cp.State), timeOrNow(cp.CreatedAt), now,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save checkpoint %q", cp.SessionKey).WithCause(err)
	}
	cp.UpdatedAt = now
	return nil
}

func (s *LibSQLStore) GetCheckpoint(ctx context.Context, sessionKey string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE session_key = ?`, sessionKey,
	)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("checkpoint", sessionKey)
	}
	return cp, err
}

func (s *LibSQLStore) ListCheckpoints(ctx context.Context, filter CheckpointFilter) ([]*Checkpoint, error) {
	q := selectFrom(checkpointColumns, "checkpoints")
	if filter.Status != nil {
		q.where("status = ?", string(*filter.Status))
	}
	if filter.UpdatedBefore != nil {
		q.where("updated_at < ?", *filter.UpdatedBefore)
	}
	query, args := q.build("updated_at DESC", filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteCheckpoint(ctx context.Context, sessionKey string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_key = ?`, sessionKey)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "checkpoint", sessionKey)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(r rowScanner) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var userID sql.NullString
	var status, state string
	if err := r.Scan(&cp.SessionKey, &cp.RequestID, &userID, &cp.Node, &status, &state,
		&cp.CreatedAt, &cp.UpdatedAt); err != nil {
		return nil, err
	}
	cp.UserID = userID.String
	cp.Status = schema.WorkflowStatus(status)
	cp.State = json.RawMessage(state)
	return cp, nil
}

// --- Events ---

// AppendEvent inserts event with the next per-session sequence. The sequence is read
// inside the INSERT so concurrent appends cannot claim the same number.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	event.Timestamp = timeOrNow(event.Timestamp)
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO events (session_key, request_id, step_id, event_type, payload, timestamp, sequence)
		 SELECT ?, ?, ?, ?, ?, ?, COALESCE(MAX(sequence), 0) + 1 FROM events WHERE session_key = ?
		 RETURNING id, sequence`,
		event.SessionKey, nullStr(event.RequestID), nullStr(event.StepID), event.Type,
		nullRaw(event.Payload), event.Timestamp, event.SessionKey,
	)
	if err := row.Scan(&event.ID, &event.Sequence); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append %s event for %q", event.Type, event.SessionKey).WithCause(err)
	}
	return nil
}

const eventColumns = `id, session_key, request_id, step_id, event_type, payload, timestamp, sequence`

func (s *LibSQLStore) GetEvents(ctx context.Context, sessionKey string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_key = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionKey, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	q := selectFrom(eventColumns, "events").where("event_type = ?", eventType)
	if filter.SessionKey != "" {
		q.where("session_key = ?", filter.SessionKey)
	}
	if filter.Since != nil {
		q.where("timestamp >= ?", *filter.Since)
	}
	query, args := q.build("timestamp DESC, id DESC", filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var requestID, stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionKey, &requestID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.RequestID = requestID.String
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Approvals ---

const approvalColumns = `id, session_key, request_id, step_id, plan_id, action, parameters, description,
	risk_level, message, approved, feedback, resolved_by, created_at, resolved_at`

// CreateApproval inserts the approval. Re-creating an existing ID is a no-op so that a
// resumed gate never duplicates its request.
func (s *LibSQLStore) CreateApproval(ctx context.Context, a *Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, session_key, request_id, step_id, plan_id, action, parameters, description, risk_level, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		a.ID, a.SessionKey, nullStr(a.RequestID), nullStr(a.StepID), nullStr(a.PlanID),
		nullStr(a.Action), nullRaw(a.Parameters), nullStr(a.Description),
		string(a.RiskLevel), a.Message, timeOrNow(a.CreatedAt),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create approval %q", a.ID).WithCause(err)
	}
	return nil
}

// ResolveApproval records the decision once. A second attempt returns CONFLICT; an unknown
// ID returns NOT_FOUND.
func (s *LibSQLStore) ResolveApproval(ctx context.Context, id string, res *ApprovalResolution) error {
	approved := 0
	if res.Approved {
		approved = 1
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET approved = ?, feedback = ?, resolved_by = ?, resolved_at = ?
		 WHERE id = ? AND resolved_at IS NULL`,
		approved, nullStr(res.Feedback), nullStr(res.ResolvedBy), time.Now().UTC(), id,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "resolve approval %q", id).WithCause(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetApproval(ctx, id); err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "approval %q already resolved", id)
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", id)
	}
	return a, err
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error) {
	q := selectFrom(approvalColumns, "approvals")
	if filter.SessionKey != "" {
		q.where("session_key = ?", filter.SessionKey)
	}
	if filter.PendingOnly {
		q.where("resolved_at IS NULL")
	}
	query, args := q.build("created_at DESC", filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteApprovals(ctx context.Context, sessionKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM approvals WHERE session_key = ?`, sessionKey)
	return err
}

func scanApproval(r rowScanner) (*Approval, error) {
	a := &Approval{}
	var (
		requestID, stepID, planID, action sql.NullString
		params, desc, feedback, by        sql.NullString
		risk                              string
		approved                          sql.NullInt64
		resolvedAt                        sql.NullTime
	)
	if err := r.Scan(&a.ID, &a.SessionKey, &requestID, &stepID, &planID, &action, &params, &desc,
		&risk, &a.Message, &approved, &feedback, &by, &a.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	a.RequestID = requestID.String
	a.StepID = stepID.String
	a.PlanID = planID.String
	a.Action = action.String
	a.Parameters = rawOrNil(params)
	a.Description = desc.String
	a.RiskLevel = schema.RiskLevel(risk)
	a.Feedback = feedback.String
	a.ResolvedBy = by.String
	if approved.Valid {
		v := approved.Int64 == 1
		a.Approved = &v
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	return a, nil
}

// --- Helpers ---

// selectQuery assembles a SELECT whose conditions are ANDed together.
type selectQuery struct {
	cols, table string
	conds       []string
	args        []any
}

func selectFrom(cols, table string) *selectQuery {
	return &selectQuery{cols: cols, table: table}
}

func (q *selectQuery) where(cond string, args ...any) *selectQuery {
	q.conds = append(q.conds, cond)
	q.args = append(q.args, args...)
	return q
}

func (q *selectQuery) build(orderBy string, limit int) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", q.cols, q.table)
	if len(q.conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(q.conds, " AND "))
	}
	if orderBy != "" {
		b.WriteString(" ORDER BY " + orderBy)
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	return b.String(), q.args
}

func storeNotFound(resource, id string) *schema.EddoError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
