package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/labforge/labforge/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS operations (
    id             TEXT PRIMARY KEY,
    run_id         TEXT NOT NULL,
    workshop_id    TEXT NOT NULL,
    template_id    TEXT NOT NULL,
    kind           TEXT NOT NULL,
    initiator      TEXT,
    status         TEXT NOT NULL,
    variables      TEXT,
    state_address  TEXT,
    outputs        TEXT,
    output_display TEXT,
    error          TEXT,
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL,
    completed_at   DATETIME
);
CREATE INDEX IF NOT EXISTS idx_operations_workshop ON operations(workshop_id, created_at DESC);

CREATE TABLE IF NOT EXISTS operation_logs (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    operation_id TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    line         TEXT NOT NULL,
    created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operation_logs_op ON operation_logs(operation_id, seq);

CREATE TABLE IF NOT EXISTS workshops (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    template_id       TEXT,
    template_group_id TEXT,
    status            TEXT NOT NULL,
    variables         TEXT,
    group_variables   TEXT,
    outputs           TEXT,
    expires_at        DATETIME,
    created_at        DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS templates (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    provider    TEXT NOT NULL,
    bundle_path TEXT NOT NULL,
    created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS template_groups (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    template_ids TEXT NOT NULL,
    created_at   DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and bootstraps the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSON(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}

// CreateOperation inserts a new operation record.
func (s *SQLiteStore) CreateOperation(ctx context.Context, op *model.Operation) error {
	vars, err := marshalJSON(op.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO operations (
			id, run_id, workshop_id, template_id, kind, initiator, status,
			variables, state_address, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.RunID, op.WorkshopID, op.TemplateID, op.Kind, op.Initiator,
		op.Status, vars, op.StateAddress, op.Error, op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

const operationColumns = `id, run_id, workshop_id, template_id, kind, initiator, status,
	variables, state_address, outputs, output_display, error,
	created_at, updated_at, completed_at`

func scanOperation(row interface{ Scan(...any) error }) (*model.Operation, error) {
	op := &model.Operation{}
	var initiator, vars, addr, outputs, display, errMsg sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&op.ID, &op.RunID, &op.WorkshopID, &op.TemplateID, &op.Kind, &initiator,
		&op.Status, &vars, &addr, &outputs, &display, &errMsg,
		&op.CreatedAt, &op.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	op.Initiator = initiator.String
	op.StateAddress = addr.String
	op.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		op.CompletedAt = &t
	}
	if err := unmarshalJSON(vars, &op.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	if err := unmarshalJSON(outputs, &op.Outputs); err != nil {
		return nil, fmt.Errorf("unmarshal outputs: %w", err)
	}
	if err := unmarshalJSON(display, &op.OutputDisplay); err != nil {
		return nil, fmt.Errorf("unmarshal output display: %w", err)
	}
	return op, nil
}

// GetOperation retrieves an operation by ID.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*model.Operation, error) {
	op, err := scanOperation(s.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// ListOperationsByWorkshop returns all operations for a workshop, newest first.
func (s *SQLiteStore) ListOperationsByWorkshop(ctx context.Context, workshopID string) ([]*model.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM operations
		WHERE workshop_id = ? ORDER BY created_at DESC, id DESC`, workshopID,
	)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []*model.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// UpdateOperation applies the update inside a transaction. A status change is
// validated against the transition table; terminal statuses set completed_at.
// The updated record is returned.
func (s *SQLiteStore) UpdateOperation(ctx context.Context, id string, upd OperationUpdate) (*model.Operation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM operations WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read current status: %w", err)
	}

	now := time.Now().UTC()
	set := "updated_at = ?"
	args := []any{now}

	if upd.Status != nil {
		if !model.ValidTransition(current, *upd.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, *upd.Status)
		}
		set += ", status = ?"
		args = append(args, *upd.Status)
		if model.TerminalStatus(*upd.Status) {
			set += ", completed_at = ?"
			args = append(args, now)
		}
	}
	if upd.StateAddress != nil {
		set += ", state_address = ?"
		args = append(args, *upd.StateAddress)
	}
	if upd.Outputs != nil {
		v, err := marshalJSON(upd.Outputs)
		if err != nil {
			return nil, fmt.Errorf("marshal outputs: %w", err)
		}
		set += ", outputs = ?"
		args = append(args, v)
	}
	if upd.OutputDisplay != nil {
		v, err := marshalJSON(upd.OutputDisplay)
		if err != nil {
			return nil, fmt.Errorf("marshal output display: %w", err)
		}
		set += ", output_display = ?"
		args = append(args, v)
	}
	if upd.Error != nil {
		set += ", error = ?"
		args = append(args, *upd.Error)
	}

	args = append(args, id)
	if _, err := tx.ExecContext(ctx, "UPDATE operations SET "+set+" WHERE id = ?", args...); err != nil {
		return nil, fmt.Errorf("update operation: %w", err)
	}

	op, err := scanOperation(tx.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = ?`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("reread operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return op, nil
}

// AppendLogLines appends lines to the operation's log, continuing the
// sequence from the current maximum. The write is append-only so repeated
// flushes carry only new lines.
func (s *SQLiteStore) AppendLogLines(ctx context.Context, operationID string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), -1) + 1 FROM operation_logs WHERE operation_id = ?",
		operationID,
	).Scan(&next); err != nil {
		return fmt.Errorf("next log seq: %w", err)
	}

	now := time.Now().UTC()
	for i, line := range lines {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO operation_logs (operation_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
			operationID, next+i, line, now,
		); err != nil {
			return fmt.Errorf("insert log line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetLogLines returns the operation's log lines in sequence order.
func (s *SQLiteStore) GetLogLines(ctx context.Context, operationID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation_id, seq, line, created_at FROM operation_logs
		WHERE operation_id = ? ORDER BY seq`, operationID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.OperationID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

// GetOperationStats computes aggregate statistics over all operations.
func (s *SQLiteStore) GetOperationStats(ctx context.Context) (*OperationStats, error) {
	stats := &OperationStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, kind, COUNT(*) FROM operations GROUP BY status, kind")
	if err != nil {
		return nil, fmt.Errorf("count operations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status, kind string
		var n int
		if err := rows.Scan(&status, &kind, &n); err != nil {
			return nil, fmt.Errorf("scan counts: %w", err)
		}
		stats.Total += n
		stats.CountByStatus[status] += n
		stats.CountByKind[kind] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG((julianday(completed_at) - julianday(created_at)) * 86400000.0)
		FROM operations WHERE completed_at IS NOT NULL`,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("avg duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}

// CreateWorkshop inserts a new workshop record.
func (s *SQLiteStore) CreateWorkshop(ctx context.Context, w *model.Workshop) error {
	vars, err := marshalJSON(w.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	groupVars, err := marshalJSON(w.GroupVariables)
	if err != nil {
		return fmt.Errorf("marshal group variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workshops (
			id, name, template_id, template_group_id, status,
			variables, group_variables, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.TemplateID, w.TemplateGroupID, w.Status,
		vars, groupVars, w.ExpiresAt, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workshop: %w", err)
	}
	return nil
}

func scanWorkshop(row interface{ Scan(...any) error }) (*model.Workshop, error) {
	w := &model.Workshop{}
	var templateID, groupID, vars, groupVars, outputs sql.NullString
	var expiresAt sql.NullTime
	err := row.Scan(
		&w.ID, &w.Name, &templateID, &groupID, &w.Status,
		&vars, &groupVars, &outputs, &expiresAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.TemplateID = templateID.String
	w.TemplateGroupID = groupID.String
	if expiresAt.Valid {
		t := expiresAt.Time
		w.ExpiresAt = &t
	}
	if err := unmarshalJSON(vars, &w.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	if err := unmarshalJSON(groupVars, &w.GroupVariables); err != nil {
		return nil, fmt.Errorf("unmarshal group variables: %w", err)
	}
	if err := unmarshalJSON(outputs, &w.Outputs); err != nil {
		return nil, fmt.Errorf("unmarshal outputs: %w", err)
	}
	return w, nil
}

const workshopColumns = `id, name, template_id, template_group_id, status,
	variables, group_variables, outputs, expires_at, created_at, updated_at`

// GetWorkshop retrieves a workshop by ID.
func (s *SQLiteStore) GetWorkshop(ctx context.Context, id string) (*model.Workshop, error) {
	w, err := scanWorkshop(s.db.QueryRowContext(ctx,
		`SELECT `+workshopColumns+` FROM workshops WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workshop: %w", err)
	}
	return w, nil
}

// UpdateWorkshopStatus sets the workshop status and, when outputs is
// non-nil, the aggregate outputs. Returns the updated record.
func (s *SQLiteStore) UpdateWorkshopStatus(ctx context.Context, id, status string, outputs map[string]any) (*model.Workshop, error) {
	now := time.Now().UTC()
	var result sql.Result
	var err error
	if outputs != nil {
		var v sql.NullString
		v, err = marshalJSON(outputs)
		if err != nil {
			return nil, fmt.Errorf("marshal outputs: %w", err)
		}
		result, err = s.db.ExecContext(ctx,
			"UPDATE workshops SET status = ?, outputs = ?, updated_at = ? WHERE id = ?",
			status, v, now, id,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			"UPDATE workshops SET status = ?, updated_at = ? WHERE id = ?",
			status, now, id,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("update workshop status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrNotFound
	}

	return s.GetWorkshop(ctx, id)
}

// ListExpiredWorkshops returns deployed or failed workshops whose expiry
// timestamp has passed.
func (s *SQLiteStore) ListExpiredWorkshops(ctx context.Context, now time.Time) ([]*model.Workshop, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workshopColumns+` FROM workshops
		WHERE expires_at IS NOT NULL AND expires_at <= ? AND status IN (?, ?)`,
		now, model.WorkshopDeployed, model.WorkshopFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired workshops: %w", err)
	}
	defer rows.Close()

	var workshops []*model.Workshop
	for rows.Next() {
		w, err := scanWorkshop(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workshop: %w", err)
		}
		workshops = append(workshops, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workshops: %w", err)
	}
	return workshops, nil
}

// ExpandTemplates resolves a workshop to the template IDs it deploys.
func (s *SQLiteStore) ExpandTemplates(ctx context.Context, w *model.Workshop) ([]string, error) {
	if w.TemplateGroupID == "" {
		if w.TemplateID == "" {
			return nil, fmt.Errorf("workshop %s has no template", w.ID)
		}
		return []string{w.TemplateID}, nil
	}
	g, err := s.GetTemplateGroup(ctx, w.TemplateGroupID)
	if err != nil {
		return nil, fmt.Errorf("expand template group: %w", err)
	}
	return g.TemplateIDs, nil
}

// CreateTemplate inserts a new template record.
func (s *SQLiteStore) CreateTemplate(ctx context.Context, t *model.Template) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO templates (id, name, provider, bundle_path, created_at) VALUES (?, ?, ?, ?, ?)",
		t.ID, t.Name, t.Provider, t.BundlePath, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID.
func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*model.Template, error) {
	t := &model.Template{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, provider, bundle_path, created_at FROM templates WHERE id = ?", id,
	).Scan(&t.ID, &t.Name, &t.Provider, &t.BundlePath, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

// CreateTemplateGroup inserts a new template group record.
func (s *SQLiteStore) CreateTemplateGroup(ctx context.Context, g *model.TemplateGroup) error {
	ids, err := marshalJSON(g.TemplateIDs)
	if err != nil {
		return fmt.Errorf("marshal template ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO template_groups (id, name, template_ids, created_at) VALUES (?, ?, ?, ?)",
		g.ID, g.Name, ids, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert template group: %w", err)
	}
	return nil
}

// GetTemplateGroup retrieves a template group by ID.
func (s *SQLiteStore) GetTemplateGroup(ctx context.Context, id string) (*model.TemplateGroup, error) {
	g := &model.TemplateGroup{}
	var ids sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, template_ids, created_at FROM template_groups WHERE id = ?", id,
	).Scan(&g.ID, &g.Name, &ids, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template group: %w", err)
	}
	if err := unmarshalJSON(ids, &g.TemplateIDs); err != nil {
		return nil, fmt.Errorf("unmarshal template ids: %w", err)
	}
	return g, nil
}
