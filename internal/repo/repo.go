package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gateline/internal/domain"
	"gateline/internal/gates"
)

// Repo is the task store: keyed task records plus their append-only lifecycle
// logs. AppendTransition is the only state-mutating operation.
type Repo struct {
	DB *sql.DB
}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
	// ErrStateConflict means a concurrent append changed the lineage's current
	// state between read and write; the caller must re-validate, never overwrite.
	ErrStateConflict = errors.New("current state changed concurrently")
)

// CreateTask registers a task in DRAFT with an empty log and a primary lineage.
func (r Repo) CreateTask(ctx context.Context, id, now string) (domain.Task, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Task{}, errors.New("task id required")
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, id).Scan(&n)
	if err == nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, ErrDuplicate)
	}
	if err != sql.ErrNoRows {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:           id,
		CurrentState: domain.StateDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,current_state,created_at,updated_at) VALUES (?,?,?,?)`,
		t.ID, t.CurrentState, t.CreatedAt, t.UpdatedAt); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO lineages(task_id,name,current_state,created_at) VALUES (?,?,?,?)`,
		t.ID, domain.PrimaryLineage, t.CurrentState, now); err != nil {
		return domain.Task{}, fmt.Errorf("insert primary lineage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Owner, _ = gates.OwningRole(t.CurrentState)
	return t, nil
}

func scanTask(row *sql.Row) (domain.Task, error) {
	var t domain.Task
	var delivered sql.NullString
	err := row.Scan(&t.ID, &t.CurrentState, &t.CreatedAt, &t.UpdatedAt, &delivered)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if delivered.Valid {
		t.DeliveredAt = &delivered.String
	}
	t.Owner, _ = gates.OwningRole(t.CurrentState)
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx,
		`SELECT id,current_state,created_at,updated_at,delivered_at FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	State           domain.State
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.State != "" {
		clauses = append(clauses, "current_state=?")
		args = append(args, f.State)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT id,current_state,created_at,updated_at,delivered_at FROM tasks WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var delivered sql.NullString
		if err := rows.Scan(&t.ID, &t.CurrentState, &t.CreatedAt, &t.UpdatedAt, &delivered); err != nil {
			return nil, err
		}
		if delivered.Valid {
			t.DeliveredAt = &delivered.String
		}
		t.Owner, _ = gates.OwningRole(t.CurrentState)
		res = append(res, t)
	}
	return res, rows.Err()
}

// GetLineage returns the current-state pointer for a named lineage. The
// primary lineage mirrors the task row.
func (r Repo) GetLineage(ctx context.Context, taskID, name string) (domain.Lineage, error) {
	var l domain.Lineage
	err := r.DB.QueryRowContext(ctx,
		`SELECT task_id,name,current_state,created_at FROM lineages WHERE task_id=? AND name=?`, taskID, name).
		Scan(&l.TaskID, &l.Name, &l.CurrentState, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) ListLineages(ctx context.Context, taskID string) ([]domain.Lineage, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT task_id,name,current_state,created_at FROM lineages WHERE task_id=? ORDER BY created_at ASC, name ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lineage
	for rows.Next() {
		var l domain.Lineage
		if err := rows.Scan(&l.TaskID, &l.Name, &l.CurrentState, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// AppendTransition appends a transition record and advances the lineage's
// current-state pointer in one transaction. The pointer update is a
// compare-and-set keyed on the record's from-state: if a concurrent append
// won, nothing is written and ErrStateConflict is returned.
//
// When newBranch is true the record opens a fresh lineage at its to-state
// instead of advancing an existing pointer; the primary lineage is untouched.
func (r Repo) AppendTransition(ctx context.Context, rec domain.Record, newBranch bool) (domain.Record, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback()

	if newBranch {
		var n int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM lineages WHERE task_id=? AND name=?`, rec.TaskID, rec.Lineage).Scan(&n)
		if err == nil {
			return domain.Record{}, fmt.Errorf("lineage %s: %w", rec.Lineage, ErrDuplicate)
		}
		if err != sql.ErrNoRows {
			return domain.Record{}, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO lineages(task_id,name,current_state,created_at) VALUES (?,?,?,?)`,
			rec.TaskID, rec.Lineage, rec.ToState, rec.TS); err != nil {
			return domain.Record{}, fmt.Errorf("insert lineage: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE lineages SET current_state=? WHERE task_id=? AND name=? AND current_state=?`,
			rec.ToState, rec.TaskID, rec.Lineage, rec.FromState)
		if err != nil {
			return domain.Record{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.Record{}, ErrStateConflict
		}
		if rec.Lineage == domain.PrimaryLineage {
			var delivered any
			if rec.ToState == domain.StateDelivered {
				delivered = rec.TS
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET current_state=?, updated_at=?, delivered_at=COALESCE(?, delivered_at) WHERE id=?`,
				rec.ToState, rec.TS, delivered, rec.TaskID); err != nil {
				return domain.Record{}, fmt.Errorf("update task state: %w", err)
			}
		}
	}
	seq, err := insertRecord(ctx, tx, rec)
	if err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	rec.Seq = seq
	return rec, nil
}

// AppendBlocked appends a blocked record; it never changes any state pointer.
func (r Repo) AppendBlocked(ctx context.Context, rec domain.Record) (domain.Record, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback()
	seq, err := insertRecord(ctx, tx, rec)
	if err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	rec.Seq = seq
	return rec, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec domain.Record) (int64, error) {
	rationale, err := marshalStrings(rec.Rationale)
	if err != nil {
		return 0, err
	}
	missing, err := marshalStrings(rec.MissingInputs)
	if err != nil {
		return 0, err
	}
	unblock, err := marshalStrings(rec.UnblockSteps)
	if err != nil {
		return 0, err
	}
	var followUps any
	if len(rec.FollowUps) > 0 {
		b, err := json.Marshal(rec.FollowUps)
		if err != nil {
			return 0, err
		}
		followUps = string(b)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO records(
id,task_id,lineage,kind,ts,gate,mode,actor_role,from_state,to_state,rationale_json,output_ref,follow_ups_json,missing_inputs_json,unblock_steps_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.TaskID, rec.Lineage, rec.Kind, rec.TS, nullable(rec.Gate), nullable(string(rec.Mode)),
		nullable(string(rec.ActorRole)), nullable(string(rec.FromState)), nullable(string(rec.ToState)),
		rationale, nullable(rec.OutputRef), followUps, missing, unblock)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	return res.LastInsertId()
}

type RecordFilters struct {
	TaskID   string
	Lineage  string
	Kind     domain.RecordKind
	Gate     string
	AfterSeq int64
	Limit    int
}

// ListRecords returns log entries in append order. AfterSeq and Limit give the
// windowed view used for log paging; the stored log itself is never trimmed.
func (r Repo) ListRecords(ctx context.Context, f RecordFilters) ([]domain.Record, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Lineage != "" {
		clauses = append(clauses, "lineage=?")
		args = append(args, f.Lineage)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Gate != "" {
		clauses = append(clauses, "gate=?")
		args = append(args, f.Gate)
	}
	if f.AfterSeq > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, f.AfterSeq)
	}
	query := `SELECT seq,id,task_id,lineage,kind,ts,gate,mode,actor_role,from_state,to_state,rationale_json,output_ref,follow_ups_json,missing_inputs_json,unblock_steps_json
FROM records WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// LatestRecords returns the newest entries first, for tailing.
func (r Repo) LatestRecords(ctx context.Context, taskID string, limit int) ([]domain.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,id,task_id,lineage,kind,ts,gate,mode,actor_role,from_state,to_state,rationale_json,output_ref,follow_ups_json,missing_inputs_json,unblock_steps_json
FROM records WHERE task_id=? ORDER BY seq DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// RecordsAfter returns records with seq greater than the cursor across all
// tasks in ascending order, used by the webhook dispatcher.
func (r Repo) RecordsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,id,task_id,lineage,kind,ts,gate,mode,actor_role,from_state,to_state,rationale_json,output_ref,follow_ups_json,missing_inputs_json,unblock_steps_json
FROM records WHERE seq>? ORDER BY seq ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// LatestRecordSeq returns the most recent record sequence number.
func (r Repo) LatestRecordSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM records`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// CountGateTransitions counts successful transition records for a gate on one
// lineage, used to bound refinement self-loops.
func (r Repo) CountGateTransitions(ctx context.Context, taskID, lineage, gate string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE task_id=? AND lineage=? AND gate=? AND kind=?`,
		taskID, lineage, gate, domain.RecordTransition).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.Record, error) {
	var rec domain.Record
	var gate, mode, actor, from, to, rationale, output, followUps, missing, unblock sql.NullString
	if err := row.Scan(&rec.Seq, &rec.ID, &rec.TaskID, &rec.Lineage, &rec.Kind, &rec.TS,
		&gate, &mode, &actor, &from, &to, &rationale, &output, &followUps, &missing, &unblock); err != nil {
		return rec, err
	}
	rec.Gate = gate.String
	rec.Mode = domain.Mode(mode.String)
	rec.ActorRole = domain.Role(actor.String)
	rec.FromState = domain.State(from.String)
	rec.ToState = domain.State(to.String)
	rec.OutputRef = output.String
	if rationale.Valid && rationale.String != "" {
		if err := json.Unmarshal([]byte(rationale.String), &rec.Rationale); err != nil {
			return rec, fmt.Errorf("rationale json: %w", err)
		}
	}
	if followUps.Valid && followUps.String != "" {
		if err := json.Unmarshal([]byte(followUps.String), &rec.FollowUps); err != nil {
			return rec, fmt.Errorf("follow-ups json: %w", err)
		}
	}
	if missing.Valid && missing.String != "" {
		if err := json.Unmarshal([]byte(missing.String), &rec.MissingInputs); err != nil {
			return rec, fmt.Errorf("missing inputs json: %w", err)
		}
	}
	if unblock.Valid && unblock.String != "" {
		if err := json.Unmarshal([]byte(unblock.String), &rec.UnblockSteps); err != nil {
			return rec, fmt.Errorf("unblock steps json: %w", err)
		}
	}
	return rec, nil
}

func marshalStrings(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
