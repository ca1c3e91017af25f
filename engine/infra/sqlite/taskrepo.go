package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/buildsmith/buildsmith/engine/task"
	"github.com/buildsmith/buildsmith/engine/task/model"
	"github.com/buildsmith/buildsmith/pkg/logger"
)

// maxLogChars caps the durable per-task log; only the tail is kept.
const maxLogChars = 100000

const taskColumns = `id, start_time, end_time, branch_name, oem_name, commit_id, pkg_flag,
	is_signed, is_increment, storage_path, installer, state, server,
	parent_id, architecture, installer_format`

// nonRunningStates enumerates every state that does NOT occupy a server's
// build slot; running rows are selected with NOT IN.
const nonRunningStates = `('pending', 'success', 'failed', 'cancelled')`

// TaskRepo implements task.Repository over the pkg table.
type TaskRepo struct {
	db *sql.DB
}

func NewTaskRepo(store *Store) *TaskRepo {
	return &TaskRepo{db: store.DB()}
}

func (r *TaskRepo) Create(ctx context.Context, spec *model.CreateTask) (int64, error) {
	const q = `
INSERT INTO pkg (start_time, branch_name, oem_name, commit_id, pkg_flag,
	is_increment, is_signed, server, parent_id, architecture, installer_format, state)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, q,
		model.Now(), spec.Branch, spec.OEMName, spec.CommitID, spec.PkgFlag,
		spec.IsIncrement, spec.IsSigned, spec.Server, spec.ParentID,
		spec.Architecture, spec.InstallerFormat, model.StatePending.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: read new task id: %w", err)
	}
	return id, nil
}

func (r *TaskRepo) Find(ctx context.Context, id int64) (*model.Task, error) {
	q := fmt.Sprintf(`SELECT %s FROM pkg WHERE id = ?`, taskColumns)
	t, err := scanTask(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: find task %d: %w", id, err)
	}
	return t, nil
}

func (r *TaskRepo) List(ctx context.Context) ([]*model.Task, error) {
	// Newest family first; a parent row immediately precedes its children.
	q := fmt.Sprintf(
		`SELECT %s FROM pkg ORDER BY COALESCE(parent_id, id) DESC, id ASC`,
		taskColumns,
	)
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate tasks: %w", err)
	}
	return tasks, nil
}

func (r *TaskRepo) UpdateState(ctx context.Context, id int64, state model.TaskState, commit string) error {
	var (
		res sql.Result
		err error
	)
	if commit != "" {
		res, err = r.db.ExecContext(ctx,
			`UPDATE pkg SET state = ?, commit_id = ? WHERE id = ?`,
			state.String(), commit, id)
	} else {
		res, err = r.db.ExecContext(ctx,
			`UPDATE pkg SET state = ? WHERE id = ?`, state.String(), id)
	}
	if err != nil {
		return fmt.Errorf("sqlite: update task %d state: %w", id, err)
	}
	return requireRow(res, id)
}

func (r *TaskRepo) UpdateCompletion(ctx context.Context, id int64, endTime, storagePath, installer, commit string) error {
	const q = `
UPDATE pkg SET state = ?, end_time = ?, storage_path = ?, installer = ?,
	commit_id = CASE WHEN ? != '' THEN ? ELSE commit_id END
WHERE id = ?`
	res, err := r.db.ExecContext(ctx, q,
		model.StateSuccess.String(), endTime, storagePath, installer,
		commit, commit, id)
	if err != nil {
		return fmt.Errorf("sqlite: complete task %d: %w", id, err)
	}
	return requireRow(res, id)
}

func (r *TaskRepo) Update(ctx context.Context, patch *model.UpdateTask) error {
	sets := make([]string, 0, 5)
	args := make([]any, 0, 6)
	if patch.CommitID != nil {
		sets = append(sets, "commit_id = ?")
		args = append(args, *patch.CommitID)
	}
	if patch.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, *patch.EndTime)
	}
	if patch.StoragePath != nil {
		sets = append(sets, "storage_path = ?")
		args = append(args, *patch.StoragePath)
	}
	if patch.Installer != nil {
		sets = append(sets, "installer = ?")
		args = append(args, *patch.Installer)
	}
	if patch.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, patch.State.String())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, patch.ID)
	q := fmt.Sprintf(`UPDATE pkg SET %s WHERE id = ?`, strings.Join(sets, ", "))
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("sqlite: update task %d: %w", patch.ID, err)
	}
	return requireRow(res, patch.ID)
}

func (r *TaskRepo) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin delete tx: %w", err)
	}
	defer rollback(tx)
	if _, err := tx.ExecContext(ctx, `DELETE FROM pkg WHERE parent_id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete children of %d: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pkg WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete task %d: %w", id, err)
	}
	if err := requireRow(res, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit delete: %w", err)
	}
	return nil
}

func (r *TaskRepo) HasRunning(ctx context.Context, server string) (bool, error) {
	n, err := r.RunningCount(ctx, server)
	return n > 0, err
}

func (r *TaskRepo) RunningCount(ctx context.Context, server string) (int, error) {
	q := fmt.Sprintf(
		`SELECT COUNT(*) FROM pkg WHERE server = ? AND state NOT IN %s`,
		nonRunningStates,
	)
	var n int
	if err := r.db.QueryRowContext(ctx, q, server).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count running on %s: %w", server, err)
	}
	return n, nil
}

func (r *TaskRepo) NextPendingChild(ctx context.Context, server string) (*model.Task, error) {
	q := fmt.Sprintf(`
SELECT %s FROM pkg
WHERE server = ? AND state = ? AND parent_id IS NOT NULL
ORDER BY parent_id ASC, id ASC LIMIT 1`, taskColumns)
	t, err := scanTask(r.db.QueryRowContext(ctx, q, server, model.StatePending.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: next pending child on %s: %w", server, err)
	}
	return t, nil
}

func (r *TaskRepo) NextPendingSingle(ctx context.Context, server string) (*model.Task, error) {
	q := fmt.Sprintf(`
SELECT %s FROM pkg
WHERE server = ? AND state = ? AND parent_id IS NULL AND architecture IS NOT NULL
ORDER BY id ASC LIMIT 1`, taskColumns)
	t, err := scanTask(r.db.QueryRowContext(ctx, q, server, model.StatePending.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: next pending single on %s: %w", server, err)
	}
	return t, nil
}

func (r *TaskRepo) Children(ctx context.Context, parentID int64) ([]*model.Task, error) {
	q := fmt.Sprintf(
		`SELECT %s FROM pkg WHERE parent_id = ? ORDER BY id ASC`, taskColumns)
	rows, err := r.db.QueryContext(ctx, q, parentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: children of %d: %w", parentID, err)
	}
	defer rows.Close()
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan child row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate children: %w", err)
	}
	return tasks, nil
}

func (r *TaskRepo) UpdateFamilyCommit(ctx context.Context, id int64, commit string) error {
	t, err := r.Find(ctx, id)
	if err != nil {
		return err
	}
	parentID := id
	if t.ParentID != nil {
		parentID = *t.ParentID
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin family commit tx: %w", err)
	}
	defer rollback(tx)
	if _, err := tx.ExecContext(ctx,
		`UPDATE pkg SET commit_id = ? WHERE id = ? OR parent_id = ?`,
		commit, parentID, parentID); err != nil {
		return fmt.Errorf("sqlite: update family commit for %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit family commit: %w", err)
	}
	return nil
}

func (r *TaskRepo) AllChildrenPastChrome(ctx context.Context, parentID int64) (bool, error) {
	children, err := r.Children(ctx, parentID)
	if err != nil {
		return false, err
	}
	if len(children) == 0 {
		return false, nil
	}
	for _, c := range children {
		if !c.State.PastChrome() {
			return false, nil
		}
	}
	return true, nil
}

func (r *TaskRepo) AppendLog(ctx context.Context, id int64, line string) error {
	var current sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT build_log FROM pkg WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return task.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: read log of %d: %w", id, err)
	}
	log := capLog(current.String + line + "\n")
	if _, err := r.db.ExecContext(ctx,
		`UPDATE pkg SET build_log = ? WHERE id = ?`, log, id); err != nil {
		return fmt.Errorf("sqlite: append log of %d: %w", id, err)
	}
	return nil
}

func (r *TaskRepo) GetLog(ctx context.Context, id int64) (string, error) {
	var log sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT build_log FROM pkg WHERE id = ?`, id).Scan(&log)
	if errors.Is(err, sql.ErrNoRows) {
		return "", task.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: read log of %d: %w", id, err)
	}
	return log.String, nil
}

func (r *TaskRepo) ResetOrphaned(ctx context.Context) (int64, error) {
	q := fmt.Sprintf(
		`UPDATE pkg SET state = ?, end_time = ? WHERE state NOT IN %s`,
		nonRunningStates,
	)
	res, err := r.db.ExecContext(ctx, q, model.StateFailed.String(), model.Now())
	if err != nil {
		return 0, fmt.Errorf("sqlite: reset orphaned tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: count reset tasks: %w", err)
	}
	return n, nil
}

// capLog keeps at most maxLogChars characters from the tail, never splitting
// a UTF-8 sequence.
func capLog(log string) string {
	n := utf8.RuneCountInString(log)
	if n <= maxLogChars {
		return log
	}
	drop := n - maxLogChars
	for i := range log {
		if drop == 0 {
			return log[i:]
		}
		drop--
	}
	return ""
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                                        model.Task
		endTime, oem, commit, flag               sql.NullString
		storage, installer, state, server        sql.NullString
		arch, format                             sql.NullString
		parentID                                 sql.NullInt64
		isSigned, isIncrement                    sql.NullBool
	)
	err := row.Scan(
		&t.ID, &t.StartTime, &endTime, &t.BranchName, &oem, &commit, &flag,
		&isSigned, &isIncrement, &storage, &installer, &state, &server,
		&parentID, &arch, &format,
	)
	if err != nil {
		return nil, err
	}
	t.OEMName = oem.String
	t.CommitID = commit.String
	t.PkgFlag = flag.String
	t.IsSigned = isSigned.Bool
	t.IsIncrement = isIncrement.Bool
	t.StoragePath = storage.String
	t.Installer = installer.String
	t.Server = server.String
	if endTime.Valid {
		t.EndTime = &endTime.String
	}
	if parentID.Valid {
		t.ParentID = &parentID.Int64
	}
	if arch.Valid {
		t.Architecture = &arch.String
	}
	if format.Valid {
		t.InstallerFormat = &format.String
	}
	if state.Valid {
		st, err := model.ParseTaskState(state.String)
		if err != nil {
			return nil, err
		}
		t.State = st
	} else {
		t.State = model.StatePending
	}
	return &t, nil
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return task.ErrNotFound
	}
	return nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Warn("sqlite rollback failed", "error", err)
	}
}
