package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/pipeline"
)

const (
	upsertExecutionQuery = `INSERT INTO orca_executions (id, type, application, name, status, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, body = EXCLUDED.body, updated_at = now()`

	updateExecutionQuery = `UPDATE orca_executions SET status = $2, body = $3, updated_at = now() WHERE id = $1`

	selectExecutionQuery = `SELECT body FROM orca_executions WHERE id = $1`

	listExecutionsByStatusQuery = `SELECT id FROM orca_executions WHERE status = ANY($1) ORDER BY created_at, id`

	listExecutionsQuery = `SELECT id FROM orca_executions ORDER BY created_at, id`

	deleteStagesQuery = `DELETE FROM orca_stages WHERE execution_id = $1`

	insertStageQuery = `INSERT INTO orca_stages (execution_id, ordinal, stage_id, ref_id, type, status, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stage_id) DO NOTHING`

	updateStageQuery = `UPDATE orca_stages SET status = $3, body = $4 WHERE execution_id = $1 AND stage_id = $2`

	selectStagesQuery = `SELECT body FROM orca_stages WHERE execution_id = $1 ORDER BY ordinal`
)

// ExecutionRepository stores execution headers and stages as JSONB rows
type ExecutionRepository struct {
	db DB
}

// NewExecutionRepository returns a repository over db
func NewExecutionRepository(db DB) *ExecutionRepository {
	if db == nil {
		return nil
	}
	return &ExecutionRepository{db: db}
}

// StoreExecution writes the header and replaces every stage in one transaction
func (r *ExecutionRepository) StoreExecution(ctx context.Context, exec *pipeline.Execution) error {
	header, err := json.Marshal(exec.Header())
	if err != nil {
		return errors.Wrap(err, errors.ErrInvalidInput, "encode execution")
	}

	return inTx(ctx, r.db, func(db DB) error {
		if _, err := db.ExecContext(ctx, upsertExecutionQuery,
			exec.ID, string(exec.Type), exec.Application, exec.Name, string(exec.Status), header,
		); err != nil {
			return classify(err, "StoreExecution")
		}
		if _, err := db.ExecContext(ctx, deleteStagesQuery, exec.ID); err != nil {
			return classify(err, "StoreExecution")
		}
		for i, s := range exec.Stages() {
			if err := insertStage(ctx, db, exec.ID, i, s); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateExecution rewrites the header
func (r *ExecutionRepository) UpdateExecution(ctx context.Context, exec *pipeline.Execution) error {
	header, err := json.Marshal(exec.Header())
	if err != nil {
		return errors.Wrap(err, errors.ErrInvalidInput, "encode execution")
	}
	res, err := r.db.ExecContext(ctx, updateExecutionQuery, exec.ID, string(exec.Status), header)
	if err != nil {
		return classify(err, "UpdateExecution")
	}
	return requireRow(res, "UpdateExecution", "execution", exec.ID)
}

// AppendStage inserts a stage at its position. Re-appending the same stage is a no-op.
func (r *ExecutionRepository) AppendStage(ctx context.Context, stage *pipeline.Stage) error {
	ordinal, err := ordinalOf(stage)
	if err != nil {
		return err
	}
	return insertStage(ctx, r.db, stage.Execution.ID, ordinal, stage)
}

// UpdateStage overwrites a stored stage
func (r *ExecutionRepository) UpdateStage(ctx context.Context, stage *pipeline.Stage) error {
	if stage.Execution == nil {
		return errors.New(errors.ErrInvalidInput, "stage is not attached to an execution")
	}
	body, err := json.Marshal(stage)
	if err != nil {
		return errors.Wrap(err, errors.ErrInvalidInput, "encode stage")
	}
	res, err := r.db.ExecContext(ctx, updateStageQuery, stage.Execution.ID, stage.ID, string(stage.Status), body)
	if err != nil {
		return classify(err, "UpdateStage")
	}
	return requireRow(res, "UpdateStage", "stage", stage.ID)
}

// RetrieveExecution loads the header and its stages in append order
func (r *ExecutionRepository) RetrieveExecution(ctx context.Context, id string) (*pipeline.Execution, error) {
	var header []byte
	if err := r.db.QueryRowContext(ctx, selectExecutionQuery, id).Scan(&header); err != nil {
		return nil, classify(err, "RetrieveExecution")
	}

	var exec pipeline.Execution
	if err := json.Unmarshal(header, &exec); err != nil {
		return nil, errors.Wrap(err, errors.ErrInvalidInput, "decode execution")
	}

	rows, err := r.db.QueryContext(ctx, selectStagesQuery, id)
	if err != nil {
		return nil, classify(err, "RetrieveExecution")
	}
	defer rows.Close()

	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, classify(err, "RetrieveExecution")
		}
		var s pipeline.Stage
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, errors.Wrap(err, errors.ErrInvalidInput, "decode stage")
		}
		exec.AddStage(&s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "RetrieveExecution")
	}
	return &exec, nil
}

// ExecutionIDs returns the ids of executions with one of statuses, or all when none is given
func (r *ExecutionRepository) ExecutionIDs(ctx context.Context, statuses ...pipeline.ExecutionStatus) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = r.db.QueryContext(ctx, listExecutionsQuery)
	} else {
		values := make([]string, len(statuses))
		for i, s := range statuses {
			values[i] = string(s)
		}
		rows, err = r.db.QueryContext(ctx, listExecutionsByStatusQuery, values)
	}
	if err != nil {
		return nil, classify(err, "ExecutionIDs")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err, "ExecutionIDs")
		}
		out = append(out, id)
	}
	return out, classify(rows.Err(), "ExecutionIDs")
}

func insertStage(ctx context.Context, db DB, executionID string, ordinal int, stage *pipeline.Stage) error {
	body, err := json.Marshal(stage)
	if err != nil {
		return errors.Wrap(err, errors.ErrInvalidInput, "encode stage")
	}
	if _, err := db.ExecContext(ctx, insertStageQuery,
		executionID, ordinal, stage.ID, stage.RefID, stage.Type, string(stage.Status), body,
	); err != nil {
		return classify(err, "AppendStage")
	}
	return nil
}

func requireRow(res sql.Result, op, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, op)
	}
	if n == 0 {
		return errors.WithOp(errors.WithContext(
			errors.Newf(errors.ErrNotFound, "%s %s not stored", kind, id),
			map[string]interface{}{kind: id},
		), op)
	}
	return nil
}

// ordinalOf returns the stage's position in its execution
func ordinalOf(stage *pipeline.Stage) (int, error) {
	if stage == nil || stage.Execution == nil {
		return 0, errors.New(errors.ErrInvalidInput, "stage is not attached to an execution")
	}
	for i, s := range stage.Execution.Stages() {
		if s.ID == stage.ID {
			return i, nil
		}
	}
	return 0, errors.Newf(errors.ErrInvalidInput, "stage %s is not part of execution %s", stage.ID, stage.Execution.ID)
}
