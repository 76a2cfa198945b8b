package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/saga"
)

const (
	sagaVersionQuery = `SELECT COALESCE(MAX(sequence), 0) FROM orca_saga_events WHERE saga_name = $1 AND saga_id = $2`

	insertSagaEventQuery = `INSERT INTO orca_saga_events (saga_name, saga_id, sequence, type, idempotency_key, body, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (saga_name, saga_id, sequence) DO NOTHING
		RETURNING sequence`

	selectSagaEventsQuery = `SELECT body FROM orca_saga_events WHERE saga_name = $1 AND saga_id = $2 ORDER BY sequence`
)

// SagaRepository stores saga events, one row per sequence number.
// The primary key makes every append first-writer-wins.
type SagaRepository struct {
	db DB
}

// NewSagaRepository returns a repository over db
func NewSagaRepository(db DB) *SagaRepository {
	if db == nil {
		return nil
	}
	return &SagaRepository{db: db}
}

// Load returns the saga with every recorded event. An unknown saga is empty.
func (r *SagaRepository) Load(ctx context.Context, name, id string) (*saga.Saga, error) {
	rows, err := r.db.QueryContext(ctx, selectSagaEventsQuery, name, id)
	if err != nil {
		return nil, classify(err, "LoadSaga")
	}
	defer rows.Close()

	var events []saga.Event
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, classify(err, "LoadSaga")
		}
		var e saga.Event
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, errors.Wrap(err, errors.ErrInvalidInput, "decode saga event")
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "LoadSaga")
	}
	return saga.NewSaga(name, id, events...), nil
}

// Append inserts events when the log is still at expectedVersion
func (r *SagaRepository) Append(ctx context.Context, name, id string, expectedVersion int64, events ...saga.Event) error {
	return inTx(ctx, r.db, func(db DB) error {
		var current int64
		if err := db.QueryRowContext(ctx, sagaVersionQuery, name, id).Scan(&current); err != nil {
			return classify(err, "AppendSaga")
		}
		if current != expectedVersion {
			return conflict(name, id, current, expectedVersion)
		}

		for i, e := range events {
			e.Sequence = expectedVersion + int64(i) + 1
			body, err := json.Marshal(e)
			if err != nil {
				return errors.Wrap(err, errors.ErrInvalidInput, "encode saga event")
			}

			var key sql.NullString
			if e.IdempotencyKey != "" {
				key = sql.NullString{String: e.IdempotencyKey, Valid: true}
			}

			var inserted int64
			err = db.QueryRowContext(ctx, insertSagaEventQuery,
				name, id, e.Sequence, e.Type, key, body, normalizeTime(e.RecordedAt),
			).Scan(&inserted)
			if err != nil {
				if errors.IsNotFound(classify(err, "AppendSaga")) {
					// DO NOTHING returned no row: another writer holds this sequence
					return conflict(name, id, e.Sequence, expectedVersion)
				}
				return classify(err, "AppendSaga")
			}
		}
		return nil
	})
}

func conflict(name, id string, current, expected int64) error {
	return errors.WithContext(
		errors.Newf(errors.ErrConflict, "saga %s/%s is at version %d, expected %d", name, id, current, expected),
		map[string]interface{}{"saga": name, "id": id},
	)
}
