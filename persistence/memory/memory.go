// Package memory implements the execution and saga repositories over the
// in-process KVStore. Records keep their status in store metadata so they can
// be found by tag and property.
package memory

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/pipeline"
	"github.com/davidroman0O/orca/saga"
	"github.com/davidroman0O/orca/store"
)

// executionRecord is the stored execution header
type executionRecord struct {
	ID                 string                   `json:"id"`
	Type               pipeline.ExecutionType   `json:"type"`
	Application        string                   `json:"application"`
	Name               string                   `json:"name"`
	Status             pipeline.ExecutionStatus `json:"status"`
	Context            pipeline.Context         `json:"context"`
	StartTime          *time.Time               `json:"startTime,omitempty"`
	EndTime            *time.Time               `json:"endTime,omitempty"`
	Canceled           bool                     `json:"canceled,omitempty"`
	CanceledBy         string                   `json:"canceledBy,omitempty"`
	CancellationReason string                   `json:"cancellationReason,omitempty"`
}

func newExecutionRecord(exec *pipeline.Execution) executionRecord {
	return executionRecord{
		ID:                 exec.ID,
		Type:               exec.Type,
		Application:        exec.Application,
		Name:               exec.Name,
		Status:             exec.Status,
		Context:            exec.Context.Clone(),
		StartTime:          exec.StartTime,
		EndTime:            exec.EndTime,
		Canceled:           exec.Canceled,
		CanceledBy:         exec.CanceledBy,
		CancellationReason: exec.CancellationReason,
	}
}

func (r executionRecord) execution() *pipeline.Execution {
	return &pipeline.Execution{
		ID:                 r.ID,
		Type:               r.Type,
		Application:        r.Application,
		Name:               r.Name,
		Status:             r.Status,
		Context:            r.Context,
		StartTime:          r.StartTime,
		EndTime:            r.EndTime,
		Canceled:           r.Canceled,
		CanceledBy:         r.CanceledBy,
		CancellationReason: r.CancellationReason,
	}
}

// keyPart escapes ':' and '%' inside one key segment
func keyPart(s string) string {
	return url.QueryEscape(s)
}

func executionKey(id string) string {
	return pipeline.PrefixExecution + keyPart(id)
}

func stagePrefix(executionID string) string {
	return pipeline.PrefixStage + keyPart(executionID) + ":"
}

func stageKey(executionID string, ordinal int) string {
	return fmt.Sprintf("%s%06d", stagePrefix(executionID), ordinal)
}

// ExecutionRepository stores executions in a KVStore.
// The header lives under execution:<id>, each stage under stage:<id>:<ordinal>.
type ExecutionRepository struct {
	kv *store.KVStore
}

// NewExecutionRepository returns a repository backed by kv.
// A nil kv gets a fresh store.
func NewExecutionRepository(kv *store.KVStore) *ExecutionRepository {
	if kv == nil {
		kv = store.NewKVStore()
	}
	return &ExecutionRepository{kv: kv}
}

// StoreExecution writes the header and every stage
func (r *ExecutionRepository) StoreExecution(ctx context.Context, exec *pipeline.Execution) error {
	if exec == nil || exec.ID == "" {
		return errors.New(errors.ErrInvalidInput, "execution must have an id")
	}

	meta := store.NewMetadata()
	meta.SetProperty(pipeline.PropType, string(exec.Type))
	meta.SetProperty(pipeline.PropApplication, exec.Application)
	meta.SetProperty(pipeline.PropStatus, string(exec.Status))
	if err := r.kv.PutWithMetadata(executionKey(exec.ID), newExecutionRecord(exec), meta); err != nil {
		return errors.WithOp(err, "StoreExecution")
	}

	for _, key := range r.kv.ListKeys(stagePrefix(exec.ID)) {
		r.kv.Delete(key)
	}
	for i, s := range exec.Stages() {
		if err := r.putStage(exec.ID, i, s, true); err != nil {
			return err
		}
	}
	return nil
}

// UpdateExecution rewrites the mutable fields of the header
func (r *ExecutionRepository) UpdateExecution(ctx context.Context, exec *pipeline.Execution) error {
	key := executionKey(exec.ID)
	err := r.kv.UpdateFields(key, map[string]interface{}{
		"Status":             exec.Status,
		"Context":            exec.Context.Clone(),
		"StartTime":          exec.StartTime,
		"EndTime":            exec.EndTime,
		"Canceled":           exec.Canceled,
		"CanceledBy":         exec.CanceledBy,
		"CancellationReason": exec.CancellationReason,
	})
	if err != nil {
		return errors.WithOp(err, "UpdateExecution")
	}
	return r.tagStatus(key, exec.Status)
}

// AppendStage stores a stage at its position in the execution
func (r *ExecutionRepository) AppendStage(ctx context.Context, stage *pipeline.Stage) error {
	ordinal, err := ordinalOf(stage)
	if err != nil {
		return err
	}
	if !r.kv.Has(executionKey(stage.Execution.ID)) {
		return errors.WithContext(
			errors.New(errors.ErrNotFound, "execution not stored"),
			map[string]interface{}{"execution": stage.Execution.ID},
		)
	}
	return r.putStage(stage.Execution.ID, ordinal, stage, true)
}

// UpdateStage overwrites a stored stage
func (r *ExecutionRepository) UpdateStage(ctx context.Context, stage *pipeline.Stage) error {
	ordinal, err := ordinalOf(stage)
	if err != nil {
		return err
	}
	key := stageKey(stage.Execution.ID, ordinal)
	if !r.kv.Has(key) {
		return errors.WithContext(
			errors.New(errors.ErrNotFound, "stage not stored"),
			map[string]interface{}{"stage": stage.ID, "refId": stage.RefID},
		)
	}
	return r.putStage(stage.Execution.ID, ordinal, stage, false)
}

// RetrieveExecution loads the header and its stages in append order
func (r *ExecutionRepository) RetrieveExecution(ctx context.Context, id string) (*pipeline.Execution, error) {
	rec, err := store.Get[executionRecord](r.kv, executionKey(id))
	if err != nil {
		return nil, errors.WithOp(err, "RetrieveExecution")
	}

	exec := rec.execution()
	for _, key := range r.kv.ListKeys(stagePrefix(id)) {
		s, err := store.Get[pipeline.Stage](r.kv, key)
		if err != nil {
			return nil, errors.WithOp(err, "RetrieveExecution")
		}
		exec.AddStage(&s)
	}
	return exec, nil
}

// ExecutionIDs returns the ids of stored executions whose status is one of statuses,
// or every stored execution when statuses is empty. The result is sorted.
func (r *ExecutionRepository) ExecutionIDs(statuses ...pipeline.ExecutionStatus) []string {
	var keys []string
	if len(statuses) == 0 {
		keys = r.kv.ListKeys(pipeline.PrefixExecution)
	} else {
		for _, status := range statuses {
			for _, key := range r.kv.FindKeysByProperty(pipeline.PropStatus, string(status)) {
				if strings.HasPrefix(key, pipeline.PrefixExecution) {
					keys = append(keys, key)
				}
			}
		}
	}

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		id, err := url.QueryUnescape(strings.TrimPrefix(key, pipeline.PrefixExecution))
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (r *ExecutionRepository) putStage(executionID string, ordinal int, stage *pipeline.Stage, fresh bool) error {
	key := stageKey(executionID, ordinal)

	if fresh {
		meta := store.NewMetadata()
		meta.SetProperty(pipeline.PropType, stage.Type)
		meta.SetProperty(pipeline.PropExecution, executionID)
		if stage.IsSynthetic() {
			meta.AddTag(pipeline.TagSynthetic)
		}
		if err := r.kv.PutWithMetadata(key, *stage, meta); err != nil {
			return errors.WithOp(err, "AppendStage")
		}
	} else if err := r.kv.Put(key, *stage); err != nil {
		return errors.WithOp(err, "UpdateStage")
	}

	return r.tagStatus(key, stage.Status)
}

func (r *ExecutionRepository) tagStatus(key string, status pipeline.ExecutionStatus) error {
	if err := r.kv.SetProperty(key, pipeline.PropStatus, string(status)); err != nil {
		return err
	}
	if status.IsComplete() {
		return r.kv.AddTag(key, pipeline.TagComplete)
	}
	return r.kv.RemoveTag(key, pipeline.TagComplete)
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

// SagaRepository stores saga event logs in a KVStore under saga:<name>:<id>:<sequence>.
// Appends are compare-and-swap on the log length.
type SagaRepository struct {
	mu sync.Mutex
	kv *store.KVStore
}

// NewSagaRepository returns a repository backed by kv.
// A nil kv gets a fresh store.
func NewSagaRepository(kv *store.KVStore) *SagaRepository {
	if kv == nil {
		kv = store.NewKVStore()
	}
	return &SagaRepository{kv: kv}
}

func sagaPrefix(name, id string) string {
	return pipeline.PrefixSaga + keyPart(name) + ":" + keyPart(id) + ":"
}

// Load returns the saga with every recorded event. An unknown saga is empty.
func (r *SagaRepository) Load(ctx context.Context, name, id string) (*saga.Saga, error) {
	keys := r.kv.ListKeys(sagaPrefix(name, id))
	events := make([]saga.Event, 0, len(keys))
	for _, key := range keys {
		e, err := store.Get[saga.Event](r.kv, key)
		if err != nil {
			return nil, errors.WithOp(err, "LoadSaga")
		}
		events = append(events, e)
	}
	return saga.NewSaga(name, id, events...), nil
}

// Append adds events when the log is still at expectedVersion
func (r *SagaRepository) Append(ctx context.Context, name, id string, expectedVersion int64, events ...saga.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := sagaPrefix(name, id)
	if current := int64(len(r.kv.ListKeys(prefix))); current != expectedVersion {
		return errors.WithContext(
			errors.Newf(errors.ErrConflict, "saga %s/%s is at version %d, expected %d", name, id, current, expectedVersion),
			map[string]interface{}{"saga": name, "id": id},
		)
	}

	for i, e := range events {
		seq := expectedVersion + int64(i) + 1
		e.Sequence = seq

		meta := store.NewMetadata()
		meta.SetProperty(pipeline.PropType, e.Type)
		if e.IdempotencyKey != "" {
			meta.SetProperty("idempotencyKey", e.IdempotencyKey)
		}
		ok, err := r.kv.PutIfAbsent(fmt.Sprintf("%s%010d", prefix, seq), e, meta)
		if err != nil {
			return errors.WithOp(err, "AppendSaga")
		}
		if !ok {
			return errors.Newf(errors.ErrConflict, "saga %s/%s already has event %d", name, id, seq)
		}
	}
	return nil
}
