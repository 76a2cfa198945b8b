package saga

import (
	"context"
	"time"

	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/logging"
)

// Engine dispatches commands to registered actions and records the outcome
// of every application in the saga's log.
//
// Every append is checked against the version this engine last observed. When
// two redelivered copies of one command race, the first writer wins; the other
// gets an ErrConflict error at its next append and stops without dispatching
// its next commands. A command whose idempotency key is already completed in the
// log is skipped.
type Engine struct {
	registry *Registry
	repo     Repository
	logger   logging.Logger
	now      func() time.Time
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger logging.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logging.OrDefault(logger)
	}
}

// WithClock sets the time source stamped on events
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine over a registry and a repository
func NewEngine(registry *Registry, repo Repository, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		repo:     repo,
		logger:   logging.NewDefaultLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type applied struct {
	action Action
	cmd    Command
}

// run tracks one Handle call: the working copy of the saga and what was applied
type run struct {
	engine  *Engine
	saga    *Saga
	key     string
	applied []applied
}

// Handle runs cmd and everything it leads to against the saga (name, id).
// It returns the saga as recorded after the run.
func (e *Engine) Handle(ctx context.Context, name, id string, cmd Command) (*Saga, error) {
	saga, err := e.repo.Load(ctx, name, id)
	if err != nil {
		return nil, errors.WithOp(err, "saga.Load")
	}

	key := cmd.Metadata().IdempotencyKey
	if saga.Completed(key) {
		e.logger.Info("Saga %s/%s: command %s already completed, skipping", name, id, describe(cmd))
		return saga, nil
	}

	r := &run{engine: e, saga: saga, key: key}
	if err := r.dispatch(ctx, cmd); err != nil {
		if errors.IsConflict(err) {
			e.logger.Warn("Saga %s/%s: lost append race for %s: %v", name, id, describe(cmd), err)
			return nil, err
		}
		r.compensate(ctx, cmd, err)
		return r.saga, err
	}

	done := Event{Type: EventCommandCompleted, Command: cmd.CommandType(), IdempotencyKey: key}
	if err := r.append(ctx, []Event{done}); err != nil {
		return nil, err
	}
	e.logger.Debug("Saga %s/%s: command %s completed at version %d", name, id, describe(cmd), r.saga.Version())
	return r.saga, nil
}

// dispatch walks composites depth-first and runs every action of every leaf,
// then dispatches the next commands the actions returned.
func (r *run) dispatch(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCancelled, "saga dispatch")
	}

	if composite, ok := cmd.(Composite); ok {
		for _, child := range composite.Children() {
			if err := r.dispatch(ctx, child); err != nil {
				return err
			}
		}
		return nil
	}

	actions, err := r.engine.registry.Lookup(cmd.CommandType())
	if err != nil {
		return err
	}

	var next []Command
	for _, action := range actions {
		result, err := action.Apply(ctx, cmd, r.saga)
		if err != nil {
			return errors.WithContext(err, map[string]interface{}{
				"action":  action.Name(),
				"command": cmd.CommandType(),
			})
		}

		events := make([]Event, 0, len(result.Events)+1)
		events = append(events, Event{
			Type:           EventActionApplied,
			Command:        cmd.CommandType(),
			Action:         action.Name(),
			IdempotencyKey: r.key,
		})
		for _, ev := range result.Events {
			if ev.Command == "" {
				ev.Command = cmd.CommandType()
			}
			if ev.Action == "" {
				ev.Action = action.Name()
			}
			if ev.IdempotencyKey == "" {
				ev.IdempotencyKey = r.key
			}
			events = append(events, ev)
		}

		if err := r.append(ctx, events); err != nil {
			return err
		}
		r.applied = append(r.applied, applied{action: action, cmd: cmd})

		if result.NextCommand != nil {
			next = append(next, result.NextCommand)
		}
	}

	for _, n := range next {
		if err := r.dispatch(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) append(ctx context.Context, events []Event) error {
	version := r.saga.Version()
	stamped := sequence(events, version, r.engine.now())
	if err := r.engine.repo.Append(ctx, r.saga.Name, r.saga.ID, version, stamped...); err != nil {
		return err
	}
	r.saga.record(stamped)
	return nil
}

// compensate undoes applied actions in reverse order and records the failure.
// Compensation errors are logged and recorded; the original failure is kept.
func (r *run) compensate(ctx context.Context, cmd Command, cause error) {
	var events []Event
	for i := len(r.applied) - 1; i >= 0; i-- {
		a := r.applied[i]
		c, ok := a.action.(Compensator)
		if !ok {
			continue
		}
		ev := Event{Command: a.cmd.CommandType(), Action: a.action.Name(), IdempotencyKey: r.key}
		if err := c.Compensate(ctx, a.cmd, r.saga); err != nil {
			r.engine.logger.Error("Saga %s/%s: compensation of %s failed: %v", r.saga.Name, r.saga.ID, a.action.Name(), err)
			ev.Type = EventCompensationFailed
			ev.Attributes = map[string]any{"error": err.Error()}
		} else {
			ev.Type = EventActionCompensated
		}
		events = append(events, ev)
	}

	events = append(events, Event{
		Type:           EventCommandFailed,
		Command:        cmd.CommandType(),
		IdempotencyKey: r.key,
		Attributes: map[string]any{
			"error": cause.Error(),
			"code":  errors.GetCode(cause).String(),
		},
	})

	if err := r.append(ctx, events); err != nil {
		r.engine.logger.Error("Saga %s/%s: failed to record failure of %s: %v", r.saga.Name, r.saga.ID, describe(cmd), err)
	}
}
