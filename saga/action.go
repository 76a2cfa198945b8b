package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/davidroman0O/orca/errors"
)

// Action handles one command type. It must be a function of the command and
// the saga so far; side effects must be safe to repeat after a redelivery.
type Action interface {
	Name() string
	Apply(ctx context.Context, cmd Command, saga *Saga) (Result, error)
}

// Result is what an action produced. A nil NextCommand ends the chain.
type Result struct {
	NextCommand Command
	Events      []Event
}

// Compensator is implemented by actions that can undo their effect
// when a later step of the same chain fails
type Compensator interface {
	Compensate(ctx context.Context, cmd Command, saga *Saga) error
}

// Typed adapts a handler for one concrete command type
type Typed[C Command] struct {
	ActionName string
	Handle     func(ctx context.Context, cmd C, saga *Saga) (Result, error)
}

// Name implements Action
func (t Typed[C]) Name() string {
	return t.ActionName
}

// Apply implements Action
func (t Typed[C]) Apply(ctx context.Context, cmd Command, saga *Saga) (Result, error) {
	typed, ok := cmd.(C)
	if !ok {
		var want C
		return Result{}, errors.Newf(errors.ErrInvalidInput,
			"action %s expects %T, got %s", t.ActionName, want, cmd.CommandType())
	}
	return t.Handle(ctx, typed, saga)
}

// WithCompensation attaches an undo function to an action
func WithCompensation(action Action, compensate func(ctx context.Context, cmd Command, saga *Saga) error) Action {
	return compensating{Action: action, compensate: compensate}
}

type compensating struct {
	Action
	compensate func(ctx context.Context, cmd Command, saga *Saga) error
}

func (c compensating) Compensate(ctx context.Context, cmd Command, saga *Saga) error {
	return c.compensate(ctx, cmd, saga)
}

// Registry maps a command type to the actions run for it, in order
type Registry struct {
	mu      sync.RWMutex
	actions map[string][]Action
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string][]Action)}
}

// Register appends actions to the flow of commandType
func (r *Registry) Register(commandType string, actions ...Action) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[commandType] = append(r.actions[commandType], actions...)
	return r
}

// Lookup returns the flow of commandType
func (r *Registry) Lookup(commandType string) ([]Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	actions := r.actions[commandType]
	if len(actions) == 0 {
		return nil, errors.Newf(errors.ErrNoAction, "no action registered for command %s", commandType)
	}
	return append([]Action(nil), actions...), nil
}

// CommandTypes returns the registered command types, sorted
func (r *Registry) CommandTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.actions))
	for k := range r.actions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func describe(cmd Command) string {
	if cmd == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%s)", cmd.CommandType(), cmd.Metadata().IdempotencyKey)
}
