package saga

import (
	"context"
	"fmt"

	"github.com/davidroman0O/orca/errors"
)

// Fetcher reads one record from an upstream service.
// A missing record is reported with an ErrNotFound coded error.
type Fetcher[T any] interface {
	Fetch(ctx context.Context, id string) (T, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc[T any] func(ctx context.Context, id string) (T, error)

// Fetch implements Fetcher
func (f FetcherFunc[T]) Fetch(ctx context.Context, id string) (T, error) {
	return f(ctx, id)
}

// LoadRequest is implemented by commands that ask a loader action for a record
type LoadRequest interface {
	Command
	LoadID() string
	// AllowMissing lets the chain continue with the zero value when the load fails
	AllowMissing() bool
	Next() Command
}

// Event types written by loader actions
const (
	EventResourceLoaded  = "ResourceLoaded"
	EventResourceMissing = "ResourceMissing"
)

// LoadAction loads a record and injects it into every command of the next
// step that accepts a T. It knows nothing about the downstream commands.
type LoadAction[T any] struct {
	ActionName string
	Resource   string
	Fetcher    Fetcher[T]
}

// Name implements Action
func (a LoadAction[T]) Name() string {
	return a.ActionName
}

// Apply implements Action
func (a LoadAction[T]) Apply(ctx context.Context, cmd Command, saga *Saga) (Result, error) {
	req, ok := cmd.(LoadRequest)
	if !ok {
		return Result{}, errors.Newf(errors.ErrInvalidInput,
			"action %s expects a load request, got %s", a.ActionName, cmd.CommandType())
	}

	value, err := a.Fetcher.Fetch(ctx, req.LoadID())
	var events []Event
	if err != nil {
		if !req.AllowMissing() {
			return Result{}, NewIntegrationError(a.ActionName, a.Resource, req.LoadID(), err)
		}
		var zero T
		value = zero
		events = append(events, NewEvent(EventResourceMissing, map[string]any{
			"resource": a.Resource,
			"id":       req.LoadID(),
			"error":    err.Error(),
		}))
	} else {
		events = append(events, NewEvent(EventResourceLoaded, map[string]any{
			"resource": a.Resource,
			"id":       req.LoadID(),
		}))
	}

	return Result{
		NextCommand: Inject(req.Next(), value),
		Events:      events,
	}, nil
}

// NewIntegrationError wraps the failure of a required upstream dependency
func NewIntegrationError(action, resource, id string, cause error) error {
	err := errors.Wrap(cause, errors.ErrIntegration, fmt.Sprintf("failed to load %s %q", resource, id))
	return errors.WithContext(errors.WithOp(err, action), map[string]interface{}{
		"resource": resource,
		"id":       id,
	})
}

// IsIntegrationError reports whether err is a required dependency failure
func IsIntegrationError(err error) bool {
	return errors.IsIntegration(err)
}
