package tasks

import (
	"context"
	"slices"

	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/logging"
	"github.com/davidroman0O/orca/saga"
)

// Command types of the deploy saga
const (
	CommandTypeUpsertServerGroup = "UpsertServerGroup"
	CommandTypeNotifyDeployment  = "NotifyDeployment"
)

// Events recorded by the deploy actions
const (
	EventServerGroupUpserted = "ServerGroupUpserted"
	EventDeploymentNotified  = "DeploymentNotified"
)

// UpsertServerGroup creates or resizes a server group for an application
type UpsertServerGroup struct {
	saga.BaseCommand
	Account     string            `json:"account"`
	ServerGroup string            `json:"serverGroup"`
	Capacity    int               `json:"capacity"`
	Application *saga.Application `json:"application,omitempty"`
}

// CommandType implements saga.Command
func (c UpsertServerGroup) CommandType() string {
	return CommandTypeUpsertServerGroup
}

// Inject implements saga.ApplicationAware
func (c UpsertServerGroup) Inject(app *saga.Application) saga.Command {
	c.Application = app
	return c
}

// NotifyDeployment announces a finished deployment to the application owner
type NotifyDeployment struct {
	saga.BaseCommand
	ServerGroup string `json:"serverGroup"`
	Recipient   string `json:"recipient,omitempty"`
}

// CommandType implements saga.Command
func (c NotifyDeployment) CommandType() string {
	return CommandTypeNotifyDeployment
}

// Inject implements saga.ApplicationAware. The application's email is used
// when no recipient was given.
func (c NotifyDeployment) Inject(app *saga.Application) saga.Command {
	if c.Recipient == "" && app != nil {
		c.Recipient = app.Email
	}
	return c
}

// Notifier delivers deployment notifications
type Notifier interface {
	Notify(ctx context.Context, recipient, message string) error
}

// LogNotifier writes notifications to a logger
type LogNotifier struct {
	Logger logging.Logger
}

// Notify implements Notifier
func (n LogNotifier) Notify(ctx context.Context, recipient, message string) error {
	logging.OrDefault(n.Logger).Info("Notify %s: %s", recipient, message)
	return nil
}

// NewUpsertServerGroupAction upserts the group in cloud and destroys it again
// when a later step of the deploy fails
func NewUpsertServerGroupAction(cloud Cloud) saga.Action {
	upsert := saga.Typed[UpsertServerGroup]{
		ActionName: "upsertServerGroup",
		Handle: func(ctx context.Context, cmd UpsertServerGroup, s *saga.Saga) (saga.Result, error) {
			if cmd.Application == nil {
				return saga.Result{}, errors.Newf(errors.ErrInvalidInput, "server group %s has no application", cmd.ServerGroup)
			}
			if len(cmd.Application.Accounts) > 0 && !slices.Contains(cmd.Application.Accounts, cmd.Account) {
				return saga.Result{}, errors.WithContext(
					errors.Newf(errors.ErrPermission, "application %s may not deploy to account %s", cmd.Application.Name, cmd.Account),
					map[string]interface{}{"accounts": cmd.Application.Accounts},
				)
			}

			group := ServerGroup{Account: cmd.Account, Name: cmd.ServerGroup, Capacity: cmd.Capacity}
			if err := cloud.UpsertServerGroup(ctx, group); err != nil {
				return saga.Result{}, err
			}
			return saga.Result{Events: []saga.Event{
				saga.NewEvent(EventServerGroupUpserted, map[string]any{
					"account":     cmd.Account,
					"serverGroup": cmd.ServerGroup,
					"capacity":    cmd.Capacity,
					"owner":       cmd.Application.Email,
				}),
			}}, nil
		},
	}

	return saga.WithCompensation(upsert, func(ctx context.Context, cmd saga.Command, s *saga.Saga) error {
		c, ok := cmd.(UpsertServerGroup)
		if !ok {
			return errors.Newf(errors.ErrInvalidInput, "cannot compensate %s", cmd.CommandType())
		}
		return cloud.DestroyServerGroup(ctx, c.Account, c.ServerGroup)
	})
}

// NewNotifyDeploymentAction sends the notification unless there is nobody to tell
func NewNotifyDeploymentAction(notifier Notifier) saga.Action {
	return saga.Typed[NotifyDeployment]{
		ActionName: "notifyDeployment",
		Handle: func(ctx context.Context, cmd NotifyDeployment, s *saga.Saga) (saga.Result, error) {
			if cmd.Recipient == "" {
				return saga.Result{}, nil
			}
			if err := notifier.Notify(ctx, cmd.Recipient, "deployed "+cmd.ServerGroup); err != nil {
				return saga.Result{}, errors.Wrap(err, errors.ErrTransient, "notify deployment")
			}
			return saga.Result{Events: []saga.Event{
				saga.NewEvent(EventDeploymentNotified, map[string]any{"recipient": cmd.Recipient}),
			}}, nil
		},
	}
}

// RegisterDeployActions wires the deploy saga flow into registry
func RegisterDeployActions(registry *saga.Registry, apps saga.ApplicationRegistry, cloud Cloud, notifier Notifier) *saga.Registry {
	return registry.
		Register(saga.CommandTypeLoadApplication, saga.NewLoadApplicationAction(apps)).
		Register(CommandTypeUpsertServerGroup, NewUpsertServerGroupAction(cloud)).
		Register(CommandTypeNotifyDeployment, NewNotifyDeploymentAction(notifier))
}
