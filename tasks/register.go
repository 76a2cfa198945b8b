package tasks

import (
	"time"

	"github.com/davidroman0O/orca/saga"
	"github.com/davidroman0O/orca/scheduler"
)

// Task types registered by Register
const (
	TypeWait               = "wait"
	TypeEvaluateVariables  = "evaluateVariables"
	TypeDeploy             = "deploy"
	TypeVerifyServerGroup  = "verifyServerGroup"
	TypeDestroyServerGroup = "destroyServerGroup"
)

// Dependencies are the collaborators of the built-in tasks
type Dependencies struct {
	Now          func() time.Time
	Cloud        Cloud
	Sagas        *saga.Engine
	WaitBackoff  time.Duration
	VerifyPoll   time.Duration
	VerifyBudget time.Duration
}

// Register adds every built-in task to registry
func Register(registry *scheduler.TaskRegistry, deps Dependencies) *scheduler.TaskRegistry {
	if deps.VerifyPoll <= 0 {
		deps.VerifyPoll = 5 * time.Second
	}
	if deps.VerifyBudget <= 0 {
		deps.VerifyBudget = 10 * time.Minute
	}
	return registry.
		Register(TypeWait, NewWaitTask(deps.Now, deps.WaitBackoff)).
		Register(TypeEvaluateVariables, EvaluateVariablesTask{}).
		Register(TypeDeploy, NewDeployTask(deps.Sagas)).
		Register(TypeVerifyServerGroup, NewVerifyServerGroupTask(deps.Cloud, deps.VerifyPoll, deps.VerifyBudget)).
		Register(TypeDestroyServerGroup, NewDestroyServerGroupTask(deps.Cloud))
}
