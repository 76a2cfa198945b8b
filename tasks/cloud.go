// Package tasks holds the built-in task implementations and the saga actions
// the deploy task dispatches to.
package tasks

import (
	"context"
	"sort"
	"sync"

	"github.com/davidroman0O/orca/errors"
)

// ServerGroup is the deployed unit a deploy stage manages
type ServerGroup struct {
	Account  string `json:"account"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Healthy  bool   `json:"healthy"`
}

// Cloud is the provider surface the deploy tasks need
type Cloud interface {
	UpsertServerGroup(ctx context.Context, group ServerGroup) error
	DestroyServerGroup(ctx context.Context, account, name string) error
	ServerGroup(ctx context.Context, account, name string) (ServerGroup, error)
}

// MemoryCloud keeps server groups in memory. New groups become healthy after
// WarmupPolls health checks.
type MemoryCloud struct {
	mu          sync.Mutex
	groups      map[string]*ServerGroup
	polls       map[string]int
	WarmupPolls int
}

// NewMemoryCloud returns an empty cloud whose groups are healthy immediately
func NewMemoryCloud() *MemoryCloud {
	return &MemoryCloud{
		groups: make(map[string]*ServerGroup),
		polls:  make(map[string]int),
	}
}

func groupKey(account, name string) string {
	return account + "/" + name
}

// UpsertServerGroup implements Cloud
func (c *MemoryCloud) UpsertServerGroup(ctx context.Context, group ServerGroup) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCancelled, "upsert server group")
	}
	if group.Account == "" || group.Name == "" {
		return errors.New(errors.ErrInvalidInput, "server group needs an account and a name")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	key := groupKey(group.Account, group.Name)
	group.Healthy = c.WarmupPolls <= 0
	c.groups[key] = &group
	c.polls[key] = 0
	return nil
}

// DestroyServerGroup implements Cloud. Destroying a missing group is a no-op.
func (c *MemoryCloud) DestroyServerGroup(ctx context.Context, account, name string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCancelled, "destroy server group")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := groupKey(account, name)
	delete(c.groups, key)
	delete(c.polls, key)
	return nil
}

// ServerGroup implements Cloud
func (c *MemoryCloud) ServerGroup(ctx context.Context, account, name string) (ServerGroup, error) {
	if err := ctx.Err(); err != nil {
		return ServerGroup{}, errors.Wrap(err, errors.ErrCancelled, "get server group")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := groupKey(account, name)
	group, ok := c.groups[key]
	if !ok {
		return ServerGroup{}, errors.Newf(errors.ErrNotFound, "server group %s not found", key)
	}
	c.polls[key]++
	if c.polls[key] >= c.WarmupPolls {
		group.Healthy = true
	}
	return *group, nil
}

// Names returns the keys of every server group, sorted
func (c *MemoryCloud) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.groups))
	for k := range c.groups {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
