package saga

import (
	"context"
	"sort"
	"strings"

	"github.com/davidroman0O/orca/errors"
)

// Application is the registry record of a deployable application
type Application struct {
	Name           string            `json:"name" yaml:"name"`
	Email          string            `json:"email,omitempty" yaml:"email,omitempty"`
	CloudProviders []string          `json:"cloudProviders,omitempty" yaml:"cloudProviders,omitempty"`
	Accounts       []string          `json:"accounts,omitempty" yaml:"accounts,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// ApplicationRegistry looks up applications by name
type ApplicationRegistry = Fetcher[*Application]

// ApplicationAware commands receive the loaded application. A nil application
// means it was optional and could not be loaded.
type ApplicationAware = Injectable[*Application]

// CommandTypeLoadApplication is the type tag of LoadApplication
const CommandTypeLoadApplication = "LoadApplication"

// LoadApplication asks for an application record before running Then
type LoadApplication struct {
	BaseCommand
	Application string  `json:"application"`
	Optional    bool    `json:"optional,omitempty"`
	Then        Command `json:"-"`
}

// CommandType implements Command
func (c LoadApplication) CommandType() string {
	return CommandTypeLoadApplication
}

// LoadID implements LoadRequest
func (c LoadApplication) LoadID() string {
	return c.Application
}

// AllowMissing implements LoadRequest
func (c LoadApplication) AllowMissing() bool {
	return c.Optional
}

// Next implements LoadRequest
func (c LoadApplication) Next() Command {
	return c.Then
}

// NewLoadApplicationAction returns the loader action for LoadApplication commands
func NewLoadApplicationAction(registry ApplicationRegistry) Action {
	return LoadAction[*Application]{
		ActionName: "loadApplication",
		Resource:   "application",
		Fetcher:    registry,
	}
}

// StaticApplicationRegistry serves applications from memory, keyed case-insensitively
type StaticApplicationRegistry struct {
	apps map[string]Application
}

// NewStaticApplicationRegistry indexes apps by lower-cased name
func NewStaticApplicationRegistry(apps ...Application) *StaticApplicationRegistry {
	r := &StaticApplicationRegistry{apps: make(map[string]Application, len(apps))}
	for _, app := range apps {
		r.apps[strings.ToLower(app.Name)] = app
	}
	return r
}

// Fetch implements ApplicationRegistry
func (r *StaticApplicationRegistry) Fetch(ctx context.Context, name string) (*Application, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCancelled, "fetch application")
	}
	app, ok := r.apps[strings.ToLower(name)]
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "application %q not found", name)
	}
	out := app
	out.CloudProviders = append([]string(nil), app.CloudProviders...)
	out.Accounts = append([]string(nil), app.Accounts...)
	if app.Attributes != nil {
		out.Attributes = make(map[string]string, len(app.Attributes))
		for k, v := range app.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out, nil
}

// Names returns the registered application names, sorted
func (r *StaticApplicationRegistry) Names() []string {
	out := make([]string, 0, len(r.apps))
	for _, app := range r.apps {
		out = append(out, app.Name)
	}
	sort.Strings(out)
	return out
}
