// Package resolver advances stages parked in resolver phases. A
// resolver is a pure function from a stage and its surroundings to a
// new status; it never spawns a worker. The runner sweeps every
// resolver phase each tick and writes accepted transitions back
// through the frontmatter gateway.
package resolver

import (
	"context"
	"os"

	"github.com/pitboss-dev/pitboss/internal/hosting"
	"github.com/pitboss-dev/pitboss/internal/item"
	"github.com/pitboss-dev/pitboss/internal/pipeline"
)

// Context carries what resolver functions may consult. Host is nil
// when no code-host adapter is configured; resolvers that need one
// return no transition in that case.
type Context struct {
	Getenv func(string) string
	Host   hosting.Provider
}

// Env reads a process environment variable, honouring an injected
// Getenv for tests.
func (c *Context) Env(key string) string {
	if c.Getenv != nil {
		return c.Getenv(key)
	}
	return os.Getenv(key)
}

// Func computes the next status for a stage, or "" for no transition.
// An error is logged by the runner and treated as no transition.
type Func func(ctx context.Context, stage *item.Stage, rc *Context) (string, error)

// Registry maps resolver names from the pipeline config to functions.
type Registry struct {
	funcs map[string]Func
}

// Builtin resolver names.
const (
	PRStatusName    = "pr-status"
	StageRouterName = "stage-router"
)

// NewRegistry returns a registry with the builtin resolvers installed.
func NewRegistry() *Registry {
	r := &Registry{funcs: map[string]Func{}}
	r.Register(PRStatusName, PRStatusResolver)
	r.Register(StageRouterName, StageRouterResolver)
	return r
}

// Register installs or replaces a resolver function.
func (r *Registry) Register(name string, fn Func) {
	r.funcs[name] = fn
}

// Lookup returns the resolver function for a name.
func (r *Registry) Lookup(name string) (Func, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// PRStatusResolver routes a stage by its PR state: merged wins and
// yields Done; otherwise unresolved review comments send the stage to
// Addressing Comments. No PR, no adapter, or a quiet open PR all
// yield no transition.
func PRStatusResolver(ctx context.Context, stage *item.Stage, rc *Context) (string, error) {
	if stage.PRURL == "" || rc.Host == nil {
		return "", nil
	}

	number := stage.PRNumber
	if number == 0 {
		n, err := hosting.ParsePRNumber(stage.PRURL)
		if err != nil {
			return "", err
		}
		number = n
	}

	status, err := rc.Host.PRStatus(ctx, number)
	if err != nil {
		return "", err
	}

	switch {
	case status.Merged:
		return item.StatusDone, nil
	case status.HasUnresolvedComments():
		return pipeline.StatusAddressingComments, nil
	}
	return "", nil
}

// StageRouterResolver is the project-specific dispatch hook. The
// default implementation routes nothing; projects replace it via
// Register.
func StageRouterResolver(ctx context.Context, stage *item.Stage, rc *Context) (string, error) {
	return "", nil
}
