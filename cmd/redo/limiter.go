package main

import (
	"github.com/redo-sh/redo/internal/cgroup"
	"github.com/redo-sh/redo/internal/recipe"
)

// limiterAdapter binds a fixed cgroup.Limits value to a *cgroup.Limiter,
// presenting recipe.Limiter's no-argument Reserve. internal/cgroup
// deliberately doesn't import internal/recipe (it has no reason to know
// about Build Jobs at all), so this front-end-only type is where the two
// packages meet.
type limiterAdapter struct {
	limiter *cgroup.Limiter
	limits  cgroup.Limits
}

var _ recipe.Limiter = (*limiterAdapter)(nil)

// Reserve implements recipe.Limiter.
func (a *limiterAdapter) Reserve() (recipe.Placement, error) {
	r, err := a.limiter.Reserve(a.limits)
	if err != nil {
		return nil, err
	}
	return r, nil
}
