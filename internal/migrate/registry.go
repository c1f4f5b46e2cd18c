package migrate

import (
	"fmt"
	"sort"

	errs "github.com/arkilian/oparchive/internal/errors"
)

// Version is the work registered at one archive version.
type Version struct {
	Number     int
	Transforms []TransformStep
	Actions    []Action
}

// Empty reports whether the version has neither transforms nor actions.
func (v *Version) Empty() bool {
	return v == nil || (len(v.Transforms) == 0 && len(v.Actions) == 0)
}

// Registry holds the migration steps of an archive keyed by version. It is
// built once and then only read.
type Registry struct {
	versions map[int]*Version
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{versions: make(map[int]*Version)}
}

func (r *Registry) version(v int) *Version {
	d, ok := r.versions[v]
	if !ok {
		d = &Version{Number: v}
		r.versions[v] = d
	}
	return d
}

// Transforms appends transform steps to version v.
func (r *Registry) Transforms(v int, steps ...TransformStep) *Registry {
	d := r.version(v)
	d.Transforms = append(d.Transforms, steps...)
	return r
}

// Actions appends actions to version v.
func (r *Registry) Actions(v int, actions ...Action) *Registry {
	d := r.version(v)
	d.Actions = append(d.Actions, actions...)
	return r
}

// Version returns the descriptor of version v.
func (r *Registry) Version(v int) (*Version, bool) {
	d, ok := r.versions[v]
	return d, ok
}

// Versions returns every registered version in ascending order.
func (r *Registry) Versions() []int {
	out := make([]int, 0, len(r.versions))
	for v := range r.versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Latest returns the highest registered version, or -1 for an empty registry.
func (r *Registry) Latest() int {
	latest := -1
	for v := range r.versions {
		if v > latest {
			latest = v
		}
	}
	return latest
}

// LatestTransform returns the highest version with transforms, or -1.
func (r *Registry) LatestTransform() int {
	latest := -1
	for v, d := range r.versions {
		if len(d.Transforms) > 0 && v > latest {
			latest = v
		}
	}
	return latest
}

// Validate checks that versions are non-negative and that no version
// transforms a table twice.
func (r *Registry) Validate() error {
	for _, v := range r.Versions() {
		if v < 0 {
			return errs.NewConfigurationError(errs.CodeUnknownVersion, fmt.Sprintf("negative version %d", v))
		}
		seen := make(map[string]bool)
		for _, t := range r.versions[v].Transforms {
			if t.Table == "" {
				return errs.NewConfigurationError(errs.CodeInvalidConfig,
					fmt.Sprintf("version %d has a transform without a table", v))
			}
			if seen[t.Table] {
				return errs.NewConfigurationError(errs.CodeDuplicateVersion,
					fmt.Sprintf("version %d transforms table %s more than once", v, t.Table))
			}
			seen[t.Table] = true
		}
	}
	return nil
}
