// Package catalog defines the job model persisted by jobrepo: jobs, the
// applications they run, the backends that run them and their files.
package catalog

import (
	"fmt"

	"jobrepo/internal/domain"
)

// Plugin categories.
const (
	CategoryJobs         = "jobs"
	CategoryApplications = "applications"
	CategoryBackends     = "backends"
	CategoryFiles        = "files"
)

// Job status values.
const (
	StatusNew       = "new"
	StatusSubmitted = "submitted"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusKilled    = "killed"
	StatusTemplate  = "template"
)

var jobSchema = domain.MustSchema(CategoryJobs, "Job", domain.Version{Major: 2, Minor: 1},
	domain.Simple("name", "", domain.WithTypes(domain.TypeString), domain.Indexed(),
		domain.WithDoc("user label")),
	domain.Simple("status", StatusNew, domain.WithTypes(domain.TypeString), domain.Protected(), domain.Indexed()),
	domain.Component("application", CategoryApplications, nil, domain.Indexed()),
	domain.Component("backend", CategoryBackends, nil, domain.Indexed()),
	domain.Component("inputfiles", CategoryFiles, []any{}, domain.AsSequence(), domain.Lenient()),
	domain.Component("outputfiles", CategoryFiles, []any{}, domain.AsSequence(), domain.Lenient()),
	domain.Simple("inputdata", []any{}, domain.AsSequence(), domain.Lenient(), domain.WithTypes(domain.TypeString)),
	domain.Simple("comment", "", domain.WithTypes(domain.TypeString)),
	domain.Simple("time", map[string]any{}, domain.WithTypes(domain.TypeDict), domain.Protected(), domain.Hidden()),
	domain.Simple("monitor", nil, domain.Transient()),
)

var (
	// Job is the unit of work tracked by the jobs registry.
	Job = domain.NewClass(jobSchema)

	// JobTemplate is a reusable job stored in the templates registry.
	JobTemplate = domain.NewClass(mustDerive(jobSchema, CategoryJobs, "JobTemplate", domain.Version{Major: 2, Minor: 1},
		domain.Simple("status", StatusTemplate, domain.WithTypes(domain.TypeString), domain.Protected(), domain.Indexed()),
	))

	// Executable runs a command with arguments.
	Executable = domain.NewClass(domain.MustSchema(CategoryApplications, "Executable", domain.Version{Major: 1, Minor: 0},
		domain.Simple("exe", "echo", domain.WithTypes(domain.TypeString), domain.Indexed()),
		domain.Simple("args", []any{"Hello World"}, domain.AsSequence(), domain.Lenient()),
		domain.Simple("env", map[string]any{}, domain.WithTypes(domain.TypeDict)),
	))

	// Local runs jobs as processes on this host.
	Local = domain.NewClass(domain.MustSchema(CategoryBackends, "Local", domain.Version{Major: 1, Minor: 0},
		domain.Simple("nice", 0, domain.WithTypes(domain.TypeInt)),
		domain.Simple("workdir", "", domain.WithTypes(domain.TypeString)),
		domain.Simple("pid", nil, domain.WithTypes(domain.TypeInt, domain.TypeNone), domain.Protected()),
		domain.Simple("exitcode", nil, domain.WithTypes(domain.TypeInt, domain.TypeNone), domain.Protected()),
	))

	// LocalFile is a file on the local filesystem.
	LocalFile = domain.NewClass(domain.MustSchema(CategoryFiles, "LocalFile", domain.Version{Major: 1, Minor: 0},
		domain.Simple("name", "", domain.WithTypes(domain.TypeString)),
		domain.Simple("localdir", "", domain.WithTypes(domain.TypeString)),
	))
)

func mustDerive(base *domain.Schema, category, name string, version domain.Version, attrs ...domain.AttrSpec) *domain.Schema {
	s, err := base.Derive(category, name, version, attrs...)
	if err != nil {
		panic(err)
	}
	return s
}

// Classes lists every class defined here.
func Classes() []*domain.Class {
	return []*domain.Class{Job, JobTemplate, Executable, Local, LocalFile}
}

// Register adds the catalog classes to plugins and names the default
// plugin of each component category.
func Register(plugins *domain.PluginRegistry) error {
	for _, c := range Classes() {
		if err := plugins.Register(c); err != nil {
			return err
		}
	}
	defaults := map[string]string{
		CategoryApplications: Executable.Name,
		CategoryBackends:     Local.Name,
		CategoryFiles:        LocalFile.Name,
	}
	for category, name := range defaults {
		if err := plugins.SetDefault(category, name); err != nil {
			return fmt.Errorf("failed to set default %s plugin: %w", category, err)
		}
	}
	return nil
}

// NewContext returns a context with the catalog registered.
func NewContext(opts ...domain.ContextOption) *domain.Context {
	ctx := domain.NewContext(opts...)
	if err := Register(ctx.Plugins); err != nil {
		panic(err)
	}
	return ctx
}

// NewJob creates a Job with the given name.
func NewJob(ctx *domain.Context, name string) (*domain.Object, error) {
	job, err := Job.New(ctx)
	if err != nil {
		return nil, err
	}
	if err := job.Set("name", name); err != nil {
		return nil, err
	}
	job.ClearDirty()
	return job, nil
}
