package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/cli"

	"jobrepo/internal/config"
	"jobrepo/internal/registry"
)

// Meta holds what every command shares: the UI and the config location.
type Meta struct {
	Ui cli.Ui

	configPath string
}

// flagSet returns a flag set carrying the common flags
func (m *Meta) flagSet(name string) *flag.FlagSet {
	f := flag.NewFlagSet(name, flag.ContinueOnError)
	f.StringVar(&m.configPath, "config", "", "path to the config file")
	f.SetOutput(io.Discard)
	return f
}

// loadConfig reads the -config file, or searches the default locations
func (m *Meta) loadConfig() (*config.Config, string, error) {
	if m.configPath != "" {
		return config.LoadFromPath(m.configPath)
	}
	return config.Load()
}

// openManager opens and starts every registry of the repository. Records
// that could not be read are reported as warnings.
func (m *Meta) openManager(ctx context.Context) (*registry.Manager, error) {
	cfg, _, err := m.loadConfig()
	if err != nil {
		return nil, err
	}
	mgr, err := registry.Open(ctx, cfg, registry.WithManagerLogger(cfg.Logger("jobrepo")))
	if err != nil {
		return nil, err
	}
	if err := mgr.Startup(ctx); err != nil {
		merr, ok := err.(*multierror.Error)
		if !ok {
			mgr.Close(ctx)
			return nil, err
		}
		for _, e := range merr.Errors {
			m.Ui.Warn(fmt.Sprintf("Warning: %s", e))
		}
	}
	return mgr, nil
}

// closeManager shuts the repository down, reporting failures
func (m *Meta) closeManager(ctx context.Context, mgr *registry.Manager) {
	if err := mgr.Close(ctx); err != nil {
		m.Ui.Error(fmt.Sprintf("Error closing repository: %s", err))
	}
}
