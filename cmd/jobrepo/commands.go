package main

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/cli"

	"jobrepo/internal/codec"
	"jobrepo/internal/config"
	"jobrepo/internal/registry"
)

// ============================================================================
// ls
// ============================================================================

// LsCommand lists the objects of a registry from their index entries.
type LsCommand struct {
	Meta
}

func (c *LsCommand) Run(args []string) int {
	var (
		class string
		where stringList
	)
	f := c.flagSet("ls")
	f.StringVar(&class, "class", "", "only list objects of this class")
	f.Var(&where, "where", "attr=value filter on indexed attributes, repeatable")
	if err := f.Parse(args); err != nil {
		c.Ui.Error(err.Error())
		return cli.RunResultHelp
	}
	if f.NArg() != 1 {
		c.Ui.Error("ls takes exactly one registry name")
		return cli.RunResultHelp
	}

	var filters []registry.Filter
	if class != "" {
		filters = append(filters, registry.ByClass(class))
	}
	if len(where) > 0 {
		attrs := make(map[string]any, len(where))
		for _, w := range where {
			k, v, ok := strings.Cut(w, "=")
			if !ok {
				c.Ui.Error(fmt.Sprintf("invalid filter %q, expected attr=value", w))
				return 1
			}
			attrs[k] = v
		}
		filters = append(filters, registry.Match(attrs))
	}

	ctx := context.Background()
	mgr, err := c.openManager(ctx)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening repository: %s", err))
		return 1
	}
	defer c.closeManager(ctx, mgr)

	reg, ok := mgr.Registry(f.Arg(0))
	if !ok {
		c.Ui.Error(fmt.Sprintf("Unknown registry %q. Known registries: %s",
			f.Arg(0), strings.Join(mgr.Names(), ", ")))
		return 1
	}

	ids := reg.Select(filters...)
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCLASS\tINDEX")
	for _, id := range ids {
		e, _ := reg.Index(id)
		fmt.Fprintf(tw, "%d\t%s\t%s\n", e.ID, e.ClassName, formatIndex(e.Index))
	}
	tw.Flush()
	c.Ui.Output(strings.TrimRight(buf.String(), "\n"))
	c.Ui.Info(fmt.Sprintf("%s of %s objects", humanize.Comma(int64(len(ids))), humanize.Comma(int64(reg.Len()))))
	return 0
}

func formatIndex(idx map[string]any) string {
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, idx[k])
	}
	return strings.Join(parts, " ")
}

func (c *LsCommand) Help() string {
	helpText := `
Usage: jobrepo ls [options] REGISTRY

  Lists the objects of a registry. Only index entries are read, objects
  are not decoded.

Options:

  -class=NAME        Only list objects of this class.
  -where=ATTR=VALUE  Only list objects whose indexed attribute has this
                     value. May be repeated.
  -config=PATH       Config file to use.
`
	return strings.TrimSpace(helpText)
}

func (c *LsCommand) Synopsis() string {
	return "List the objects of a registry"
}

// ============================================================================
// show
// ============================================================================

// ShowCommand prints one object.
type ShowCommand struct {
	Meta
}

func (c *ShowCommand) Run(args []string) int {
	var format string
	f := c.flagSet("show")
	f.StringVar(&format, "format", "xml", "xml, json or yaml")
	if err := f.Parse(args); err != nil {
		c.Ui.Error(err.Error())
		return cli.RunResultHelp
	}
	if f.NArg() != 2 {
		c.Ui.Error("show takes a registry name and an id")
		return cli.RunResultHelp
	}
	id, err := strconv.Atoi(f.Arg(1))
	if err != nil {
		c.Ui.Error(fmt.Sprintf("invalid id %q", f.Arg(1)))
		return 1
	}
	exporter, ok := codec.ExporterFor(format)
	if !ok {
		c.Ui.Error(fmt.Sprintf("unknown format %q", format))
		return 1
	}

	ctx := context.Background()
	mgr, err := c.openManager(ctx)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening repository: %s", err))
		return 1
	}
	defer c.closeManager(ctx, mgr)

	reg, ok := mgr.Registry(f.Arg(0))
	if !ok {
		c.Ui.Error(fmt.Sprintf("Unknown registry %q", f.Arg(0)))
		return 1
	}
	obj, err := reg.Get(ctx, id)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error loading object: %s", err))
		return 1
	}

	var buf bytes.Buffer
	if err := exporter.Export(obj, &buf); err != nil {
		c.Ui.Error(fmt.Sprintf("Error rendering object: %s", err))
		return 1
	}
	c.Ui.Output(strings.TrimRight(buf.String(), "\n"))
	return 0
}

func (c *ShowCommand) Help() string {
	helpText := `
Usage: jobrepo show [options] REGISTRY ID

  Decodes one object and prints it.

Options:

  -format=FORMAT  Output format: xml (the stored record), json or yaml.
  -config=PATH    Config file to use.
`
	return strings.TrimSpace(helpText)
}

func (c *ShowCommand) Synopsis() string {
	return "Show one object"
}

// ============================================================================
// sessions
// ============================================================================

// SessionsCommand lists the other sessions attached to the repository.
type SessionsCommand struct {
	Meta
}

func (c *SessionsCommand) Run(args []string) int {
	f := c.flagSet("sessions")
	if err := f.Parse(args); err != nil {
		c.Ui.Error(err.Error())
		return cli.RunResultHelp
	}

	ctx := context.Background()
	mgr, err := c.openManager(ctx)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening repository: %s", err))
		return 1
	}
	defer c.closeManager(ctx, mgr)

	others, err := mgr.OtherSessions(ctx)
	if err != nil {
		c.Ui.Warn(fmt.Sprintf("Warning: %s", err))
	}
	if len(others) == 0 {
		c.Ui.Output("No other sessions.")
		return 0
	}
	for _, s := range others {
		c.Ui.Output(fmt.Sprintf("%s  %s", s.ID, s))
	}
	return 0
}

func (c *SessionsCommand) Help() string {
	helpText := `
Usage: jobrepo sessions [options]

  Lists the other live sessions sharing the repository.

Options:

  -config=PATH  Config file to use.
`
	return strings.TrimSpace(helpText)
}

func (c *SessionsCommand) Synopsis() string {
	return "List other sessions"
}

// ============================================================================
// reap-locks
// ============================================================================

// ReapLocksCommand clears the locks of every other session.
type ReapLocksCommand struct {
	Meta
}

func (c *ReapLocksCommand) Run(args []string) int {
	var force bool
	f := c.flagSet("reap-locks")
	f.BoolVar(&force, "force", false, "do not ask for confirmation")
	if err := f.Parse(args); err != nil {
		c.Ui.Error(err.Error())
		return cli.RunResultHelp
	}

	ctx := context.Background()
	mgr, err := c.openManager(ctx)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening repository: %s", err))
		return 1
	}
	defer c.closeManager(ctx, mgr)

	if !force {
		others, _ := mgr.OtherSessions(ctx)
		answer, err := c.Ui.Ask(fmt.Sprintf(
			"Clear the locks of %d other session(s)? Objects they are editing may be overwritten.\n"+
				"Only 'yes' will be accepted to confirm.", len(others)))
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error asking for confirmation: %s", err))
			return 1
		}
		if answer != "yes" {
			c.Ui.Output("Cancelled.")
			return 1
		}
	}

	if !mgr.ReapLocks(ctx) {
		c.Ui.Error("Some locks could not be cleared, see the log for details.")
		return 1
	}
	c.Ui.Output("Locks cleared.")
	return 0
}

func (c *ReapLocksCommand) Help() string {
	helpText := `
Usage: jobrepo reap-locks [options]

  Forcibly clears every lock held by other sessions. Use this after a
  session died without releasing its locks.

Options:

  -force        Skip the confirmation prompt.
  -config=PATH  Config file to use.
`
	return strings.TrimSpace(helpText)
}

func (c *ReapLocksCommand) Synopsis() string {
	return "Clear the locks of other sessions"
}

// ============================================================================
// config
// ============================================================================

// ConfigCommand prints the effective configuration.
type ConfigCommand struct {
	Meta
}

func (c *ConfigCommand) Run(args []string) int {
	f := c.flagSet("config")
	if err := f.Parse(args); err != nil {
		c.Ui.Error(err.Error())
		return cli.RunResultHelp
	}
	cfg, path, err := c.loadConfig()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error loading config: %s", err))
		return 1
	}
	if path == "" {
		path = fmt.Sprintf("built-in defaults, save a config to %s to change them", config.DefaultConfigPath())
	}
	c.Ui.Output("Config: " + path)
	c.Ui.Output(cfg.Summary())
	return 0
}

func (c *ConfigCommand) Help() string {
	helpText := `
Usage: jobrepo config [options]

  Prints the effective configuration and where it was read from.

Options:

  -config=PATH  Config file to use.
`
	return strings.TrimSpace(helpText)
}

func (c *ConfigCommand) Synopsis() string {
	return "Show the effective configuration"
}

// ============================================================================
// version
// ============================================================================

// VersionCommand prints the version.
type VersionCommand struct {
	Meta
	Version string
}

func (c *VersionCommand) Run(args []string) int {
	c.Ui.Output("jobrepo " + c.Version)
	return 0
}

func (c *VersionCommand) Help() string {
	return "Usage: jobrepo version\n\n  Prints the version."
}

func (c *VersionCommand) Synopsis() string {
	return "Show the version"
}

// stringList collects a repeatable string flag
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
