// Command jobrepo inspects a job repository: the registries it holds, the
// objects stored in them and the sessions sharing it.
package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/cli"
)

// Version is set at build time.
var Version = "dev"

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	ui := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	for _, arg := range args {
		if arg == "-v" || arg == "-version" || arg == "--version" {
			args = []string{"version"}
			break
		}
	}

	runner := &cli.CLI{
		Name:       "jobrepo",
		Version:    Version,
		Args:       args,
		Commands:   commands(Meta{Ui: ui}),
		HelpWriter: os.Stdout,
	}
	code, err := runner.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err)
		return 1
	}
	return code
}

func commands(meta Meta) map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"ls": func() (cli.Command, error) {
			return &LsCommand{Meta: meta}, nil
		},
		"show": func() (cli.Command, error) {
			return &ShowCommand{Meta: meta}, nil
		},
		"sessions": func() (cli.Command, error) {
			return &SessionsCommand{Meta: meta}, nil
		},
		"reap-locks": func() (cli.Command, error) {
			return &ReapLocksCommand{Meta: meta}, nil
		},
		"config": func() (cli.Command, error) {
			return &ConfigCommand{Meta: meta}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{Meta: meta, Version: Version}, nil
		},
	}
}
