package cmd

import (
	"bufio"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/hashicorp-forge/embedsearch/internal/version"
)

// Main runs the CLI with the given arguments and returns the exit code.
// Logs go to stderr so JSON command output on stdout stays parseable.
func Main(args []string) int {
	name := filepath.Base(args[0])

	log := hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.Info,
		Output: os.Stderr,
	})

	if len(args) == 2 {
		switch args[1] {
		case "-v", "-version", "--version":
			args = []string{args[0], "version"}
		}
	}

	ui := &cli.BasicUi{
		Reader:      bufio.NewReader(os.Stdin),
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	initCommands(log, ui)

	c := &cli.CLI{
		Name:       name,
		Args:       args[1:],
		Version:    version.String(),
		Commands:   Commands,
		HelpWriter: os.Stderr,
	}

	exitCode, err := c.Run()
	if err != nil {
		log.Error("error running command", "error", err)
		return 1
	}
	return exitCode
}
