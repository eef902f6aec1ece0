// Package base holds what every embedsearch command shares: the UI and
// logger, flag helpers and construction of the runtime components.
package base

import (
	"encoding/json"
	"flag"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
)

// Command is embedded by every command.
type Command struct {
	Log hclog.Logger
	UI  cli.Ui
}

// New creates a base command.
func New(log hclog.Logger, ui cli.Ui) *Command {
	return &Command{Log: log, UI: ui}
}

// OutputJSON writes v to the UI as indented JSON.
func (c *Command) OutputJSON(v interface{}) int {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		c.UI.Error(fmt.Sprintf("error encoding output: %v", err))
		return 1
	}
	c.UI.Output(string(b))
	return 0
}

// FlagSet wraps flag.FlagSet with help output.
type FlagSet struct {
	*flag.FlagSet
}

// NewFlagSet wraps f.
func NewFlagSet(f *flag.FlagSet) *FlagSet {
	return &FlagSet{FlagSet: f}
}

// Help renders the flags for a command's help text.
func (f *FlagSet) Help() string {
	var sb strings.Builder
	sb.WriteString("\n\nOptions:\n")
	f.VisitAll(func(fl *flag.Flag) {
		fmt.Fprintf(&sb, "\n  -%s", fl.Name)
		if fl.DefValue != "" && fl.DefValue != "false" {
			fmt.Fprintf(&sb, "=%s", fl.DefValue)
		}
		fmt.Fprintf(&sb, "\n      %s\n", fl.Usage)
	})
	return sb.String()
}

// ConfigFlag registers the -config flag shared by commands that open the
// runtime.
func (f *FlagSet) ConfigFlag(p *string) {
	f.StringVar(p, "config", "",
		"Path to the HCL config file. Defaults and environment overrides apply when empty.")
}
