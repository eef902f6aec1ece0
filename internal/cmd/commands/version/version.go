package version

import (
	"github.com/hashicorp-forge/embedsearch/internal/cmd/base"
	"github.com/hashicorp-forge/embedsearch/internal/version"
)

type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Print the version"
}

func (c *Command) Help() string {
	return `Usage: embedsearch version

  Print the version of this binary.`
}

func (c *Command) Run(args []string) int {
	c.UI.Output("embedsearch " + version.String())
	return 0
}
