// Package index holds the vector index maintenance commands.
package index

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/mitchellh/cli"

	"github.com/hashicorp-forge/embedsearch/internal/cmd/base"
	"github.com/hashicorp-forge/embedsearch/pkg/vectorstore"
)

type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Inspect and maintain the vector index"
}

func (c *Command) Help() string {
	return `Usage: embedsearch index <subcommand> [options]

  This command groups subcommands for the approximate nearest-neighbour
  index over stored embeddings.`
}

func (c *Command) Run(args []string) int {
	return cli.RunResultHelp
}

// open parses flags and opens the runtime. The caller closes it.
func open(c *base.Command, f *base.FlagSet, args []string, configPath *string) (*base.Runtime, bool) {
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return nil, false
	}
	rt, err := c.OpenRuntime(context.Background(), *configPath, base.RuntimeOptions{})
	if err != nil {
		c.UI.Error(err.Error())
		return nil, false
	}
	return rt, true
}

func indexError(ui cli.Ui, err error) int {
	if errors.Is(err, vectorstore.ErrUnsupported) {
		ui.Error("the configured database has no vector index; queries use an exact scan")
		return 1
	}
	ui.Error(err.Error())
	return 1
}

type StatsCommand struct {
	*base.Command

	flagConfig string
	flagOwner  string
}

func (c *StatsCommand) Synopsis() string {
	return "Show storage, index and job statistics"
}

func (c *StatsCommand) Help() string {
	return `Usage: embedsearch index stats [options]

  Print document, chunk and embedding counts, the vector index's
  parameters and health, and recent job counts as JSON. With -owner the
  storage counts cover only that owner.` + c.Flags().Help()
}

func (c *StatsCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("index stats", flag.ContinueOnError))
	f.ConfigFlag(&c.flagConfig)
	f.StringVar(&c.flagOwner, "owner", "", "Limit storage counts to this owner.")
	return f
}

func (c *StatsCommand) Run(args []string) int {
	rt, ok := open(c.Command, c.Flags(), args, &c.flagConfig)
	if !ok {
		return 1
	}
	defer rt.Close()

	stats, err := rt.Service.GetVectorStats(context.Background(), c.flagOwner)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error reading stats: %v", err))
		return 1
	}
	return c.OutputJSON(stats)
}

type RebuildCommand struct {
	*base.Command

	flagConfig string
	flagForce  bool
}

func (c *RebuildCommand) Synopsis() string {
	return "Rebuild the vector index with recommended parameters"
}

func (c *RebuildCommand) Help() string {
	return `Usage: embedsearch index rebuild [options]

  Recreate the vector index sized for the current vector count. A healthy
  index is left alone unless -force is set.` + c.Flags().Help()
}

func (c *RebuildCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("index rebuild", flag.ContinueOnError))
	f.ConfigFlag(&c.flagConfig)
	f.BoolVar(&c.flagForce, "force", false, "Rebuild even when the index is healthy.")
	return f
}

func (c *RebuildCommand) Run(args []string) int {
	rt, ok := open(c.Command, c.Flags(), args, &c.flagConfig)
	if !ok {
		return 1
	}
	defer rt.Close()

	result, err := rt.Service.RebuildIndex(context.Background(), c.flagForce)
	if err != nil {
		return indexError(c.UI, err)
	}
	return c.OutputJSON(result)
}

type ReindexCommand struct {
	*base.Command

	flagConfig string
}

func (c *ReindexCommand) Synopsis() string {
	return "Rebuild the existing vector index in place"
}

func (c *ReindexCommand) Help() string {
	return `Usage: embedsearch index reindex [options]

  Reindex the vector index without changing its parameters, then refresh
  planner statistics.` + c.Flags().Help()
}

func (c *ReindexCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("index reindex", flag.ContinueOnError))
	f.ConfigFlag(&c.flagConfig)
	return f
}

func (c *ReindexCommand) Run(args []string) int {
	rt, ok := open(c.Command, c.Flags(), args, &c.flagConfig)
	if !ok {
		return 1
	}
	defer rt.Close()

	if err := rt.Advisor.Reindex(context.Background()); err != nil {
		return indexError(c.UI, err)
	}
	c.UI.Output("Vector index reindexed")
	return 0
}

type AnalyzeCommand struct {
	*base.Command

	flagConfig string
}

func (c *AnalyzeCommand) Synopsis() string {
	return "Refresh planner statistics for the embeddings table"
}

func (c *AnalyzeCommand) Help() string {
	return `Usage: embedsearch index analyze [options]` + c.Flags().Help()
}

func (c *AnalyzeCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("index analyze", flag.ContinueOnError))
	f.ConfigFlag(&c.flagConfig)
	return f
}

func (c *AnalyzeCommand) Run(args []string) int {
	rt, ok := open(c.Command, c.Flags(), args, &c.flagConfig)
	if !ok {
		return 1
	}
	defer rt.Close()

	if err := rt.Advisor.Analyze(context.Background()); err != nil {
		c.UI.Error(fmt.Sprintf("error analyzing: %v", err))
		return 1
	}
	c.UI.Output("Statistics refreshed")
	return 0
}
