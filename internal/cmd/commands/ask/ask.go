package ask

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/hashicorp-forge/embedsearch/internal/cmd/base"
	"github.com/hashicorp-forge/embedsearch/pkg/search"
	"github.com/hashicorp-forge/embedsearch/pkg/service"
)

type Command struct {
	*base.Command

	flagConfig    string
	flagOwner     string
	flagMode      string
	flagThreshold float64
	flagSources   bool
}

func (c *Command) Synopsis() string {
	return "Answer a question from an owner's documents"
}

func (c *Command) Help() string {
	return `Usage: embedsearch ask -owner=<id> [options] <question...>

  Search the owner's chunks and stream an answer grounded in the best
  matches. Passages are cited as [n]; the numbered sources follow the
  answer. Interrupt to stop the stream.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("ask", flag.ContinueOnError))

	f.ConfigFlag(&c.flagConfig)
	f.StringVar(&c.flagOwner, "owner", "", "(Required) Owner (tenant) ID.")
	f.StringVar(&c.flagMode, "mode", string(search.ModeHybrid),
		"Retrieval mode: semantic, hybrid or keyword.")
	f.Float64Var(&c.flagThreshold, "threshold", 0,
		"Minimum similarity for context passages. Zero uses the configured default.")
	f.BoolVar(&c.flagSources, "sources", true, "List the cited sources after the answer.")

	return f
}

func (c *Command) Run(args []string) int {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if c.flagOwner == "" {
		c.UI.Error("owner flag is required")
		return 1
	}
	question := strings.Join(f.Args(), " ")
	if strings.TrimSpace(question) == "" {
		c.UI.Error("question is required")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rt, err := c.OpenRuntime(ctx, c.flagConfig, base.RuntimeOptions{})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	defer rt.Close()

	answer, err := rt.Service.AnswerStream(ctx, search.Query{
		Text:      question,
		OwnerID:   c.flagOwner,
		Mode:      search.Mode(c.flagMode),
		Threshold: c.flagThreshold,
	})
	if errors.Is(err, service.ErrAnswersDisabled) {
		c.UI.Error(fmt.Sprintf("provider %q does not support completions", rt.Config.Provider.Name))
		return 1
	}
	if err != nil {
		c.UI.Error(fmt.Sprintf("error answering: %v", err))
		return 1
	}

	for frag := range answer.Stream {
		if frag.Err != nil {
			fmt.Fprintln(os.Stdout)
			if ctx.Err() != nil {
				c.UI.Warn("answer interrupted")
				return 130
			}
			c.UI.Error(fmt.Sprintf("completion failed: %v", frag.Err))
			return 1
		}
		fmt.Fprint(os.Stdout, frag.Text)
	}
	fmt.Fprintln(os.Stdout)
	if ctx.Err() != nil {
		c.UI.Warn("answer interrupted")
		return 130
	}

	if c.flagSources && len(answer.Sources) > 0 {
		c.UI.Output("\nSources:")
		for i, src := range answer.Sources {
			c.UI.Output(fmt.Sprintf("  [%d] %s (chunk %s, score %.3f)",
				i+1, src.DocumentTitle, src.ChunkID, src.Score))
		}
	}
	return 0
}
