// Package query holds the search commands.
package query

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hashicorp-forge/embedsearch/internal/cmd/base"
	"github.com/hashicorp-forge/embedsearch/pkg/search"
)

type SearchCommand struct {
	*base.Command

	flagConfig         string
	flagOwner          string
	flagMode           string
	flagThreshold      float64
	flagLimit          int
	flagSemanticWeight float64
	flagKeywordWeight  float64
	flagFusion         string
	flagSkipCache      bool
}

func (c *SearchCommand) Synopsis() string {
	return "Search an owner's embedded chunks"
}

func (c *SearchCommand) Help() string {
	return `Usage: embedsearch search -owner=<id> [options] <query...>

  Run a semantic, hybrid or keyword search and print ranked chunks as
  JSON. Remaining arguments are joined to form the query text.` +
		c.Flags().Help()
}

func (c *SearchCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("search", flag.ContinueOnError))

	f.ConfigFlag(&c.flagConfig)
	f.StringVar(&c.flagOwner, "owner", "", "(Required) Owner (tenant) ID.")
	f.StringVar(&c.flagMode, "mode", string(search.ModeSemantic),
		"Search mode: semantic, hybrid or keyword.")
	f.Float64Var(&c.flagThreshold, "threshold", 0,
		"Minimum similarity. Zero uses the configured default; negative disables the cutoff.")
	f.IntVar(&c.flagLimit, "limit", 0, "Maximum results. Zero uses the configured default.")
	f.Float64Var(&c.flagSemanticWeight, "semantic-weight", 0,
		"Hybrid semantic weight. Set together with -keyword-weight.")
	f.Float64Var(&c.flagKeywordWeight, "keyword-weight", 0,
		"Hybrid keyword weight. Set together with -semantic-weight.")
	f.StringVar(&c.flagFusion, "fusion", "", "Hybrid fusion: weighted or rrf.")
	f.BoolVar(&c.flagSkipCache, "skip-cache", false, "Bypass the result cache.")

	return f
}

func (c *SearchCommand) Run(args []string) int {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if c.flagOwner == "" {
		c.UI.Error("owner flag is required")
		return 1
	}
	text := strings.Join(f.Args(), " ")
	if strings.TrimSpace(text) == "" {
		c.UI.Error("query text is required")
		return 1
	}

	mode := search.Mode(c.flagMode)
	switch mode {
	case search.ModeSemantic, search.ModeHybrid, search.ModeKeyword:
	default:
		c.UI.Error(fmt.Sprintf("invalid mode %q", c.flagMode))
		return 1
	}

	q := search.Query{
		Text:      text,
		OwnerID:   c.flagOwner,
		Threshold: c.flagThreshold,
		Limit:     c.flagLimit,
		Mode:      mode,
		SkipCache: c.flagSkipCache,
	}
	if c.flagSemanticWeight != 0 || c.flagKeywordWeight != 0 || c.flagFusion != "" {
		q.Weights = search.DefaultWeights()
		if c.flagSemanticWeight != 0 || c.flagKeywordWeight != 0 {
			q.Weights.Semantic = c.flagSemanticWeight
			q.Weights.Keyword = c.flagKeywordWeight
		}
		if c.flagFusion != "" {
			q.Weights.Fusion = search.Fusion(c.flagFusion)
		}
	}

	ctx := context.Background()
	rt, err := c.OpenRuntime(ctx, c.flagConfig, base.RuntimeOptions{})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	defer rt.Close()

	results, err := rt.Service.Search(ctx, q)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error searching: %v", err))
		return 1
	}
	if results == nil {
		results = []search.RankedResult{}
	}
	return c.OutputJSON(results)
}

type SimilarCommand struct {
	*base.Command

	flagConfig string
	flagOwner  string
	flagLimit  int
}

func (c *SimilarCommand) Synopsis() string {
	return "Find chunks similar to a given chunk"
}

func (c *SimilarCommand) Help() string {
	return `Usage: embedsearch similar -owner=<id> [options] <chunk-id>

  Print the owner's chunks nearest to the given chunk's embedding as
  JSON. The chunk itself is excluded.` + c.Flags().Help()
}

func (c *SimilarCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("similar", flag.ContinueOnError))

	f.ConfigFlag(&c.flagConfig)
	f.StringVar(&c.flagOwner, "owner", "", "(Required) Owner (tenant) ID.")
	f.IntVar(&c.flagLimit, "limit", 0, "Maximum results. Zero uses the configured default.")

	return f
}

func (c *SimilarCommand) Run(args []string) int {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if c.flagOwner == "" {
		c.UI.Error("owner flag is required")
		return 1
	}
	if f.NArg() != 1 {
		c.UI.Error("expected one argument: the chunk ID")
		return 1
	}
	chunkID, err := uuid.Parse(f.Arg(0))
	if err != nil {
		c.UI.Error(fmt.Sprintf("invalid chunk ID: %v", err))
		return 1
	}

	ctx := context.Background()
	rt, err := c.OpenRuntime(ctx, c.flagConfig, base.RuntimeOptions{})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	defer rt.Close()

	results, err := rt.Service.FindSimilarChunks(ctx, c.flagOwner, chunkID, c.flagLimit)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error finding similar chunks: %v", err))
		return 1
	}
	if results == nil {
		results = []search.RankedResult{}
	}
	return c.OutputJSON(results)
}
