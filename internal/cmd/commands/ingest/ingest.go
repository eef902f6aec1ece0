package ingest

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp-forge/embedsearch/internal/cmd/base"
	"github.com/hashicorp-forge/embedsearch/pkg/models"
	"github.com/hashicorp-forge/embedsearch/pkg/service"
)

type Command struct {
	*base.Command

	flagConfig   string
	flagOwner    string
	flagTitle    string
	flagFile     string
	flagEmbed    bool
	flagPriority string
}

func (c *Command) Synopsis() string {
	return "Chunk and store a document, optionally queueing embeddings"
}

func (c *Command) Help() string {
	return `Usage: embedsearch ingest -owner=<id> -file=<path> [options]

  Store a document for an owner, split it into chunks and, unless
  -embed=false, queue an embedding job for it. Use -file=- to read the
  document from stdin. The stored document and job ID are printed as JSON.` +
		c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("ingest", flag.ContinueOnError))

	f.ConfigFlag(&c.flagConfig)
	f.StringVar(&c.flagOwner, "owner", "", "(Required) Owner (tenant) ID.")
	f.StringVar(&c.flagTitle, "title", "", "Document title. Defaults to the file name.")
	f.StringVar(&c.flagFile, "file", "", "(Required) Path to the document text, or - for stdin.")
	f.BoolVar(&c.flagEmbed, "embed", true, "Queue an embedding job after chunking.")
	f.StringVar(&c.flagPriority, "priority", string(models.JobPriorityNormal),
		"Job priority: low, normal or high.")

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
	if c.flagFile == "" {
		c.UI.Error("file flag is required")
		return 1
	}
	priority := models.JobPriority(c.flagPriority)
	if !priority.Valid() {
		c.UI.Error(fmt.Sprintf("invalid priority %q", c.flagPriority))
		return 1
	}

	text, err := readInput(c.flagFile)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error reading document: %v", err))
		return 1
	}
	title := c.flagTitle
	if title == "" && c.flagFile != "-" {
		title = c.flagFile
	}

	ctx := context.Background()
	rt, err := c.OpenRuntime(ctx, c.flagConfig, base.RuntimeOptions{})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	defer rt.Close()

	res, err := rt.Service.IngestDocument(ctx, service.IngestRequest{
		OwnerID:  c.flagOwner,
		Title:    title,
		Text:     text,
		Embed:    c.flagEmbed,
		Priority: priority,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error ingesting document: %v", err))
		return 1
	}

	c.Log.Info("document ingested", "document_id", res.Document.ID, "chunks", res.Chunks)
	return c.OutputJSON(res)
}

func readInput(path string) (string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		r = f
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
