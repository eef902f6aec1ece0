package document

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/google/uuid"
	"github.com/mitchellh/cli"

	"github.com/hashicorp-forge/embedsearch/internal/cmd/base"
	"github.com/hashicorp-forge/embedsearch/pkg/vectorstore"
)

type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Manage stored documents"
}

func (c *Command) Help() string {
	return `Usage: embedsearch document <subcommand> [options] [args]

  This command groups subcommands for stored documents.`
}

func (c *Command) Run(args []string) int {
	return cli.RunResultHelp
}

type DeleteCommand struct {
	*base.Command

	flagConfig string
}

func (c *DeleteCommand) Synopsis() string {
	return "Delete a document with its chunks and embeddings"
}

func (c *DeleteCommand) Help() string {
	return `Usage: embedsearch document delete [options] <document-id>

  Delete a document. Its chunks, embeddings and jobs are removed and the
  chunks are dropped from the keyword index.` + c.Flags().Help()
}

func (c *DeleteCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("document delete", flag.ContinueOnError))
	f.ConfigFlag(&c.flagConfig)
	return f
}

func (c *DeleteCommand) Run(args []string) int {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if f.NArg() != 1 {
		c.UI.Error("expected one argument: the document ID")
		return 1
	}
	id, err := uuid.Parse(f.Arg(0))
	if err != nil {
		c.UI.Error(fmt.Sprintf("invalid document ID: %v", err))
		return 1
	}

	ctx := context.Background()
	rt, err := c.OpenRuntime(ctx, c.flagConfig, base.RuntimeOptions{})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	defer rt.Close()

	if err := rt.Service.DeleteDocument(ctx, id); err != nil {
		if errors.Is(err, vectorstore.ErrNotFound) {
			c.UI.Error(fmt.Sprintf("document %s not found", id))
			return 1
		}
		c.UI.Error(fmt.Sprintf("error deleting document: %v", err))
		return 1
	}
	c.UI.Output(fmt.Sprintf("Deleted document %s", id))
	return 0
}
