package cmd

import (
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/hashicorp-forge/embedsearch/internal/cmd/base"
	"github.com/hashicorp-forge/embedsearch/internal/cmd/commands/ask"
	"github.com/hashicorp-forge/embedsearch/internal/cmd/commands/document"
	"github.com/hashicorp-forge/embedsearch/internal/cmd/commands/index"
	"github.com/hashicorp-forge/embedsearch/internal/cmd/commands/ingest"
	"github.com/hashicorp-forge/embedsearch/internal/cmd/commands/job"
	"github.com/hashicorp-forge/embedsearch/internal/cmd/commands/migrate"
	"github.com/hashicorp-forge/embedsearch/internal/cmd/commands/query"
	"github.com/hashicorp-forge/embedsearch/internal/cmd/commands/serve"
	"github.com/hashicorp-forge/embedsearch/internal/cmd/commands/version"
)

// Commands is the mapping of all available commands.
var Commands map[string]cli.CommandFactory

func initCommands(log hclog.Logger, ui cli.Ui) {
	b := base.New(log, ui)

	Commands = map[string]cli.CommandFactory{
		"serve": func() (cli.Command, error) {
			return &serve.Command{Command: b}, nil
		},
		"migrate": func() (cli.Command, error) {
			return &migrate.Command{Command: b}, nil
		},
		"ingest": func() (cli.Command, error) {
			return &ingest.Command{Command: b}, nil
		},
		"document": func() (cli.Command, error) {
			return &document.Command{Command: b}, nil
		},
		"document delete": func() (cli.Command, error) {
			return &document.DeleteCommand{Command: b}, nil
		},
		"search": func() (cli.Command, error) {
			return &query.SearchCommand{Command: b}, nil
		},
		"similar": func() (cli.Command, error) {
			return &query.SimilarCommand{Command: b}, nil
		},
		"ask": func() (cli.Command, error) {
			return &ask.Command{Command: b}, nil
		},
		"job": func() (cli.Command, error) {
			return &job.Command{Command: b}, nil
		},
		"job enqueue": func() (cli.Command, error) {
			return &job.EnqueueCommand{Command: b}, nil
		},
		"job status": func() (cli.Command, error) {
			return &job.StatusCommand{Command: b}, nil
		},
		"job cancel": func() (cli.Command, error) {
			return &job.CancelCommand{Command: b}, nil
		},
		"job stats": func() (cli.Command, error) {
			return &job.StatsCommand{Command: b}, nil
		},
		"job run": func() (cli.Command, error) {
			return &job.RunCommand{Command: b}, nil
		},
		"index": func() (cli.Command, error) {
			return &index.Command{Command: b}, nil
		},
		"index stats": func() (cli.Command, error) {
			return &index.StatsCommand{Command: b}, nil
		},
		"index rebuild": func() (cli.Command, error) {
			return &index.RebuildCommand{Command: b}, nil
		},
		"index reindex": func() (cli.Command, error) {
			return &index.ReindexCommand{Command: b}, nil
		},
		"index analyze": func() (cli.Command, error) {
			return &index.AnalyzeCommand{Command: b}, nil
		},
		"version": func() (cli.Command, error) {
			return &version.Command{Command: b}, nil
		},
	}
}
