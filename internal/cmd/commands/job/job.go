// Package job holds the embedding job commands.
package job

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/mitchellh/cli"

	"github.com/hashicorp-forge/embedsearch/internal/cmd/base"
	"github.com/hashicorp-forge/embedsearch/pkg/jobs"
	"github.com/hashicorp-forge/embedsearch/pkg/models"
)

type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Manage embedding jobs"
}

func (c *Command) Help() string {
	return `Usage: embedsearch job <subcommand> [options] [args]

  This command groups subcommands for the embedding job queue.`
}

func (c *Command) Run(args []string) int {
	return cli.RunResultHelp
}

// parseJobArgs parses flags and the single job or document ID argument.
func parseJobArgs(ui cli.Ui, f *base.FlagSet, args []string, what string) (uuid.UUID, bool) {
	if err := f.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return uuid.Nil, false
	}
	if f.NArg() != 1 {
		ui.Error(fmt.Sprintf("expected one argument: the %s ID", what))
		return uuid.Nil, false
	}
	id, err := uuid.Parse(f.Arg(0))
	if err != nil {
		ui.Error(fmt.Sprintf("invalid %s ID: %v", what, err))
		return uuid.Nil, false
	}
	return id, true
}

type EnqueueCommand struct {
	*base.Command

	flagConfig   string
	flagPriority string
	flagForce    bool
}

func (c *EnqueueCommand) Synopsis() string {
	return "Queue embedding generation for a document"
}

func (c *EnqueueCommand) Help() string {
	return `Usage: embedsearch job enqueue [options] <document-id>

  Queue an embedding job for the document. Without -force only chunks
  that lack a completed embedding are processed; if none remain a
  completed job is recorded. A document can have one active job.` +
		c.Flags().Help()
}

func (c *EnqueueCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("job enqueue", flag.ContinueOnError))

	f.ConfigFlag(&c.flagConfig)
	f.StringVar(&c.flagPriority, "priority", string(models.JobPriorityNormal),
		"Job priority: low, normal or high.")
	f.BoolVar(&c.flagForce, "force", false, "Re-embed every chunk, including completed ones.")

	return f
}

func (c *EnqueueCommand) Run(args []string) int {
	docID, ok := parseJobArgs(c.UI, c.Flags(), args, "document")
	if !ok {
		return 1
	}
	priority := models.JobPriority(c.flagPriority)
	if !priority.Valid() {
		c.UI.Error(fmt.Sprintf("invalid priority %q", c.flagPriority))
		return 1
	}

	ctx := context.Background()
	rt, err := c.OpenRuntime(ctx, c.flagConfig, base.RuntimeOptions{})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	defer rt.Close()

	jobID, err := rt.Service.RequestEmbeddings(ctx, docID, priority, c.flagForce)
	if errors.Is(err, jobs.ErrActiveJobExists) {
		c.UI.Warn(err.Error())
		return 2
	}
	if err != nil {
		c.UI.Error(fmt.Sprintf("error queueing job: %v", err))
		return 1
	}
	c.UI.Output(jobID.String())
	return 0
}

type StatusCommand struct {
	*base.Command

	flagConfig string
}

func (c *StatusCommand) Synopsis() string {
	return "Show an embedding job"
}

func (c *StatusCommand) Help() string {
	return `Usage: embedsearch job status [options] <job-id>

  Print the job's status and progress as JSON.` + c.Flags().Help()
}

func (c *StatusCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("job status", flag.ContinueOnError))
	f.ConfigFlag(&c.flagConfig)
	return f
}

func (c *StatusCommand) Run(args []string) int {
	jobID, ok := parseJobArgs(c.UI, c.Flags(), args, "job")
	if !ok {
		return 1
	}

	ctx := context.Background()
	rt, err := c.OpenRuntime(ctx, c.flagConfig, base.RuntimeOptions{})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	defer rt.Close()

	job, err := rt.Service.GetJobStatus(ctx, jobID)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	return c.OutputJSON(job)
}

type CancelCommand struct {
	*base.Command

	flagConfig string
}

func (c *CancelCommand) Synopsis() string {
	return "Cancel a pending or processing embedding job"
}

func (c *CancelCommand) Help() string {
	return `Usage: embedsearch job cancel [options] <job-id>

  Cancel the job. A processing job stops after its current batch.` +
		c.Flags().Help()
}

func (c *CancelCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("job cancel", flag.ContinueOnError))
	f.ConfigFlag(&c.flagConfig)
	return f
}

func (c *CancelCommand) Run(args []string) int {
	jobID, ok := parseJobArgs(c.UI, c.Flags(), args, "job")
	if !ok {
		return 1
	}

	ctx := context.Background()
	rt, err := c.OpenRuntime(ctx, c.flagConfig, base.RuntimeOptions{})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	defer rt.Close()

	if err := rt.Service.CancelJob(ctx, jobID); err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	c.UI.Output(fmt.Sprintf("Cancelled job %s", jobID))
	return 0
}

type StatsCommand struct {
	*base.Command

	flagConfig string
}

func (c *StatsCommand) Synopsis() string {
	return "Show job counts by status"
}

func (c *StatsCommand) Help() string {
	return `Usage: embedsearch job stats [options]

  Print counts of jobs created within the configured stats window,
  grouped by status.` + c.Flags().Help()
}

func (c *StatsCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("job stats", flag.ContinueOnError))
	f.ConfigFlag(&c.flagConfig)
	return f
}

func (c *StatsCommand) Run(args []string) int {
	if err := c.Flags().Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	ctx := context.Background()
	rt, err := c.OpenRuntime(ctx, c.flagConfig, base.RuntimeOptions{})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	defer rt.Close()

	stats, err := rt.Queue.Stats(ctx)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error reading job stats: %v", err))
		return 1
	}

	statuses := make([]string, 0, len(stats.Counts))
	for s := range stats.Counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	c.UI.Output(fmt.Sprintf("Jobs since %s (%s window):", stats.Since.Format("2006-01-02 15:04:05"), stats.Window))
	for _, s := range statuses {
		c.UI.Output(fmt.Sprintf("  %-10s %d", s, stats.Counts[models.JobStatus(s)]))
	}
	c.UI.Output(fmt.Sprintf("  %-10s %d", "total", stats.Total()))
	return 0
}

type RunCommand struct {
	*base.Command

	flagConfig   string
	flagMaintain bool
}

func (c *RunCommand) Synopsis() string {
	return "Process queued jobs until the queue is empty"
}

func (c *RunCommand) Help() string {
	return `Usage: embedsearch job run [options]

  Claim and process jobs one at a time until none are pending, then exit.
  Useful from cron when no long-running worker is deployed.` + c.Flags().Help()
}

func (c *RunCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("job run", flag.ContinueOnError))

	f.ConfigFlag(&c.flagConfig)
	f.BoolVar(&c.flagMaintain, "maintain", false,
		"Evict expired cache entries and old jobs after the queue drains.")

	return f
}

func (c *RunCommand) Run(args []string) int {
	if err := c.Flags().Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	ctx := context.Background()
	rt, err := c.OpenRuntime(ctx, c.flagConfig, base.RuntimeOptions{})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	defer rt.Close()

	counts := make(map[models.JobStatus]int)
	for {
		job, err := rt.Worker.ProcessNext(ctx)
		if err != nil {
			c.UI.Error(fmt.Sprintf("error processing jobs: %v", err))
			return 1
		}
		if job == nil {
			break
		}
		final, err := rt.Queue.Get(ctx, job.ID)
		if err != nil {
			c.UI.Error(fmt.Sprintf("error reading job %s: %v", job.ID, err))
			return 1
		}
		counts[final.Status]++
		c.Log.Info("job processed", "job_id", final.ID, "status", final.Status,
			"processed_chunks", final.ProcessedChunks)
	}

	if c.flagMaintain {
		if err := rt.Maintain(ctx); err != nil {
			c.UI.Warn(fmt.Sprintf("maintenance failed: %v", err))
		}
	}

	c.UI.Output(fmt.Sprintf("Processed jobs: %d completed, %d failed, %d requeued, %d cancelled",
		counts[models.JobStatusCompleted], counts[models.JobStatusFailed],
		counts[models.JobStatusPending], counts[models.JobStatusCancelled]))
	return 0
}
