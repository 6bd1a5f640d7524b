package main

import (
	"fmt"
	"strconv"

	"github.com/AlexKarpov98/webui/internal/jobview"
	"github.com/AlexKarpov98/webui/jobs"
	"github.com/AlexKarpov98/webui/models"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

func (c *cli) makeJobCmd() *cobra.Command {
	var plain bool
	r := &cobra.Command{
		Use:   "job <method> [json-arg...]",
		Short: "Start a job and follow it to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			conn, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			stream, err := conn.Job(ctx, args[0], parseArgs(args[1:])...)
			if err != nil {
				return err
			}

			var final models.Job
			if plain {
				final, err = watchPlain(stream)
			} else {
				final, err = watchTUI(args[0], stream)
			}
			if err != nil {
				return err
			}
			if final.State == models.JobStateSuccess && len(final.Result) > 0 {
				printJSON(final.Result)
			}
			return final.Err()
		},
	}
	r.Flags().BoolVar(&plain, "plain", false, "Print one line per update instead of a progress bar")
	return r
}

func watchPlain(stream *jobs.Stream) (models.Job, error) {
	titleColor.Printf("job %d\n", stream.ID())
	var last models.Job
	for job := range stream.Updates() {
		last = job
		line := fmt.Sprintf("%-8s %5.1f%% %s", job.State, job.Progress.Percent, job.Progress.Description)
		switch job.State {
		case models.JobStateSuccess:
			successColor.Println(line)
		case models.JobStateFailed:
			errorColor.Println(line)
		default:
			infoColor.Println(line)
		}
	}
	if err := stream.Err(); err != nil {
		return last, err
	}
	return last, nil
}

func watchTUI(title string, stream *jobs.Stream) (models.Job, error) {
	view := jobview.New(title, stream)
	if _, err := tea.NewProgram(view).Run(); err != nil {
		stream.Cancel()
		return models.Job{}, err
	}
	job, _, err := view.Result()
	return job, err
}

func (c *cli) makeAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <job-id>",
		Short: "Ask the middleware to abort a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}

			ctx, cancel := signalContext()
			defer cancel()

			conn, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.AbortJob(ctx, id); err != nil {
				return err
			}
			successColor.Printf("abort requested for job %d\n", id)
			return nil
		},
	}
}
