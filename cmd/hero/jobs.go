package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rendis/hero/internal/logging"
	"github.com/rendis/hero/internal/store"
	"github.com/rendis/hero/pkg/schema"
)

// cliApp opens the app for a one-shot command, logging warnings only.
func cliApp(ctx context.Context) *app {
	cfg := loadConfig()
	logger := logging.New(os.Stderr, "warn", "text")
	slog.SetDefault(logger)
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return a
}

func runEnqueue(args []string) {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	queue := fs.String("queue", "", "queue name (default: the task's queue)")
	delay := fs.Duration("in", 0, "run no earlier than this long from now")
	paramsJSON := fs.String("params", "{}", "task params as a JSON object")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: hero enqueue [flags] <task>")
		os.Exit(2)
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
		fmt.Fprintf(os.Stderr, "Error: -params must be a JSON object: %v\n", err)
		os.Exit(2)
	}

	ctx := context.Background()
	a := cliApp(ctx)
	defer a.close()

	job, err := a.enqueuer.EnqueueIn(ctx, *delay, fs.Arg(0), params, *queue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printJSON(os.Stdout, job)
}

func runJobs(args []string) {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	queue := fs.String("queue", "", "only jobs in this queue")
	task := fs.String("task", "", "only jobs of this task")
	status := fs.String("status", "", "only jobs with this status: queued, running, completed, failed")
	limit := fs.Int("limit", 50, "maximum jobs to list")
	id := fs.String("id", "", "show one job with its event history")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx := context.Background()
	a := cliApp(ctx)
	defer a.close()

	if *id != "" {
		if err := showJob(ctx, os.Stdout, a.store, *id); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	jobs, err := a.store.ListJobs(ctx, store.JobFilter{
		Queue:  *queue,
		Task:   *task,
		Status: schema.JobStatus(*status),
		Limit:  *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printJobs(os.Stdout, jobs)
}

func showJob(ctx context.Context, w io.Writer, s *store.LibSQLQueue, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	events, err := s.GetEvents(ctx, id, 0)
	if err != nil {
		return err
	}
	history, err := s.Replay(ctx, id)
	if err != nil {
		return err
	}
	printJSON(w, map[string]any{
		"job":     job,
		"history": history,
		"events":  events,
	})
	return nil
}

func printJobs(w io.Writer, jobs []*schema.Job) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK\tQUEUE\tSTATUS\tATTEMPTS\tRUN AT\tLAST ERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			j.ID, j.Task, j.Queue, j.Status, j.Attempts,
			j.RunAt.Local().Format(time.DateTime), j.LastError)
	}
	tw.Flush()
}

func runPrune(args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	olderThan := fs.Duration("older-than", 7*24*time.Hour, "delete finished jobs last updated before this long ago")
	vacuum := fs.Bool("vacuum", false, "reclaim disk space afterwards")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx := context.Background()
	a := cliApp(ctx)
	defer a.close()

	n, err := a.store.Prune(ctx, time.Now().Add(-*olderThan))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Pruned %d jobs\n", n)

	if *vacuum {
		if err := a.store.Vacuum(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: vacuum: %v\n", err)
			os.Exit(1)
		}
	}
}

// runCheck loads an actions directory into a scratch registry and reports
// every file that fails to parse or register.
func runCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	dir := fs.String("actions-dir", "", "directory of action files (default: from settings)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	if *dir != "" {
		cfg.ActionsDir = *dir
	}

	ctx := context.Background()
	a := cliApp(ctx)
	defer a.close()

	n, err := a.loader.LoadDir(cfg.ActionsDir)
	fmt.Printf("Loaded %d action files from %s\n", n, cfg.ActionsDir)
	if err != nil {
		if he, ok := schema.AsHeroError(err); ok {
			if errs, ok := he.Details["errors"].([]string); ok {
				for _, e := range errs {
					fmt.Fprintln(os.Stderr, e)
				}
				os.Exit(1)
			}
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for _, info := range a.actions.List() {
		fmt.Printf("  %s@v%d\t%s\n", info.Name, info.Version, info.Description)
	}
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
