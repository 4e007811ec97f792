package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/panel/internal/cache"
	"github.com/kalambet/panel/internal/history"
	"github.com/kalambet/panel/internal/jobfile"
	"github.com/kalambet/panel/internal/jobs"
)

var runCmd = &cobra.Command{
	Use:   "run <jobfile>",
	Short: "Run a job file",
	Long: `Run every combination of agents, scenarios and models in a job file.

Results are written as JSON lines to stdout, or to --output. Progress and the
summary go to stderr.

Examples:
  panel run survey.yaml
  panel run survey.toml --iterations 3 --output results.jsonl
  panel run survey.yaml --stop-on-exception --concurrency 8
  panel run survey.yaml --debug`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ov, err := runOverridesFrom(cmd)
		if err != nil {
			return err
		}
		ov.progress = printProgress

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		res, runErr := runJobFile(ctx, e, args[0], ov)
		if res == nil {
			return runErr
		}

		out := io.Writer(os.Stdout)
		if path, _ := cmd.Flags().GetString("output"); path != "" && path != "-" {
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			out = f
		}
		if err := res.WriteJSONL(out); err != nil {
			return err
		}

		if err := printSummary(res); err != nil {
			return err
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().Int("iterations", 0, "run each interview this many times (default from the job file, or 1)")
	runCmd.Flags().Int("concurrency", 0, "maximum interviews in flight")
	runCmd.Flags().Bool("stop-on-exception", false, "abort the job on the first failed interview")
	runCmd.Flags().Bool("debug", false, "answer with random valid responses instead of calling models")
	runCmd.Flags().Bool("no-cache", false, "do not read or write the response cache")
	runCmd.Flags().Bool("sync", false, "sync the cache with the remote server before and after the run")
	runCmd.Flags().StringP("output", "o", "", "write results to this file instead of stdout")
}

// runOverrides holds command-line changes to a job file's run options.
type runOverrides struct {
	iterations      int
	concurrency     int
	stopOnException *bool
	debug           bool
	noCache         bool
	sync            bool
	progress        func(history.Snapshot)
}

func runOverridesFrom(cmd *cobra.Command) (runOverrides, error) {
	var ov runOverrides
	f := cmd.Flags()
	ov.iterations, _ = f.GetInt("iterations")
	ov.concurrency, _ = f.GetInt("concurrency")
	ov.debug, _ = f.GetBool("debug")
	ov.noCache, _ = f.GetBool("no-cache")
	ov.sync, _ = f.GetBool("sync")
	if f.Changed("stop-on-exception") {
		v, _ := f.GetBool("stop-on-exception")
		ov.stopOnException = &v
	}
	if ov.iterations < 0 || ov.concurrency < 0 {
		return ov, fmt.Errorf("--iterations and --concurrency must not be negative")
	}
	if ov.noCache && ov.sync {
		return ov, fmt.Errorf("--sync cannot be combined with --no-cache")
	}
	return ov, nil
}

// runJobFile loads, builds and runs the job at path. Results are returned
// with the error when the job was aborted.
func runJobFile(ctx context.Context, e *env, path string, ov runOverrides) (*jobs.Results, error) {
	def, err := jobfile.Load(path)
	if err != nil {
		return nil, err
	}
	job, opts, err := def.Build(e.cfg)
	if err != nil {
		return nil, err
	}

	if ov.iterations > 0 {
		opts.Iterations = ov.iterations
	}
	if ov.concurrency > 0 {
		opts.MaxConcurrency = ov.concurrency
	}
	if ov.stopOnException != nil {
		opts.StopOnException = *ov.stopOnException
	}
	if ov.debug {
		opts.Debug = true
	}
	opts.Progress = ov.progress

	runner := &jobs.Runner{
		Store:   e.store,
		Logger:  e.logger,
		Options: opts,
	}
	if !ov.noCache {
		runner.Cache = e.responses
	}

	if ov.sync {
		if err := syncCache(ctx, e); err != nil {
			return nil, err
		}
	}

	res, runErr := runner.Run(ctx, job)

	if ov.sync && res != nil && len(res.NewCacheKeys) > 0 {
		if err := syncCache(context.WithoutCancel(ctx), e); err != nil {
			e.logger.Warn("cache sync after run failed", "error", err)
		}
	}
	return res, runErr
}

func syncCache(ctx context.Context, e *env) error {
	remote, err := e.remote()
	if err != nil {
		return err
	}
	rep, err := cache.Sync(ctx, e.cache, remote)
	if err != nil {
		return fmt.Errorf("syncing cache: %w", err)
	}
	e.logger.Info("cache synced", "local_keys", rep.LocalKeys, "downloaded", rep.Downloaded, "uploaded", rep.Uploaded)
	return nil
}
