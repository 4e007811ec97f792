package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/panel/internal/cache"
	"github.com/kalambet/panel/internal/config"
	"github.com/kalambet/panel/internal/storage"
)

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect, sync or clear the response cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the number of cached responses",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.cache.Len(cmd.Context())
		if err != nil {
			return err
		}
		printStatus("Backend", "%s", e.cfg.Cache.Backend)
		printStatus("Entries", "%d", n)
		if e.cfg.Cache.RemoteURL != "" {
			printStatus("Remote", "%s", e.cfg.Cache.RemoteURL)
		}
		return nil
	},
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a cached response as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		entry, err := e.cache.Get(cmd.Context(), args[0])
		if errors.Is(err, cache.ErrMiss) {
			return fmt.Errorf("no cache entry %s", args[0])
		}
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entry)
	},
}

var cacheSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Exchange missing entries with the remote cache server",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		remote, err := e.remote()
		if err != nil {
			return err
		}
		printStep("Syncing with %s...", e.cfg.Cache.RemoteURL)
		rep, err := cache.Sync(cmd.Context(), e.cache, remote)
		if err != nil {
			return err
		}
		printSuccess("Downloaded %d, uploaded %d (%d local keys before sync)", rep.Downloaded, rep.Uploaded, rep.LocalKeys)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached response",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		remoteToo, _ := cmd.Flags().GetBool("remote")
		if !confirm {
			printWarning("This will delete ALL cached responses. Use --confirm to proceed.")
			return nil
		}

		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		if remoteToo {
			remote, err := e.remote()
			if err != nil {
				return err
			}
			n, err := remote.DeleteAll(cmd.Context())
			if err != nil {
				return err
			}
			printSuccess("Deleted %d remote entries", n)
			return nil
		}

		n, err := e.cache.Len(cmd.Context())
		if err != nil {
			return err
		}
		if err := e.cache.Clear(cmd.Context()); err != nil {
			return err
		}
		printSuccess("Deleted %d entries", n)
		return nil
	},
}

var cacheExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every cached response as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		keys, err := e.cache.Keys(cmd.Context())
		if err != nil {
			return err
		}
		entries, err := e.cache.GetMany(cmd.Context(), keys)
		if err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		enc := json.NewEncoder(w)
		for _, entry := range entries {
			if err := enc.Encode(entry); err != nil {
				return err
			}
		}
		if output != "" {
			printSuccess("Exported %d entries to %s", len(entries), output)
		}
		return nil
	},
}

var cacheImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Add cached responses from a JSON lines file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		entries, err := readEntries(f)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}

		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		added, err := e.cache.PutMany(cmd.Context(), entries)
		if err != nil {
			return err
		}
		printSuccess("Imported %d of %d entries", added, len(entries))
		return nil
	},
}

// readEntries decodes one entry per line. Blank lines are skipped.
func readEntries(r io.Reader) ([]cache.Entry, error) {
	var out []cache.Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e cache.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if e.Key == "" {
			return nil, fmt.Errorf("line %d: entry has no key", line)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func init() {
	cacheClearCmd.Flags().Bool("confirm", false, "confirm deletion")
	cacheClearCmd.Flags().Bool("remote", false, "clear the remote cache server instead of the local cache")
	cacheExportCmd.Flags().StringP("output", "o", "", "write to this file instead of stdout")

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheGetCmd)
	cacheCmd.AddCommand(cacheSyncCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheExportCmd)
	cacheCmd.AddCommand(cacheImportCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse past job runs",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent job runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		runs, err := e.store.ListJobRuns(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No job runs yet.")
			return nil
		}
		w := cmd.OutOrStdout()
		for _, r := range runs {
			status := colorize(colorGreen, r.Status)
			if r.Status != "completed" {
				status = colorize(colorYellow, r.Status)
			}
			fmt.Fprintf(w, "%s  %s  %s  %d/%d completed, %d failed  %s\n",
				colorize(colorBold, r.ID),
				r.StartedAt.Local().Format(time.DateTime),
				status,
				r.Completed, r.Interviews, r.Failed,
				r.Source,
			)
		}
		fmt.Fprintf(w, "%s runs\n", countLabel(len(runs), limit))
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job run with its interviews and exceptions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		run, err := e.store.GetJobRun(cmd.Context(), args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no job run %s", args[0])
		}
		if err != nil {
			return err
		}
		printRun(cmd.OutOrStdout(), run)
		return nil
	},
}

func printRun(w io.Writer, run storage.JobRun) {
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Run:"), run.ID)
	if run.Source != "" {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Source:"), run.Source)
	}
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Status:"), run.Status)
	fmt.Fprintf(w, "%s %s", colorize(colorBold, "Started:"), run.StartedAt.Local().Format(time.DateTime))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(w, " (took %s)", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %d completed, %d failed, %d cancelled of %d\n",
		colorize(colorBold, "Interviews:"), run.Completed, run.Failed, run.Cancelled, run.Interviews)
	fmt.Fprintf(w, "%s $%.4f\n", colorize(colorBold, "Cost:"), run.Cost)

	if len(run.Records) > 0 {
		fmt.Fprintln(w)
		for _, r := range run.Records {
			fmt.Fprintf(w, "  #%-4d %-10s agent=%s scenario=%s model=%s iteration=%d\n",
				r.Index, r.Status, r.Agent, r.Scenario, r.Model, r.Iteration)
		}
	}
	if len(run.Exceptions) > 0 {
		fmt.Fprintln(w)
		for _, ex := range run.Exceptions {
			line := fmt.Sprintf("  #%d %s", ex.Index, ex.Kind)
			if ex.Question != "" {
				line += " at " + ex.Question
			}
			fmt.Fprintln(w, colorize(colorRed, line+": "+ex.Message))
		}
	}
}

func init() {
	historyListCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
