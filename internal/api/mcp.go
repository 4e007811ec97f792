package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/panel/internal/cache"
	"github.com/kalambet/panel/internal/jobs"
	"github.com/kalambet/panel/internal/storage"
)

// RunHistory reads persisted job runs.
type RunHistory interface {
	ListJobRuns(ctx context.Context, limit int) ([]storage.JobRun, error)
	GetJobRun(ctx context.Context, id string) (storage.JobRun, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Cache *cache.Cache
	Runs  RunHistory
	// RunJob loads and runs the job file at path. If nil, run_job returns an
	// error.
	RunJob func(ctx context.Context, path string) (*jobs.Results, error)
}

// NewMCPServer creates an MCP server with the panel tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"panel",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("panel runs surveys against simulated agents and language models, and manages the response cache."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("run_job",
			mcp.WithDescription("Run a job file (YAML or TOML) and return a summary of the results."),
			mcp.WithString("path", mcp.Description("Path to the job file"), mcp.Required()),
		),
		mcpRunJob(deps),
	)

	s.AddTool(
		mcp.NewTool("cache_lookup",
			mcp.WithDescription("Fetch a cached model response by its fingerprint."),
			mcp.WithString("key", mcp.Description("Cache entry fingerprint"), mcp.Required()),
		),
		mcpCacheLookup(deps),
	)

	s.AddTool(
		mcp.NewTool("cache_stats",
			mcp.WithDescription("Report the number of cached responses and lookup outcomes since startup."),
		),
		mcpCacheStats(deps),
	)

	s.AddTool(
		mcp.NewTool("job_history",
			mcp.WithDescription("Show a past job run with its task records, or list recent runs when job_id is empty."),
			mcp.WithString("job_id", mcp.Description("Run ID to show")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of runs to list (default 10)")),
		),
		mcpJobHistory(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"panel://runs/recent",
			"Recent Job Runs",
			mcp.WithResourceDescription("The last 10 job runs"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentRuns(deps),
	)

	return s
}

func mcpRunJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}
		if deps.RunJob == nil {
			return mcpError("running jobs is not available"), nil
		}

		res, runErr := deps.RunJob(ctx, path)
		if res == nil {
			return mcpError(fmt.Sprintf("run failed: %v", runErr)), nil
		}
		sum, err := res.Summary()
		if err != nil {
			return mcpError(err.Error()), nil
		}
		b, err := json.Marshal(sum)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal summary: %v", err)), nil
		}
		if runErr != nil {
			r := mcpText(string(b))
			r.IsError = true
			return r, nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCacheLookup(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		e, err := deps.Cache.Get(ctx, key)
		if errors.Is(err, cache.ErrMiss) {
			return mcpError(fmt.Sprintf("no cache entry %s", key)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		b, err := json.Marshal(e)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal entry: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCacheStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n, err := deps.Cache.Store().Len(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("counting entries failed: %v", err)), nil
		}
		b, err := json.Marshal(struct {
			Entries int `json:"entries"`
			cache.Stats
		}{n, deps.Cache.Stats()})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpJobHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var v any
		if id := req.GetString("job_id", ""); id != "" {
			run, err := deps.Runs.GetJobRun(ctx, id)
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("no job run %s", id)), nil
			}
			if err != nil {
				return mcpError(fmt.Sprintf("reading job run failed: %v", err)), nil
			}
			v = runView(run)
		} else {
			limit := req.GetInt("limit", 10)
			if limit <= 0 {
				limit = 10
			}
			runs, err := deps.Runs.ListJobRuns(ctx, limit)
			if err != nil {
				return mcpError(fmt.Sprintf("listing job runs failed: %v", err)), nil
			}
			views := make([]jobRunView, len(runs))
			for i, r := range runs {
				views[i] = runView(r)
			}
			v = views
		}
		b, err := json.Marshal(v)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job history: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecentRuns(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Runs.ListJobRuns(ctx, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list job runs: %w", err)
		}
		views := make([]jobRunView, len(runs))
		for i, r := range runs {
			views[i] = runView(r)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job runs: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

type jobRunView struct {
	ID         string          `json:"id"`
	Source     string          `json:"source,omitempty"`
	Status     string          `json:"status"`
	Interviews int             `json:"interviews"`
	Completed  int             `json:"completed"`
	Failed     int             `json:"failed"`
	Cancelled  int             `json:"cancelled"`
	Cost       float64         `json:"cost"`
	StartedAt  string          `json:"started_at"`
	FinishedAt string          `json:"finished_at,omitempty"`
	Records    []taskView      `json:"records,omitempty"`
	Exceptions []exceptionView `json:"exceptions,omitempty"`
}

type taskView struct {
	Index     int    `json:"index"`
	Status    string `json:"status"`
	Agent     string `json:"agent"`
	Scenario  string `json:"scenario"`
	Model     string `json:"model"`
	Iteration int    `json:"iteration"`
}

type exceptionView struct {
	Index    int    `json:"index"`
	Question string `json:"question,omitempty"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

func runView(r storage.JobRun) jobRunView {
	v := jobRunView{
		ID:         r.ID,
		Source:     r.Source,
		Status:     r.Status,
		Interviews: r.Interviews,
		Completed:  r.Completed,
		Failed:     r.Failed,
		Cancelled:  r.Cancelled,
		Cost:       r.Cost,
		StartedAt:  r.StartedAt.Format(time.RFC3339),
	}
	if !r.FinishedAt.IsZero() {
		v.FinishedAt = r.FinishedAt.Format(time.RFC3339)
	}
	for _, t := range r.Records {
		v.Records = append(v.Records, taskView{
			Index:     t.Index,
			Status:    t.Status,
			Agent:     t.Agent,
			Scenario:  t.Scenario,
			Model:     t.Model,
			Iteration: t.Iteration,
		})
	}
	for _, e := range r.Exceptions {
		v.Exceptions = append(v.Exceptions, exceptionView{
			Index:    e.Index,
			Question: e.Question,
			Kind:     e.Kind,
			Message:  e.Message,
		})
	}
	return v
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
