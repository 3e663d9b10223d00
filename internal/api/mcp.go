package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/opencoding/internal/annotation"
	"github.com/kalambet/opencoding/internal/navigator"
	"github.com/kalambet/opencoding/internal/rubric"
	"github.com/kalambet/opencoding/internal/stats"
	"github.com/kalambet/opencoding/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store       *storage.Store
	Rubrics     *rubric.Registry
	Annotations *annotation.Service
	Navigator   *navigator.Navigator
	Stats       *stats.Manager
	// User is the evaluator every MCP call acts as.
	User string
}

// NewMCPServer creates an MCP server exposing the annotation workflow.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"opencoding",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("opencoding: read conversation traces and record pass/fail annotations against the current failure-mode rubric."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("next_unannotated_trace",
			mcp.WithDescription("Return the first trace, in import order, that the evaluator has not annotated yet. Returns null when all traces are annotated."),
		),
		mcpNextUnannotated(deps),
	)

	s.AddTool(
		mcp.NewTool("get_trace",
			mcp.WithDescription("Return a trace with its previous turns, tool calls and the evaluator's annotation, if any."),
			mcp.WithString("trace_id", mcp.Description("Trace identifier"), mcp.Required()),
		),
		mcpGetTrace(deps),
	)

	s.AddTool(
		mcp.NewTool("adjacent_traces",
			mcp.WithDescription("Return the ids of the traces before and after the given one in import order."),
			mcp.WithString("trace_id", mcp.Description("Trace identifier"), mcp.Required()),
		),
		mcpAdjacent(deps),
	)

	s.AddTool(
		mcp.NewTool("save_annotation",
			mcp.WithDescription("Validate and save an annotation. A fail label needs both first_failure_note and comments_hypotheses. Set expected_version to the version you read to avoid overwriting a concurrent edit."),
			mcp.WithString("annotation", mcp.Description("JSON object with trace_id, human_label (pass|fail|unsure|irrelevant), human_confidence (1-5), evaluator_agrees (yes|no|n/a), failure_modes (ids from the current rubric), dynamic_labels (rubric id to true|false|\"n/a\"), first_failure_note and comments_hypotheses (required when failing), notes, is_golden_set and optional expected_version"), mcp.Required()),
		),
		mcpSaveAnnotation(deps),
	)

	s.AddTool(
		mcp.NewTool("annotation_stats",
			mcp.WithDescription("Return the evaluator's annotation totals, pass rate and most recent annotations."),
		),
		mcpAnnotationStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"rubric://current",
			"Current Rubric",
			mcp.WithResourceDescription("Failure modes of the rubric version in force"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRubric(deps),
	)

	return s
}

func mcpNextUnannotated(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		t, err := deps.Navigator.NextUnannotated(ctx, deps.User)
		if err != nil {
			return mcpError(fmt.Sprintf("finding next trace failed: %v", err)), nil
		}
		return mcpJSON(t)
	}
}

func mcpGetTrace(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("trace_id")
		if err != nil {
			return mcpError("trace_id is required"), nil
		}

		t, err := deps.Store.GetTrace(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("trace %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load trace: %v", err)), nil
		}
		a, err := deps.Annotations.Get(ctx, id, deps.User)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load annotation: %v", err)), nil
		}
		return mcpJSON(TraceDetail{Trace: t, Annotation: a})
	}
}

func mcpAdjacent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("trace_id")
		if err != nil {
			return mcpError("trace_id is required"), nil
		}
		adj, err := deps.Navigator.Adjacent(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("trace %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to find adjacent traces: %v", err)), nil
		}
		return mcpJSON(adj)
	}
}

func mcpSaveAnnotation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("annotation")
		if err != nil {
			return mcpError("annotation is required"), nil
		}
		var c annotation.Candidate
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return mcpError(fmt.Sprintf("invalid annotation JSON: %v", err)), nil
		}

		res, err := deps.Annotations.Save(ctx, deps.User, c)
		var verr *annotation.ValidationError
		switch {
		case errors.As(err, &verr):
			b, _ := json.Marshal(verr.Errors)
			return mcpError("annotation failed validation: " + string(b)), nil
		case errors.Is(err, annotation.ErrTraceNotFound):
			return mcpError(fmt.Sprintf("trace %s not found", c.TraceID)), nil
		case errors.Is(err, storage.ErrVersionConflict):
			return mcpError("annotation was modified concurrently; fetch it again with get_trace and retry"), nil
		case err != nil:
			return mcpError(fmt.Sprintf("failed to save annotation: %v", err)), nil
		}

		verb := "Updated"
		if res.Created {
			verb = "Created"
		}
		return mcpText(fmt.Sprintf("%s annotation for %s (version %d)", verb, res.Annotation.TraceID, res.Annotation.Version)), nil
	}
}

func mcpAnnotationStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s, err := deps.Stats.Get(ctx, deps.User)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to compute stats: %v", err)), nil
		}
		return mcpJSON(s)
	}
}

func mcpResourceRubric(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		snap, err := deps.Rubrics.Current(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load rubric: %w", err)
		}

		b, err := json.Marshal(RubricResponse{Version: snap.Version, FailureModes: snap.FailureModes})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal rubric: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
