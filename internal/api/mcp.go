package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jeremieb/developer-diary/internal/journal"
	"github.com/jeremieb/developer-diary/internal/preview"
	"github.com/jeremieb/developer-diary/internal/scene"
	"github.com/jeremieb/developer-diary/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Journal *journal.Service
}

// NewMCPServer creates an MCP server with the diary tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"diary",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("diary: developer journal entries with rendered scene previews."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("add_entry",
			mcp.WithDescription("Add a journal entry, optionally with a scene to render as its preview."),
			mcp.WithString("title", mcp.Description("Entry title"), mcp.Required()),
			mcp.WithString("note", mcp.Description("Free-form note text")),
			mcp.WithString("scene", mcp.Description("Serialized scene descriptor understood by the render engine")),
		),
		mcpAddEntry(deps),
	)

	s.AddTool(
		mcp.NewTool("list_entries",
			mcp.WithDescription("List journal entries, newest first, with their preview status."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 10)")),
			mcp.WithNumber("offset", mcp.Description("Number of entries to skip")),
		),
		mcpListEntries(deps),
	)

	s.AddTool(
		mcp.NewTool("refresh_preview",
			mcp.WithDescription("Discard an entry's preview and render it again from its current scene."),
			mcp.WithString("id", mcp.Description("Entry id"), mcp.Required()),
		),
		mcpRefreshPreview(deps),
	)

	s.AddTool(
		mcp.NewTool("sweep_previews",
			mcp.WithDescription("Delete preview files that no longer belong to any entry."),
		),
		mcpSweepPreviews(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"diary://entries",
			"Recent Entries",
			mcp.WithResourceDescription("Last 10 journal entries (titles and preview status)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceEntries(deps),
	)

	return s
}

type entrySummary struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	CreatedAt     string         `json:"created_at"`
	Note          string         `json:"note,omitempty"`
	HasScene      bool           `json:"has_scene"`
	PreviewStatus preview.Status `json:"preview_status"`
}

func summarize(j *journal.Service, recs []storage.Record) []entrySummary {
	out := make([]entrySummary, len(recs))
	for i, rec := range recs {
		note := rec.Note
		if utf8.RuneCountInString(note) > 200 {
			runes := []rune(note)
			note = string(runes[:200]) + "..."
		}
		out[i] = entrySummary{
			ID:            rec.ID,
			Title:         rec.Title,
			CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
			Note:          note,
			HasScene:      rec.Scene.IsSet(),
			PreviewStatus: j.PreviewStatus(rec.ID),
		}
	}
	return out
}

func mcpAddEntry(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil || title == "" {
			return mcpError("title is required"), nil
		}

		rec, err := deps.Journal.Create(ctx, journal.NewEntry{
			Title: title,
			Note:  req.GetString("note", ""),
			Scene: scene.Of(req.GetString("scene", "")),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save: %v", err)), nil
		}

		if rec.Scene.IsSet() {
			return mcpText(fmt.Sprintf("Stored entry %s; preview queued", rec.ID)), nil
		}
		return mcpText(fmt.Sprintf("Stored entry %s", rec.ID)), nil
	}
}

func mcpListEntries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}
		offset := req.GetInt("offset", 0)
		if offset < 0 {
			offset = 0
		}

		recs, err := deps.Journal.List(ctx, limit, offset)
		if err != nil {
			return mcpError(fmt.Sprintf("list failed: %v", err)), nil
		}

		b, err := json.Marshal(summarize(deps.Journal, recs))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal entries: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRefreshPreview(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		err = deps.Journal.RefreshPreview(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return mcpError(fmt.Sprintf("entry %s not found", id)), nil
		case errors.Is(err, preview.ErrNoScene):
			return mcpError(fmt.Sprintf("entry %s has no scene", id)), nil
		case err != nil:
			return mcpError(fmt.Sprintf("refresh failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Refreshing preview for %s", id)), nil
	}
}

func mcpSweepPreviews(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n, err := deps.Journal.Sweep(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("sweep failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Reclaimed %d orphaned preview file(s)", n)), nil
	}
}

func mcpResourceEntries(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		recs, err := deps.Journal.List(ctx, 10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list entries: %w", err)
		}

		b, err := json.Marshal(summarize(deps.Journal, recs))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entries: %w", err)
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
