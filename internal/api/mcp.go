package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/posture/internal/digest"
	"github.com/kalambet/posture/internal/orchestrator"
	"github.com/kalambet/posture/internal/tools"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Registry *tools.Registry
	Runner   Runner
	Store    InteractionStore // optional; nil drops the recent-interactions resource
	Version  string
}

// NewMCPServer exposes every retrieval tool plus an "ask" tool that runs the
// full pipeline.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"posture",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("posture: answers questions about an organization's security posture (assets, findings, compliance frameworks, risks)."),
		server.WithRecovery(),
	)

	for _, d := range deps.Registry.Descriptors() {
		s.AddTool(mcpToolFor(d), mcpRetrieval(deps, d.Name))
	}

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a natural-language question about an organization's security posture and get an analyzed answer."),
			mcp.WithString("query", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("organization_id", mcp.Description("The organization ID")),
			mcp.WithString("toolname", mcp.Description("Optional retrieval tool to force on the first step")),
		),
		mcpAsk(deps),
	)

	if deps.Store != nil {
		s.AddResource(
			mcp.NewResource(
				"posture://interactions/recent",
				"Recent Interactions",
				mcp.WithResourceDescription("Last 10 answered queries"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecent(deps),
		)
	}

	return s
}

// mcpToolFor mirrors a tool descriptor. organization_id is required over MCP
// since there is no request context to supply it.
func mcpToolFor(d tools.Descriptor) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(d.Description)}

	names := make([]string, 0, len(d.Schema.Properties))
	for name := range d.Schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop := d.Schema.Properties[name]
		popts := []mcp.PropertyOption{mcp.Description(prop.Description)}
		if name == "organization_id" || contains(d.Schema.Required, name) {
			popts = append(popts, mcp.Required())
		}
		switch prop.Type {
		case tools.TypeNumber:
			opts = append(opts, mcp.WithNumber(name, popts...))
		case tools.TypeBoolean:
			opts = append(opts, mcp.WithBoolean(name, popts...))
		default:
			opts = append(opts, mcp.WithString(name, popts...))
		}
	}
	return mcp.NewTool(d.Name, opts...)
}

// mcpRetrieval runs one retrieval tool and returns the digest of its rows.
func mcpRetrieval(deps MCPDeps, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tool, ok := deps.Registry.Lookup(name)
		if !ok {
			return mcpError(fmt.Sprintf("unknown tool %q", name)), nil
		}

		raw, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcpError("arguments could not be encoded"), nil
		}
		args, err := tools.ValidateArguments(tool.Descriptor().Schema, raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		org, _ := args["organization_id"].(string)

		res := tool.Execute(ctx, org, args)
		if !res.OK() {
			return mcpError(fmt.Sprintf("%s: %s", res.Failure.Kind, res.Failure.Message)), nil
		}

		ret, ok := res.Payload.(tools.Retrieval)
		if !ok {
			return mcpText(res.Content()), nil
		}
		b, err := json.Marshal(digest.Summarize(ret.Records, ret.Filter))
		if err != nil {
			return mcpError("failed to encode digest"), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		ans, err := deps.Runner.Run(ctx, orchestrator.Query{
			Text:           query,
			OrganizationID: req.GetString("organization_id", ""),
			ToolName:       req.GetString("toolname", ""),
		}, nil)
		if err != nil {
			_, body := AssembleError(err)
			return mcpError(body.Message), nil
		}
		return mcpText(ans.Text), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		interactions, err := deps.Store.ListInteractions(ctx, 10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent interactions: %w", err)
		}

		type interactionSummary struct {
			ID             string `json:"id"`
			CreatedAt      string `json:"created_at"`
			OrganizationID string `json:"organization_id,omitempty"`
			Query          string `json:"query"`
			Status         string `json:"status"`
		}

		summaries := make([]interactionSummary, len(interactions))
		for i, ix := range interactions {
			query := ix.UserQuery
			if utf8.RuneCountInString(query) > 200 {
				runes := []rune(query)
				query = string(runes[:200]) + "..."
			}
			summaries[i] = interactionSummary{
				ID:             ix.ID,
				CreatedAt:      ix.CreatedAt.Format(time.RFC3339),
				OrganizationID: ix.OrganizationID,
				Query:          query,
				Status:         ix.Status,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal interactions: %w", err)
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

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
