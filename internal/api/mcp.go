package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tenderai/tenderd/internal/cascade"
	"github.com/tenderai/tenderd/internal/index"
	"github.com/tenderai/tenderd/internal/pipeline"
	"github.com/tenderai/tenderd/internal/retrieval"
	"github.com/tenderai/tenderd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service Service
	Version string
	// SearchLimit is the result count when search_past_proposals omits limit.
	SearchLimit int
}

// NewMCPServer creates an MCP server with the proposal indexing and
// retrieval tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"tenderd",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("tenderd indexes past tender proposals and retrieves them as grounding context. "+
			"Call parse_proposal_folder, extract the metadata, then save_proposal_index. "+
			"Use search_past_proposals or get_proposal_context when drafting."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("parse_proposal_folder",
			mcp.WithDescription("Read every supported file in a past proposal folder and return the combined text for analysis. "+
				"Analyze the content, then call save_proposal_index with the extracted metadata."),
			mcp.WithString("folder_name", mcp.Description("Folder name inside the proposal library"), mcp.Required()),
		),
		mcpParseFolder(deps),
	)

	s.AddTool(
		mcp.NewTool("save_proposal_index",
			mcp.WithDescription("Save structured proposal metadata into the search index and write the folder's _summary.md."),
			mcp.WithString("folder_name", mcp.Description("Folder name inside the proposal library; the unique key"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Full tender or project title"), mcp.Required()),
			mcp.WithString("client", mcp.Description("Issuing organization")),
			mcp.WithString("sector", mcp.Description("telecom, it, infrastructure, security, energy or general")),
			mcp.WithString("country", mcp.Description("Two-letter country code")),
			mcp.WithString("tender_number", mcp.Description("Tender reference number")),
			mcp.WithString("technical_summary", mcp.Description("Scope and technical approach")),
			mcp.WithString("pricing_summary", mcp.Description("Pricing structure")),
			mcp.WithNumber("total_price", mcp.Description("Total offered price")),
			mcp.WithString("margin_info", mcp.Description("Margin notes")),
			mcp.WithArray("technologies", mcp.Description("Technologies and vendors"), mcp.WithStringItems()),
			mcp.WithArray("keywords", mcp.Description("Search keywords"), mcp.WithStringItems()),
			mcp.WithString("full_summary", mcp.Description("Free-form summary of the proposal")),
		),
		mcpSaveProposal(deps),
	)

	s.AddTool(
		mcp.NewTool("search_past_proposals",
			mcp.WithDescription("Search indexed past proposals. Modes: auto (hybrid when embeddings are available), keyword, semantic, hybrid."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("sector", mcp.Description("Optional sector filter")),
			mcp.WithNumber("limit", mcp.Description(fmt.Sprintf("Maximum number of results (default %d, max %d)", searchLimit(deps.SearchLimit), maxSearchLimit))),
			mcp.WithString("mode", mcp.Description("auto, keyword, semantic or hybrid"),
				mcp.Enum("auto", "keyword", "semantic", "hybrid")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("list_indexed_proposals",
			mcp.WithDescription("List indexed past proposals with totals by sector, country and value."),
			mcp.WithNumber("offset", mcp.Description("Number of proposals to skip")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of proposals (default 100)")),
		),
		mcpList(deps),
	)

	s.AddTool(
		mcp.NewTool("get_proposal_context",
			mcp.WithDescription("Return the best available past-proposal references for a drafting topic, "+
				"falling back from search to summaries to a plain folder listing."),
			mcp.WithString("query", mcp.Description("Topic or section being drafted"), mcp.Required()),
		),
		mcpContext(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_proposal_index",
			mcp.WithDescription("Remove a proposal from the search index. Files on disk are kept."),
			mcp.WithString("folder_name", mcp.Description("Folder name of the indexed proposal"), mcp.Required()),
		),
		mcpDelete(deps),
	)

	return s
}

// NewMCPHTTPHandler serves s over the streamable HTTP transport.
func NewMCPHTTPHandler(s *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(s)
}

func mcpParseFolder(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("folder_name")
		if err != nil {
			return mcpError("folder_name is required"), nil
		}

		content, err := deps.Service.PrepareFolder(ctx, name)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read folder: %v", err)), nil
		}
		if content.FileCount == 0 {
			return mcpError(fmt.Sprintf("no parseable files found in %s", name)), nil
		}
		return mcpJSON(content)
	}
}

func mcpSaveProposal(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("folder_name")
		if err != nil {
			return mcpError("folder_name is required"), nil
		}
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}

		rec := storage.ProposalRecord{
			NaturalKey:       name,
			Title:            title,
			Client:           req.GetString("client", ""),
			Sector:           req.GetString("sector", ""),
			Country:          req.GetString("country", ""),
			TenderNumber:     req.GetString("tender_number", ""),
			TechnicalSummary: req.GetString("technical_summary", ""),
			PricingSummary:   req.GetString("pricing_summary", ""),
			TotalPrice:       req.GetFloat("total_price", 0),
			MarginInfo:       req.GetString("margin_info", ""),
			Technologies:     req.GetStringSlice("technologies", nil),
			Keywords:         req.GetStringSlice("keywords", nil),
			FullSummary:      req.GetString("full_summary", ""),
		}

		id, err := deps.Service.SaveProposal(ctx, rec)
		if errors.Is(err, index.ErrInvalidRecord) {
			return mcpError(err.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save proposal: %v", err)), nil
		}

		return mcpJSON(map[string]any{
			"id":          id,
			"folder_name": name,
			"status":      "indexed",
		})
	}
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := min(req.GetInt("limit", searchLimit(deps.SearchLimit)), maxSearchLimit)
		mode, err := retrieval.ParseMode(req.GetString("mode", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		sector := req.GetString("sector", "")

		results, err := deps.Service.SearchWithOptions(ctx, retrieval.Query{
			Text:      query,
			Limit:     limit,
			UseVector: true,
			Mode:      mode,
			Sector:    sector,
		})
		var ve *retrieval.ValidationError
		if errors.As(err, &ve) {
			return mcpError(err.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		vectorOK := deps.Service.VectorEnabled()
		return mcpJSON(searchResponse{
			Query:           query,
			SectorFilter:    sector,
			SearchMode:      effectiveMode(mode, true, vectorOK),
			VectorAvailable: vectorOK,
			ResultCount:     len(results),
			Matches:         results,
		})
	}
}

type listResponse struct {
	pipeline.Stats
	Proposals []storage.ProposalRecord `json:"proposals"`
}

func mcpList(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		offset := req.GetInt("offset", 0)
		limit := req.GetInt("limit", maxListLimit)
		if offset < 0 {
			offset = 0
		}
		if limit <= 0 {
			limit = maxListLimit
		}

		st, err := deps.Service.Stats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to compute stats: %v", err)), nil
		}
		recs, err := deps.Service.ListIndexed(ctx, offset, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list proposals: %v", err)), nil
		}
		if recs == nil {
			recs = []storage.ProposalRecord{}
		}
		return mcpJSON(listResponse{Stats: st, Proposals: recs})
	}
}

func mcpContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		res, err := deps.Service.GetContext(ctx, query)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if res.Tier == cascade.TierNone {
			return mcpText("No past proposal references found."), nil
		}
		return mcpJSON(res)
	}
}

func mcpDelete(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("folder_name")
		if err != nil {
			return mcpError("folder_name is required"), nil
		}

		err = deps.Service.Delete(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("proposal %q is not indexed", name)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to delete: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Removed %s from the index", name)), nil
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
