// Package mcpserver exposes the generation pipeline as MCP
// (Model Context Protocol) tools over a stdio transport, so agent
// runtimes can drive node generation without the HTTP surface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Lorewright/DialogForge/internal/models"
	"github.com/Lorewright/DialogForge/internal/services"
)

// Server wraps the MCP server with the node generation tools.
type Server struct {
	mcp        *server.MCPServer
	generation *services.GenerationService
	executor   *services.LLMService
	history    *services.HistoryService
}

// New creates an MCP server with all tools registered.
// history may be nil; node_history then reports an empty ledger.
func New(generation *services.GenerationService, executor *services.LLMService, history *services.HistoryService) *Server {
	s := &Server{
		generation: generation,
		executor:   executor,
		history:    history,
	}

	s.mcp = server.NewMCPServer(
		"DialogForge",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s.mcp.AddTool(mcp.NewTool("generate_node",
		mcp.WithDescription("Generate fresh text for a branching-dialog node. Runs the full pipeline: "+
			"prompt assembly from the structural context, inference, quality validation with bounded "+
			"regeneration, and a diversity check against sibling responses."),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Identifier of the target node")),
		mcp.WithString("node_type", mcp.Required(), mcp.Description("One of: npc_dialog, player_response, narration")),
		mcp.WithString("context_json", mcp.Description("Optional generation context as a JSON document: "+
			"current/previous/next/sibling_nodes, character_info, project_type, tags")),
	), s.generateNode)

	s.mcp.AddTool(mcp.NewTool("improve_node",
		mcp.WithDescription("Rewrite the existing text of a node while keeping its intent. "+
			"The current text is required; the rewrite goes through the same validation pipeline."),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Identifier of the target node")),
		mcp.WithString("node_type", mcp.Required(), mcp.Description("One of: npc_dialog, player_response, narration")),
		mcp.WithString("current_text", mcp.Required(), mcp.Description("The node text to improve")),
		mcp.WithString("context_json", mcp.Description("Optional generation context as a JSON document")),
	), s.improveNode)

	s.mcp.AddTool(mcp.NewTool("evaluate_node",
		mcp.WithDescription("Score existing node text for character voice and context coherence. "+
			"Runs locally without any inference call and returns the scores, issues and strengths as JSON."),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Identifier of the target node")),
		mcp.WithString("node_type", mcp.Required(), mcp.Description("One of: npc_dialog, player_response, narration")),
		mcp.WithString("text", mcp.Required(), mcp.Description("The node text to evaluate")),
		mcp.WithString("context_json", mcp.Description("Optional generation context as a JSON document")),
	), s.evaluateNode)

	s.mcp.AddTool(mcp.NewTool("node_history",
		mcp.WithDescription("List the generation ledger entries for a node, newest last. "+
			"Each entry records the outcome, generation kind, token usage and timing."),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Identifier of the node")),
	), s.nodeHistory)

	s.mcp.AddTool(mcp.NewTool("list_models",
		mcp.WithDescription("List the models available on the configured inference backend."),
	), s.listModels)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// parseContext decodes the optional context document and anchors it on nodeID.
func parseContext(nodeID, raw string) (*models.GenerateContext, error) {
	genCtx := &models.GenerateContext{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), genCtx); err != nil {
			return nil, fmt.Errorf("invalid context JSON: %w", err)
		}
	}
	if genCtx.Current.NodeID == "" {
		genCtx.Current.NodeID = nodeID
	}
	return genCtx, nil
}

func (s *Server) generateNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	nodeType, err := req.RequireString("node_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw := ""
	if v, err := req.RequireString("context_json"); err == nil {
		raw = v
	}

	genCtx, err := parseContext(nodeID, raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	text, err := s.generation.Generate(ctx, models.NodeType(nodeType), genCtx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) improveNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	nodeType, err := req.RequireString("node_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	currentText, err := req.RequireString("current_text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw := ""
	if v, err := req.RequireString("context_json"); err == nil {
		raw = v
	}

	genCtx, err := parseContext(nodeID, raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	text, err := s.generation.Improve(ctx, models.NodeType(nodeType), genCtx, currentText)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) evaluateNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	nodeType, err := req.RequireString("node_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw := ""
	if v, err := req.RequireString("context_json"); err == nil {
		raw = v
	}

	genCtx, err := parseContext(nodeID, raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.generation.EvaluateQuality(ctx, text, genCtx, models.NodeType(nodeType))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// ledgerEntry is the compact history view returned to agents.
// The full prompt stays out of the payload; it is too large to be useful here.
type ledgerEntry struct {
	ID              string `json:"id"`
	Timestamp       string `json:"timestamp"`
	Type            string `json:"type"`
	Success         bool   `json:"success"`
	Result          string `json:"result"`
	TokensUsed      int    `json:"tokens_used"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

func (s *Server) nodeHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var items []models.AIHistoryItem
	if s.history != nil {
		items = s.history.ByNode(nodeID)
	}
	if len(items) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("no history for node %s", nodeID)), nil
	}

	entries := make([]ledgerEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, ledgerEntry{
			ID:              item.ID,
			Timestamp:       item.Timestamp.Format(time.RFC3339),
			Type:            string(item.Type),
			Success:         item.Success,
			Result:          item.Result,
			TokensUsed:      item.Metadata.TokensUsed,
			ExecutionTimeMs: item.Metadata.ExecutionTime,
		})
	}

	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listModels(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos, err := s.executor.ListModels(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(infos) == 0 {
		return mcp.NewToolResultText("no models available"), nil
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return mcp.NewToolResultText(strings.Join(names, "\n")), nil
}
