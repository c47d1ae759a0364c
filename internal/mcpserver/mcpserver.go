// Package mcpserver implements the Model Context Protocol tool surface for
// memvid, per spec.md §6 (supplemental external interface).
//
// It exposes put/search/ask/timeline/doctor_plan as MCP tools over stdio,
// letting an MCP-speaking agent client use one memvid file directly as RAG
// memory. Unlike the teacher's internal/mcp (which sits beside an HTTP API
// server and is mounted over StreamableHTTP), memvid carries no HTTP
// server non-goal exception — so this package serves stdio only, via
// mcpserver.ServeStdio.
package mcpserver

import (
	"context"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	gomcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/memvid/internal/config"
	"github.com/ashita-ai/memvid/internal/engine"
	"github.com/ashita-ai/memvid/internal/service/embedding"
	"github.com/ashita-ai/memvid/internal/ticket"
)

const serverInstructions = `You have access to a memvid file: a single-file, self-describing memory
store for retrieval-augmented applications.

TOOLS:
- memvid_put: store a new memory (uri, text, optional search_text/title), then commit it
- memvid_search: lexical search over stored memories
- memvid_ask: search composed with semantic reranking and answer citations
- memvid_timeline: list recent memories in insertion order, newest first
- memvid_doctor_plan: probe the file for damage and report a dry-run repair plan

Call memvid_put to remember something; call memvid_search or memvid_ask to
recall it later. memvid_doctor_plan never modifies the file — it only
reports what repair would do.`

// Server wraps an open engine.Engine with memvid's MCP tool surface.
type Server struct {
	mcpServer *gomcpserver.MCPServer
	eng       *engine.Engine
	cfg       config.Config
	ticketMgr *ticket.Manager
	embedder  embedding.Provider
	rrfK      int
	logger    *slog.Logger
}

// New creates and configures an MCP server backed by eng. cfg and
// ticketMgr are also needed by the doctor_plan tool, which probes the
// file on disk independently of eng's own open handle.
func New(eng *engine.Engine, cfg config.Config, ticketMgr *ticket.Manager, embedder embedding.Provider, rrfK int, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if rrfK <= 0 {
		rrfK = 60
	}
	s := &Server{eng: eng, cfg: cfg, ticketMgr: ticketMgr, embedder: embedder, rrfK: rrfK, logger: logger}

	s.mcpServer = gomcpserver.NewMCPServer(
		"memvid",
		version,
		gomcpserver.WithToolCapabilities(true),
		gomcpserver.WithInstructions(serverInstructions),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server, e.g. for tests that want
// to drive tool calls directly without a transport.
func (s *Server) MCPServer() *gomcpserver.MCPServer {
	return s.mcpServer
}

// Serve runs the server over stdio until stdin closes.
func (s *Server) Serve(_ context.Context) error {
	return gomcpserver.ServeStdio(s.mcpServer)
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}
