package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/memvid/internal/ask"
	"github.com/ashita-ai/memvid/internal/doctor"
	"github.com/ashita-ai/memvid/internal/engine"
	"github.com/ashita-ai/memvid/internal/frame"
	"github.com/ashita-ai/memvid/internal/query"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("memvid_put",
			mcplib.WithDescription(`Store a new memory in the open memvid file and commit it immediately.

WHEN TO USE: whenever there is something worth recalling later — a fact,
a decision, a document chunk, a correction. Call this instead of trying
to hold context in your own head across turns.

WHAT YOU GET BACK: the assigned frame_id, usable later as a citation
target or an Update's supersedes argument.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("uri",
				mcplib.Description("Stable identifier for this memory, e.g. \"mv2://note/1\". Required."),
				mcplib.Required(),
			),
			mcplib.WithString("text",
				mcplib.Description("The memory's text content; stored verbatim as payload and used as search text unless search_text is given separately."),
				mcplib.Required(),
			),
			mcplib.WithString("search_text",
				mcplib.Description("Optional separate text to index for search, if it should differ from the stored payload."),
			),
			mcplib.WithString("title",
				mcplib.Description("Optional human-readable title."),
			),
		),
		s.handlePut,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("memvid_search",
			mcplib.WithDescription(`Search stored memories by lexical query.

WHEN TO USE: to recall something by keyword. Returns ranked hits with
snippets; each hit's frame_id can be used with memvid_ask for citations.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("The search query text."),
				mcplib.Required(),
			),
			mcplib.WithNumber("top_k",
				mcplib.Description("Maximum number of hits to return."),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleSearch,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("memvid_ask",
			mcplib.WithDescription(`Ask a question against stored memories: a search composed with answer
citations and context fragments ready to feed an LLM prompt.

WHEN TO USE: when the caller wants a synthesizable answer with sources,
not just a ranked hit list.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("The question to ask."),
				mcplib.Required(),
			),
			mcplib.WithNumber("top_k",
				mcplib.Description("Maximum number of cited hits to return."),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleAsk,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("memvid_timeline",
			mcplib.WithDescription(`List recent memories, newest first, with no query filter.

WHEN TO USE: to see what has been stored recently, or to sample the
memory's contents without a specific question in mind.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of entries to return."),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleTimeline,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("memvid_doctor_plan",
			mcplib.WithDescription(`Probe the memvid file on disk for damage and report a dry-run repair
plan. Never modifies the file.

WHEN TO USE: before calling any repair tool, or when a caller reports the
file failing to open. Only takes a brief shared lock, so it is safe to
call while other readers are active; it may briefly block (and time out)
if the same process also holds this file open for writing.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleDoctorPlan,
	)
}

func (s *Server) handlePut(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	uri := request.GetString("uri", "")
	if uri == "" {
		return errorResult("uri is required"), nil
	}
	text := request.GetString("text", "")
	if text == "" {
		return errorResult("text is required"), nil
	}
	searchText := request.GetString("search_text", text)
	title := request.GetString("title", "")

	in := engine.PutInput{
		URI:        uri,
		Title:      title,
		Payload:    []byte(text),
		Role:       frame.RoleMemory,
		SearchText: searchText,
	}
	seq, err := s.eng.Put(ctx, in)
	if err != nil {
		return errorResult(fmt.Sprintf("put failed: %v", err)), nil
	}
	result, err := s.eng.Commit(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("commit failed: %v", err)), nil
	}
	frameID := result.FrameIDs[seq]
	return textResult(fmt.Sprintf(`{"frame_id": %d}`, frameID)), nil
}

func (s *Server) handleSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	q := request.GetString("query", "")
	if q == "" {
		return errorResult("query is required"), nil
	}
	topK := request.GetInt("top_k", 10)

	resp, err := query.Search(ctx, s.eng.Snapshot(), query.Request{Query: q, TopK: topK}, s.rrfK)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleAsk(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	q := request.GetString("query", "")
	if q == "" {
		return errorResult("query is required"), nil
	}
	topK := request.GetInt("top_k", 10)

	resp, err := ask.Ask(ctx, s.eng.Snapshot(), ask.Request{Query: q, Mode: ask.ModeHybrid, TopK: topK}, s.embedder, s.rrfK)
	if err != nil {
		return errorResult(fmt.Sprintf("ask failed: %v", err)), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleTimeline(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 10)

	type entry struct {
		FrameID   uint64 `json:"frame_id"`
		URI       string `json:"uri,omitempty"`
		Title     string `json:"title,omitempty"`
		Timestamp int64  `json:"timestamp"`
	}
	frames := s.eng.Snapshot().Frames
	entries := make([]entry, 0, limit)
	for i := len(frames) - 1; i >= 0 && len(entries) < limit; i-- {
		if f := &frames[i]; f.IsActive() {
			entries = append(entries, entry{FrameID: f.ID, URI: f.URI, Title: f.Title, Timestamp: f.Timestamp})
		}
	}
	return jsonResult(entries)
}

func (s *Server) handleDoctorPlan(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	plan := doctor.Plan(ctx, s.eng.Path(), s.cfg)
	if plan.Err != nil {
		return errorResult(fmt.Sprintf("plan failed: %v", plan.Err)), nil
	}
	return jsonResult(plan)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err)), nil
	}
	return textResult(string(data)), nil
}
