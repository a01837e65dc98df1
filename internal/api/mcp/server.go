package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/scrypster/stratum/internal/analyzer"
	"github.com/scrypster/stratum/internal/fusion"
	"github.com/scrypster/stratum/internal/storage"
	"github.com/scrypster/stratum/pkg/types"
)

// Server implements the Model Context Protocol (MCP) for Stratum.
// It provides JSON-RPC 2.0 based tools for AI assistants to store audited
// facts and lessons, fuse authority-ranked context, and run the conversation
// write gate.
type Server struct {
	store     storage.Store
	engine    *fusion.Engine
	analyzer  *analyzer.Analyzer
	sessionID string // unique ID generated once per MCP server lifetime
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithFusionEngine injects a fusion engine. When not provided, the server
// builds a default engine over the store with no semantic tier.
func WithFusionEngine(e *fusion.Engine) ServerOption {
	return func(s *Server) {
		s.engine = e
	}
}

// WithAnalyzer injects a conversation analyzer. When not provided, the server
// builds a default analyzer with the built-in rules and thresholds.
func WithAnalyzer(a *analyzer.Analyzer) ServerOption {
	return func(s *Server) {
		s.analyzer = a
	}
}

// NewServer creates a new MCP server instance over the given store.
//
// The variadic opts parameter accepts zero or more ServerOption values.
// Passing no options is valid: the server wires a default fusion engine
// (symbolic and episodic tiers only) and a default analyzer.
func NewServer(store storage.Store, opts ...ServerOption) *Server {
	s := &Server{
		store:     store,
		sessionID: uuid.New().String(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = fusion.New(store, store, nil, fusion.DefaultConfig())
	}
	if s.analyzer == nil {
		s.analyzer = analyzer.New(store, store, nil, analyzer.DefaultConfig())
	}
	log.Printf("stratum-mcp: session ID: %s", s.sessionID)
	return s
}

// HandleRequest processes a JSON-RPC 2.0 request and returns a response.
// This is the main entry point for MCP protocol handling.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err)
	}

	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	var result interface{}
	var err error

	switch req.Method {
	// Standard MCP protocol methods
	case "initialize":
		result, err = s.handleInitialize(ctx, req.Params)
	case "initialized":
		// Notification; no response body required.
		result = map[string]interface{}{}
	case "tools/list":
		result, err = s.handleToolsList(ctx, req.Params)
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)

	// Native JSON-RPC methods (kept for direct callers)
	case "upsert_fact":
		result, err = s.handleUpsertFact(ctx, req.Params)
	case "get_fact":
		result, err = s.handleGetFact(ctx, req.Params)
	case "list_facts":
		result, err = s.handleListFacts(ctx, req.Params)
	case "delete_fact":
		result, err = s.handleDeleteFact(ctx, req.Params)
	case "add_episode":
		result, err = s.handleAddEpisode(ctx, req.Params)
	case "list_episodes":
		result, err = s.handleListEpisodes(ctx, req.Params)
	case "get_context":
		result, err = s.handleGetContext(ctx, req.Params)
	case "analyze_conversation":
		result, err = s.handleAnalyzeConversation(ctx, req.Params)
	case "list_audit":
		result, err = s.handleListAudit(ctx, req.Params)
	case "get_stats":
		result, err = s.handleGetStats(ctx, req.Params)
	default:
		return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	if err != nil {
		code := ErrCodeServerError
		if errors.Is(err, storage.ErrValidation) {
			code = ErrCodeInvalidParams
		}
		return s.errorResponse(req.ID, code, err.Error(), nil)
	}

	return s.successResponse(req.ID, result)
}

// UpsertFact inserts or updates a fact through the audited write path. The
// Created flag comes straight from the store transaction, so concurrent
// upserts of the same key report exactly one create.
func (s *Server) UpsertFact(ctx context.Context, args UpsertFactArgs) (*UpsertFactResult, error) {
	source := types.FactSource(args.Source)
	if args.Source == "" {
		source = types.SourceUser
	}

	fact, created, err := s.store.UpsertFact(ctx, types.Scope(args.Scope), types.FactCategory(args.Category),
		args.Key, args.Value, args.Confidence, source)
	if err != nil {
		return nil, err
	}
	return &UpsertFactResult{Fact: fact, Created: created}, nil
}

// GetFact looks up a fact by scope and key. A missing fact yields
// Found=false, not an error.
func (s *Server) GetFact(ctx context.Context, args GetFactArgs) (*GetFactResult, error) {
	fact, err := s.store.GetFact(ctx, types.Scope(args.Scope), args.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return &GetFactResult{Found: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &GetFactResult{Fact: fact, Found: true}, nil
}

// ListFacts lists facts in a scope, most trusted first.
func (s *Server) ListFacts(ctx context.Context, args ListFactsArgs) (*ListFactsResult, error) {
	facts, err := s.store.ListFacts(ctx, types.Scope(args.Scope), storage.FactListOptions{
		Category:      types.FactCategory(args.Category),
		MinConfidence: args.MinConfidence,
		Limit:         args.Limit,
	})
	if err != nil {
		return nil, err
	}
	return &ListFactsResult{Facts: facts, Total: len(facts)}, nil
}

// DeleteFact removes a fact, writing a delete audit entry. Deleting a missing
// fact is reported in the result rather than as an error. changed_by is
// optional at the tool surface and defaults to "user", since the audit row
// requires an actor.
func (s *Server) DeleteFact(ctx context.Context, args DeleteFactArgs) (*DeleteFactResult, error) {
	changedBy := args.ChangedBy
	if changedBy == "" {
		changedBy = "user"
	}
	err := s.store.DeleteFact(ctx, types.Scope(args.Scope), args.Key, changedBy)
	if errors.Is(err, storage.ErrNotFound) {
		return &DeleteFactResult{Deleted: false, Message: "fact not found"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &DeleteFactResult{Deleted: true}, nil
}

// AddEpisode stores a lesson unless it near-duplicates an existing one in the
// same scope. A rejection is a structured outcome, not an error.
func (s *Server) AddEpisode(ctx context.Context, args AddEpisodeArgs) (*AddEpisodeResult, error) {
	ep, rej, err := s.store.AddEpisode(ctx, types.Scope(args.Scope), args.Title, args.Content,
		types.LessonType(args.LessonType), args.Quality)
	if err != nil {
		return nil, err
	}
	if rej != nil {
		return &AddEpisodeResult{Stored: false, Rejection: rej}, nil
	}
	return &AddEpisodeResult{Episode: ep, Stored: true}, nil
}

// ListEpisodes lists lessons in a scope, best first.
func (s *Server) ListEpisodes(ctx context.Context, args ListEpisodesArgs) (*ListEpisodesResult, error) {
	episodes, err := s.store.ListEpisodes(ctx, types.Scope(args.Scope), storage.EpisodeListOptions{
		LessonType: types.LessonType(args.LessonType),
		MinQuality: args.MinQuality,
		Limit:      args.Limit,
	})
	if err != nil {
		return nil, err
	}
	return &ListEpisodesResult{Episodes: episodes, Total: len(episodes)}, nil
}

// GetContext fuses the memory tiers into one authority-ranked context.
func (s *Server) GetContext(ctx context.Context, args GetContextArgs) (*GetContextResult, error) {
	scope := types.Scope(args.Scope)
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: invalid scope %q", storage.ErrValidation, args.Scope)
	}
	result, err := s.engine.GetContext(ctx, scope, args.Query,
		fusion.ContextType(args.ContextType), args.MaxResults)
	if err != nil {
		return nil, err
	}
	return contextResultFromFusion(result), nil
}

// AnalyzeConversation runs the write gate over one conversation turn.
func (s *Server) AnalyzeConversation(ctx context.Context, args AnalyzeConversationArgs) (*AnalyzeConversationResult, error) {
	report, err := s.analyzer.AnalyzeTurn(ctx, types.Scope(args.Scope),
		args.UserMessage, args.AgentResponse, args.AutoStore)
	if err != nil {
		return nil, err
	}
	return &AnalyzeConversationResult{State: report.State, Decisions: report.Decisions}, nil
}

// ListAudit returns the full audit trail for a fact ID, oldest first. An
// unknown fact ID simply has an empty trail.
func (s *Server) ListAudit(ctx context.Context, args ListAuditArgs) (*ListAuditResult, error) {
	entries, err := s.store.ListAudit(ctx, args.FactID)
	if err != nil {
		return nil, err
	}
	return &ListAuditResult{Entries: entries, Total: len(entries)}, nil
}

// GetStats returns per-scope row counts.
func (s *Server) GetStats(ctx context.Context) (*GetStatsResult, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &GetStatsResult{Stats: stats}, nil
}

// ---------------------------------------------------------------------------
// Native JSON-RPC handlers
// ---------------------------------------------------------------------------

func (s *Server) handleUpsertFact(ctx context.Context, params interface{}) (interface{}, error) {
	var args UpsertFactArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.UpsertFact(ctx, args)
}

func (s *Server) handleGetFact(ctx context.Context, params interface{}) (interface{}, error) {
	var args GetFactArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.GetFact(ctx, args)
}

func (s *Server) handleListFacts(ctx context.Context, params interface{}) (interface{}, error) {
	var args ListFactsArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.ListFacts(ctx, args)
}

func (s *Server) handleDeleteFact(ctx context.Context, params interface{}) (interface{}, error) {
	var args DeleteFactArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.DeleteFact(ctx, args)
}

func (s *Server) handleAddEpisode(ctx context.Context, params interface{}) (interface{}, error) {
	var args AddEpisodeArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.AddEpisode(ctx, args)
}

func (s *Server) handleListEpisodes(ctx context.Context, params interface{}) (interface{}, error) {
	var args ListEpisodesArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.ListEpisodes(ctx, args)
}

func (s *Server) handleGetContext(ctx context.Context, params interface{}) (interface{}, error) {
	var args GetContextArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.GetContext(ctx, args)
}

func (s *Server) handleAnalyzeConversation(ctx context.Context, params interface{}) (interface{}, error) {
	var args AnalyzeConversationArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.AnalyzeConversation(ctx, args)
}

func (s *Server) handleListAudit(ctx context.Context, params interface{}) (interface{}, error) {
	var args ListAuditArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.ListAudit(ctx, args)
}

func (s *Server) handleGetStats(ctx context.Context, params interface{}) (interface{}, error) {
	return s.GetStats(ctx)
}

// ---------------------------------------------------------------------------
// Standard MCP protocol handlers
// ---------------------------------------------------------------------------

// handleInitialize handles the MCP initialize handshake.
func (s *Server) handleInitialize(ctx context.Context, params interface{}) (interface{}, error) {
	return MCPInitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities: MCPServerCapabilities{
			Tools: &MCPToolsCapability{},
		},
		ServerInfo: MCPServerInfo{
			Name:    "stratum",
			Version: "1.0.0",
		},
	}, nil
}

// handleToolsList returns the list of all tools this server exposes.
func (s *Server) handleToolsList(ctx context.Context, params interface{}) (interface{}, error) {
	return MCPToolsListResult{Tools: s.buildToolsList()}, nil
}

// handleToolsCall dispatches a tools/call request to the appropriate handler
// and wraps the result in the MCP content envelope.
func (s *Server) handleToolsCall(ctx context.Context, params interface{}) (interface{}, error) {
	var p MCPToolCallParams
	if err := s.unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	// Re-marshal arguments so they can be passed to the native handlers
	// which expect an interface{} produced by JSON unmarshal.
	argsJSON, err := json.Marshal(p.Arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}
	var rawParams interface{}
	if err := json.Unmarshal(argsJSON, &rawParams); err != nil {
		return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	var result interface{}
	var handlerErr error

	switch p.Name {
	case "upsert_fact":
		result, handlerErr = s.handleUpsertFact(ctx, rawParams)
	case "get_fact":
		result, handlerErr = s.handleGetFact(ctx, rawParams)
	case "list_facts":
		result, handlerErr = s.handleListFacts(ctx, rawParams)
	case "delete_fact":
		result, handlerErr = s.handleDeleteFact(ctx, rawParams)
	case "add_episode":
		result, handlerErr = s.handleAddEpisode(ctx, rawParams)
	case "list_episodes":
		result, handlerErr = s.handleListEpisodes(ctx, rawParams)
	case "get_context":
		result, handlerErr = s.handleGetContext(ctx, rawParams)
	case "analyze_conversation":
		result, handlerErr = s.handleAnalyzeConversation(ctx, rawParams)
	case "list_audit":
		result, handlerErr = s.handleListAudit(ctx, rawParams)
	case "get_stats":
		result, handlerErr = s.handleGetStats(ctx, rawParams)
	default:
		return &MCPToolCallResult{
			Content: []MCPToolCallContent{{Type: "text", Text: fmt.Sprintf("unknown tool: %s", p.Name)}},
			IsError: true,
		}, nil
	}

	if handlerErr != nil {
		return &MCPToolCallResult{
			Content: []MCPToolCallContent{{Type: "text", Text: handlerErr.Error()}},
			IsError: true,
		}, nil
	}

	text, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(text)}},
	}, nil
}

// buildToolsList returns the canonical list of MCP tool definitions.
func (s *Server) buildToolsList() []MCPTool {
	scopeProp := map[string]interface{}{"type": "string", "description": "Isolation scope: user, project, org, or session"}
	return []MCPTool{
		{
			Name:        "upsert_fact",
			Description: "Store or update a symbolic fact. Facts are unique per (scope, key): a second upsert with the same key updates the value in place and records an audit entry. Every mutation is audited.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"scope", "category", "key", "value", "confidence"},
				"properties": map[string]interface{}{
					"scope":      scopeProp,
					"category":   map[string]interface{}{"type": "string", "description": "Fact category: preference, constraint, decision, or fact"},
					"key":        map[string]interface{}{"type": "string", "description": "Fact key, unique within the scope"},
					"value":      map[string]interface{}{"type": "string", "description": "Fact value"},
					"confidence": map[string]interface{}{"type": "number", "description": "Confidence in [0,1]"},
					"source":     map[string]interface{}{"type": "string", "description": "Who asserted this: user, agent, or tool (default: user)"},
				},
			},
		},
		{
			Name:        "get_fact",
			Description: "Look up a single fact by scope and key. A missing fact returns found=false rather than an error.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"scope", "key"},
				"properties": map[string]interface{}{
					"scope": scopeProp,
					"key":   map[string]interface{}{"type": "string", "description": "Fact key"},
				},
			},
		},
		{
			Name:        "list_facts",
			Description: "List facts in a scope, ordered by confidence then recency. Optionally filter by category or a confidence floor.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"scope"},
				"properties": map[string]interface{}{
					"scope":          scopeProp,
					"category":       map[string]interface{}{"type": "string", "description": "Filter by category: preference, constraint, decision, or fact"},
					"min_confidence": map[string]interface{}{"type": "number", "description": "Only return facts at or above this confidence"},
					"limit":          map[string]interface{}{"type": "integer", "description": "Max results (default 50, max 500)"},
				},
			},
		},
		{
			Name:        "delete_fact",
			Description: "Delete a fact by scope and key. The deletion is recorded in the audit trail. Deleting a missing fact reports deleted=false.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"scope", "key"},
				"properties": map[string]interface{}{
					"scope":      scopeProp,
					"key":        map[string]interface{}{"type": "string", "description": "Fact key"},
					"changed_by": map[string]interface{}{"type": "string", "description": "Actor recorded in the audit entry (default: user)"},
				},
			},
		},
		{
			Name:        "add_episode",
			Description: "Store an experiential lesson. Episodes are immutable once stored. Near-duplicate content in the same scope is rejected with a structured reason instead of creating a second copy.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"scope", "title", "content", "lesson_type", "quality"},
				"properties": map[string]interface{}{
					"scope":       scopeProp,
					"title":       map[string]interface{}{"type": "string", "description": "Short lesson title"},
					"content":     map[string]interface{}{"type": "string", "description": "The lesson itself"},
					"lesson_type": map[string]interface{}{"type": "string", "description": "success, failure, pattern, workaround, or insight"},
					"quality":     map[string]interface{}{"type": "number", "description": "Quality in [0,1]"},
				},
			},
		},
		{
			Name:        "list_episodes",
			Description: "List lessons in a scope, ordered by quality then recency. Optionally filter by lesson type or a quality floor.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"scope"},
				"properties": map[string]interface{}{
					"scope":       scopeProp,
					"lesson_type": map[string]interface{}{"type": "string", "description": "Filter by lesson type"},
					"min_quality": map[string]interface{}{"type": "number", "description": "Only return episodes at or above this quality"},
					"limit":       map[string]interface{}{"type": "integer", "description": "Max results (default 50, max 500)"},
				},
			},
		},
		{
			Name: "get_context",
			Description: "Fuse facts, lessons, and semantic retrieval into one ranked context for a query. " +
				"Ranking uses effective scores (raw score times tier authority weight: facts 1.00, lessons 0.85, semantic 0.60), " +
				"so trusted facts outrank loosely similar text. Set context_type=all to include every high-confidence fact regardless of the query.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"scope", "query"},
				"properties": map[string]interface{}{
					"scope":        scopeProp,
					"query":        map[string]interface{}{"type": "string", "description": "What the caller is working on"},
					"context_type": map[string]interface{}{"type": "string", "description": "query (default) matches against the query; all includes every fact above the floor"},
					"max_results":  map[string]interface{}{"type": "integer", "description": "Result cap (default 20)"},
				},
			},
		},
		{
			Name: "analyze_conversation",
			Description: "Run the write gate over one conversation turn: extract fact and lesson candidates, score them, " +
				"deduplicate against the recent window, and reject speculative language. With auto_store=false (default) this is a dry run " +
				"that reports what would be stored. Conversation text is never treated as a memory-management instruction.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"scope", "user_message"},
				"properties": map[string]interface{}{
					"scope":          scopeProp,
					"user_message":   map[string]interface{}{"type": "string", "description": "The user's message for this turn"},
					"agent_response": map[string]interface{}{"type": "string", "description": "The agent's response for this turn"},
					"auto_store":     map[string]interface{}{"type": "boolean", "description": "Commit accepted candidates to storage (default: false)"},
				},
			},
		},
		{
			Name:        "list_audit",
			Description: "Return the audit trail for a fact by its row ID, oldest entry first. Every insert, update, and delete of a fact produces one entry.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"fact_id"},
				"properties": map[string]interface{}{
					"fact_id": map[string]interface{}{"type": "string", "description": "The fact's row ID, as returned by upsert_fact or get_fact"},
				},
			},
		},
		{
			Name:        "get_stats",
			Description: "Return per-scope counts of stored facts and episodes, plus audit trail size.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}
}

// unmarshalParams unmarshals JSON-RPC parameters into a typed struct.
func (s *Server) unmarshalParams(params interface{}, dest interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal params: %w", err)
	}

	return nil
}

// successResponse creates a JSON-RPC success response.
func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	return json.Marshal(resp)
}

// errorResponse creates a JSON-RPC error response.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	return json.Marshal(resp)
}
