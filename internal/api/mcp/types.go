// Package mcp implements the Model Context Protocol (MCP) server for Stratum.
// It provides JSON-RPC 2.0 based tools for storing facts and lessons,
// fusing ranked context, and analyzing conversation turns.
package mcp

import (
	"github.com/scrypster/stratum/internal/analyzer"
	"github.com/scrypster/stratum/internal/fusion"
	"github.com/scrypster/stratum/internal/storage"
	"github.com/scrypster/stratum/pkg/types"
)

// UpsertFactArgs contains arguments for the upsert_fact tool.
type UpsertFactArgs struct {
	Scope      string  `json:"scope"`            // user, project, org, or session (required)
	Category   string  `json:"category"`         // preference, constraint, decision, or fact (required)
	Key        string  `json:"key"`              // Fact key, unique within scope (required)
	Value      string  `json:"value"`            // Fact value (required)
	Confidence float64 `json:"confidence"`       // Confidence in [0,1] (required)
	Source     string  `json:"source,omitempty"` // user, agent, or tool (default: user)
}

// UpsertFactResult contains the stored fact after an upsert.
type UpsertFactResult struct {
	Fact    *types.Fact `json:"fact"`
	Created bool        `json:"created"` // true on insert, false on in-place update
}

// GetFactArgs contains arguments for the get_fact tool.
type GetFactArgs struct {
	Scope string `json:"scope"` // Scope to look in (required)
	Key   string `json:"key"`   // Fact key (required)
}

// GetFactResult contains the result of a fact lookup. A missing fact is not
// an error; Found is false and Fact is nil.
type GetFactResult struct {
	Fact  *types.Fact `json:"fact,omitempty"`
	Found bool        `json:"found"`
}

// ListFactsArgs contains arguments for the list_facts tool.
type ListFactsArgs struct {
	Scope         string  `json:"scope"`                    // Scope to list (required)
	Category      string  `json:"category,omitempty"`       // Optional category filter
	MinConfidence float64 `json:"min_confidence,omitempty"` // Optional confidence floor
	Limit         int     `json:"limit,omitempty"`          // Max results (default 50, max 500)
}

// ListFactsResult contains the facts in a scope, most trusted first.
type ListFactsResult struct {
	Facts []types.Fact `json:"facts"`
	Total int          `json:"total"`
}

// DeleteFactArgs contains arguments for the delete_fact tool.
type DeleteFactArgs struct {
	Scope     string `json:"scope"`                // Scope the fact lives in (required)
	Key       string `json:"key"`                  // Fact key (required)
	ChangedBy string `json:"changed_by,omitempty"` // Actor recorded in the audit entry
}

// DeleteFactResult contains the result of deleting a fact.
type DeleteFactResult struct {
	Deleted bool   `json:"deleted"`
	Message string `json:"message,omitempty"`
}

// AddEpisodeArgs contains arguments for the add_episode tool.
type AddEpisodeArgs struct {
	Scope      string  `json:"scope"`       // Scope to store in (required)
	Title      string  `json:"title"`       // Short lesson title (required)
	Content    string  `json:"content"`     // Lesson content (required)
	LessonType string  `json:"lesson_type"` // success, failure, pattern, workaround, or insight (required)
	Quality    float64 `json:"quality"`     // Quality in [0,1] (required)
}

// AddEpisodeResult contains the outcome of adding an episode. A near-duplicate
// is a policy outcome, not an error: Stored is false and Rejection explains why.
type AddEpisodeResult struct {
	Episode   *types.Episode     `json:"episode,omitempty"`
	Stored    bool               `json:"stored"`
	Rejection *storage.Rejection `json:"rejection,omitempty"`
}

// ListEpisodesArgs contains arguments for the list_episodes tool.
type ListEpisodesArgs struct {
	Scope      string  `json:"scope"`                 // Scope to list (required)
	LessonType string  `json:"lesson_type,omitempty"` // Optional lesson type filter
	MinQuality float64 `json:"min_quality,omitempty"` // Optional quality floor
	Limit      int     `json:"limit,omitempty"`       // Max results (default 50, max 500)
}

// ListEpisodesResult contains the episodes in a scope, best first.
type ListEpisodesResult struct {
	Episodes []types.Episode `json:"episodes"`
	Total    int             `json:"total"`
}

// GetContextArgs contains arguments for the get_context tool.
type GetContextArgs struct {
	Scope       string `json:"scope"`                  // Scope to fuse (required)
	Query       string `json:"query"`                  // Query text (required in query mode)
	ContextType string `json:"context_type,omitempty"` // "query" (default) or "all"
	MaxResults  int    `json:"max_results,omitempty"`  // Result cap (default 20)
}

// GetContextResult is the fused, authority-ranked context for one query.
type GetContextResult struct {
	Items         []types.FusedContextItem `json:"items"`
	Partial       bool                     `json:"partial,omitempty"`
	PartialReason string                   `json:"partial_reason,omitempty"`
}

// AnalyzeConversationArgs contains arguments for the analyze_conversation tool.
type AnalyzeConversationArgs struct {
	Scope         string `json:"scope"`                    // Scope candidate writes target (required)
	UserMessage   string `json:"user_message"`             // The user's message for this turn
	AgentResponse string `json:"agent_response,omitempty"` // The agent's response for this turn
	AutoStore     bool   `json:"auto_store,omitempty"`     // Commit accepted candidates (default: false, dry run)
}

// AnalyzeConversationResult reports what the write gate did with the turn.
type AnalyzeConversationResult struct {
	State     analyzer.State      `json:"state"`
	Decisions []analyzer.Decision `json:"decisions,omitempty"`
}

// ListAuditArgs contains arguments for the list_audit tool.
type ListAuditArgs struct {
	FactID string `json:"fact_id"` // Fact row ID to inspect (required)
}

// ListAuditResult contains the audit trail for one fact, oldest first.
type ListAuditResult struct {
	Entries []types.AuditEntry `json:"entries"`
	Total   int                `json:"total"`
}

// GetStatsResult contains per-scope row counts for the store.
type GetStatsResult struct {
	Stats *storage.StoreStats `json:"stats"`
}

// contextResultFromFusion converts a fusion result into the tool result shape.
func contextResultFromFusion(r *fusion.Result) *GetContextResult {
	return &GetContextResult{
		Items:         r.Items,
		Partial:       r.Partial,
		PartialReason: r.PartialReason,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"` // Must be "2.0"
	Method  string      `json:"method"`  // Method name
	Params  interface{} `json:"params"`  // Method parameters
	ID      interface{} `json:"id"`      // Request ID (string, number, or null)
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`          // Must be "2.0"
	Result  interface{}   `json:"result,omitempty"` // Result (if successful)
	Error   *JSONRPCError `json:"error,omitempty"`  // Error (if failed)
	ID      interface{}   `json:"id"`               // Request ID
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`           // Error code
	Message string      `json:"message"`        // Error message
	Data    interface{} `json:"data,omitempty"` // Additional error data
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal JSON-RPC error
	ErrCodeServerError    = -32000 // Server error
)

// ---------------------------------------------------------------------------
// Standard MCP protocol types (initialize / tools/list / tools/call)
// ---------------------------------------------------------------------------

// MCPInitializeParams holds the parameters sent by an MCP client in the
// initialize request.
type MCPInitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities,omitempty"`
	ClientInfo      MCPClientInfo          `json:"clientInfo"`
}

// MCPClientInfo identifies the connecting MCP client.
type MCPClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerInfo identifies this MCP server.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities describes what this server supports.
type MCPServerCapabilities struct {
	Tools *MCPToolsCapability `json:"tools,omitempty"`
}

// MCPToolsCapability signals that the server exposes tools.
type MCPToolsCapability struct{}

// MCPInitializeResult is the response to the initialize request.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPTool describes a single tool exposed via the MCP tools/list endpoint.
type MCPTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// MCPToolsListResult is the response to the tools/list request.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams holds the parameters sent in a tools/call request.
type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// MCPToolCallContent is a single content block in a tool call response.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text" for now
	Text string `json:"text"`
}

// MCPToolCallResult is the response to a tools/call request.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}
