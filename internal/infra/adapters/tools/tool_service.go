package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"whatsapp-ai-platform/internal/domain/ports/adapter"
)

var _ adapter.ToolService = (*ToolService)(nil)

// OrganizationHeader scopes every MCP request to a tenant.
const OrganizationHeader = "x-organization-id"

// ToolService exposes a remote MCP server's tools to the agent runner.
// It keeps one streamable HTTP session per organization.
type ToolService struct {
	endpoint string
	version  string
	logger   *zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*client.Client
}

func NewToolService(endpoint, version string, logger *zerolog.Logger) (*ToolService, error) {
	if endpoint == "" {
		return nil, errors.New("mcp endpoint empty")
	}
	l := logger.With().Str("component", "mcp_tools").Logger()
	return &ToolService{
		endpoint: endpoint,
		version:  version,
		logger:   &l,
		sessions: make(map[string]*client.Client),
	}, nil
}

func (s *ToolService) session(ctx context.Context, orgID string) (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.sessions[orgID]; ok {
		return c, nil
	}

	c, err := client.NewStreamableHttpClient(s.endpoint,
		transport.WithHTTPHeaders(map[string]string{OrganizationHeader: orgID}))
	if err != nil {
		return nil, fmt.Errorf("mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp start: %w", err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "whatsapp-ai-worker", Version: s.version}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp initialize: %w", err)
	}
	s.sessions[orgID] = c
	s.logger.Debug().Str("organization_id", orgID).Msg("mcp session opened")
	return c, nil
}

// ListTools returns the tool schemas the server offers this organization.
func (s *ToolService) ListTools(ctx context.Context, orgID string) ([]adapter.ToolSchema, error) {
	c, err := s.session(ctx, orgID)
	if err != nil {
		return nil, err
	}
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		s.Release(orgID)
		return nil, fmt.Errorf("mcp list tools: %w", err)
	}
	out := make([]adapter.ToolSchema, 0, len(res.Tools))
	for _, t := range res.Tools {
		out = append(out, adapter.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  inputSchema(t),
		})
	}
	return out, nil
}

// ExecuteTool runs a tool. A tool-level failure comes back as IsError with
// a nil error; a transport failure drops the session.
func (s *ToolService) ExecuteTool(ctx context.Context, orgID, name string, args map[string]any) (adapter.ToolResult, error) {
	c, err := s.session(ctx, orgID)
	if err != nil {
		return adapter.ToolResult{}, err
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	if err != nil {
		s.Release(orgID)
		return adapter.ToolResult{}, fmt.Errorf("mcp call %s: %w", name, err)
	}
	return adapter.ToolResult{Content: textOf(res.Content), IsError: res.IsError}, nil
}

// Release closes the organization's session if one is open.
func (s *ToolService) Release(orgID string) {
	s.mu.Lock()
	c, ok := s.sessions[orgID]
	delete(s.sessions, orgID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		s.logger.Warn().Err(err).Str("organization_id", orgID).Msg("mcp session close")
	}
}

// Close releases every open session.
func (s *ToolService) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Release(id)
	}
}

// inputSchema round-trips through JSON so raw and structured schemas read the same.
func inputSchema(t mcp.Tool) map[string]any {
	b, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	var aux struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return nil
	}
	return aux.InputSchema
}

func textOf(contents []mcp.Content) string {
	parts := make([]string, 0, len(contents))
	for _, c := range contents {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		}
	}
	return strings.Join(parts, "\n")
}
