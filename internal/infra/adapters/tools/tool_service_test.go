package tools_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsapp-ai-platform/internal/infra/adapters/tools"
)

type orgKey struct{}

func newCRMServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := server.NewMCPServer("crm", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("crm_search",
		mcp.WithDescription("Search contacts"),
		mcp.WithString("q", mcp.Required(), mcp.Description("query")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		org, _ := ctx.Value(orgKey{}).(string)
		return mcp.NewToolResultText(org + ":" + req.GetString("q", "")), nil
	})
	s.AddTool(mcp.NewTool("crm_fail", mcp.WithDescription("Always fails")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("crm offline"), nil
		})

	h := server.NewStreamableHTTPServer(s, server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
		return context.WithValue(ctx, orgKey{}, r.Header.Get(tools.OrganizationHeader))
	}))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func newService(t *testing.T, url string) *tools.ToolService {
	t.Helper()
	l := zerolog.Nop()
	svc, err := tools.NewToolService(url+"/mcp", "test", &l)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func TestToolServiceListAndExecute(t *testing.T) {
	srv := newCRMServer(t)
	svc := newService(t, srv.URL)
	ctx := context.Background()

	schemas, err := svc.ListTools(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, schemas, 2)

	var search map[string]any
	for _, tool := range schemas {
		if tool.Name == "crm_search" {
			assert.Equal(t, "Search contacts", tool.Description)
			search = tool.Parameters
		}
	}
	require.NotNil(t, search)
	assert.Equal(t, "object", search["type"])
	assert.Contains(t, search["properties"], "q")

	res, err := svc.ExecuteTool(ctx, "org-1", "crm_search", map[string]any{"q": "ana"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "org-1:ana", res.Content)
}

func TestToolServiceToolErrorIsNotTransportError(t *testing.T) {
	srv := newCRMServer(t)
	svc := newService(t, srv.URL)

	res, err := svc.ExecuteTool(context.Background(), "org-1", "crm_fail", nil)

	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "crm offline", res.Content)
}

func TestToolServiceSessionsAreScopedPerOrganization(t *testing.T) {
	srv := newCRMServer(t)
	svc := newService(t, srv.URL)
	ctx := context.Background()

	a, err := svc.ExecuteTool(ctx, "org-a", "crm_search", map[string]any{"q": "x"})
	require.NoError(t, err)
	b, err := svc.ExecuteTool(ctx, "org-b", "crm_search", map[string]any{"q": "x"})
	require.NoError(t, err)

	assert.Equal(t, "org-a:x", a.Content)
	assert.Equal(t, "org-b:x", b.Content)

	svc.Release("org-a")
	again, err := svc.ExecuteTool(ctx, "org-a", "crm_search", map[string]any{"q": "y"})
	require.NoError(t, err)
	assert.Equal(t, "org-a:y", again.Content)
}

func TestToolServiceUnreachableServer(t *testing.T) {
	l := zerolog.Nop()
	svc, err := tools.NewToolService("http://127.0.0.1:1/mcp", "test", &l)
	require.NoError(t, err)

	_, err = svc.ListTools(context.Background(), "org-1")
	assert.Error(t, err)
}
