package adapter

import "context"

type ToolResult struct {
	Content string
	IsError bool
}

// ToolService executes tenant-scoped tools. Release frees whatever the
// service holds for the tenant (sessions, connections).
type ToolService interface {
	ListTools(ctx context.Context, orgID string) ([]ToolSchema, error)
	ExecuteTool(ctx context.Context, orgID, name string, args map[string]any) (ToolResult, error)
	Release(orgID string)
}
