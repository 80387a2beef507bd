package tools

import (
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// Registration pairs an MCP tool definition with its handler function.
type Registration struct {
	Tool    mcp.Tool
	Handler server.ToolHandlerFunc
}

// RegisterAll adds every registration to s. Duplicate tool names are
// rejected before anything is added.
func RegisterAll(s *server.MCPServer, registrations []Registration, log *zap.Logger) error {
	seen := make(map[string]bool, len(registrations))
	for _, r := range registrations {
		if seen[r.Tool.Name] {
			return fmt.Errorf("duplicate tool %q", r.Tool.Name)
		}
		seen[r.Tool.Name] = true
	}
	for _, r := range registrations {
		s.AddTool(r.Tool, r.Handler)
	}
	if log != nil {
		log.Info("tools registered", zap.Int("count", len(registrations)))
	}
	return nil
}
