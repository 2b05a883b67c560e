package module

import (
	"context"
	"fmt"

	"github.com/amplifier-run/amplifier/internal/coordinator"
	"github.com/amplifier-run/amplifier/internal/mcp"
)

// mcpMountFunc builds a MountFunc for a module whose manifest declares
// mcp_command: it launches the command as an MCP server, mounts every
// tool the server advertises under coordinator.MountTools, and returns
// a cleanup function that disconnects the server.
func mcpMountFunc(moduleID string, m *manifest, config map[string]any) MountFunc {
	return func(ctx context.Context, co *coordinator.Coordinator, _ map[string]any) (CleanupFunc, error) {
		client := mcp.NewClient()

		cfg := &mcp.Config{
			Enabled: true,
			Type:    mcp.TransportTypeStdio,
			Command: append([]string{m.MCPCommand}, m.MCPArgs...),
		}
		if err := client.AddServer(ctx, moduleID, cfg); err != nil {
			return nil, fmt.Errorf("starting MCP module '%s': %w", moduleID, err)
		}

		for _, t := range client.Tools() {
			wrapped := mcp.NewMCPToolWrapper(t, client)
			if err := co.Mount(coordinator.MountTools, wrapped, wrapped.ID()); err != nil {
				return nil, fmt.Errorf("mounting MCP tool '%s' from module '%s': %w", wrapped.ID(), moduleID, err)
			}
		}

		return func() error {
			return client.RemoveServer(moduleID)
		}, nil
	}
}
