package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEddoServer_Tools(t *testing.T) {
	s := NewEddoServer(ServerDeps{Version: "1.2.3"})
	require.NotNil(t, s.MCPServer())

	tests := []struct {
		name     string
		required []string
		readOnly bool
	}{
		{"eddo.run", []string{"session_key", "intent"}, false},
		{"eddo.resolve", []string{"approved"}, false},
		{"eddo.status", []string{"session_key"}, true},
		{"eddo.abandon", []string{"session_key"}, false},
		{"eddo.capabilities", nil, true},
		{"eddo.pending", nil, true},
	}
	require.Len(t, s.MCPServer().ListTools(), len(tests))

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.MCPServer().GetTool(tc.name)
			require.NotNil(t, tool)
			assert.NotEmpty(t, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
			if tc.readOnly {
				require.NotNil(t, tool.Tool.Annotations.ReadOnlyHint)
				assert.True(t, *tool.Tool.Annotations.ReadOnlyHint)
			}
		})
	}

	abandon := s.MCPServer().GetTool("eddo.abandon")
	require.NotNil(t, abandon.Tool.Annotations.DestructiveHint)
	assert.True(t, *abandon.Tool.Annotations.DestructiveHint)
}

func TestEddoServer_Defaults(t *testing.T) {
	s := NewEddoServer(ServerDeps{})
	assert.NotNil(t, s.logger)
	assert.Equal(t, "dev", s.deps.Version)
}
