package mcp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nugget/toolhost/internal/mcp/mcptest"
)

func TestMain(m *testing.M) {
	mcptest.RunIfHelper()
	os.Exit(m.Run())
}

// helperDef returns a definition that launches this test binary as a
// fake tool server in the given mode.
func helperDef(t *testing.T, name, mode string) ServerDefinition {
	t.Helper()
	cmd := mcptest.Helper(mode, filepath.Join(t.TempDir(), "launches"))
	return ServerDefinition{
		Name:    name,
		Command: cmd.Path,
		Args:    cmd.Args,
		Env:     cmd.Env,
	}
}
