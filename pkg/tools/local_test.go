package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSearchWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := []string{
		"main.go",
		"util.go",
		"docs/readme.md",
		"cmd/app/main.go",
		".git/config",
	}
	for _, f := range files {
		path := filepath.Join(root, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o644))
	}
	return root
}

func TestSearchFilesByBaseName(t *testing.T) {
	runner := NewLocalRunner(newSearchWorkspace(t))

	out, err := runner.Run(context.Background(), ToolSearchFiles, map[string]any{
		"pattern": "*.go",
	})
	require.NoError(t, err)

	lines := strings.Split(out, "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, out, "main.go")
	assert.Contains(t, out, filepath.Join("cmd", "app", "main.go"))
	assert.NotContains(t, out, ".git")
}

func TestSearchFilesByPath(t *testing.T) {
	runner := NewLocalRunner(newSearchWorkspace(t))

	out, err := runner.Run(context.Background(), ToolSearchFiles, map[string]any{
		"pattern": "cmd/*/main.go",
	})
	require.NoError(t, err)
	assert.Equal(t, "cmd/app/main.go", filepath.ToSlash(out))
}

func TestSearchFilesNoMatch(t *testing.T) {
	runner := NewLocalRunner(newSearchWorkspace(t))

	out, err := runner.Run(context.Background(), ToolSearchFiles, map[string]any{
		"pattern": "*.rs",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "No files matched")
}

func TestSearchFilesRespectsLimit(t *testing.T) {
	runner := NewLocalRunner(newSearchWorkspace(t))

	out, err := runner.Run(context.Background(), ToolSearchFiles, map[string]any{
		"pattern":     "*",
		"max_results": float64(2),
	})
	require.NoError(t, err)
	assert.Contains(t, out, "truncated at 2")
}

func TestSearchFilesRejectsEscapingPath(t *testing.T) {
	runner := NewLocalRunner(newSearchWorkspace(t))

	_, err := runner.Run(context.Background(), ToolSearchFiles, map[string]any{
		"pattern": "*",
		"path":    "../..",
	})
	require.Error(t, err)
}

func TestRunRejectsNonLocalTools(t *testing.T) {
	runner := NewLocalRunner(t.TempDir())

	_, err := runner.Run(context.Background(), ToolReadFile, map[string]any{"path": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not execute locally")

	_, err = runner.Run(context.Background(), "bogus", nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}
