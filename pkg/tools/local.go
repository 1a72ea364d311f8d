package tools

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"conductor/pkg/logx"
	"conductor/pkg/utils"
)

const defaultSearchLimit = 100

// LocalRunner executes the tools that run inside the runtime process
// against the configured workspace root. Everything else is either
// forwarded to the IDE or interpreted by the orchestration layer, so
// Run rejects it.
type LocalRunner struct {
	root   string
	logger *logx.Logger
}

// NewLocalRunner creates a runner rooted at the given workspace
// directory.
func NewLocalRunner(root string) *LocalRunner {
	return &LocalRunner{
		root:   root,
		logger: logx.NewLogger("tools"),
	}
}

// Run executes a local tool call and returns its textual output.
func (r *LocalRunner) Run(ctx context.Context, name string, args map[string]any) (string, error) {
	spec, ok := Get(name)
	if !ok {
		return "", &ValidationError{Tool: name, Reason: "unknown tool"}
	}
	if spec.Mode != ExecLocal {
		return "", fmt.Errorf("tool %q does not execute locally", name)
	}

	switch name {
	case ToolSearchFiles:
		return r.searchFiles(ctx, args)
	default:
		return "", fmt.Errorf("local tool %q has no runner", name)
	}
}

// searchFiles walks the workspace and collects files whose base name or
// relative path matches the glob pattern. Hidden directories are
// skipped. Results are sorted and capped at max_results.
func (r *LocalRunner) searchFiles(ctx context.Context, args map[string]any) (string, error) {
	pattern, err := utils.GetMapField[string](args, "pattern")
	if err != nil {
		return "", err
	}
	limit := defaultSearchLimit
	if raw, ok := args["max_results"]; ok {
		if n, intOK := utils.AsInt(raw); intOK && n > 0 {
			limit = n
		}
	}

	searchRoot := r.root
	if sub := utils.GetMapFieldOr(args, "path", ""); sub != "" {
		searchRoot = filepath.Join(r.root, filepath.Clean(sub))
	}
	if !strings.HasPrefix(filepath.Clean(searchRoot), filepath.Clean(r.root)) {
		return "", fmt.Errorf("search path escapes the workspace root")
	}

	var matches []string
	truncated := false
	walkErr := filepath.WalkDir(searchRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			return nil //nolint:nilerr // partial results are more useful than none
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if name := d.Name(); name != "." && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(r.root, path)
		if relErr != nil {
			return nil //nolint:nilerr // entry outside the root, skip it
		}
		if !globMatch(pattern, rel, d.Name()) {
			return nil
		}
		if len(matches) >= limit {
			truncated = true
			return filepath.SkipAll
		}
		matches = append(matches, rel)
		return nil
	})
	if walkErr != nil {
		return "", fmt.Errorf("search_files: %w", walkErr)
	}

	if len(matches) == 0 {
		return fmt.Sprintf("No files matched pattern %q", pattern), nil
	}

	sort.Strings(matches)
	out := strings.Join(matches, "\n")
	if truncated {
		out += fmt.Sprintf("\n(truncated at %d results)", limit)
	}
	r.logger.Debug("🔍 search_files %q matched %d file(s)", pattern, len(matches))
	return out, nil
}

// globMatch applies the pattern to the base name, or to the whole
// relative path when the pattern itself contains a separator.
func globMatch(pattern, rel, base string) bool {
	target := base
	if strings.ContainsRune(pattern, '/') {
		target = filepath.ToSlash(rel)
	}
	ok, err := filepath.Match(pattern, target)
	if err != nil {
		// Bad pattern: fall back to substring matching.
		return strings.Contains(target, pattern)
	}
	return ok
}
