// Package builtin implements the four concrete tools named throughout the
// spec: fs.read, fs.write, http.get, shell.run.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/capsule-run/capsule/tool"
)

// FsRead reads file contents from the filesystem.
type FsRead struct{}

func (FsRead) Name() string        { return "fs.read" }
func (FsRead) Description() string { return "Read file contents from the filesystem" }

func (FsRead) ValidateArgs(args map[string]any) []string {
	var errs []string
	if v, ok := args["path"]; !ok {
		errs = append(errs, "'path' is required")
	} else if s, ok := v.(string); !ok {
		errs = append(errs, "'path' must be a string")
	} else if strings.TrimSpace(s) == "" {
		errs = append(errs, "'path' cannot be empty")
	}
	if v, ok := args["encoding"]; ok {
		if _, ok := v.(string); !ok {
			errs = append(errs, "'encoding' must be a string")
		}
	}
	if v, ok := args["binary"]; ok {
		if _, ok := v.(bool); !ok {
			errs = append(errs, "'binary' must be a boolean")
		}
	}
	return errs
}

func (t FsRead) Execute(ctx context.Context, args map[string]any, tc *tool.Context) tool.Output {
	if errs := t.ValidateArgs(args); len(errs) > 0 {
		return tool.Fail("invalid arguments: "+strings.Join(errs, "; "), nil)
	}

	pathStr, _ := args["path"].(string)
	binary, _ := args["binary"].(bool)

	resolved, err := resolveAgainst(pathStr, tc.WorkingDir)
	if err != nil {
		return tool.Fail(fmt.Sprintf("invalid path: %v", err), nil)
	}

	info, err := os.Stat(resolved)
	if errors.Is(err, os.ErrNotExist) {
		return tool.Fail(fmt.Sprintf("file not found: %s", pathStr), map[string]any{"path": resolved})
	}
	if err != nil {
		return tool.Fail(fmt.Sprintf("error reading %s: %v", pathStr, err), map[string]any{"path": resolved})
	}
	if info.IsDir() {
		return tool.Fail(fmt.Sprintf("not a file: %s", pathStr), map[string]any{"path": resolved})
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return tool.Fail(fmt.Sprintf("permission denied: %s", pathStr), map[string]any{"path": resolved})
		}
		return tool.Fail(fmt.Sprintf("error reading %s: %v", pathStr, err), map[string]any{"path": resolved})
	}

	if binary {
		return tool.Ok(content, map[string]any{
			"path": resolved, "size": len(content), "binary": true,
		})
	}

	if !utf8.Valid(content) {
		return tool.Fail(
			fmt.Sprintf("encoding error reading %s: invalid UTF-8. Try binary=true", pathStr),
			map[string]any{"path": resolved},
		)
	}
	return tool.Ok(string(content), map[string]any{
		"path": resolved, "size": len(content), "encoding": "utf-8", "binary": false,
	})
}

// resolveAgainst joins path to workingDir if relative, then cleans it.
// Unlike policy's non-strict resolver, tools resolve plainly: the policy
// layer already performed the security-relevant symlink resolution.
func resolveAgainst(path, workingDir string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(workingDir, p)
	}
	return filepath.Clean(p), nil
}
