package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/capsule-run/capsule/tool"
)

// FsWrite writes content to a file on the filesystem.
type FsWrite struct{}

func (FsWrite) Name() string        { return "fs.write" }
func (FsWrite) Description() string { return "Write content to a file on the filesystem" }

func (FsWrite) ValidateArgs(args map[string]any) []string {
	var errs []string
	if v, ok := args["path"]; !ok {
		errs = append(errs, "'path' is required")
	} else if s, ok := v.(string); !ok {
		errs = append(errs, "'path' must be a string")
	} else if strings.TrimSpace(s) == "" {
		errs = append(errs, "'path' cannot be empty")
	}
	if v, ok := args["content"]; !ok {
		errs = append(errs, "'content' is required")
	} else {
		switch v.(type) {
		case string, []byte:
		default:
			errs = append(errs, "'content' must be a string or bytes")
		}
	}
	if v, ok := args["mode"]; ok {
		if s, ok := v.(string); !ok || (s != "overwrite" && s != "append") {
			errs = append(errs, "'mode' must be 'overwrite' or 'append'")
		}
	}
	return errs
}

func (t FsWrite) Execute(ctx context.Context, args map[string]any, tc *tool.Context) tool.Output {
	if errs := t.ValidateArgs(args); len(errs) > 0 {
		return tool.Fail("invalid arguments: "+strings.Join(errs, "; "), nil)
	}

	pathStr, _ := args["path"].(string)
	mode, _ := args["mode"].(string)
	if mode == "" {
		mode = "overwrite"
	}
	createDirs, _ := args["create_dirs"].(bool)

	resolved, err := resolveAgainst(pathStr, tc.WorkingDir)
	if err != nil {
		return tool.Fail(fmt.Sprintf("invalid path: %v", err), nil)
	}

	parent := filepath.Dir(resolved)
	if createDirs {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return tool.Fail(fmt.Sprintf("failed to create directories: %v", err), nil)
		}
	}
	if info, err := os.Stat(parent); err != nil || !info.IsDir() {
		return tool.Fail(fmt.Sprintf("parent directory does not exist: %s", parent), map[string]any{"path": resolved})
	}

	var content []byte
	switch v := args["content"].(type) {
	case string:
		content = []byte(v)
	case []byte:
		content = v
	}

	var writeErr error
	if mode == "append" {
		f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			_, writeErr = f.Write(content)
			f.Close()
		} else {
			writeErr = err
		}
	} else {
		writeErr = os.WriteFile(resolved, content, 0o644)
	}

	if writeErr != nil {
		if errors.Is(writeErr, os.ErrPermission) {
			return tool.Fail(fmt.Sprintf("permission denied: %s", pathStr), map[string]any{"path": resolved})
		}
		return tool.Fail(fmt.Sprintf("error writing %s: %v", pathStr, writeErr), map[string]any{"path": resolved})
	}

	return tool.Ok(len(content), map[string]any{"path": resolved, "mode": mode})
}
