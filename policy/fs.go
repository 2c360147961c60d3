package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/capsule-run/capsule/schema"
)

const (
	ruleMissingArgument = "missing_argument"
	ruleInvalidPath     = "invalid_path"
	ruleAllowHidden     = "allow_hidden=false"
	ruleSymlinkEscape   = "symlink_escape"
	ruleMaxSizeBytes    = "max_size_bytes"
)

// evaluateFsAccess adjudicates fs.read (isWrite=false) and fs.write
// (isWrite=true) proposals, following the ordering in policy/engine.py's
// _evaluate_fs_access: missing-argument, path resolution, hidden-path
// check, deny precedence, allow matching with symlink containment, and
// (writes only) a max-size check.
func evaluateFsAccess(args map[string]any, workingDir string, fp schema.FsPolicy, isWrite bool) schema.PolicyDecision {
	pathStr, ok := stringArg(args, "path")
	if !ok || pathStr == "" {
		return schema.DenyRule("'path' is required", ruleMissingArgument)
	}

	resolved, err := resolvePath(pathStr, workingDir)
	if err != nil {
		return schema.DenyRule(fmt.Sprintf("invalid path: %v", err), ruleInvalidPath)
	}

	if !fp.AllowHidden && isHiddenPath(resolved) {
		return schema.DenyRule("path contains a hidden component", ruleAllowHidden)
	}

	for _, pattern := range fp.DenyPaths {
		if pathMatchesPattern(resolved, pattern, workingDir) {
			return schema.DenyRule(
				fmt.Sprintf("path matches deny pattern %q", pattern),
				fmt.Sprintf("deny_paths[%s]", pattern),
			)
		}
	}

	if len(fp.AllowPaths) == 0 {
		return schema.DenyRule("no allow_paths configured", "allow_paths=[]")
	}

	var escapeReason string
	literal := filepath.Clean(pathStr)
	if !filepath.IsAbs(literal) {
		literal = filepath.Join(workingDir, literal)
	}
	for _, pattern := range fp.AllowPaths {
		if !pathMatchesPattern(resolved, pattern, workingDir) {
			if escapeReason == "" && pathMatchesPattern(literal, pattern, workingDir) {
				escapeReason = fmt.Sprintf("symlink escape: path %q matches allow pattern %q but resolves to %q", pathStr, pattern, resolved)
			}
			continue
		}
		base := extractPatternBase(pattern, workingDir)
		if reason, ok := checkSymlinkContainment(base, resolved); !ok {
			if escapeReason == "" {
				escapeReason = reason
			}
			continue
		}
		if isWrite {
			if d := checkMaxSize(args, fp.MaxSizeBytes); d != nil {
				return *d
			}
		}
		return schema.Allow(fmt.Sprintf("allow_paths[%s]", pattern))
	}

	if escapeReason != "" {
		return schema.DenyRule(escapeReason, ruleSymlinkEscape)
	}
	return schema.DenyRule("path does not match any allow_paths pattern", "allow_paths")
}

func checkMaxSize(args map[string]any, maxSize int64) *schema.PolicyDecision {
	if maxSize <= 0 {
		return nil
	}
	content, ok := args["content"]
	if !ok {
		return nil
	}
	var size int64
	switch v := content.(type) {
	case string:
		size = int64(len(v))
	case []byte:
		size = int64(len(v))
	default:
		return nil
	}
	if size > maxSize {
		d := schema.DenyRule(
			fmt.Sprintf("content size %d exceeds max_size_bytes %d", size, maxSize),
			ruleMaxSizeBytes,
		)
		return &d
	}
	return nil
}

// resolvePath mirrors the reference's Path(path_str); prepend working_dir
// if relative; non-strict resolve (the target need not exist, but any
// existing symlink components are followed).
func resolvePath(pathStr, workingDir string) (string, error) {
	p := pathStr
	if !filepath.IsAbs(p) {
		p = filepath.Join(workingDir, p)
	}
	return resolveNonStrict(p)
}

// resolveNonStrict resolves symlinks for as much of the path as exists,
// then appends the remaining (possibly nonexistent) suffix, and cleans the
// result. This matches Python's Path.resolve(strict=False) semantics.
func resolveNonStrict(p string) (string, error) {
	clean := filepath.Clean(p)
	if real, err := filepath.EvalSymlinks(clean); err == nil {
		return real, nil
	}
	dir := filepath.Dir(clean)
	base := filepath.Base(clean)
	if dir == clean {
		return clean, nil
	}
	realDir, err := resolveNonStrict(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(realDir, base), nil
}

// isHiddenPath reports whether any path component (excluding "." and
// "..") starts with a dot.
func isHiddenPath(p string) bool {
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == "" || part == "." || part == ".." {
			continue
		}
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// extractPatternBase returns the non-glob prefix of pattern, resolved
// relative to workingDir if the pattern itself is relative, mirroring
// _extract_pattern_base.
func extractPatternBase(pattern, workingDir string) string {
	base := pattern
	if idx := strings.Index(pattern, "**"); idx >= 0 {
		base = pattern[:idx]
	} else if idx := strings.Index(pattern, "*"); idx >= 0 {
		base = filepath.Dir(pattern[:idx])
	}
	base = strings.TrimSuffix(base, "/")
	if base == "" {
		base = "/"
	}
	if !filepath.IsAbs(base) {
		base = filepath.Join(workingDir, base)
	}
	return filepath.Clean(base)
}

// checkSymlinkContainment verifies that base is not itself a symlink and
// that resolved lies under base once both are resolved, handling system
// symlinks (e.g. /var -> /private/var) by resolving both sides.
func checkSymlinkContainment(base, resolved string) (string, bool) {
	if info, err := os.Lstat(base); err == nil && info.Mode()&os.ModeSymlink != 0 {
		target, _ := os.Readlink(base)
		return fmt.Sprintf("allow_paths base %q is a symlink to %q", base, target), false
	}

	resolvedBase, err := resolveNonStrict(base)
	if err != nil {
		resolvedBase = filepath.Clean(base)
	}

	rel, err := filepath.Rel(resolvedBase, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Sprintf("resolved path %q escapes allowed base %q via symlink", resolved, resolvedBase), false
	}
	return "", true
}

// pathMatchesPattern tests resolved against pattern, resolving the
// pattern's non-glob base first (so system symlinks line up on both
// sides) and then matching the remainder with glob semantics: "**"
// matches any depth including zero, "*" matches within one component.
func pathMatchesPattern(resolved, pattern, workingDir string) bool {
	absPattern := pattern
	if !filepath.IsAbs(absPattern) {
		absPattern = filepath.Join(workingDir, absPattern)
	}
	if base := extractPatternBase(pattern, workingDir); strings.HasPrefix(absPattern, base) {
		if realBase, err := resolveNonStrict(base); err == nil {
			absPattern = realBase + absPattern[len(base):]
		}
	}
	absPattern = filepath.ToSlash(absPattern)
	resolvedSlash := filepath.ToSlash(resolved)

	g, err := glob.Compile(absPattern, '/')
	if err != nil {
		return false
	}
	if g.Match(resolvedSlash) {
		return true
	}

	// Fallback used by the reference implementation: for "**" patterns,
	// also match the pattern's suffix against the basename alone.
	if idx := strings.Index(absPattern, "**"); idx >= 0 {
		suffix := strings.TrimPrefix(absPattern[idx+2:], "/")
		if suffix == "" {
			return strings.HasPrefix(resolvedSlash, strings.TrimSuffix(absPattern[:idx], "/"))
		}
		sg, err := glob.Compile(suffix)
		if err == nil && sg.Match(filepath.Base(resolvedSlash)) {
			prefix := strings.TrimSuffix(absPattern[:idx], "/")
			return strings.HasPrefix(resolvedSlash, prefix)
		}
	}
	return false
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
