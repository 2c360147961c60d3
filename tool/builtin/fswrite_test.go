package builtin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsule-run/capsule/tool"
)

func TestFsWriteValidateArgsRequiresContent(t *testing.T) {
	t.Parallel()

	errs := FsWrite{}.ValidateArgs(map[string]any{"path": "a.txt"})
	assert.NotEmpty(t, errs)
}

func TestFsWriteCreatesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := FsWrite{}.Execute(context.Background(), map[string]any{"path": "a.txt", "content": "hi"}, &tool.Context{WorkingDir: dir})
	require.True(t, out.Success)

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestFsWriteAppendMode(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	out := FsWrite{}.Execute(context.Background(), map[string]any{"path": "a.txt", "content": "b", "mode": "append"}, &tool.Context{WorkingDir: dir})
	require.True(t, out.Success)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(data))
}

func TestFsWriteFailsWithoutParentDirByDefault(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := FsWrite{}.Execute(context.Background(), map[string]any{"path": "nested/a.txt", "content": "x"}, &tool.Context{WorkingDir: dir})
	assert.False(t, out.Success)
}

func TestFsWriteCreateDirsMakesParent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := FsWrite{}.Execute(context.Background(), map[string]any{
		"path": "nested/a.txt", "content": "x", "create_dirs": true,
	}, &tool.Context{WorkingDir: dir})
	require.True(t, out.Success)

	data, err := os.ReadFile(filepath.Join(dir, "nested", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestFsWriteRejectsInvalidMode(t *testing.T) {
	t.Parallel()

	errs := FsWrite{}.ValidateArgs(map[string]any{"path": "a.txt", "content": "x", "mode": "truncate"})
	assert.NotEmpty(t, errs)
}
