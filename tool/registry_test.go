package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsule-run/capsule/capsuleerr"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(stubTool{})

	got, err := r.Get("stub.tool")
	require.NoError(t, err)
	assert.Equal(t, "stub.tool", got.Name())
}

func TestRegistryGetUnknownToolErrors(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.Get("missing")
	require.Error(t, err)

	var capErr *capsuleerr.Error
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, capsuleerr.CodeToolNotFound, capErr.Code)
}

func TestRegistryGetOptional(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, ok := r.GetOptional("missing")
	assert.False(t, ok)

	r.Register(stubTool{})
	_, ok = r.GetOptional("stub.tool")
	assert.True(t, ok)
}

func TestRegistryListIsSorted(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(namedTool("z.tool"))
	r.Register(namedTool("a.tool"))

	assert.Equal(t, []string{"a.tool", "z.tool"}, r.List())
}

func TestRegistryLen(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	assert.Equal(t, 0, r.Len())
	r.Register(stubTool{})
	assert.Equal(t, 1, r.Len())
}

type namedTool string

func (n namedTool) Name() string                            { return string(n) }
func (n namedTool) Description() string                     { return "" }
func (n namedTool) ValidateArgs(map[string]any) []string    { return nil }
func (n namedTool) Execute(ctx context.Context, args map[string]any, tc *Context) Output {
	return Ok(nil, nil)
}
