package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIDFormat(t *testing.T) {
	t.Parallel()

	g := New()
	id, err := g.NewID()
	require.NoError(t, err)

	parts := strings.SplitN(id, "-", 2)
	require.Len(t, parts, 2)
	require.Len(t, parts[0], len("20060102T150405"))
	require.Len(t, parts[1], 8)
}

func TestNewIDUnique(t *testing.T) {
	t.Parallel()

	g := New()
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id, err := g.NewID()
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "duplicate run id %q", id)
		seen[id] = struct{}{}
	}
}
