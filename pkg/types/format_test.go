package types

import (
	"go/format"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Package docs carry hand-drawn diagrams and lists, and the storage records
// hand-aligned struct tags; both must survive gofmt unchanged.
func TestSourcesFormatted(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "*", "doc.go"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	files = append(files, filepath.Join("..", "storage", "models.go"))

	for _, path := range files {
		src, err := os.ReadFile(path)
		require.NoError(t, err)
		out, err := format.Source(src)
		require.NoError(t, err, path)
		assert.Equal(t, string(src), string(out), "%s is not gofmt-formatted", path)
	}
}
