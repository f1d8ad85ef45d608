package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(DebugLevel))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(WarnLevel))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel(ErrorLevel))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestInitJSONWithContext(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	defer Init(Config{Level: InfoLevel, JSONOutput: true, Output: os.Stderr})

	logger := WithJobID(42, 7)
	logger.Info().Msg("job started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "job started", entry["message"])
	assert.EqualValues(t, 42, entry["task_id"])
	assert.EqualValues(t, 7, entry["job_id"])
}

func TestInitRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.log")
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf, File: &FileConfig{Path: path}})
	defer Init(Config{Level: InfoLevel, JSONOutput: true, Output: os.Stderr})

	logger := WithComponent("scheduler")
	logger.Info().Msg("tick")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"scheduler"`)
	assert.Contains(t, buf.String(), "tick")
}
