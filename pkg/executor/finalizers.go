package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// checkLogFinalizer stores <work>/check.json as a check log
type checkLogFinalizer struct {
	work  string
	jobID uint64
	store storage.Tx
}

func (checkLogFinalizer) Name() string { return "check log" }

func (f checkLogFinalizer) Finalize(context.Context) error {
	data, err := os.ReadFile(filepath.Join(f.work, "check.json"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read check.json: %w", err)
	}
	format := types.FormatJSON
	if !json.Valid(data) {
		format = types.FormatText
	}
	return f.store.CreateLogs([]*types.Log{{
		JobID:  f.jobID,
		Name:   "check",
		Type:   types.LogCheck,
		Format: format,
		Body:   string(data),
	}})
}

// customLogFinalizer stores <work>/custom-logs/*.{txt,json} as custom logs
type customLogFinalizer struct {
	work  string
	jobID uint64
	store storage.Tx
}

func (customLogFinalizer) Name() string { return "custom logs" }

func (f customLogFinalizer) Finalize(context.Context) error {
	dir := filepath.Join(f.work, "custom-logs")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list custom logs: %w", err)
	}

	var logs []*types.Log
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		var format types.LogFormat
		switch ext {
		case ".txt":
			format = types.FormatText
		case ".json":
			format = types.FormatJSON
		default:
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("failed to read custom log %s: %w", e.Name(), err)
		}
		logs = append(logs, &types.Log{
			JobID:  f.jobID,
			Name:   strings.TrimSuffix(e.Name(), ext),
			Type:   types.LogCustom,
			Format: format,
			Body:   string(data),
		})
	}
	if len(logs) == 0 {
		return nil
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].Name < logs[j].Name })
	return f.store.CreateLogs(logs)
}
