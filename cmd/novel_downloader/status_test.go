package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/novel_downloader/internal/orchestrator"
	"github.com/italolelis/novel_downloader/internal/progress"
)

func TestPrintStatus(t *testing.T) {
	acquired := time.Now().Add(-2 * time.Hour)

	st := orchestrator.Status{
		Action:     "download",
		Owner:      "host-1-ab",
		AcquiredAt: &acquired,
		Queues:     map[string]int{"download": 1250, "restore": 0},
		Progress: map[string]progress.Update{
			"download": {Action: "download", Current: 3, Total: 1253, Description: "Chapter 3", UpdatedAt: time.Now()},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, st, false))

	out := buf.String()
	assert.Contains(t, out, "host-1-ab")
	assert.Contains(t, out, "2 hours ago")
	assert.Contains(t, out, "1,250")
	assert.Contains(t, out, "3/1,253 Chapter 3")
	assert.Contains(t, out, "restore")
}

func TestPrintStatusJSON(t *testing.T) {
	st := orchestrator.Status{Action: "none", Queues: map[string]int{"download": 0}}

	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, st, true))

	var got orchestrator.Status
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "none", got.Action)
	assert.Nil(t, got.AcquiredAt)
}

func TestRenderTableIdle(t *testing.T) {
	out := renderTable([]string{"Action", "Owner"}, [][]string{{"none"}}, nil)

	assert.Contains(t, out, "ACTION")
	assert.Contains(t, out, "none")
}
