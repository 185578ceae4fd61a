package progress

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker(t *testing.T) {
	tr := NewTracker()
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }

	tr.Report(context.Background(), Update{Action: "download", Current: 1, Total: 3, Title: "Worm", Description: "Gestation 1.1"})
	tr.Report(context.Background(), Update{Action: "download", Current: 2, Total: 3, Title: "Worm", Description: "Gestation 1.2"})

	snap := tr.Snapshot()
	require.Contains(t, snap, "download")
	assert.Equal(t, 2, snap["download"].Current)
	assert.Equal(t, fixed, snap["download"].UpdatedAt)

	snap["download"] = Update{}
	assert.Equal(t, 2, tr.Snapshot()["download"].Current, "snapshot is a copy")

	tr.Reset("download")
	assert.Empty(t, tr.Snapshot())
}

func TestReader(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 250)

	var reports [][2]int64

	r := NewReader(bytes.NewReader(data), int64(len(data)), 100, func(read, total int64) {
		reports = append(reports, [2]int64{read, total})
	})

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, out, 250)
	assert.Equal(t, int64(250), r.BytesRead())

	require.NotEmpty(t, reports)
	assert.Equal(t, [2]int64{250, 250}, reports[len(reports)-1], "last report covers the whole stream")
}
