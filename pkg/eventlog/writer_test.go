package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/dispatch"
	"conductor/pkg/proto"
)

func TestWriterCreatesDirectoryAndFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	expected := filepath.Join(dir, "events-"+time.Now().Format("2006-01-02")+".jsonl")
	assert.Equal(t, expected, w.CurrentFile())
}

func TestWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	require.NoError(t, w.Write(proto.NewEvent(proto.EventPlanCompleted, "sess-1", map[string]any{"plan_id": "p-1"})))
	require.NoError(t, w.Write(proto.NewEvent(proto.EventSubtaskStarted, "sess-1", nil)))
	path := w.CurrentFile()
	require.NoError(t, w.Close())

	events, err := ReadEvents(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, proto.EventPlanCompleted, events[0].Name)
	assert.Equal(t, "sess-1", events[0].SessionID)
	assert.Equal(t, "p-1", events[0].Payload["plan_id"])
	assert.Equal(t, proto.EventSubtaskStarted, events[1].Name)
}

func TestAttachJournalsBusEvents(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	bus := dispatch.NewBus()
	detach := w.Attach(bus)

	bus.Publish(proto.NewEvent(proto.EventApprovalRequested, "sess-2", map[string]any{"request_id": "req-1"}))
	detach()
	bus.Publish(proto.NewEvent(proto.EventApprovalApproved, "sess-2", nil))

	path := w.CurrentFile()
	require.NoError(t, w.Close())

	events, err := ReadEvents(path)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, proto.EventApprovalRequested, events[0].Name)
	assert.Equal(t, "req-1", events[0].Payload["request_id"])
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Empty(t, w.CurrentFile())
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Write(proto.NewEvent(proto.EventPlanFailed, "sess-3", nil)))
	require.NoError(t, w.Close())

	files, err := ListFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, files[0], "events-")
}
