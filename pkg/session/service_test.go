package session

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/persistence"
	"conductor/pkg/proto"
)

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "session_test.db")
	db, err := persistence.InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return persistence.NewStore(db)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(newTestStore(t).Conversations)
}

func TestCreateAndGet(t *testing.T) {
	svc := newTestService(t)

	conv, err := svc.Create("Fix the indexer", "it drops rows")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	assert.True(t, conv.IsActive)

	loaded, err := svc.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fix the indexer", loaded.Title)
	assert.Equal(t, "it drops rows", loaded.Description)
}

func TestGetUnknownConversation(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Get("no-such-id")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAppendDerivesTitleFromFirstUserMessage(t *testing.T) {
	svc := newTestService(t)

	conv, err := svc.Create("", "")
	require.NoError(t, err)

	require.NoError(t, svc.AppendMessage(conv.ID, proto.Message{
		Role: proto.RoleUser, Content: "  Refactor the indexer to stream rows  ",
	}))
	require.NoError(t, svc.AppendMessage(conv.ID, proto.Message{
		Role: proto.RoleUser, Content: "second message must not retitle",
	}))

	loaded, err := svc.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Refactor the indexer to stream rows", loaded.Title)
}

func TestDeriveTitleClipsLongContent(t *testing.T) {
	long := strings.Repeat("é", titleLimit+40)
	title := deriveTitle(long)
	assert.Equal(t, titleLimit, len([]rune(title)))
}

func TestAppendStampsMissingTimestamp(t *testing.T) {
	svc := newTestService(t)

	conv, err := svc.Create("t", "")
	require.NoError(t, err)
	require.NoError(t, svc.AppendMessage(conv.ID, proto.Message{Role: proto.RoleUser, Content: "hi"}))

	msgs, err := svc.Messages(conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Timestamp.IsZero())
}

func TestAppendRejectsInactiveConversation(t *testing.T) {
	svc := newTestService(t)

	conv, err := svc.Create("t", "")
	require.NoError(t, err)
	require.NoError(t, svc.Deactivate(conv.ID))

	err = svc.AppendMessage(conv.ID, proto.Message{Role: proto.RoleUser, Content: "hi"})
	var verr *MessageValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "inactive")
}

func TestAppendEnforcesMessageCap(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store.Conversations)

	conv := persistence.NewConversation("s-cap")
	conv.MaxMessages = 2
	require.NoError(t, store.Conversations.Save(conv))

	require.NoError(t, svc.AppendMessage("s-cap", proto.Message{Role: proto.RoleUser, Content: "one"}))
	require.NoError(t, svc.AppendMessage("s-cap", proto.Message{Role: proto.RoleAssistant, Content: "two"}))

	err := svc.AppendMessage("s-cap", proto.Message{Role: proto.RoleUser, Content: "three"})
	var verr *MessageValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "message limit of 2")
}

func TestListReturnsActiveOnly(t *testing.T) {
	svc := newTestService(t)

	kept, err := svc.Create("kept", "")
	require.NoError(t, err)
	closed, err := svc.Create("closed", "")
	require.NoError(t, err)
	require.NoError(t, svc.Deactivate(closed.ID))

	active, err := svc.List(10, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, kept.ID, active[0].ID)
}

func TestSnapshotClearsWorkingList(t *testing.T) {
	svc := newTestService(t)

	conv, err := svc.Create("t", "")
	require.NoError(t, err)
	require.NoError(t, svc.AppendMessage(conv.ID, proto.Message{Role: proto.RoleUser, Content: "question"}))
	require.NoError(t, svc.AppendMessage(conv.ID, proto.Message{Role: proto.RoleAssistant, Content: "answer"}))

	snapID, err := svc.Snapshot(conv.ID)
	require.NoError(t, err)
	require.NotEmpty(t, snapID)

	// The working list is empty; the next segment starts clean.
	msgs, err := svc.Messages(conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Restore brings the saved list back verbatim.
	require.NoError(t, svc.RestoreSnapshot(conv.ID, snapID))
	msgs, err = svc.Messages(conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "question", msgs[0].Content)
	assert.Equal(t, "answer", msgs[1].Content)
}

func TestDropSnapshotRemovesIt(t *testing.T) {
	svc := newTestService(t)

	conv, err := svc.Create("t", "")
	require.NoError(t, err)
	require.NoError(t, svc.AppendMessage(conv.ID, proto.Message{Role: proto.RoleUser, Content: "hi"}))

	snapID, err := svc.Snapshot(conv.ID)
	require.NoError(t, err)
	require.NoError(t, svc.DropSnapshot(conv.ID, snapID))

	err = svc.RestoreSnapshot(conv.ID, snapID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRestoreSnapshotRejectsWrongConversation(t *testing.T) {
	svc := newTestService(t)

	a, err := svc.Create("a", "")
	require.NoError(t, err)
	_, err = svc.Create("b", "")
	require.NoError(t, err)

	require.NoError(t, svc.AppendMessage(a.ID, proto.Message{Role: proto.RoleUser, Content: "hi"}))
	snapID, err := svc.Snapshot(a.ID)
	require.NoError(t, err)

	convs, err := svc.List(10, 0)
	require.NoError(t, err)
	var other string
	for _, c := range convs {
		if c.ID != a.ID {
			other = c.ID
		}
	}
	require.NotEmpty(t, other)

	err = svc.RestoreSnapshot(other, snapID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "belongs to conversation")
}
