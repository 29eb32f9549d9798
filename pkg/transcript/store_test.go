package transcript

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/shopassist/pkg/assistant"
	"github.com/harun/shopassist/pkg/prompt"
	"github.com/harun/shopassist/pkg/provider"
	"github.com/harun/shopassist/pkg/siteprofile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return store
}

func sampleExport(id string) assistant.Export {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	return assistant.Export{
		ConversationID: id,
		Provider:       "gemini",
		Identity:       &prompt.Identity{Email: "a@x.com"},
		StartedAt:      start,
		Messages: []assistant.ChatMessage{
			{ID: "m1", Role: assistant.RoleUser, Text: "đơn hàng của tôi", CreatedAt: start},
			{ID: "m2", Role: assistant.RoleAssistant, Text: "Anh/chị có 2 đơn hàng.", CreatedAt: start.Add(time.Second)},
		},
	}
}

func TestNew(t *testing.T) {
	t.Run("should create directory with restricted permissions", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "transcripts")
		_, err := New(dir, nil)
		require.NoError(t, err)

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	})

	t.Run("should require a directory", func(t *testing.T) {
		_, err := New("", nil)
		assert.Error(t, err)
	})
}

func TestStore_SaveLoad(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	export := sampleExport("conv-1")

	require.NoError(t, store.Save(ctx, export))

	loaded, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", loaded.ConversationID)
	assert.Equal(t, "gemini", loaded.Provider)
	require.NotNil(t, loaded.Identity)
	assert.Equal(t, "a@x.com", loaded.Identity.Email)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, export.Messages[1].Text, loaded.Messages[1].Text)
	assert.True(t, export.StartedAt.Equal(loaded.StartedAt))

	info, err := os.Stat(filepath.Join(store.dir, "conv-1.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	t.Run("later saves replace the file", func(t *testing.T) {
		export.Messages = append(export.Messages, assistant.ChatMessage{ID: "m3", Role: assistant.RoleSystemError, Text: assistant.ApologyText})
		export.EndedAt = export.StartedAt.Add(time.Minute)
		require.NoError(t, store.Save(ctx, export))

		loaded, err := store.Load(ctx, "conv-1")
		require.NoError(t, err)
		assert.Len(t, loaded.Messages, 3)
		assert.False(t, loaded.EndedAt.IsZero())

		_, err = os.Stat(filepath.Join(store.dir, "conv-1.jsonl.tmp"))
		assert.True(t, os.IsNotExist(err))
	})
}

func TestStore_Load(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	t.Run("should report unknown conversations", func(t *testing.T) {
		_, err := store.Load(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should skip malformed lines", func(t *testing.T) {
		content := `{"type":"conversation","conversation":{"id":"c2","provider":"openai","started_at":"2024-06-01T10:00:00Z"}}
not json
{"type":"message","message":{"id":"m1","role":"user","text":"alo","created_at":"2024-06-01T10:00:01Z"}}
{"type":"message","message":{"id":"m2","text":"no role"}}
{"type":"unknown"}

{"type":"message","message":{"id":"m3","role":"assistant","text":"Dạ","created_at":"2024-06-01T10:00:02Z"}}
`
		require.NoError(t, os.WriteFile(filepath.Join(store.dir, "c2.jsonl"), []byte(content), 0o600))

		loaded, err := store.Load(ctx, "c2")
		require.NoError(t, err)
		assert.Equal(t, "openai", loaded.Provider)
		require.Len(t, loaded.Messages, 2)
		assert.Equal(t, "alo", loaded.Messages[0].Text)
		assert.Equal(t, "Dạ", loaded.Messages[1].Text)
	})
}

func TestStore_RejectsUnsafeIDs(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "../etc/passwd", "a/b", `a\b`, "a\x00b"} {
		assert.Error(t, store.Save(ctx, sampleExport(id)), "id %q", id)
		_, err := store.Load(ctx, id)
		assert.Error(t, err, "id %q", id)
		assert.Error(t, store.Delete(ctx, id), "id %q", id)
	}
}

func TestStore_ListDeletePrune(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"old", "recent"} {
		require.NoError(t, store.Save(ctx, sampleExport(id)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(store.dir, "notes.txt"), []byte("x"), 0o600))

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(store.dir, "old.jsonl"), past, past))

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "old", list[0].ConversationID, "oldest first")
	assert.Positive(t, list[1].Size)

	deleted, err := store.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Load(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Load(ctx, "recent")
	assert.NoError(t, err)

	_, err = store.Prune(ctx, 0)
	assert.Error(t, err)

	require.NoError(t, store.Delete(ctx, "recent"))
	require.NoError(t, store.Delete(ctx, "recent"), "deleting twice is fine")
	list, err = store.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStore_AsConversationSink(t *testing.T) {
	store := newStore(t)
	client := provider.NewScriptedClient(
		provider.ScriptedReply{Fragments: []provider.ScriptedFragment{{Text: "Chào anh/chị!"}}},
	)
	mgr, err := assistant.NewManager(assistant.Config{
		Client:            client,
		Profiles:          siteprofile.NewStore(siteprofile.Profile{CompanyName: "Minh Phát", Phone: "1900 1234"}),
		Sink:              store,
		StreamIdleTimeout: -1,
	})
	require.NoError(t, err)
	ctx := context.Background()

	conv, err := mgr.Open(ctx, assistant.OpenParams{ID: "web-42"})
	require.NoError(t, err)
	require.NoError(t, conv.SubmitTurn(ctx, assistant.TurnInput{Text: "chào shop"}))
	require.NoError(t, conv.Close())

	saved, err := store.Load(ctx, "web-42")
	require.NoError(t, err)
	require.Len(t, saved.Messages, 2)
	assert.Equal(t, provider.NameScripted, saved.Provider)

	t.Run("saved transcript resumes a conversation", func(t *testing.T) {
		resumed, err := mgr.Open(ctx, assistant.OpenParams{ID: "web-42", PriorHistory: saved.Messages})
		require.NoError(t, err)
		defer resumed.Close()

		assert.Len(t, resumed.Transcript(), 2)
		opened := client.Opened()
		assert.Len(t, opened[len(opened)-1].History, 2)
	})
}
