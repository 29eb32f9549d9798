package transcript

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRetention(t *testing.T) {
	store := newStore(t)

	t.Run("should apply defaults", func(t *testing.T) {
		r, err := NewRetention(store, RetentionConfig{})
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxAge, r.maxAge)
		assert.Equal(t, DefaultSchedule, r.schedule)
	})

	t.Run("should accept descriptors", func(t *testing.T) {
		_, err := NewRetention(store, RetentionConfig{Schedule: "@hourly"})
		assert.NoError(t, err)
	})

	t.Run("should reject invalid schedule", func(t *testing.T) {
		_, err := NewRetention(store, RetentionConfig{Schedule: "every day"})
		assert.Error(t, err)
	})

	t.Run("should reject negative age", func(t *testing.T) {
		_, err := NewRetention(store, RetentionConfig{MaxAge: -time.Hour})
		assert.Error(t, err)
	})
}

func TestRetention_StartStop(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Save(context.Background(), sampleExport("stale")))
	past := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(store.dir, "stale.jsonl"), past, past))

	r, err := NewRetention(store, RetentionConfig{MaxAge: 24 * time.Hour, Schedule: "@daily"})
	require.NoError(t, err)

	require.NoError(t, r.Start())
	assert.True(t, r.IsRunning())
	assert.Error(t, r.Start())

	require.Eventually(t, func() bool {
		list, err := store.List()
		return err == nil && len(list) == 0
	}, time.Second, 10*time.Millisecond, "start prunes right away")

	require.NoError(t, r.Stop())
	assert.False(t, r.IsRunning())
	assert.Error(t, r.Stop())
}

func TestRetention_RunNow(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Save(context.Background(), sampleExport("fresh")))

	r, err := NewRetention(store, RetentionConfig{MaxAge: time.Hour})
	require.NoError(t, err)

	deleted, err := r.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}
