package siteprofile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
company_name: Minh Phát Computer
phone: "1900 1234"
email: hotro@minhphat.vn
address: 12 Lê Lợi, Quận 1, TP.HCM
tone: thân thiện, ngắn gọn
`

func TestParse(t *testing.T) {
	t.Run("should decode fields", func(t *testing.T) {
		p, err := Parse([]byte(sampleYAML))
		require.NoError(t, err)
		assert.Equal(t, "Minh Phát Computer", p.CompanyName)
		assert.Equal(t, "1900 1234", p.Phone)
		assert.Equal(t, "thân thiện, ngắn gọn", p.Tone)
	})

	t.Run("should reject missing company", func(t *testing.T) {
		_, err := Parse([]byte("phone: 1"))
		assert.Error(t, err)
	})

	t.Run("should reject missing contact", func(t *testing.T) {
		_, err := Parse([]byte("company_name: X"))
		assert.Error(t, err)
	})

	t.Run("should reject malformed yaml", func(t *testing.T) {
		_, err := Parse([]byte("company_name: [unclosed"))
		assert.Error(t, err)
	})
}

func TestStore_SnapshotIsolation(t *testing.T) {
	s := NewStore(Profile{CompanyName: "A", Phone: "1"})
	snap := s.Current()

	s.Set(Profile{CompanyName: "B", Phone: "2"})

	assert.Equal(t, "A", snap.CompanyName)
	assert.Equal(t, "B", s.Current().CompanyName)
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "site.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	initial, err := LoadFile(path)
	require.NoError(t, err)
	store := NewStore(initial)

	reloaded := make(chan Profile, 4)
	w, err := NewWatcher(WatcherConfig{
		Path:     path,
		Store:    store,
		Debounce: 20 * time.Millisecond,
		OnReload: func(p Profile) { reloaded <- p },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte("company_name: [broken"), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "Minh Phát Computer", store.Current().CompanyName, "invalid edits keep the old profile")

	require.NoError(t, os.WriteFile(path, []byte("company_name: Minh Phát 2\nemail: a@b.vn\n"), 0o600))

	select {
	case p := <-reloaded:
		assert.Equal(t, "Minh Phát 2", p.CompanyName)
	case <-time.After(2 * time.Second):
		t.Fatal("profile was not reloaded")
	}
	assert.Equal(t, "Minh Phát 2", store.Current().CompanyName)
}
