package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	cfg := createTestConfig(t)
	d := createTestDaemon(t, cfg)
	defer d.Close()

	lm := NewLifecycleManager(d)
	assert.Equal(t, d, lm.daemon)
	assert.Equal(t, filepath.Join(cfg.DataDir, "shopassist.pid"), lm.pidFile)
}

func TestLifecycleManagerStartStop(t *testing.T) {
	d := createTestDaemon(t, createTestConfig(t))
	defer d.Close()
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())

	pid, err := ReadPID(lm.pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.pidFile)
	assert.True(t, os.IsNotExist(err))

	// Stopping twice is harmless.
	assert.NoError(t, lm.Stop())
}

func TestLifecycleManagerStaleFile(t *testing.T) {
	d := createTestDaemon(t, createTestConfig(t))
	defer d.Close()
	lm := NewLifecycleManager(d)

	t.Run("should replace a PID file with garbage", func(t *testing.T) {
		require.NoError(t, os.WriteFile(lm.pidFile, []byte("not-a-pid"), 0644))
		require.NoError(t, lm.Start())
		defer lm.Stop()

		pid, err := ReadPID(lm.pidFile)
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	})

	t.Run("should refuse to start over a live process", func(t *testing.T) {
		require.NoError(t, os.WriteFile(lm.pidFile, []byte(strconv.Itoa(os.Getppid())), 0644))
		defer os.Remove(lm.pidFile)

		err := lm.Start()
		assert.ErrorContains(t, err, "another daemon is running")
	})
}

func TestRunningPID(t *testing.T) {
	t.Run("should report not running without a PID file", func(t *testing.T) {
		_, err := RunningPID(t.TempDir())
		assert.ErrorIs(t, err, ErrNotRunning)
	})

	t.Run("should reject a malformed PID file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(PIDFilePath(dir), []byte("-4"), 0644))
		_, err := RunningPID(dir)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotRunning)
	})

	t.Run("should find a live process", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(PIDFilePath(dir), []byte(strconv.Itoa(os.Getpid())+"\n"), 0644))
		pid, err := RunningPID(dir)
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	})

	t.Run("should not signal when nothing runs", func(t *testing.T) {
		_, err := SignalStop(t.TempDir())
		assert.ErrorIs(t, err, ErrNotRunning)
	})
}
