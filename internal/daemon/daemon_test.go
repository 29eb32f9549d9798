package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/shopassist/internal/config"
	"github.com/harun/shopassist/internal/logger"
	"github.com/harun/shopassist/pkg/orders"
	"github.com/harun/shopassist/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

// createTestConfig builds a config backed by a scripted provider, seeded
// orders and a temp data directory.
func createTestConfig(t *testing.T, replies ...provider.ScriptedReply) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()

	scriptPath := filepath.Join(tmpDir, "script.json")
	writeJSON(t, scriptPath, provider.Script{Replies: replies})

	seedPath := filepath.Join(tmpDir, "orders.json")
	writeJSON(t, seedPath, []orders.Order{{
		ID:           "T123456",
		CustomerName: "Nguyễn Văn An",
		Phone:        "0901234567",
		Email:        "an@example.com",
		Status:       "shipping",
		Total:        15990000,
		Items:        []orders.Item{{Name: "Laptop Dell Inspiron 15", Quantity: 1, Price: 15990000}},
		CreatedAt:    time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
	}})

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Provider.Name = provider.NameScripted
	cfg.Provider.ScriptPath = scriptPath
	cfg.Site.CompanyName = "Minh Phát Computer"
	cfg.Site.Phone = "1900 1234"
	cfg.Orders.Path = filepath.Join(tmpDir, "orders.db")
	cfg.Orders.SeedFile = seedPath
	cfg.Transcripts.Dir = filepath.Join(tmpDir, "transcripts")
	cfg.Gateway.Port = freePort(t)
	cfg.Gateway.TickInterval = 0
	cfg.Logging.File = ""
	return cfg
}

func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, createTestConfig(t))
	defer d.Close()

	assert.NotNil(t, d.client)
	assert.NotNil(t, d.sqliteDir)
	assert.NotNil(t, d.manager)
	assert.NotNil(t, d.gatewayServer)
	assert.NotNil(t, d.retention)
	assert.NotNil(t, d.lifecycle)
	assert.ElementsMatch(t, []string{"getOrderStatus", "lookupCustomerOrders"}, d.tools.ListTools())
	assert.Equal(t, "Minh Phát Computer", d.profiles.Current().CompanyName)
}

func TestNewVariants(t *testing.T) {
	t.Run("should keep running without a provider", func(t *testing.T) {
		cfg := createTestConfig(t)
		cfg.Provider.ScriptPath = filepath.Join(cfg.DataDir, "missing.json")

		d := createTestDaemon(t, cfg)
		defer d.Close()

		assert.Nil(t, d.client)
		assert.NotNil(t, d.manager)
	})

	t.Run("should serve orders from memory", func(t *testing.T) {
		cfg := createTestConfig(t)
		cfg.Orders.Driver = "memory"

		d := createTestDaemon(t, cfg)
		defer d.Close()

		assert.Nil(t, d.sqliteDir)
		assert.IsType(t, &orders.MemoryDirectory{}, d.orderDir)
	})

	t.Run("should load the profile file and watch it", func(t *testing.T) {
		cfg := createTestConfig(t)
		cfg.Site.CompanyName = ""
		cfg.Site.ProfilePath = filepath.Join(cfg.DataDir, "site.yaml")
		cfg.Site.Watch = true
		require.NoError(t, os.WriteFile(cfg.Site.ProfilePath, []byte("company_name: Phong Vũ\nemail: hotro@phongvu.vn\n"), 0644))

		d := createTestDaemon(t, cfg)
		defer d.Close()

		assert.Equal(t, "Phong Vũ", d.profiles.Current().CompanyName)
		assert.NotNil(t, d.watcher)
	})

	t.Run("should skip transcripts when disabled", func(t *testing.T) {
		cfg := createTestConfig(t)
		cfg.Transcripts.Enabled = false

		d := createTestDaemon(t, cfg)
		defer d.Close()

		assert.Nil(t, d.Transcripts())
		assert.Nil(t, d.retention)
	})

	t.Run("should reject an invalid config", func(t *testing.T) {
		cfg := createTestConfig(t)
		cfg.Assistant.TurnPolicy = "drop"

		log, err := logger.New(logger.Config{Level: "info"})
		require.NoError(t, err)
		defer log.Close()

		_, err = New(cfg, log)
		assert.ErrorContains(t, err, "invalid configuration")
	})

	t.Run("should fail on a broken seed file", func(t *testing.T) {
		cfg := createTestConfig(t)
		require.NoError(t, os.WriteFile(cfg.Orders.SeedFile, []byte(`[{"status":"new"}]`), 0644))

		log, err := logger.New(logger.Config{Level: "info"})
		require.NoError(t, err)
		defer log.Close()

		_, err = New(cfg, log)
		assert.ErrorContains(t, err, "order seed")
	})
}

func TestDaemonStartStop(t *testing.T) {
	d := createTestDaemon(t, createTestConfig(t))

	assert.False(t, d.Status().Running)
	assert.Equal(t, time.Duration(0), d.Status().Uptime)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	time.Sleep(20 * time.Millisecond)
	status := d.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))

	pid, err := RunningPID(d.config.DataDir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop())
	assert.Error(t, d.Start())

	_, err = RunningPID(d.config.DataDir)
	assert.ErrorIs(t, err, ErrNotRunning)
}

type wsFrame map[string]interface{}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f wsFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func callRPC(t *testing.T, conn *websocket.Conn, id, method string, params interface{}) wsFrame {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": id, "method": method, "params": params,
	}))
	for {
		f := readFrame(t, conn)
		if f["id"] == id {
			return f
		}
	}
}

func TestDaemonServesConversation(t *testing.T) {
	cfg := createTestConfig(t,
		provider.ScriptedReply{Fragments: []provider.ScriptedFragment{{
			ToolCall: &provider.ScriptedToolCall{Name: "getOrderStatus", Arguments: map[string]string{"orderId": "123456"}},
		}}},
		provider.ScriptedReply{Fragments: []provider.ScriptedFragment{
			{Text: "Đơn T123456 của anh "},
			{Text: "đang được giao ạ."},
		}},
	)
	d := createTestDaemon(t, cfg)
	require.NoError(t, d.Start())
	defer d.Stop()

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.Gateway.Port)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "connected", readFrame(t, conn)["event"])

	opened := callRPC(t, conn, "1", "conversation.open", map[string]interface{}{})
	require.Nil(t, opened["error"])
	result := opened["result"].(map[string]interface{})
	conversationID, _ := result["conversation_id"].(string)
	require.NotEmpty(t, conversationID)

	submitted := callRPC(t, conn, "2", "conversation.submit", map[string]interface{}{"text": "Đơn 123456 của tôi tới đâu rồi?"})
	require.Nil(t, submitted["error"])
	assert.Equal(t, "committed", submitted["result"].(map[string]interface{})["state"])

	closed := callRPC(t, conn, "3", "conversation.close", map[string]interface{}{})
	require.Nil(t, closed["error"])
	assert.Equal(t, true, closed["result"].(map[string]interface{})["saved"])

	export, err := d.Transcripts().Load(t.Context(), conversationID)
	require.NoError(t, err)
	require.Len(t, export.Messages, 2)
	assert.Equal(t, "Đơn T123456 của anh đang được giao ạ.", export.Messages[1].Text)
}

func TestDaemonCloseDrainsRunningTurns(t *testing.T) {
	d := createTestDaemon(t, createTestConfig(t))

	started := make(chan struct{})
	finished := make(chan bool, 1)
	go func() {
		_ = d.queue.Enqueue(context.Background(), "conv-1", func(ctx context.Context) error {
			close(started)
			select {
			case <-time.After(50 * time.Millisecond):
				finished <- true
			case <-ctx.Done():
				finished <- false
			}
			return nil
		})
	}()
	<-started

	require.NoError(t, d.Close())
	assert.True(t, <-finished, "running turn should finish before the queue is closed")
}
