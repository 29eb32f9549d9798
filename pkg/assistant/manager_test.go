package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/shopassist/pkg/orders"
	"github.com/harun/shopassist/pkg/ordertools"
	"github.com/harun/shopassist/pkg/prompt"
	"github.com/harun/shopassist/pkg/provider"
	"github.com/harun/shopassist/pkg/siteprofile"
	"github.com/harun/shopassist/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu      sync.Mutex
	exports []Export
	err     error
}

func (s *memorySink) Save(ctx context.Context, export Export) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exports = append(s.exports, export)
	return s.err
}

func (s *memorySink) last() (Export, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.exports) == 0 {
		return Export{}, false
	}
	return s.exports[len(s.exports)-1], true
}

var testProfile = siteprofile.Profile{
	CompanyName: "Minh Phát Computer",
	Phone:       "1900 1234",
	Email:       "hotro@minhphat.vn",
	Tone:        "thân thiện",
}

func testDirectory() *orders.MemoryDirectory {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return orders.NewMemoryDirectory([]orders.Order{
		{ID: "T100001", Email: "a@x.com", Phone: "0912345678", Status: "shipping", Total: 1500000, CreatedAt: base},
		{ID: "T100002", Email: "a@x.com", Phone: "0912345678", Status: "delivered", Total: 300000, CreatedAt: base.Add(24 * time.Hour)},
		{ID: "T200001", Email: "b@y.com", Phone: "0987654321", Status: "pending", Total: 99000, CreatedAt: base.Add(48 * time.Hour)},
	})
}

func newTestManager(t *testing.T, client provider.Client, mutate func(*Config)) (*Manager, *memorySink) {
	t.Helper()

	tools := toolexecutor.New(toolexecutor.Config{})
	require.NoError(t, ordertools.Register(tools, testDirectory()))

	sink := &memorySink{}
	cfg := Config{
		Client:            client,
		Tools:             tools,
		Profiles:          siteprofile.NewStore(testProfile),
		Sink:              sink,
		StreamIdleTimeout: -1,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	mgr, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.CloseAll() })
	return mgr, sink
}

func TestNewManager(t *testing.T) {
	t.Run("should require a profile store", func(t *testing.T) {
		_, err := NewManager(Config{Client: provider.NewScriptedClient()})
		assert.Error(t, err)
	})

	t.Run("should reject unknown turn policy", func(t *testing.T) {
		_, err := NewManager(Config{Profiles: siteprofile.NewStore(testProfile), TurnPolicy: "drop"})
		assert.Error(t, err)
	})

	t.Run("should apply defaults", func(t *testing.T) {
		mgr, err := NewManager(Config{Profiles: siteprofile.NewStore(testProfile)})
		require.NoError(t, err)
		assert.Equal(t, TurnPolicyReject, mgr.policy)
		assert.Equal(t, defaultMaxToolRounds, mgr.maxToolRounds)
		assert.Equal(t, defaultStreamIdleTimeout, mgr.idleTimeout)
		assert.NotNil(t, mgr.tools)
		assert.Nil(t, mgr.queue)
	})

	t.Run("should create a queue for the queue policy", func(t *testing.T) {
		mgr, err := NewManager(Config{Profiles: siteprofile.NewStore(testProfile), TurnPolicy: TurnPolicyQueue})
		require.NoError(t, err)
		assert.NotNil(t, mgr.queue)
		assert.NoError(t, mgr.CloseAll())
	})
}

func TestManager_Open(t *testing.T) {
	t.Run("should fail without a provider", func(t *testing.T) {
		mgr, _ := newTestManager(t, nil, nil)

		_, err := mgr.Open(context.Background(), OpenParams{})
		assert.ErrorIs(t, err, ErrProviderUnavailable)
		assert.Equal(t, 0, mgr.Len())
	})

	t.Run("should surface provider open failures", func(t *testing.T) {
		client := provider.NewScriptedClient()
		client.OpenErr = fmt.Errorf("%w: missing key", provider.ErrProviderUnavailable)
		mgr, _ := newTestManager(t, client, nil)

		_, err := mgr.Open(context.Background(), OpenParams{})
		assert.ErrorIs(t, err, ErrProviderUnavailable)
		assert.Equal(t, UnavailableText, UserNotice(err))
	})

	t.Run("should build system instruction and declare tools", func(t *testing.T) {
		client := provider.NewScriptedClient()
		mgr, _ := newTestManager(t, client, nil)

		conv, err := mgr.Open(context.Background(), OpenParams{Identity: &prompt.Identity{Email: "a@x.com"}})
		require.NoError(t, err)
		assert.NotEmpty(t, conv.ID())
		assert.Equal(t, StateIdle, conv.State())

		opened := client.Opened()
		require.Len(t, opened, 1)
		assert.Contains(t, opened[0].SystemInstruction, "Minh Phát Computer")
		assert.Contains(t, opened[0].SystemInstruction, "a@x.com")

		names := make([]string, 0, len(opened[0].Tools))
		for _, decl := range opened[0].Tools {
			names = append(names, decl.Name)
		}
		assert.ElementsMatch(t, []string{ordertools.GetOrderStatus, ordertools.LookupCustomerOrders}, names)
	})

	t.Run("should read the live profile at open", func(t *testing.T) {
		client := provider.NewScriptedClient()
		store := siteprofile.NewStore(testProfile)
		mgr, _ := newTestManager(t, client, func(cfg *Config) { cfg.Profiles = store })

		store.Set(siteprofile.Profile{CompanyName: "Cửa hàng mới", Phone: "028 000"})
		_, err := mgr.Open(context.Background(), OpenParams{})
		require.NoError(t, err)

		assert.Contains(t, client.Opened()[0].SystemInstruction, "Cửa hàng mới")
	})

	t.Run("should apply the configured instruction unless the open overrides it", func(t *testing.T) {
		client := provider.NewScriptedClient()
		mgr, _ := newTestManager(t, client, func(cfg *Config) { cfg.SystemInstruction = "Chỉ trả lời về bảo hành." })

		_, err := mgr.Open(context.Background(), OpenParams{})
		require.NoError(t, err)
		_, err = mgr.Open(context.Background(), OpenParams{SystemInstructionOverride: "Chỉ trả lời về đơn hàng."})
		require.NoError(t, err)

		opened := client.Opened()
		require.Len(t, opened, 2)
		assert.True(t, strings.HasPrefix(opened[0].SystemInstruction, "Chỉ trả lời về bảo hành."))
		assert.True(t, strings.HasPrefix(opened[1].SystemInstruction, "Chỉ trả lời về đơn hàng."))
		assert.Contains(t, opened[1].SystemInstruction, "Minh Phát Computer")
	})

	t.Run("should seed transcript and provider history", func(t *testing.T) {
		client := provider.NewScriptedClient()
		mgr, _ := newTestManager(t, client, nil)

		prior := []ChatMessage{
			{ID: "m1", Role: RoleUser, Text: "chào shop"},
			{ID: "m2", Role: RoleAssistant, Text: "Chào anh/chị!"},
			{ID: "m3", Role: RoleSystemError, Text: ApologyText},
		}
		conv, err := mgr.Open(context.Background(), OpenParams{PriorHistory: prior})
		require.NoError(t, err)

		assert.Len(t, conv.Transcript(), 3)
		assert.Equal(t, []provider.HistoryEntry{
			{Role: provider.RoleUser, Text: "chào shop"},
			{Role: provider.RoleModel, Text: "Chào anh/chị!"},
		}, client.Opened()[0].History)
	})

	t.Run("should reject a duplicate id", func(t *testing.T) {
		mgr, _ := newTestManager(t, provider.NewScriptedClient(), nil)

		_, err := mgr.Open(context.Background(), OpenParams{ID: "c1"})
		require.NoError(t, err)
		_, err = mgr.Open(context.Background(), OpenParams{ID: "c1"})
		assert.ErrorIs(t, err, ErrConversationOpen)
	})

	t.Run("should refuse an id whose open is still in flight", func(t *testing.T) {
		gate := make(chan struct{})
		client := provider.NewScriptedClient()
		client.OpenGate = gate
		mgr, _ := newTestManager(t, client, nil)

		errs := make(chan error, 2)
		for i := 0; i < 2; i++ {
			go func() {
				_, err := mgr.Open(context.Background(), OpenParams{ID: "resumed"})
				errs <- err
			}()
		}

		// One open holds the gate; the other must fail without waiting.
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrConversationOpen)
		case <-time.After(2 * time.Second):
			t.Fatal("second open was not refused")
		}
		close(gate)
		assert.NoError(t, <-errs)

		assert.Equal(t, 1, mgr.Len())
		assert.Len(t, client.Opened(), 1)
	})

	t.Run("should free the id when the provider open fails", func(t *testing.T) {
		client := provider.NewScriptedClient()
		client.OpenErr = fmt.Errorf("%w: quota", provider.ErrProviderUnavailable)
		mgr, _ := newTestManager(t, client, nil)

		_, err := mgr.Open(context.Background(), OpenParams{ID: "c2"})
		require.Error(t, err)

		client.OpenErr = nil
		conv, err := mgr.Open(context.Background(), OpenParams{ID: "c2"})
		require.NoError(t, err)
		assert.Equal(t, "c2", conv.ID())
	})
}

func TestManager_Registry(t *testing.T) {
	mgr, sink := newTestManager(t, provider.NewScriptedClient(), nil)

	a, err := mgr.Open(context.Background(), OpenParams{})
	require.NoError(t, err)
	_, err = mgr.Open(context.Background(), OpenParams{})
	require.NoError(t, err)
	assert.Equal(t, 2, mgr.Len())

	got, ok := mgr.Get(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)

	require.NoError(t, a.Close())
	_, ok = mgr.Get(a.ID())
	assert.False(t, ok)
	assert.Equal(t, 1, mgr.Len())

	require.NoError(t, mgr.CloseAll())
	assert.Equal(t, 0, mgr.Len())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.exports, 2)
}

func TestManager_CloseAllReportsSinkErrors(t *testing.T) {
	mgr, sink := newTestManager(t, provider.NewScriptedClient(), nil)
	sink.err = errors.New("disk full")

	_, err := mgr.Open(context.Background(), OpenParams{})
	require.NoError(t, err)

	err = mgr.CloseAll()
	assert.ErrorContains(t, err, "disk full")
}

func TestUserNotice(t *testing.T) {
	assert.Equal(t, "", UserNotice(nil))
	assert.Equal(t, UnavailableText, UserNotice(fmt.Errorf("x: %w", ErrProviderUnavailable)))
	assert.Equal(t, RetryText, UserNotice(fmt.Errorf("x: %w", ErrMalformedProviderOutput)))
	assert.Equal(t, ApologyText, UserNotice(fmt.Errorf("x: %w", ErrTransport)))
}
