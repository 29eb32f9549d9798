package ordertools

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/harun/shopassist/pkg/orders"
	"github.com/harun/shopassist/pkg/provider"
	"github.com/harun/shopassist/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingDirectory struct{}

func (failingDirectory) FindByOrderIDSuffix(context.Context, string) (*orders.Order, error) {
	return nil, errors.New("disk I/O error")
}

func (failingDirectory) FindByIdentifier(context.Context, string) ([]orders.Order, error) {
	return nil, errors.New("disk I/O error")
}

func setupExecutor(t *testing.T, dir orders.Directory) *toolexecutor.ToolExecutor {
	t.Helper()
	exec := toolexecutor.New(toolexecutor.Config{})
	require.NoError(t, Register(exec, dir))
	return exec
}

func sampleOrders(n int) []orders.Order {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	list := make([]orders.Order, 0, n)
	for i := 0; i < n; i++ {
		list = append(list, orders.Order{
			ID:        fmt.Sprintf("T10000%d", i),
			Email:     "a@x.com",
			Status:    "delivered",
			Total:     int64(100000 * (i + 1)),
			Items:     []orders.Item{{Name: "Cáp", Quantity: 2, Price: 50000}},
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	return list
}

func TestRegister_Declarations(t *testing.T) {
	exec := setupExecutor(t, orders.NewMemoryDirectory(nil))

	decls := exec.Declarations()
	require.Len(t, decls, 2)
	assert.Equal(t, GetOrderStatus, decls[0].Name)
	assert.Equal(t, "orderId", decls[0].Parameters[0].Name)
	assert.True(t, decls[0].Parameters[0].Required)
	assert.Equal(t, LookupCustomerOrders, decls[1].Name)
	assert.Equal(t, "identifier", decls[1].Parameters[0].Name)
	assert.NotEmpty(t, decls[1].Description)
}

func TestGetOrderStatus(t *testing.T) {
	ctx := context.Background()
	exec := setupExecutor(t, orders.NewMemoryDirectory(sampleOrders(2)))

	t.Run("should return order details for a trailing fragment", func(t *testing.T) {
		res := exec.Execute(ctx, provider.ToolCallRequest{Name: GetOrderStatus, Arguments: map[string]string{"orderId": "#100001"}})
		assert.Equal(t, true, res["found"])
		assert.Equal(t, "T100001", res["orderId"])
		assert.Equal(t, "delivered", res["status"])
		assert.Len(t, res["items"], 1)
	})

	t.Run("should report not found for unknown suffix", func(t *testing.T) {
		responses := exec.Dispatch(ctx, []provider.ToolCallRequest{
			{InvocationID: "c1", Name: GetOrderStatus, Arguments: map[string]string{"orderId": "t999999"}},
		})
		require.Len(t, responses, 1)
		assert.Equal(t, "c1", responses[0].InvocationID)
		assert.Equal(t, map[string]any{"found": false}, responses[0].Result)
	})

	t.Run("should flag blank order id", func(t *testing.T) {
		res := exec.Execute(ctx, provider.ToolCallRequest{Name: GetOrderStatus, Arguments: map[string]string{"orderId": " # "}})
		assert.Equal(t, false, res["found"])
		assert.Equal(t, toolexecutor.ErrCodeInvalidArguments, res["error"])
	})

	t.Run("should reject missing argument", func(t *testing.T) {
		res := exec.Execute(ctx, provider.ToolCallRequest{Name: GetOrderStatus})
		assert.Equal(t, false, res["found"])
		assert.Equal(t, toolexecutor.ErrCodeInvalidArguments, res["error"])
	})
}

func TestLookupCustomerOrders(t *testing.T) {
	ctx := context.Background()

	t.Run("should cap results at five and report total", func(t *testing.T) {
		exec := setupExecutor(t, orders.NewMemoryDirectory(sampleOrders(7)))

		res := exec.Execute(ctx, provider.ToolCallRequest{Name: LookupCustomerOrders, Arguments: map[string]string{"identifier": "A@X.COM"}})
		assert.Equal(t, MaxCustomerOrders, res["count"])
		assert.Equal(t, 7, res["total"])

		list := res["orders"].([]map[string]any)
		require.Len(t, list, MaxCustomerOrders)
		assert.Equal(t, "T100006", list[0]["orderId"], "newest first")
		assert.Equal(t, 2, list[0]["itemCount"])
	})

	t.Run("should return two orders for known email", func(t *testing.T) {
		exec := setupExecutor(t, orders.NewMemoryDirectory(sampleOrders(2)))

		res := exec.Execute(ctx, provider.ToolCallRequest{Name: LookupCustomerOrders, Arguments: map[string]string{"identifier": "a@x.com"}})
		assert.Equal(t, 2, res["count"])
	})

	t.Run("should return empty list for unknown identifier", func(t *testing.T) {
		exec := setupExecutor(t, orders.NewMemoryDirectory(sampleOrders(2)))

		res := exec.Execute(ctx, provider.ToolCallRequest{Name: LookupCustomerOrders, Arguments: map[string]string{"identifier": "nobody@x.com"}})
		assert.Equal(t, 0, res["count"])
		assert.Empty(t, res["orders"])
	})
}

func TestDirectoryFailureBecomesResult(t *testing.T) {
	exec := setupExecutor(t, failingDirectory{})

	responses := exec.Dispatch(context.Background(), []provider.ToolCallRequest{
		{InvocationID: "1", Name: GetOrderStatus, Arguments: map[string]string{"orderId": "T1"}},
		{InvocationID: "2", Name: LookupCustomerOrders, Arguments: map[string]string{"identifier": "a@x.com"}},
	})

	require.Len(t, responses, 2)
	for _, r := range responses {
		assert.Equal(t, false, r.Result["found"])
		assert.Equal(t, toolexecutor.ErrCodeLookupFailed, r.Result["error"])
	}
}

func TestLookupErrorNamesInvocation(t *testing.T) {
	tl := &tools{dir: failingDirectory{}}

	t.Run("should name the invocation when one is attached", func(t *testing.T) {
		ctx := toolexecutor.ContextWithInvocation(context.Background(), provider.ToolCallRequest{InvocationID: "inv-7", Name: GetOrderStatus})
		_, err := tl.getOrderStatus(ctx, toolexecutor.Arguments{"orderId": "T1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "getOrderStatus call inv-7")
		assert.Contains(t, err.Error(), "disk I/O error")
	})

	t.Run("should name only the tool without an invocation", func(t *testing.T) {
		_, err := tl.lookupCustomerOrders(context.Background(), toolexecutor.Arguments{"identifier": "a@x.com"})
		require.Error(t, err)
		assert.Equal(t, "lookupCustomerOrders: disk I/O error", err.Error())
	})
}
