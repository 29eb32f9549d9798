// Package ordertools implements the order lookup tools offered to the model.
package ordertools

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/shopassist/pkg/orders"
	"github.com/harun/shopassist/pkg/toolexecutor"
)

// Tool names as declared to the provider.
const (
	GetOrderStatus       = "getOrderStatus"
	LookupCustomerOrders = "lookupCustomerOrders"
)

// MaxCustomerOrders caps the orders returned by lookupCustomerOrders.
const MaxCustomerOrders = 5

const (
	getOrderStatusDescription = "Tra cứu trạng thái một đơn hàng theo mã đơn. " +
		"Dùng khi khách cung cấp mã đơn (ví dụ T123456 hoặc #123456, có thể chỉ là phần cuối của mã). " +
		"Look up a single order by its order code or the trailing part of it."
	lookupCustomerOrdersDescription = "Tìm các đơn hàng gần nhất của khách theo số điện thoại, email hoặc mã tài khoản. " +
		"Ưu tiên dùng thông tin định danh của khách đã biết thay vì hỏi lại. " +
		"Find a customer's most recent orders by phone, email or account id."
)

// Register adds both order tools to exec, backed by dir.
func Register(exec *toolexecutor.ToolExecutor, dir orders.Directory) error {
	t := &tools{dir: dir}
	defs := []toolexecutor.ToolDefinition{
		{
			Name:        GetOrderStatus,
			Description: getOrderStatusDescription,
			Parameters: []toolexecutor.ToolParameter{{
				Name:        "orderId",
				Description: "Mã đơn hàng hoặc phần cuối của mã, ví dụ T123456 / order code",
				Required:    true,
				MaxLength:   64,
			}},
			Handler: t.getOrderStatus,
		},
		{
			Name:        LookupCustomerOrders,
			Description: lookupCustomerOrdersDescription,
			Parameters: []toolexecutor.ToolParameter{{
				Name:        "identifier",
				Description: "Số điện thoại, email hoặc mã tài khoản của khách / phone, email or account id",
				Required:    true,
				MaxLength:   254,
			}},
			Handler: t.lookupCustomerOrders,
		},
	}
	for _, def := range defs {
		if err := exec.RegisterTool(def); err != nil {
			return fmt.Errorf("failed to register %s: %w", def.Name, err)
		}
	}
	return nil
}

type tools struct {
	dir orders.Directory
}

func (t *tools) getOrderStatus(ctx context.Context, args toolexecutor.Arguments) (toolexecutor.Result, error) {
	frag := orders.NormalizeOrderID(args["orderId"])
	if frag == "" {
		return toolexecutor.Result{"found": false, "error": toolexecutor.ErrCodeInvalidArguments}, nil
	}

	o, err := t.dir.FindByOrderIDSuffix(ctx, frag)
	if err != nil {
		return nil, lookupError(ctx, GetOrderStatus, err)
	}
	if o == nil {
		return toolexecutor.Result{"found": false}, nil
	}

	items := make([]map[string]any, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, map[string]any{
			"name":     it.Name,
			"quantity": it.Quantity,
			"price":    it.Price,
		})
	}
	return toolexecutor.Result{
		"found":     true,
		"orderId":   o.ID,
		"status":    o.Status,
		"total":     o.Total,
		"createdAt": o.CreatedAt.Format(time.RFC3339),
		"items":     items,
	}, nil
}

func (t *tools) lookupCustomerOrders(ctx context.Context, args toolexecutor.Arguments) (toolexecutor.Result, error) {
	list, err := t.dir.FindByIdentifier(ctx, args["identifier"])
	if err != nil {
		return nil, lookupError(ctx, LookupCustomerOrders, err)
	}

	total := len(list)
	if len(list) > MaxCustomerOrders {
		list = list[:MaxCustomerOrders]
	}
	summaries := make([]map[string]any, 0, len(list))
	for _, o := range list {
		summaries = append(summaries, summarize(o))
	}
	return toolexecutor.Result{
		"count":  len(summaries),
		"total":  total,
		"orders": summaries,
	}, nil
}

// lookupError names the failing call so the executor's log line can be
// matched to the model's tool call.
func lookupError(ctx context.Context, tool string, err error) error {
	if inv, ok := toolexecutor.InvocationFromContext(ctx); ok && inv.InvocationID != "" {
		return fmt.Errorf("%s call %s: %w", tool, inv.InvocationID, err)
	}
	return fmt.Errorf("%s: %w", tool, err)
}

func summarize(o orders.Order) map[string]any {
	qty := 0
	for _, it := range o.Items {
		qty += it.Quantity
	}
	return map[string]any{
		"orderId":   o.ID,
		"status":    o.Status,
		"total":     o.Total,
		"createdAt": o.CreatedAt.Format(time.RFC3339),
		"itemCount": qty,
	}
}
