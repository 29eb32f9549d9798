package stream

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/harun/shopassist/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceStream replays fragments and then fails with err, or ends cleanly.
type sliceStream struct {
	frags  []provider.Fragment
	err    error
	pos    int
	closed bool
}

func (s *sliceStream) Next() (provider.Fragment, error) {
	if s.pos < len(s.frags) {
		f := s.frags[s.pos]
		s.pos++
		return f, nil
	}
	if s.err != nil {
		return provider.Fragment{}, s.err
	}
	return provider.Fragment{Kind: provider.EndOfStream}, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

func text(t string) provider.Fragment {
	return provider.Fragment{Kind: provider.TextDelta, Text: t}
}

func call(id, name string, args map[string]string) provider.Fragment {
	return provider.Fragment{Kind: provider.ToolCallDelta, ToolCall: &provider.ToolCallRequest{InvocationID: id, Name: name, Arguments: args}}
}

func TestConsume(t *testing.T) {
	ctx := context.Background()

	t.Run("should concatenate text in arrival order", func(t *testing.T) {
		s := &sliceStream{frags: []provider.Fragment{text("Đơn "), text("hàng "), text("đã giao.")}}
		var updates []string

		res, err := Consume(ctx, s, "", Hooks{OnText: func(full string) { updates = append(updates, full) }})
		require.NoError(t, err)

		assert.Equal(t, "Đơn hàng đã giao.", res.Text)
		assert.Equal(t, []string{"Đơn ", "Đơn hàng ", "Đơn hàng đã giao."}, updates)
		assert.Empty(t, res.ToolCalls)
		assert.True(t, s.closed)
	})

	t.Run("incremental updates should equal one pass concatenation", func(t *testing.T) {
		parts := []string{"a", "", "bc", "d", "ef", "ghi"}
		frags := make([]provider.Fragment, 0, len(parts))
		for _, p := range parts {
			frags = append(frags, text(p))
		}

		var last string
		res, err := Consume(ctx, &sliceStream{frags: frags}, "", Hooks{OnText: func(full string) { last = full }})
		require.NoError(t, err)

		assert.Equal(t, strings.Join(parts, ""), res.Text)
		assert.Equal(t, res.Text, last)
	})

	t.Run("should collect every tool call in the batch", func(t *testing.T) {
		s := &sliceStream{frags: []provider.Fragment{
			text("Để mình kiểm tra. "),
			call("1", "getOrderStatus", map[string]string{"orderId": "T1"}),
			call("2", "lookupCustomerOrders", map[string]string{"identifier": "a@x.com"}),
		}}

		res, err := Consume(ctx, s, "", Hooks{})
		require.NoError(t, err)
		require.Len(t, res.ToolCalls, 2)
		assert.Equal(t, "1", res.ToolCalls[0].InvocationID)
		assert.Equal(t, "lookupCustomerOrders", res.ToolCalls[1].Name)
		assert.Equal(t, "Để mình kiểm tra. ", res.Text)
	})

	t.Run("should continue from seed text", func(t *testing.T) {
		var last string
		res, err := Consume(ctx, &sliceStream{frags: []provider.Fragment{text("tiếp")}}, "mở đầu ", Hooks{OnText: func(full string) { last = full }})
		require.NoError(t, err)
		assert.Equal(t, "mở đầu tiếp", res.Text)
		assert.Equal(t, "mở đầu tiếp", last)
	})

	t.Run("should break the paragraph after a seed ending in punctuation", func(t *testing.T) {
		frags := []provider.Fragment{text("Đơn "), text("đang giao.")}
		res, err := Consume(ctx, &sliceStream{frags: frags}, "Để tôi kiểm tra.", Hooks{})
		require.NoError(t, err)
		assert.Equal(t, "Để tôi kiểm tra.\n\nĐơn đang giao.", res.Text)
	})

	t.Run("should leave the seed alone when no text follows", func(t *testing.T) {
		res, err := Consume(ctx, &sliceStream{frags: []provider.Fragment{call("2", "t", nil)}}, "Để tôi kiểm tra.", Hooks{})
		require.NoError(t, err)
		assert.Equal(t, "Để tôi kiểm tra.", res.Text)
	})

	t.Run("should not add a break when the continuation starts with a newline", func(t *testing.T) {
		res, err := Consume(ctx, &sliceStream{frags: []provider.Fragment{text("\nĐơn đang giao.")}}, "Để tôi kiểm tra.", Hooks{})
		require.NoError(t, err)
		assert.Equal(t, "Để tôi kiểm tra.\nĐơn đang giao.", res.Text)
	})

	t.Run("should return partial result with transport error", func(t *testing.T) {
		wireErr := errors.Join(provider.ErrTransport, errors.New("reset"))
		s := &sliceStream{frags: []provider.Fragment{text("Xin chào")}, err: wireErr}

		res, err := Consume(ctx, s, "", Hooks{})
		assert.ErrorIs(t, err, provider.ErrTransport)
		assert.Equal(t, "Xin chào", res.Text)
		assert.True(t, s.closed)
	})

	t.Run("should stop between pulls when cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		pulled := 0
		s := &sliceStream{frags: []provider.Fragment{text("a"), text("b"), text("c")}}

		res, err := Consume(cctx, s, "", Hooks{OnFragment: func(provider.FragmentKind) {
			pulled++
			if pulled == 1 {
				cancel()
			}
		}})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, "a", res.Text)
		assert.Equal(t, 1, pulled)
	})

	t.Run("should report every fragment kind to hook", func(t *testing.T) {
		var kinds []provider.FragmentKind
		_, err := Consume(ctx, &sliceStream{frags: []provider.Fragment{text("x"), call("1", "t", nil)}}, "", Hooks{
			OnFragment: func(k provider.FragmentKind) { kinds = append(kinds, k) },
		})
		require.NoError(t, err)
		assert.Equal(t, []provider.FragmentKind{provider.TextDelta, provider.ToolCallDelta, provider.EndOfStream}, kinds)
	})
}
