package prompt

import (
	"strings"
	"testing"

	"github.com/harun/shopassist/pkg/siteprofile"
	"github.com/stretchr/testify/assert"
)

var profile = siteprofile.Profile{
	CompanyName: "Minh Phát Computer",
	Phone:       "1900 1234",
	Email:       "hotro@minhphat.vn",
	Address:     "12 Lê Lợi",
	Tone:        "thân thiện",
}

func TestBuildSystemInstruction(t *testing.T) {
	t.Run("should include policy and facts", func(t *testing.T) {
		s := BuildSystemInstruction(profile, nil, "")

		assert.True(t, strings.HasPrefix(s, DefaultPolicy))
		assert.Contains(t, s, "Minh Phát Computer")
		assert.Contains(t, s, "1900 1234")
		assert.Contains(t, s, "Giọng điệu: thân thiện")
		assert.NotContains(t, s, "lookupCustomerOrders")
		assert.NotContains(t, s, "Website", "empty facts are skipped")
	})

	t.Run("should embed identity block when user is known", func(t *testing.T) {
		s := BuildSystemInstruction(profile, &Identity{Email: "a@x.com"}, "")

		assert.Contains(t, s, "Email: a@x.com")
		assert.Contains(t, s, "lookupCustomerOrders")
	})

	t.Run("should ignore identity without contact fields", func(t *testing.T) {
		s := BuildSystemInstruction(profile, &Identity{Name: "An"}, "")
		assert.NotContains(t, s, "lookupCustomerOrders")
	})

	t.Run("override replaces policy but keeps facts", func(t *testing.T) {
		s := BuildSystemInstruction(profile, &Identity{Phone: "0912345678"}, "Chỉ trả lời về bảo hành.")

		assert.True(t, strings.HasPrefix(s, "Chỉ trả lời về bảo hành."))
		assert.NotContains(t, s, DefaultPolicy)
		assert.Contains(t, s, "Minh Phát Computer")
		assert.Contains(t, s, "0912345678")
	})
}

func TestEffectivePayload(t *testing.T) {
	snapshot := "khách đang xem sản phẩm Laptop X1"
	blank := "   "

	tests := []struct {
		name     string
		raw      string
		snapshot *string
		want     string
	}{
		{"no snapshot", "còn hàng không?", nil, "còn hàng không?"},
		{"blank snapshot", "còn hàng không?", &blank, "còn hàng không?"},
		{"with snapshot", "còn hàng không?", &snapshot, "[Ngữ cảnh: khách đang xem sản phẩm Laptop X1]\ncòn hàng không?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EffectivePayload(tt.raw, tt.snapshot))
		})
	}
}
