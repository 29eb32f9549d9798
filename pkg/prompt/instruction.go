// Package prompt builds what is sent to the model: the system instruction at
// conversation open and the effective payload of each user turn.
package prompt

import (
	"strings"

	"github.com/harun/shopassist/pkg/siteprofile"
)

// Identity is what is known about the human user at conversation start.
type Identity struct {
	Name      string `json:"name,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	AccountID string `json:"account_id,omitempty"`
}

// Known reports whether any contact field is set.
func (id *Identity) Known() bool {
	return id != nil && (id.Phone != "" || id.Email != "" || id.AccountID != "")
}

// DefaultPolicy is the fixed behavioral policy of the assistant.
const DefaultPolicy = `Bạn là trợ lý chăm sóc khách hàng của cửa hàng.
- Luôn trả lời bằng tiếng Việt, trừ khi khách viết bằng ngôn ngữ khác.
- Trả lời ngắn gọn, lịch sự, đúng trọng tâm.
- Không bao giờ đọc lại đầy đủ số điện thoại, email hay địa chỉ của khách; chỉ nêu vài ký tự cuối khi cần xác nhận.
- Không bịa thông tin đơn hàng. Khi khách hỏi về đơn hàng, hãy dùng công cụ tra cứu.
- Nếu không tìm thấy đơn, đề nghị khách kiểm tra lại mã đơn hoặc liên hệ hotline.`

// BuildSystemInstruction combines the policy, the site facts and, when the
// user is known, an identity block. A non-empty override replaces the policy
// only; facts and identity are always appended.
func BuildSystemInstruction(profile siteprofile.Profile, identity *Identity, override string) string {
	var b strings.Builder

	policy := strings.TrimSpace(override)
	if policy == "" {
		policy = DefaultPolicy
	}
	b.WriteString(policy)

	b.WriteString("\n\nThông tin cửa hàng:\n")
	writeFact(&b, "Tên", profile.CompanyName)
	writeFact(&b, "Hotline", profile.Phone)
	writeFact(&b, "Email", profile.Email)
	writeFact(&b, "Địa chỉ", profile.Address)
	writeFact(&b, "Website", profile.Website)
	writeFact(&b, "Giờ làm việc", profile.BusinessHours)
	if profile.Tone != "" {
		b.WriteString("\nGiọng điệu: ")
		b.WriteString(profile.Tone)
		b.WriteString("\n")
	}

	if identity.Known() {
		b.WriteString("\nKhách hàng đã đăng nhập:\n")
		writeFact(&b, "Tên", identity.Name)
		writeFact(&b, "Số điện thoại", identity.Phone)
		writeFact(&b, "Email", identity.Email)
		writeFact(&b, "Mã tài khoản", identity.AccountID)
		b.WriteString("Khi khách hỏi về đơn hàng của họ, hãy gọi lookupCustomerOrders với một trong các thông tin trên thay vì hỏi lại khách.\n")
	}

	return b.String()
}

func writeFact(b *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	b.WriteString("- ")
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\n")
}
