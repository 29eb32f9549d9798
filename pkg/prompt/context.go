package prompt

import "strings"

// EffectivePayload is what goes over the wire for a user turn. A non-blank
// context snapshot is prepended as a bracketed annotation; the visible
// transcript keeps raw only.
func EffectivePayload(raw string, snapshot *string) string {
	if snapshot == nil {
		return raw
	}
	ctx := strings.TrimSpace(*snapshot)
	if ctx == "" {
		return raw
	}
	return "[Ngữ cảnh: " + ctx + "]\n" + raw
}
