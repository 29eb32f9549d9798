package logger

import (
	"io"
	"regexp"
	"strings"
)

type rule struct {
	re      *regexp.Regexp
	replace func(match string) string
}

// Redactor scrubs credentials and customer contact details from log output.
type Redactor struct {
	rules []rule
}

func redactAll(string) string { return "[REDACTED]" }

// maskEmail keeps the first character of the local part and the domain.
func maskEmail(m string) string {
	at := strings.IndexByte(m, '@')
	if at <= 0 {
		return "[REDACTED]"
	}
	return m[:1] + "***" + m[at:]
}

// maskPhone keeps the last three digits.
func maskPhone(m string) string {
	digits := make([]byte, 0, len(m))
	for i := 0; i < len(m); i++ {
		if m[i] >= '0' && m[i] <= '9' {
			digits = append(digits, m[i])
		}
	}
	if len(digits) < 4 {
		return "[REDACTED]"
	}
	return "***" + string(digits[len(digits)-3:])
}

// NewRedactor creates a redactor with the default secret and PII rules.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			{regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`), redactAll},
			{regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`), redactAll},
			{regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`), redactAll},
			{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`), redactAll},
			{regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)["\s:=]+[^\s",}]+`), redactAll},
			{regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), maskEmail},
			{regexp.MustCompile(`(?:\+84|\b0)(?:[\s.-]?\d){9}\b`), maskPhone},
		},
	}
}

// AddPattern adds a custom pattern whose matches are fully replaced.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, replace: redactAll})
	return nil
}

// Redact applies every rule in order.
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllStringFunc(s, rl.replace)
	}
	return s
}

// Wrap wraps an io.Writer so every write is redacted.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not treat a shorter
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
