// Package orders is the read-only order directory consulted by the assistant
// tools. Two implementations exist: an in-memory directory for tests and
// demos, and a SQLite directory for deployments.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"
)

// Item is one order line.
type Item struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

// Order is a customer order as seen by the assistant.
type Order struct {
	ID           string    `json:"id"`
	CustomerName string    `json:"customer_name"`
	Phone        string    `json:"phone"`
	Email        string    `json:"email"`
	AccountID    string    `json:"account_id,omitempty"`
	Status       string    `json:"status"`
	Total        int64     `json:"total"`
	Items        []Item    `json:"items"`
	CreatedAt    time.Time `json:"created_at"`
}

// Directory looks orders up. Results of FindByIdentifier are in the
// directory's native order, newest first.
type Directory interface {
	// FindByOrderIDSuffix returns the order whose id ends with fragment, or nil.
	FindByOrderIDSuffix(ctx context.Context, fragment string) (*Order, error)
	// FindByIdentifier returns orders whose phone contains, email contains
	// (case-insensitive) or account id equals identifier.
	FindByIdentifier(ctx context.Context, identifier string) ([]Order, error)
}

const (
	minPhoneDigits = 6
	minEmailChars  = 3
)

// NormalizeOrderID trims whitespace and a leading '#', and lowercases.
func NormalizeOrderID(fragment string) string {
	s := strings.TrimSpace(fragment)
	s = strings.TrimLeft(s, "#")
	return strings.ToLower(strings.TrimSpace(s))
}

// PhoneDigits keeps only the digits of a phone number. A +84 prefix is
// rewritten to the domestic leading 0.
func PhoneDigits(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "+84") {
		s = "0" + s[3:]
	}
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// identifierQuery is the parsed form of a customer identifier.
type identifierQuery struct {
	raw   string
	lower string
	phone string
}

func parseIdentifier(identifier string) identifierQuery {
	raw := strings.TrimSpace(identifier)
	q := identifierQuery{raw: raw, lower: strings.ToLower(raw)}
	if !strings.Contains(raw, "@") {
		if d := PhoneDigits(raw); len(d) >= minPhoneDigits {
			q.phone = d
		}
	}
	return q
}

func (q identifierQuery) empty() bool { return q.raw == "" }

func (q identifierQuery) matches(o Order) bool {
	if q.phone != "" && strings.Contains(PhoneDigits(o.Phone), q.phone) {
		return true
	}
	if len(q.lower) >= minEmailChars && o.Email != "" && strings.Contains(strings.ToLower(o.Email), q.lower) {
		return true
	}
	return o.AccountID != "" && o.AccountID == q.raw
}

// LoadJSON reads orders from a JSON array file.
func LoadJSON(path string) ([]Order, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read orders file: %w", err)
	}
	var list []Order
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse orders file %s: %w", path, err)
	}
	for i, o := range list {
		if strings.TrimSpace(o.ID) == "" {
			return nil, fmt.Errorf("order %d in %s has no id", i, path)
		}
	}
	return list, nil
}
