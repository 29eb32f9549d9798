package orders

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryDirectory keeps orders in memory, newest first.
type MemoryDirectory struct {
	mu     sync.RWMutex
	orders []Order
}

// NewMemoryDirectory copies list and sorts it newest first.
func NewMemoryDirectory(list []Order) *MemoryDirectory {
	d := &MemoryDirectory{}
	d.Replace(list)
	return d
}

// Replace swaps the directory contents.
func (d *MemoryDirectory) Replace(list []Order) {
	cp := append([]Order(nil), list...)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].CreatedAt.After(cp[j].CreatedAt) })

	d.mu.Lock()
	d.orders = cp
	d.mu.Unlock()
}

// Len returns the number of orders.
func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.orders)
}

func (d *MemoryDirectory) FindByOrderIDSuffix(ctx context.Context, fragment string) (*Order, error) {
	frag := NormalizeOrderID(fragment)
	if frag == "" {
		return nil, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for i := range d.orders {
		if strings.HasSuffix(strings.ToLower(d.orders[i].ID), frag) {
			o := d.orders[i]
			return &o, nil
		}
	}
	return nil, nil
}

func (d *MemoryDirectory) FindByIdentifier(ctx context.Context, identifier string) ([]Order, error) {
	q := parseIdentifier(identifier)
	if q.empty() {
		return nil, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Order
	for _, o := range d.orders {
		if q.matches(o) {
			out = append(out, o)
		}
	}
	return out, nil
}
