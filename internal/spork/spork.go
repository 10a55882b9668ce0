// Package spork exposes network feature flags as a boolean oracle.
package spork

import (
	"fmt"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
)

// ID names a feature flag.
type ID int

const (
	PaymentEnforcement  ID = 10007
	BudgetEnforcement   ID = 10008
	PayUpdatedNodes     ID = 10009
	Superblocks         ID = 10012
	NewProtocolEnforced ID = 10013
)

var names = map[ID]string{
	PaymentEnforcement:  "SPORK_8_CORALNODE_PAYMENT_ENFORCEMENT",
	BudgetEnforcement:   "SPORK_9_CORALNODE_BUDGET_ENFORCEMENT",
	PayUpdatedNodes:     "SPORK_10_CORALNODE_PAY_UPDATED_NODES",
	Superblocks:         "SPORK_13_ENABLE_SUPERBLOCKS",
	NewProtocolEnforced: "SPORK_14_NEW_PROTOCOL_ENFORCEMENT",
}

func (id ID) String() string {
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("SPORK_%d", int(id))
}

// Parse accepts a full spork name, its short config key (e.g.
// "payment_enforcement") or the numeric id.
func Parse(s string) (ID, bool) {
	s = strings.TrimSpace(s)
	for id, n := range names {
		if strings.EqualFold(n, s) || strings.EqualFold(configKey(id), s) {
			return id, true
		}
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
		if _, ok := names[ID(n)]; ok {
			return ID(n), true
		}
	}
	return 0, false
}

func configKey(id ID) string {
	switch id {
	case PaymentEnforcement:
		return "payment_enforcement"
	case BudgetEnforcement:
		return "budget_enforcement"
	case PayUpdatedNodes:
		return "pay_updated_nodes"
	case Superblocks:
		return "superblocks"
	case NewProtocolEnforced:
		return "new_protocol_enforcement"
	}
	return ""
}

// Oracle answers whether a spork is active.
type Oracle interface {
	IsActive(id ID) bool
}

// Table is a mutable in-memory Oracle.
type Table struct {
	values *xsync.Map[ID, bool]
}

func NewTable() *Table {
	return &Table{values: xsync.NewMap[ID, bool]()}
}

// FromConfig builds a table from config keys such as
// {"payment_enforcement": true}. Unknown keys are an error.
func FromConfig(values map[string]bool) (*Table, error) {
	t := NewTable()
	for k, v := range values {
		id, ok := Parse(k)
		if !ok {
			return nil, fmt.Errorf("unknown spork: %s", k)
		}
		t.Set(id, v)
	}
	return t, nil
}

func (t *Table) Set(id ID, active bool) {
	t.values.Store(id, active)
}

func (t *Table) IsActive(id ID) bool {
	if t == nil {
		return false
	}
	v, _ := t.values.Load(id)
	return v
}

// Entry is one row of Snapshot.
type Entry struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Snapshot lists every known spork sorted by id.
func (t *Table) Snapshot() []Entry {
	out := make([]Entry, 0, len(names))
	for id, n := range names {
		out = append(out, Entry{ID: int(id), Name: n, Active: t.IsActive(id)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
