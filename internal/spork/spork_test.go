package spork

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableDefaultsOff(t *testing.T) {
	tbl := NewTable()
	require.False(t, tbl.IsActive(PaymentEnforcement))
	tbl.Set(PaymentEnforcement, true)
	require.True(t, tbl.IsActive(PaymentEnforcement))
	var nilTable *Table
	require.False(t, nilTable.IsActive(PaymentEnforcement))
}

func TestParse(t *testing.T) {
	id, ok := Parse("SPORK_10_CORALNODE_PAY_UPDATED_NODES")
	require.True(t, ok)
	require.Equal(t, PayUpdatedNodes, id)
	id, ok = Parse("superblocks")
	require.True(t, ok)
	require.Equal(t, Superblocks, id)
	id, ok = Parse("10007")
	require.True(t, ok)
	require.Equal(t, PaymentEnforcement, id)
	_, ok = Parse("bogus")
	require.False(t, ok)
}

func TestFromConfig(t *testing.T) {
	tbl, err := FromConfig(map[string]bool{"payment_enforcement": true, "budget_enforcement": false})
	require.NoError(t, err)
	require.True(t, tbl.IsActive(PaymentEnforcement))
	require.False(t, tbl.IsActive(BudgetEnforcement))

	_, err = FromConfig(map[string]bool{"nope": true})
	require.Error(t, err)

	snap := tbl.Snapshot()
	require.Len(t, snap, 5)
	require.Equal(t, int(PaymentEnforcement), snap[0].ID)
	require.True(t, snap[0].Active)
}
