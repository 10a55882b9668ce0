package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncBroadcastAccepted()
	m.IncPingAccepted()
	m.IncPingAccepted()
	m.IncVoteAccepted()
	m.IncRelayed()
	m.IncBan()
	m.IncRecvByType("fnp")
	m.IncRecvByType("fnp")
	m.IncRecvByType("fnw")
	m.Rejected("fnb", "1.2.3.4:27213", "bad signature", 100)
	m.SetPeers(3)
	m.SetNodes(10, 7)

	snap := m.Snapshot()
	assert.Equal(t, AcceptedMetrics{Broadcasts: 1, Pings: 2, Votes: 1}, snap.Accepted)
	assert.Equal(t, uint64(1), snap.Relayed)
	assert.Equal(t, uint64(1), snap.Bans)
	assert.Equal(t, map[string]uint64{"fnp": 2, "fnw": 1}, snap.RecvByType)
	assert.Equal(t, uint64(1), snap.DropByReason["bad signature"])
	assert.Equal(t, int64(3), snap.Peers)
	assert.Equal(t, int64(7), snap.EnabledNodes)
	require.Len(t, snap.Recent, 1)
	assert.Equal(t, 100, snap.Recent[0].Score)
	assert.Equal(t, []string{"fnp"}, snap.TopCommands(1))
}

func TestRecentIsBounded(t *testing.T) {
	r := NewRecent(2)
	r.Add(Reject{Command: "a"})
	r.Add(Reject{Command: "b"})
	r.Add(Reject{Command: "c"})
	got := r.List()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Command)
	assert.Equal(t, "c", got[1].Command)
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncRelayed()
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, m.WriteSnapshot(path))
	require.NoError(t, m.WriteSnapshot(""))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, uint64(1), snap.Relayed)
}
