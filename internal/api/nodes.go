package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"coralnode/internal/payments"
	"coralnode/internal/proto"
	"coralnode/internal/snode"
)

// Winners and scores look this far past the tip.
const lookahead = 20

var errNoTip = errors.New("chain tip unknown")

// NodeView is one row of the node list.
type NodeView struct {
	Rank       int    `json:"rank"`
	Network    string `json:"network"`
	TxHash     string `json:"txhash"`
	OutIdx     uint32 `json:"outidx"`
	Status     string `json:"status"`
	Addr       string `json:"addr"`
	Payee      string `json:"payee"`
	Version    int    `json:"version"`
	LastSeen   int64  `json:"lastseen"`
	ActiveTime int64  `json:"activetime"`
	LastPaid   int64  `json:"lastpaid"`
}

func (h *Handler) tip(w http.ResponseWriter) (int, bool) {
	height := h.node.Env.TipHeight()
	if height < 0 {
		writeError(w, http.StatusServiceUnavailable, errNoTip)
		return 0, false
	}
	return height, true
}

// ListNodes ranks every node at the tip. filter matches the txid, the
// status or the payee script.
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	height, ok := h.tip(w)
	if !ok {
		return
	}
	filter := r.URL.Query().Get("filter")
	reg := h.node.Registry
	out := make([]NodeView, 0)
	for _, rk := range reg.Ranks(height, 0) {
		rec := rk.Record
		status := rec.State.String()
		payee := rec.Payee().String()
		txid := rec.Vin.Hash.String()
		if filter != "" && !strings.Contains(txid, filter) && !strings.Contains(status, filter) && !strings.Contains(payee, filter) {
			continue
		}
		rank := 0
		if rec.IsEnabled() {
			rank = rk.Rank
		}
		out = append(out, NodeView{
			Rank:       rank,
			Network:    proto.AddrNetwork(rec.Addr),
			TxHash:     txid,
			OutIdx:     rec.Vin.Index,
			Status:     status,
			Addr:       rec.Addr,
			Payee:      payee,
			Version:    rec.Protocol,
			LastSeen:   rec.LastPing.SigTime,
			ActiveTime: rec.LastPing.SigTime - rec.SigTime,
			LastPaid:   reg.LastPaid(rec),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// CountNodes summarises the registry.
func (h *Handler) CountNodes(w http.ResponseWriter, _ *http.Request) {
	reg := h.node.Registry
	inQueue := 0
	if height := h.node.Env.TipHeight(); height >= 0 {
		_, inQueue = reg.NextInQueue(height, true)
	}
	nets := reg.CountNetworks()
	writeJSON(w, http.StatusOK, map[string]int{
		"total":     reg.Size(),
		"stable":    reg.StableSize(),
		"obfcompat": reg.CountEnabled(h.node.Env.ActiveProtocol()),
		"enabled":   reg.CountEnabled(-1),
		"inqueue":   inQueue,
		"ipv4":      nets.IPv4,
		"ipv6":      nets.IPv6,
		"onion":     nets.Onion,
	})
}

// CurrentNode is the highest scoring enabled node at the tip.
func (h *Handler) CurrentNode(w http.ResponseWriter, _ *http.Request) {
	if _, ok := h.tip(w); !ok {
		return
	}
	rec, ok := h.node.Registry.Current(1, 0, 0)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown"))
		return
	}
	lastSeen, active := rec.SigTime, int64(0)
	if !rec.LastPing.IsEmpty() {
		lastSeen = rec.LastPing.SigTime
		active = rec.LastPing.SigTime - rec.SigTime
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"protocol":      rec.Protocol,
		"txhash":        rec.Vin.Hash.String(),
		"pubkey":        rec.Payee().String(),
		"lastseen":      lastSeen,
		"activeseconds": active,
	})
}

// WinnerView lists the payees voted for one height.
type WinnerView struct {
	Height   int              `json:"height"`
	Required string           `json:"required"`
	Payees   []payments.Payee `json:"payees"`
}

// Winners reports the vote tallies from blocks before the tip to 20 past
// it.
func (h *Handler) Winners(w http.ResponseWriter, r *http.Request) {
	height, ok := h.tip(w)
	if !ok {
		return
	}
	last, err := intQuery(r, "blocks", 10)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	filter := r.URL.Query().Get("filter")
	out := make([]WinnerView, 0, last+lookahead)
	for i := height - last; i < height+lookahead; i++ {
		required := h.node.Votes.RequiredPaymentsString(i)
		if filter != "" && !strings.Contains(required, filter) {
			continue
		}
		v := WinnerView{Height: i, Required: required, Payees: []payments.Payee{}}
		if t, ok := h.node.Votes.Tally(i); ok {
			v.Payees = t.Payees
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// Scores names the best scoring collateral for each height, scored 100
// blocks back the way votes are.
func (h *Handler) Scores(w http.ResponseWriter, r *http.Request) {
	height, ok := h.tip(w)
	if !ok {
		return
	}
	last, err := intQuery(r, "blocks", 10)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recs := h.node.Registry.List()
	out := make(map[string]string)
	for i := height - last; i < height+lookahead; i++ {
		high := new(uint256.Int)
		var best *snode.Record
		for _, rec := range recs {
			if n := rec.Score(h.node.Env, 1, i-100); n.Gt(high) {
				high = n
				best = rec
			}
		}
		if best != nil {
			out[strconv.Itoa(i)] = best.Vin.Hash.String()
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type peerView struct {
	Addr     string    `json:"addr"`
	NodeID   string    `json:"node_id,omitempty"`
	Version  int       `json:"version"`
	Score    int       `json:"score"`
	LastSeen time.Time `json:"last_seen"`
}

func (h *Handler) ListPeers(w http.ResponseWriter, _ *http.Request) {
	peers := h.node.Peers.List()
	out := make([]peerView, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerView{Addr: p.Addr(), NodeID: p.NodeID(), Version: p.Version(), Score: p.Score(), LastSeen: p.LastSeen().UTC()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) SyncStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.node.Sync.Status())
}

func (h *Handler) Sporks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.node.Sporks.Snapshot())
}

func (h *Handler) Metrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.node.Metrics.Snapshot())
}
