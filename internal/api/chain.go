package api

import (
	"net/http"

	"go.uber.org/zap"

	"coralnode/internal/chain"
	"coralnode/internal/proto"
)

// ConnectBlock takes the next best-chain block from the full node.
func (h *Handler) ConnectBlock(w http.ResponseWriter, r *http.Request) {
	var b chain.Block
	if !decodeBody(w, r, &b) {
		return
	}
	if err := h.node.ConnectBlock(b); err != nil {
		h.log.Debug("block rejected", zap.Int("height", b.Height), zap.Error(err))
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"height": h.node.Env.TipHeight()})
}

func (h *Handler) AddCoin(w http.ResponseWriter, r *http.Request) {
	var c chain.Coin
	if !decodeBody(w, r, &c) {
		return
	}
	if err := h.node.AddCoin(c); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"outpoint": c.Outpoint.String()})
}

type spendRequest struct {
	Outpoint proto.Outpoint `json:"outpoint"`
}

func (h *Handler) SpendCoin(w http.ResponseWriter, r *http.Request) {
	var req spendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.node.SpendCoin(req.Outpoint); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outpoint": req.Outpoint.String()})
}

type validateRequest struct {
	Height   int      `json:"height"`
	Tx       proto.Tx `json:"tx"`
	Expected int64    `json:"expected"`
	Minted   int64    `json:"minted"`
}

// ValidateBlock checks the service node payout of a candidate block.
func (h *Handler) ValidateBlock(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.node.CheckBlock(req.Tx, req.Height, req.Expected, req.Minted))
}

type fillRequest struct {
	Tx           proto.Tx `json:"tx"`
	Fees         int64    `json:"fees"`
	ProofOfStake bool     `json:"proof_of_stake"`
}

// FillBlock adds the service node payment to a block template.
func (h *Handler) FillBlock(w http.ResponseWriter, r *http.Request) {
	var req fillRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tx, err := h.node.FillBlockPayee(req.Tx, req.Fees, req.ProofOfStake)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]proto.Tx{"tx": tx})
}
