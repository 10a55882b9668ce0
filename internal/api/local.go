package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"coralnode/internal/active"
	"coralnode/internal/config"
	"coralnode/internal/proto"
	"coralnode/internal/wallet"
)

var (
	errNotServiceNode = errors.New("this is not a service node")
	errNeedPassphrase = errors.New("wallet is locked, passphrase is required")
	errBadPassphrase  = errors.New("incorrect passphrase")
)

// LocalStatus describes the service node run by this process.
func (h *Handler) LocalStatus(w http.ResponseWriter, _ *http.Request) {
	if !h.serviceNode {
		writeError(w, http.StatusBadRequest, errNotServiceNode)
		return
	}
	info := h.node.Local.Info()
	vin, err := proto.ParseOutpoint(info.Vin)
	if err == nil {
		if rec, ok := h.node.Registry.Find(vin); ok {
			writeJSON(w, http.StatusOK, map[string]any{
				"txhash":    vin.Hash.String(),
				"outputidx": vin.Index,
				"netaddr":   info.Addr,
				"addr":      rec.Payee().String(),
				"status":    info.Status,
				"message":   info.Message,
			})
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("service node not found in the list of available service nodes. Current status: %s", info.Message))
}

// LocalDebug reports the local node status, or a missing collateral when
// an idle node has nothing to start with.
func (h *Handler) LocalDebug(w http.ResponseWriter, _ *http.Request) {
	msg := h.node.Local.StatusMessage()
	if h.node.Local.Status() != active.Initial || !h.node.Sync.IsSynced() {
		writeJSON(w, http.StatusOK, map[string]string{"message": msg})
		return
	}
	if h.node.Wallet == nil || len(h.node.Wallet.CollateralCoins(h.reserved()...)) == 0 {
		writeError(w, http.StatusNotFound, errors.New("missing service node input, see the documentation for instructions on service node creation"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// Outputs lists wallet outputs usable as collateral.
func (h *Handler) Outputs(w http.ResponseWriter, _ *http.Request) {
	if h.node.Wallet == nil {
		writeError(w, http.StatusServiceUnavailable, errNoWallet)
		return
	}
	coins := h.node.Wallet.CollateralCoins(h.reserved()...)
	out := make([]map[string]any, 0, len(coins))
	for _, c := range coins {
		out = append(out, map[string]any{"txhash": c.Outpoint.Hash.String(), "outputidx": c.Outpoint.Index})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) reserved() []proto.Outpoint {
	out := make([]proto.Outpoint, 0, len(h.aliases))
	for _, e := range h.aliases {
		if op, err := e.Outpoint(); err == nil {
			out = append(out, op)
		}
	}
	return out
}

type aliasView struct {
	config.Entry
	Status string `json:"status"`
}

// ListAliases shows the configured aliases with their network status.
func (h *Handler) ListAliases(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")
	out := make([]aliasView, 0, len(h.aliases))
	for _, e := range h.aliases {
		status := "MISSING"
		if op, err := e.Outpoint(); err == nil {
			if rec, ok := h.node.Registry.Find(op); ok {
				status = rec.State.String()
			}
		}
		if filter != "" && !strings.Contains(e.Alias, filter) && !strings.Contains(e.Addr, filter) &&
			!strings.Contains(e.TxID, filter) && !strings.Contains(status, filter) {
			continue
		}
		out = append(out, aliasView{Entry: e, Status: status})
	}
	writeJSON(w, http.StatusOK, out)
}

type startRequest struct {
	Passphrase string `json:"passphrase"`
}

// StartResult is the outcome of announcing one alias.
type StartResult struct {
	Alias        string `json:"alias"`
	Result       string `json:"result"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// withWallet runs fn with the wallet unlocked. A wallet this call unlocked
// is locked again afterwards.
func (h *Handler) withWallet(w http.ResponseWriter, passphrase string, fn func()) {
	wl := h.node.Wallet
	if wl == nil {
		writeError(w, http.StatusServiceUnavailable, errNoWallet)
		return
	}
	if wl.IsLocked() {
		if passphrase == "" {
			writeError(w, http.StatusForbidden, errNeedPassphrase)
			return
		}
		if err := wl.Unlock(passphrase); err != nil {
			if errors.Is(err, wallet.ErrBadPassphrase) {
				writeError(w, http.StatusForbidden, errBadPassphrase)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		defer wl.Lock()
	}
	fn()
}

func (h *Handler) start(e config.Entry) StartResult {
	res := StartResult{Alias: e.Alias, Result: "successful"}
	if err := h.node.Local.Register(e.Addr, e.PrivKey, e.TxID, e.Index); err != nil {
		res.Result = "failed"
		res.ErrorMessage = err.Error()
		h.log.Info("alias start failed", zap.String("alias", e.Alias), zap.Error(err))
	}
	return res
}

// StartAlias announces a single configured alias.
func (h *Handler) StartAlias(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	alias := mux.Vars(r)["alias"]
	h.withWallet(w, req.Passphrase, func() {
		for _, e := range h.aliases {
			if e.Alias == alias {
				writeJSON(w, http.StatusOK, h.start(e))
				return
			}
		}
		writeJSON(w, http.StatusOK, StartResult{
			Alias:        alias,
			Result:       "failed",
			ErrorMessage: "could not find alias in config. Verify with list-conf.",
		})
	})
}

// StartMany announces every configured alias.
func (h *Handler) StartMany(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	h.withWallet(w, req.Passphrase, func() {
		detail := make([]StartResult, 0, len(h.aliases))
		ok := 0
		for _, e := range h.aliases {
			res := h.start(e)
			if res.ErrorMessage == "" {
				ok++
			}
			detail = append(detail, res)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"overall": fmt.Sprintf("Successfully started %d service nodes, failed to start %d, total %d", ok, len(detail)-ok, len(detail)),
			"detail":  detail,
		})
	})
}

func (h *Handler) WalletInfo(w http.ResponseWriter, _ *http.Request) {
	wl := h.node.Wallet
	if wl == nil {
		writeError(w, http.StatusServiceUnavailable, errNoWallet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"locked":       wl.IsLocked(),
		"balance":      wl.Balance(),
		"fingerprint":  wl.Fingerprint(),
		"locked_coins": wl.LockedCoins(),
	})
}

func (h *Handler) UnlockWallet(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeBody(w, r, &req) {
		return
	}
	wl := h.node.Wallet
	if wl == nil {
		writeError(w, http.StatusServiceUnavailable, errNoWallet)
		return
	}
	if err := wl.Unlock(req.Passphrase); err != nil {
		if errors.Is(err, wallet.ErrBadPassphrase) {
			writeError(w, http.StatusForbidden, errBadPassphrase)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.log.Info("wallet unlocked")
	writeJSON(w, http.StatusOK, map[string]bool{"locked": false})
}

func (h *Handler) LockWallet(w http.ResponseWriter, _ *http.Request) {
	if h.node.Wallet == nil {
		writeError(w, http.StatusServiceUnavailable, errNoWallet)
		return
	}
	h.node.Wallet.Lock()
	writeJSON(w, http.StatusOK, map[string]bool{"locked": true})
}
