// Package api serves the operator and chain feeder HTTP endpoints of a
// running daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"coralnode/internal/config"
	"coralnode/internal/daemon"
	"coralnode/internal/logging"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

var errNoWallet = errors.New("no wallet loaded")

type Options struct {
	Logger *zap.Logger
	// Aliases are the service nodes this wallet funds.
	Aliases []config.Entry
	// ServiceNode is set when the daemon runs with coralnode.enabled.
	ServiceNode bool
}

// Handler holds the HTTP handlers. Every handler reads live state from the
// runner.
type Handler struct {
	log         *zap.Logger
	node        *daemon.Runner
	aliases     []config.Entry
	serviceNode bool
}

func NewHandler(r *daemon.Runner, opts Options) *Handler {
	return &Handler{
		log:         logging.OrNop(opts.Logger).Named("api"),
		node:        r,
		aliases:     append([]config.Entry(nil), opts.Aliases...),
		serviceNode: opts.ServiceNode,
	}
}

// RegisterRoutes mounts every endpoint on r.
func RegisterRoutes(r *mux.Router, h *Handler) {
	// Network view
	r.HandleFunc("/nodes", h.ListNodes).Methods(http.MethodGet)
	r.HandleFunc("/nodes/count", h.CountNodes).Methods(http.MethodGet)
	r.HandleFunc("/nodes/current", h.CurrentNode).Methods(http.MethodGet)
	r.HandleFunc("/nodes/winners", h.Winners).Methods(http.MethodGet)
	r.HandleFunc("/nodes/scores", h.Scores).Methods(http.MethodGet)
	r.HandleFunc("/peers", h.ListPeers).Methods(http.MethodGet)
	r.HandleFunc("/sync", h.SyncStatus).Methods(http.MethodGet)
	r.HandleFunc("/sporks", h.Sporks).Methods(http.MethodGet)
	r.HandleFunc("/metrics", h.Metrics).Methods(http.MethodGet)

	// Local node and aliases
	r.HandleFunc("/local/status", h.LocalStatus).Methods(http.MethodGet)
	r.HandleFunc("/local/debug", h.LocalDebug).Methods(http.MethodGet)
	r.HandleFunc("/local/outputs", h.Outputs).Methods(http.MethodGet)
	r.HandleFunc("/aliases", h.ListAliases).Methods(http.MethodGet)
	r.HandleFunc("/aliases/start", h.StartMany).Methods(http.MethodPost)
	r.HandleFunc("/aliases/{alias}/start", h.StartAlias).Methods(http.MethodPost)

	// Wallet
	r.HandleFunc("/wallet", h.WalletInfo).Methods(http.MethodGet)
	r.HandleFunc("/wallet/unlock", h.UnlockWallet).Methods(http.MethodPost)
	r.HandleFunc("/wallet/lock", h.LockWallet).Methods(http.MethodPost)

	// Chain feeder
	r.HandleFunc("/chain/blocks", h.ConnectBlock).Methods(http.MethodPost)
	r.HandleFunc("/chain/utxos", h.AddCoin).Methods(http.MethodPost)
	r.HandleFunc("/chain/spend", h.SpendCoin).Methods(http.MethodPost)
	r.HandleFunc("/chain/validate", h.ValidateBlock).Methods(http.MethodPost)
	r.HandleFunc("/chain/fill", h.FillBlock).Methods(http.MethodPost)
}

// NewRouter builds the router for h.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	RegisterRoutes(r, h)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("no such endpoint"))
	})
	return r
}

// Serve runs the API on addr until ctx ends. The bound address is sent on
// ready when it is non-nil.
func Serve(ctx context.Context, addr string, h *Handler, ready chan<- string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}
	h.log.Info("api listening", zap.String("addr", ln.Addr().String()))
	if ready != nil {
		ready <- ln.Addr().String()
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request payload"))
		return false
	}
	return true
}

// intQuery reads a non-negative integer query parameter.
func intQuery(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("bad " + name + " parameter")
	}
	return n, nil
}
