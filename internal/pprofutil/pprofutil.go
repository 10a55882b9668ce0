// Package pprofutil serves the runtime profiler next to a running daemon.
package pprofutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"strings"
	"time"

	"go.uber.org/zap"

	"coralnode/internal/logging"
)

const DefaultAddr = "127.0.0.1:6060"

// Start serves /debug/pprof/ on addr until ctx ends and returns the bound
// address. Only loopback addresses are accepted.
func Start(ctx context.Context, addr string, log *zap.Logger) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if !isLoopbackBind(addr) {
		return "", fmt.Errorf("pprof address must be loopback: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("pprof listen failed: %w", err)
	}
	actual := ln.Addr().String()
	srv := &http.Server{
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logging.OrNop(log).Info("pprof enabled", zap.String("url", "http://"+actual+"/debug/pprof/"))
	return actual, nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
