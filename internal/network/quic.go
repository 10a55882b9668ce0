// Package network moves framed messages between nodes over QUIC. Every
// message travels on its own stream as one length-prefixed frame.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"coralnode/internal/logging"
	"coralnode/internal/proto"
)

const (
	alpn                 = "coralnode/1"
	maxIdleTimeout       = 2 * time.Minute
	keepAlivePeriod      = 20 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 10 * time.Second
	probeTimeout         = 5 * time.Second
)

var ErrClosed = errors.New("transport closed")

// Handler receives one decoded frame. remote is the sender's UDP address,
// which is not its listen address.
type Handler func(ctx context.Context, remote string, payload []byte)

type Config struct {
	Logger          *zap.Logger
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	// IdleAfter drops pooled client connections unused for this long.
	IdleAfter time.Duration
}

// Transport is a QUIC listener plus a pool of outbound connections.
// Node identity is proven by message signatures, so TLS only provides
// the encrypted channel and certificates are not verified.
type Transport struct {
	log       *zap.Logger
	pool      *clientPool
	limiter   *ipLimiter
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config

	mu       sync.Mutex
	listener *quic.Listener
	closed   bool
}

func New(cfg Config) (*Transport, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("tls certificate: %w", err)
	}
	log := logging.OrNop(cfg.Logger).Named("network")
	return &Transport{
		log:     log,
		pool:    newClientPool(cfg.IdleAfter, log),
		limiter: newIPLimiter(cfg.MaxConnsPerIP, cfg.MaxStreamsPerIP),
		serverTLS: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpn},
		},
		clientTLS: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
		},
		quicConf: &quic.Config{
			MaxIdleTimeout:       maxIdleTimeout,
			KeepAlivePeriod:      keepAlivePeriod,
			HandshakeIdleTimeout: handshakeIdleTimeout,
		},
	}, nil
}

func selfSignedCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"coralnode"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// Listen serves addr until ctx ends or Close is called. The bound address
// is sent on ready once the listener is up.
func (t *Transport) Listen(ctx context.Context, addr string, ready chan<- net.Addr, handle Handler) error {
	ln, err := quic.ListenAddr(addr, t.serverTLS, t.quicConf)
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", addr, err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	t.listener = ln
	t.mu.Unlock()

	t.log.Info("listening", zap.Stringer("addr", ln.Addr()))
	if ready != nil {
		ready <- ln.Addr()
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || t.isClosed() {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		go t.serveConn(ctx, conn, handle)
	}
}

func (t *Transport) serveConn(ctx context.Context, conn *quic.Conn, handle Handler) {
	remote := conn.RemoteAddr().String()
	ip := hostOf(remote)
	if !t.limiter.acquireConn(ip) {
		t.log.Debug("connection limit reached", zap.String("ip", ip))
		_ = conn.CloseWithError(0, "too many connections")
		return
	}
	defer t.limiter.releaseConn(ip)

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			t.log.Debug("connection closed", zap.String("remote", remote), zap.Error(err))
			return
		}
		if !t.limiter.acquireStream(ip) {
			stream.CancelRead(0)
			_ = stream.Close()
			continue
		}
		go func(s *quic.Stream) {
			defer t.limiter.releaseStream(ip)
			defer s.Close()
			_ = s.SetReadDeadline(time.Now().Add(streamRWTimeout))
			payload, err := proto.ReadFrame(s)
			if err != nil {
				t.log.Debug("read frame", zap.String("remote", remote), zap.Error(err))
				return
			}
			handle(ctx, remote, payload)
		}(stream)
	}
}

// Send delivers payload to addr, redialing with backoff on failure.
func (t *Transport) Send(ctx context.Context, addr string, payload []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= clientMaxRetries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		if lastErr = t.sendOnce(ctx, addr, payload); lastErr == nil {
			t.pool.resetFailures(addr)
			return nil
		}
		if !backoffRetry(ctx, t.pool.recordFailure(addr)) {
			break
		}
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return fmt.Errorf("send to %s: %w", addr, lastErr)
}

func (t *Transport) sendOnce(ctx context.Context, addr string, payload []byte) error {
	conn, err := t.pool.get(ctx, addr, t.clientTLS, t.quicConf)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.pool.drop(addr, conn, "open stream failed")
		return err
	}
	_ = stream.SetWriteDeadline(time.Now().Add(streamRWTimeout))
	if err := proto.WriteFrame(stream, payload); err != nil {
		stream.CancelWrite(0)
		t.pool.drop(addr, conn, "write failed")
		return err
	}
	if err := stream.Close(); err != nil {
		t.log.Debug("stream close", zap.String("addr", addr), zap.Error(err))
	}
	t.pool.touch(addr, conn)
	return nil
}

// CheckInbound dials addr on a fresh connection to confirm it accepts
// QUIC handshakes.
func (t *Transport) CheckInbound(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, t.clientTLS, t.quicConf)
	if err != nil {
		return err
	}
	return conn.CloseWithError(0, "probe")
}

// Close stops the listener and drops pooled connections.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	ln := t.listener
	t.mu.Unlock()
	t.pool.closeAll()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
