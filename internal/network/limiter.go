package network

import "sync"

// slots caps concurrent holders per key. A non-positive limit disables it.
type slots struct {
	limit int
	mu    sync.Mutex
	held  map[string]int
}

func newSlots(limit int) *slots {
	return &slots{limit: limit, held: make(map[string]int)}
}

func (s *slots) acquire(key string) bool {
	if s.limit <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[key] >= s.limit {
		return false
	}
	s.held[key]++
	return true
}

func (s *slots) release(key string) {
	if s.limit <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[key] <= 1 {
		delete(s.held, key)
		return
	}
	s.held[key]--
}

// ipLimiter bounds inbound connections and open streams per remote IP.
type ipLimiter struct {
	conns   *slots
	streams *slots
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{conns: newSlots(maxConns), streams: newSlots(maxStreams)}
}

func (l *ipLimiter) acquireConn(ip string) bool   { return l.conns.acquire(ip) }
func (l *ipLimiter) releaseConn(ip string)        { l.conns.release(ip) }
func (l *ipLimiter) acquireStream(ip string) bool { return l.streams.acquire(ip) }
func (l *ipLimiter) releaseStream(ip string)      { l.streams.release(ip) }
