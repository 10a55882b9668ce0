package testutil

import (
	"encoding/json"
	"sync"

	"coralnode/internal/params"
)

// Sent is one message captured by Remote.
type Sent struct {
	Command string
	Body    json.RawMessage
}

// Remote is an in-memory peer that records what handlers send it.
type Remote struct {
	mu        sync.Mutex
	addr      string
	version   int
	local     bool
	sent      []Sent
	fulfilled map[string]bool
}

func NewRemote(addr string) *Remote {
	return &Remote{addr: addr, version: params.ProtocolVersion, fulfilled: make(map[string]bool)}
}

func (r *Remote) WithVersion(v int) *Remote { r.version = v; return r }
func (r *Remote) WithLocal() *Remote        { r.local = true; return r }

func (r *Remote) Addr() string  { return r.addr }
func (r *Remote) Version() int  { return r.version }
func (r *Remote) IsLocal() bool { return r.local }

func (r *Remote) Send(command string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, Sent{Command: command, Body: raw})
	r.mu.Unlock()
	return nil
}

func (r *Remote) HasFulfilled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fulfilled[name]
}

func (r *Remote) Fulfill(name string) {
	r.mu.Lock()
	r.fulfilled[name] = true
	r.mu.Unlock()
}

// Sent returns a copy of everything sent so far.
func (r *Remote) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Commands lists the sent commands in order.
func (r *Remote) Commands() []string {
	var out []string
	for _, s := range r.Sent() {
		out = append(out, s.Command)
	}
	return out
}

func (r *Remote) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}

func (r *Remote) ClearFulfilled() {
	r.mu.Lock()
	r.fulfilled = make(map[string]bool)
	r.mu.Unlock()
}
