package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seen struct {
	method string
	uri    string
	body   string
}

// fakeAPI answers every request with reply and records what it saw.
type fakeAPI struct {
	mu     sync.Mutex
	calls  []seen
	status int
	reply  string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, seen{method: r.Method, uri: r.URL.RequestURI(), body: string(body)})
	status, reply := f.status, f.reply
	f.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, reply)
}

func (f *fakeAPI) last(t *testing.T) seen {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

func startFake(t *testing.T, reply string) (*fakeAPI, string) {
	t.Helper()
	f := &fakeAPI{reply: reply}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, strings.TrimPrefix(srv.URL, "http://")
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	require.Equal(t, 0, run(nil, &out, &out))
	assert.Contains(t, out.String(), "start-alias")
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, run([]string{"--api", "127.0.0.1:1", "frobnicate"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "unknown command: frobnicate")
}

func TestQueriesHitEndpoints(t *testing.T) {
	f, addr := startFake(t, `{"total":3}`)
	cases := []struct {
		args []string
		uri  string
	}{
		{[]string{"count"}, "/nodes/count"},
		{[]string{"list", "--filter", "ENABLED"}, "/nodes?filter=ENABLED"},
		{[]string{"list-conf"}, "/aliases"},
		{[]string{"current"}, "/nodes/current"},
		{[]string{"winners", "--blocks", "3", "--filter", "abc"}, "/nodes/winners?blocks=3&filter=abc"},
		{[]string{"calcscore"}, "/nodes/scores?blocks=10"},
		{[]string{"status"}, "/local/status"},
		{[]string{"debug"}, "/local/debug"},
		{[]string{"outputs"}, "/local/outputs"},
		{[]string{"sporks"}, "/sporks"},
		{[]string{"sync"}, "/sync"},
		{[]string{"wallet", "info"}, "/wallet"},
	}
	for _, tc := range cases {
		t.Run(tc.args[0], func(t *testing.T) {
			var out, errOut bytes.Buffer
			require.Equal(t, 0, run(append([]string{"--api", addr}, tc.args...), &out, &errOut), errOut.String())
			got := f.last(t)
			assert.Equal(t, http.MethodGet, got.method)
			assert.Equal(t, tc.uri, got.uri)
			assert.Equal(t, "{\n  \"total\": 3\n}\n", out.String())
		})
	}
}

func TestStartAliasSendsPassphrase(t *testing.T) {
	f, addr := startFake(t, `{"alias":"mn1","result":"successful"}`)
	var out, errOut bytes.Buffer
	code := run([]string{"--api", addr, "start-alias", "--passphrase", "pw", "mn1"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	got := f.last(t)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/aliases/mn1/start", got.uri)
	var body passphraseBody
	require.NoError(t, json.Unmarshal([]byte(got.body), &body))
	assert.Equal(t, "pw", body.Passphrase)
	assert.Contains(t, out.String(), "successful")

	assert.Equal(t, 1, run([]string{"--api", addr, "start-alias"}, &out, &errOut))
}

func TestStartManyAndWalletUnlock(t *testing.T) {
	f, addr := startFake(t, `{}`)
	var out, errOut bytes.Buffer
	require.Equal(t, 0, run([]string{"--api", addr, "start-many"}, &out, &errOut))
	assert.Equal(t, "/aliases/start", f.last(t).uri)

	t.Setenv(passphraseEnv, "")
	assert.Equal(t, 1, run([]string{"--api", addr, "wallet", "unlock"}, &out, &errOut))
	require.Equal(t, 0, run([]string{"--api", addr, "wallet", "unlock", "--passphrase", "pw"}, &out, &errOut))
	assert.Equal(t, "/wallet/unlock", f.last(t).uri)
	require.Equal(t, 0, run([]string{"--api", addr, "wallet", "lock"}, &out, &errOut))
	assert.Equal(t, http.MethodPost, f.last(t).method)
}

func TestAPIErrorIsReported(t *testing.T) {
	f, addr := startFake(t, `{"error":"this is not a service node"}`)
	f.mu.Lock()
	f.status = http.StatusBadRequest
	f.mu.Unlock()
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, run([]string{"--api", addr, "status"}, &out, &errOut))
	assert.Equal(t, "status: this is not a service node\n", errOut.String())
	assert.Empty(t, out.String())
}

func TestDaemonUnavailable(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, run([]string{"--api", "127.0.0.1:1", "count"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "daemon unavailable")
}
