package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

const (
	defaultAPI     = "127.0.0.1:27310"
	apiEnv         = "CORALNODE_API"
	passphraseEnv  = "CORALNODE_WALLET_PASSPHRASE"
	requestTimeout = 30 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("coralnode", flag.ContinueOnError)
	fs.SetOutput(stderr)
	api := fs.String("api", envOr(apiEnv, defaultAPI), "daemon API address (host:port)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	args = fs.Args()
	if len(args) == 0 || args[0] == "help" {
		printUsage(stdout)
		return 0
	}
	c := &client{base: "http://" + *api, http: &http.Client{Timeout: requestTimeout}}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "list":
		return c.filtered(cmd, "/nodes", rest, stdout, stderr)
	case "list-conf":
		return c.filtered(cmd, "/aliases", rest, stdout, stderr)
	case "count":
		return c.get(cmd, "/nodes/count", rest, stdout, stderr)
	case "current":
		return c.get(cmd, "/nodes/current", rest, stdout, stderr)
	case "winners":
		return c.ranged(cmd, "/nodes/winners", true, rest, stdout, stderr)
	case "calcscore":
		return c.ranged(cmd, "/nodes/scores", false, rest, stdout, stderr)
	case "status":
		return c.get(cmd, "/local/status", rest, stdout, stderr)
	case "debug":
		return c.get(cmd, "/local/debug", rest, stdout, stderr)
	case "outputs":
		return c.get(cmd, "/local/outputs", rest, stdout, stderr)
	case "sporks":
		return c.get(cmd, "/sporks", rest, stdout, stderr)
	case "sync":
		return c.get(cmd, "/sync", rest, stdout, stderr)
	case "peers":
		return c.get(cmd, "/peers", rest, stdout, stderr)
	case "metrics":
		return c.get(cmd, "/metrics", rest, stdout, stderr)
	case "start-alias":
		return c.startAlias(rest, stdout, stderr)
	case "start-many":
		return c.startMany(rest, stdout, stderr)
	case "wallet":
		return c.wallet(rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: coralnode [--api <host:port>] <command> [args]")
	fmt.Fprintln(w, "  list        [--filter <s>]   all service nodes ranked at the tip")
	fmt.Fprintln(w, "  count                        node counts by status and network")
	fmt.Fprintln(w, "  current                      the current winner")
	fmt.Fprintln(w, "  winners     [--blocks 10] [--filter <s>]")
	fmt.Fprintln(w, "  calcscore   [--blocks 10]")
	fmt.Fprintln(w, "  status                       this service node")
	fmt.Fprintln(w, "  debug                        why this service node is not started")
	fmt.Fprintln(w, "  start-alias [--passphrase <p>] <alias>")
	fmt.Fprintln(w, "  start-many  [--passphrase <p>]")
	fmt.Fprintln(w, "  list-conf   [--filter <s>]   configured aliases")
	fmt.Fprintln(w, "  outputs                      wallet outputs usable as collateral")
	fmt.Fprintln(w, "  sporks | sync | peers | metrics")
	fmt.Fprintln(w, "  wallet      <info|unlock|lock> [--passphrase <p>]")
	fmt.Fprintf(w, "the API address defaults to %s, the passphrase to %s\n", apiEnv, passphraseEnv)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type client struct {
	base string
	http *http.Client
}

type apiError struct {
	Status int
	Msg    string
}

func (e *apiError) Error() string { return e.Msg }

// call sends one request and returns the raw JSON reply.
func (c *client) call(method, path string, query url.Values, body any) (json.RawMessage, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = resp.Status
		}
		return nil, &apiError{Status: resp.StatusCode, Msg: e.Error}
	}
	return raw, nil
}

// report writes the reply indented, or the error, and returns the exit code.
func report(cmd string, raw json.RawMessage, err error, stdout, stderr io.Writer) int {
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) {
			fmt.Fprintf(stderr, "%s: %s\n", cmd, ae.Msg)
		} else {
			fmt.Fprintf(stderr, "%s: daemon unavailable: %v\n", cmd, err)
		}
		return 1
	}
	var out bytes.Buffer
	if json.Indent(&out, raw, "", "  ") != nil {
		out.Reset()
		out.Write(raw)
	}
	if out.Len() == 0 || out.Bytes()[out.Len()-1] != '\n' {
		out.WriteByte('\n')
	}
	_, _ = stdout.Write(out.Bytes())
	return 0
}

func (c *client) get(cmd, path string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	raw, err := c.call(http.MethodGet, path, nil, nil)
	return report(cmd, raw, err, stdout, stderr)
}

func (c *client) filtered(cmd, path string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	filter := fs.String("filter", "", "match txid, status, address or alias")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	q := url.Values{}
	if *filter != "" {
		q.Set("filter", *filter)
	}
	raw, err := c.call(http.MethodGet, path, q, nil)
	return report(cmd, raw, err, stdout, stderr)
}

// ranged queries heights from --blocks before the tip to 20 past it.
func (c *client) ranged(cmd, path string, withFilter bool, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	blocks := fs.Int("blocks", 10, "blocks before the tip")
	var filter *string
	if withFilter {
		filter = fs.String("filter", "", "match the required payments")
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *blocks < 0 {
		fmt.Fprintln(stderr, "--blocks must not be negative")
		return 1
	}
	q := url.Values{"blocks": {strconv.Itoa(*blocks)}}
	if filter != nil && *filter != "" {
		q.Set("filter", *filter)
	}
	raw, err := c.call(http.MethodGet, path, q, nil)
	return report(cmd, raw, err, stdout, stderr)
}

type passphraseBody struct {
	Passphrase string `json:"passphrase"`
}

func passphraseFlag(fs *flag.FlagSet) *string {
	return fs.String("passphrase", os.Getenv(passphraseEnv), "wallet passphrase, needed when the wallet is locked")
}

func (c *client) startAlias(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("start-alias", flag.ContinueOnError)
	fs.SetOutput(stderr)
	pass := passphraseFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: coralnode start-alias [--passphrase <p>] <alias>")
		return 1
	}
	raw, err := c.call(http.MethodPost, "/aliases/"+url.PathEscape(fs.Arg(0))+"/start", nil, passphraseBody{Passphrase: *pass})
	return report("start-alias", raw, err, stdout, stderr)
}

func (c *client) startMany(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("start-many", flag.ContinueOnError)
	fs.SetOutput(stderr)
	pass := passphraseFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	raw, err := c.call(http.MethodPost, "/aliases/start", nil, passphraseBody{Passphrase: *pass})
	return report("start-many", raw, err, stdout, stderr)
}

func (c *client) wallet(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		fmt.Fprintln(stdout, "usage: coralnode wallet <info|unlock|lock> [--passphrase <p>]")
		return 0
	}
	sub := args[0]
	fs := flag.NewFlagSet("wallet "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	pass := passphraseFlag(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	var (
		raw json.RawMessage
		err error
	)
	switch sub {
	case "info":
		raw, err = c.call(http.MethodGet, "/wallet", nil, nil)
	case "unlock":
		if *pass == "" {
			fmt.Fprintf(stderr, "missing --passphrase or %s\n", passphraseEnv)
			return 1
		}
		raw, err = c.call(http.MethodPost, "/wallet/unlock", nil, passphraseBody{Passphrase: *pass})
	case "lock":
		raw, err = c.call(http.MethodPost, "/wallet/lock", nil, nil)
	default:
		fmt.Fprintf(stdout, "unknown wallet subcommand: %s\n", sub)
		return 1
	}
	return report("wallet "+sub, raw, err, stdout, stderr)
}
