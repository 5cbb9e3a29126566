// Package client is the JSON-RPC client side of the chimed control socket.
// It speaks the same types the server does, so chimectl never re-declares
// wire structures.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"chimed/internal/server"
	"chimed/internal/timers"
)

// RPCError is a JSON-RPC error as returned by the daemon.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

type Client struct {
	hc     *http.Client
	socket string
}

// New returns a client for the daemon socket. An empty socket selects the
// default path. Nothing is dialed until the first call.
func New(socket string, timeout time.Duration) *Client {
	if socket == "" {
		socket = server.DefaultSocketPath
	}
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return &Client{
		hc:     &http.Client{Transport: tr, Timeout: timeout},
		socket: socket,
	}
}

func (c *Client) Socket() string { return c.socket }

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call posts one request and decodes the result into out (which may be nil
// for methods whose result carries nothing).
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	// The host is ignored; the transport always dials the unix socket.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://chimed/", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach chimed at %s (is the daemon running?): %w", c.socket, err)
	}
	defer resp.Body.Close()

	var res response
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("bad response from %s: %w", method, err)
	}
	if res.Error != nil {
		return res.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(res.Result, out)
}

func (c *Client) Ping(ctx context.Context) (*server.PingResult, error) {
	var out server.PingResult
	if err := c.call(ctx, "system.ping", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context) (*server.StatusResult, error) {
	var out server.StatusResult
	if err := c.call(ctx, "system.status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) List(ctx context.Context) ([]timers.Snapshot, error) {
	var out server.ListResult
	if err := c.call(ctx, "timer.list", nil, &out); err != nil {
		return nil, err
	}
	return out.Timers, nil
}

func (c *Client) Get(ctx context.Context, name string) (*timers.Snapshot, error) {
	var out timers.Snapshot
	if err := c.call(ctx, "timer.get", server.NameParam{Name: name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Next(ctx context.Context, name string, count int) ([]time.Time, error) {
	var out server.NextResult
	if err := c.call(ctx, "timer.next", server.NextParams{Name: name, Count: count}, &out); err != nil {
		return nil, err
	}
	return out.Next, nil
}

func (c *Client) Add(ctx context.Context, p server.AddParams) (*timers.Snapshot, error) {
	var out timers.Snapshot
	if err := c.call(ctx, "timer.add", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Remove(ctx context.Context, name string) error {
	return c.call(ctx, "timer.remove", server.NameParam{Name: name}, nil)
}

func (c *Client) Cancel(ctx context.Context, name string) error {
	return c.call(ctx, "timer.cancel", server.NameParam{Name: name}, nil)
}

func (c *Client) Run(ctx context.Context, name string) (*timers.RunSummary, error) {
	var out timers.RunSummary
	if err := c.call(ctx, "timer.run", server.NameParam{Name: name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Preview(ctx context.Context, p server.PreviewParams) (*server.PreviewResult, error) {
	var out server.PreviewResult
	if err := c.call(ctx, "spec.preview", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) History(ctx context.Context, name string, limit int) (*server.HistoryResult, error) {
	var out server.HistoryResult
	if err := c.call(ctx, "history.recent", server.HistoryParams{Name: name, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
