// Package bridge talks to a terminal through a small HTTP/JSON bridge that
// runs beside it and forwards each call to the terminal's own API.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rustyeddy/mtgate/terminal"
)

// DefaultTimeout bounds a single bridge round trip.
const DefaultTimeout = 30 * time.Second

// Client is a terminal.Terminal backed by a bridge process.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ terminal.Terminal = (*Client)(nil)

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the bridge listening at baseURL,
// e.g. http://127.0.0.1:8222.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("bridge url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// envelope is the bridge's response shape for every call.
type envelope struct {
	OK    bool            `json:"ok"`
	Error *bridgeError    `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type bridgeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// post sends in to path and decodes the envelope's data into out. A failure
// envelope is classified as failKind.
func (c *Client) post(ctx context.Context, path string, failKind terminal.Kind, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return terminal.Wrap(terminal.KindConnection, err, "bridge %s unreachable", path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return terminal.Wrap(terminal.KindConnection, err, "read bridge %s response", path)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return terminal.Errorf(terminal.KindConnection, "bridge %s http %d: %s",
				path, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return terminal.Wrap(terminal.KindConnection, err, "decode bridge %s response", path)
	}

	if !env.OK {
		be := bridgeError{Message: fmt.Sprintf("bridge %s failed (http %d)", path, resp.StatusCode)}
		if env.Error != nil {
			be = *env.Error
		}
		kind := failKind
		if resp.StatusCode >= 500 {
			kind = terminal.KindConnection
		}
		return terminal.Errorf(kind, "%s", be.Message).WithCode(be.Code)
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return terminal.Wrap(terminal.KindConnection, err, "decode bridge %s data", path)
	}
	return nil
}

func (c *Client) Initialize(ctx context.Context, exePath string) error {
	in := struct {
		Path string `json:"path,omitempty"`
	}{exePath}
	return c.post(ctx, "/initialize", terminal.KindConnection, in, nil)
}

func (c *Client) Login(ctx context.Context, creds terminal.Credentials) error {
	in := struct {
		Login    string `json:"login"`
		Password string `json:"password"`
		Server   string `json:"server"`
	}{creds.AccountID, creds.Password, creds.Server}
	return c.post(ctx, "/login", terminal.KindAuth, in, nil)
}

func (c *Client) SendOrder(ctx context.Context, req terminal.OrderRequest) (terminal.OrderResult, error) {
	var res terminal.OrderResult
	if err := c.post(ctx, "/order_send", terminal.KindConnection, toWire(req), &res); err != nil {
		return terminal.OrderResult{}, err
	}
	return res, nil
}

func (c *Client) Positions(ctx context.Context, filter terminal.PositionFilter) ([]terminal.Position, error) {
	in := struct {
		Symbol string `json:"symbol,omitempty"`
		Ticket uint64 `json:"ticket,omitempty"`
	}{filter.Symbol, filter.Ticket}

	var raw []wirePosition
	if err := c.post(ctx, "/positions_get", terminal.KindConnection, in, &raw); err != nil {
		return nil, err
	}
	out := make([]terminal.Position, 0, len(raw))
	for _, wp := range raw {
		p, err := wp.position()
		if err != nil {
			return nil, err
		}
		// The terminal itself has no type filter.
		if filter.Match(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *Client) SymbolInfo(ctx context.Context, name string) (terminal.SymbolInfo, error) {
	in := struct {
		Symbol string `json:"symbol"`
	}{name}
	var info terminal.SymbolInfo
	if err := c.post(ctx, "/symbol_info", terminal.KindNotFound, in, &info); err != nil {
		return terminal.SymbolInfo{}, err
	}
	return info, nil
}

func (c *Client) SelectSymbol(ctx context.Context, name string) error {
	in := struct {
		Symbol string `json:"symbol"`
		Enable bool   `json:"enable"`
	}{name, true}
	return c.post(ctx, "/symbol_select", terminal.KindNotFound, in, nil)
}

func (c *Client) Symbols(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.post(ctx, "/symbols_get", terminal.KindConnection, struct{}{}, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (c *Client) AccountInfo(ctx context.Context) (terminal.AccountInfo, error) {
	var w wireAccount
	if err := c.post(ctx, "/account_info", terminal.KindConnection, struct{}{}, &w); err != nil {
		return terminal.AccountInfo{}, err
	}
	return w.accountInfo(), nil
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.post(ctx, "/shutdown", terminal.KindConnection, struct{}{}, nil)
}
