package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// ErrTransport covers network, timeout, and TLS failures talking to an MCP
// server. JSON-RPC level errors are reported separately via RPCError.
var ErrTransport = errors.New("mcp transport error")

const (
	connectTimeout = 30 * time.Second
	// Tool executions are long-running; the read/write budget is generous.
	readWriteTimeout = 360 * time.Second
)

// sessionHeader is the canonical MCP session header. Webcrawl-variant servers
// additionally expect the two legacy spellings on every request.
const sessionHeader = "Mcp-Session-Id"

var webcrawlSessionHeaders = []string{sessionHeader, "X-Mcp-Session-Id", "Session-Id"}

// rpcReply is one HTTP exchange with an MCP server: the status line, the
// response headers (session extraction reads them), and the decoded JSON-RPC
// frame when the body was non-empty.
type rpcReply struct {
	Status   int
	Header   http.Header
	Response *Response
}

// transport posts JSON-RPC 2.0 frames to one server's /mcp endpoint. Request
// IDs are monotonic per transport; authentication headers come from the
// token cache on every call so OAuth2 refresh is transparent.
type transport struct {
	serverName string
	baseURL    string
	auth       AuthConfig
	tokens     *TokenCache
	logger     *slog.Logger
	client     *http.Client
	nextID     atomic.Int64
}

func newTransport(cfg ServerConfig, tokens *TokenCache, logger *slog.Logger) *transport {
	return &transport{
		serverName: cfg.Name,
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		auth:       cfg.Auth,
		tokens:     tokens,
		logger:     logger,
		client: &http.Client{
			Timeout: readWriteTimeout,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				TLSHandshakeTimeout:   connectTimeout,
				ResponseHeaderTimeout: readWriteTimeout,
			},
		},
	}
}

// call posts one request frame and returns the reply. HTTP 2xx and 304 are
// successful exchanges; anything else is a transport error. A JSON-RPC error
// object inside a 2xx body is NOT an error here, callers inspect
// reply.Response.Error to decide (invalid sessions and tool failures are
// handled differently).
func (t *transport) call(ctx context.Context, method string, params any, sess *Session) (*rpcReply, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	frame := Request{
		JSONRPC: "2.0",
		ID:      strconv.FormatInt(t.nextID.Add(1), 10),
		Method:  method,
		Params:  raw,
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := t.post(ctx, body, sess)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotModified &&
		(resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices) {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("%s %s: HTTP %d: %s: %w",
			method, t.serverName, resp.StatusCode, strings.TrimSpace(string(msg)), ErrTransport)
	}

	reply := &rpcReply{Status: resp.StatusCode, Header: resp.Header}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %v: %w", err, ErrTransport)
	}
	if len(bytes.TrimSpace(payload)) > 0 {
		var rpcResp Response
		if err := json.Unmarshal(payload, &rpcResp); err != nil {
			return nil, fmt.Errorf("decode response for %s: %w", method, err)
		}
		reply.Response = &rpcResp
	}
	return reply, nil
}

// notify posts a notification frame. There is no response to decode; a non-2xx
// status is reported as an error for the caller to log.
func (t *transport) notify(ctx context.Context, method string, params any, sess *Session) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	frame := Notification{JSONRPC: "2.0", Method: method, Params: raw}
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	resp, err := t.post(ctx, body, sess)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%s %s: HTTP %d: %w", method, t.serverName, resp.StatusCode, ErrTransport)
	}
	return nil
}

func (t *transport) post(ctx context.Context, body []byte, sess *Session) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := t.attachAuth(ctx, req); err != nil {
		return nil, err
	}
	attachSession(req, sess)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %v: %w", t.serverName, err, ErrTransport)
	}
	return resp, nil
}

// getJSON fetches an auxiliary endpoint under the server base URL, retrying
// once on transport failure (GETs are idempotent, POSTs are never retried).
func (t *transport) getJSON(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		lastErr = t.getJSONOnce(ctx, path, out)
		if lastErr == nil || !errors.Is(lastErr, ErrTransport) || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (t *transport) getJSONOnce(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if err := t.attachAuth(ctx, req); err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s%s: %v: %w", t.serverName, path, err, ErrTransport)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("get %s%s: HTTP %d: %w", t.serverName, path, resp.StatusCode, ErrTransport)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (t *transport) attachAuth(ctx context.Context, req *http.Request) error {
	name, value, ok, err := t.tokens.HeaderFor(ctx, t.auth, t.serverName)
	if err != nil {
		return err
	}
	if ok {
		req.Header.Set(name, value)
	}
	return nil
}

func attachSession(req *http.Request, sess *Session) {
	if sess == nil || sess.ID == "" {
		return
	}
	if sess.IsWebcrawlVariant {
		for _, h := range webcrawlSessionHeaders {
			req.Header.Set(h, sess.ID)
		}
		return
	}
	req.Header.Set(sessionHeader, sess.ID)
}

// marshalParams renders the params object, substituting an empty object for
// nil. The MCP servers this client targets reject frames without params.
func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}
