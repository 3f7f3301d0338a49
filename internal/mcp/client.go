package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/observability"
)

// ErrServerUnavailable marks a server whose handshake could not be completed
// through any of the recovery paths. The registry skips it until the next
// refresh.
var ErrServerUnavailable = errors.New("mcp server unavailable")

// ErrProtocol reports a JSON-RPC level failure outside tool execution. It
// discards the session; the next call re-runs the handshake.
var ErrProtocol = errors.New("mcp protocol error")

const (
	handshakeTimeout = 30 * time.Second
	// Number of alternate session formats tried when the server rejects the
	// session established by the normal handshake.
	alternateSessionAttempts = 3
)

// Client is the MCP client for a single configured server. It owns the
// session lifecycle: the initialize handshake runs lazily on first use under
// a per-server mutex, so at most one handshake is ever in flight, and the
// established session is reused until a protocol error discards it.
type Client struct {
	cfg       ServerConfig
	transport *transport
	logger    *slog.Logger
	version   string
	tracer    *observability.Tracer

	mu        sync.Mutex
	session   *Session
}

// NewClient builds a client for one server. version goes into clientInfo.
func NewClient(cfg ServerConfig, tokens *TokenCache, logger *slog.Logger, version string) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp", "mcp_server", cfg.Name)
	return &Client{
		cfg:       cfg,
		transport: newTransport(cfg, tokens, logger),
		logger:    logger,
		version:   version,
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.cfg.Name }

// SetTracer enables handshake spans. Call before the client is shared across
// goroutines.
func (c *Client) SetTracer(tracer *observability.Tracer) {
	c.tracer = tracer
}

// Session returns a copy of the current session, if one is established.
func (c *Client) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// DiscoverTools lists the server's tools. On first use it establishes and
// validates the session; an invalid-session answer triggers the alternate
// session setup and, failing that, the unauthenticated GET fallback.
func (c *Client) DiscoverTools(ctx context.Context) ([]Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, err := c.ensureSessionLocked(ctx)
	if err != nil {
		return nil, err
	}

	tools, rpcErr, err := c.listTools(ctx, sess)
	if err != nil {
		c.discardLocked()
		return nil, err
	}
	if rpcErr != nil {
		if !isInvalidSession(rpcErr) {
			c.discardLocked()
			return nil, fmt.Errorf("tools/list: %v: %w", rpcErr, ErrProtocol)
		}
		c.logger.Warn("session rejected, running alternate session setup", "error", rpcErr.Message)
		tools, err = c.recoverSessionLocked(ctx)
		if err != nil {
			return nil, err
		}
	}
	return tools, nil
}

// InvokeTool executes one tool call. Tool-level failures (JSON-RPC error or
// isError result) come back as an IsError outcome so the model can react;
// only transport and auth failures are returned as errors.
func (c *Client) InvokeTool(ctx context.Context, name string, args json.RawMessage) (ToolOutcome, error) {
	c.mu.Lock()
	sess, err := c.ensureSessionLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return ToolOutcome{}, err
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	reply, err := c.transport.call(ctx, "tools/call", CallToolParams{Name: name, Arguments: args}, sess)
	if err != nil {
		return ToolOutcome{}, err
	}

	// 304 is a cached success. An empty body means the server had nothing to
	// repeat; the placeholder keeps the conversation moving.
	if reply.Status == 304 && (reply.Response == nil || len(reply.Response.Result) == 0) {
		return ToolOutcome{Content: "<cached>"}, nil
	}

	if reply.Response == nil {
		return ToolOutcome{}, fmt.Errorf("tools/call %s: empty response body: %w", name, ErrProtocol)
	}
	if rpcErr := reply.Response.Error; rpcErr != nil {
		if isInvalidSession(rpcErr) {
			// Next call re-runs the handshake.
			c.mu.Lock()
			c.discardLocked()
			c.mu.Unlock()
		}
		return ToolOutcome{Content: rpcErr.Message, IsError: true}, nil
	}

	var result CallToolResult
	if err := json.Unmarshal(reply.Response.Result, &result); err != nil {
		return ToolOutcome{}, fmt.Errorf("parse tools/call result: %w", err)
	}
	return ToolOutcome{Content: joinContent(result.Content), IsError: result.IsError}, nil
}

// ensureSessionLocked runs the initialize handshake unless a session already
// exists. Callers hold c.mu, which is what serializes handshakes per server.
func (c *Client) ensureSessionLocked(ctx context.Context) (*Session, error) {
	if c.session != nil {
		return c.session, nil
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	sess, err := c.initializeTraced(hctx)
	if err != nil {
		return nil, err
	}
	c.session = sess
	return sess, nil
}

func (c *Client) initializeTraced(ctx context.Context) (*Session, error) {
	if c.tracer == nil {
		return c.initialize(ctx)
	}
	ctx, span := c.tracer.StartHandshake(ctx, c.cfg.Name)
	defer span.End()
	sess, err := c.initialize(ctx)
	observability.RecordError(span, err)
	return sess, err
}

// initialize performs one handshake round: the initialize call, session
// extraction, and the initialized notification.
func (c *Client) initialize(ctx context.Context) (*Session, error) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities: map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true},
		},
		ClientInfo: ClientInfo{Name: "loom", Version: c.version},
	}

	reply, err := c.transport.call(ctx, "initialize", params, nil)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if reply.Response != nil && reply.Response.Error != nil {
		return nil, fmt.Errorf("initialize: %v: %w", reply.Response.Error, ErrProtocol)
	}

	var result InitializeResult
	if reply.Response != nil && len(reply.Response.Result) > 0 {
		if err := json.Unmarshal(reply.Response.Result, &result); err != nil {
			return nil, fmt.Errorf("parse initialize result: %w", err)
		}
	}

	sess := extractSession(c.cfg.Name, reply.Header, result)
	sess.IsWebcrawlVariant = isWebcrawl(c.cfg.Name, result)
	if sess.IsWebcrawlVariant && sess.Source == SessionFailsafe {
		sess.ID = "webcrawl-" + uuid.NewString()
	}

	c.logger.Info("mcp session established",
		"session_source", string(sess.Source),
		"webcrawl", sess.IsWebcrawlVariant,
		"server", result.ServerInfo.Name)

	// Best effort: some servers never implement the notification.
	if err := c.transport.notify(ctx, "notifications/initialized", nil, sess); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}
	return sess, nil
}

// extractSession picks the session identifier using the documented order:
// response header, then body sessionId, then serverInfo.sessionId, then a
// synthesized failsafe value.
func extractSession(serverName string, header map[string][]string, result InitializeResult) *Session {
	sess := &Session{ServerName: serverName, EstablishedAt: time.Now()}
	switch {
	case len(header[sessionHeader]) > 0 && header[sessionHeader][0] != "":
		sess.ID = header[sessionHeader][0]
		sess.Source = SessionFromHeader
	case result.SessionID != "":
		sess.ID = result.SessionID
		sess.Source = SessionFromBody
	case result.ServerInfo.SessionID != "":
		sess.ID = result.ServerInfo.SessionID
		sess.Source = SessionFromBody
	default:
		sess.ID = failsafeSessionID()
		sess.Source = SessionFailsafe
	}
	return sess
}

func failsafeSessionID() string {
	return fmt.Sprintf("session_%d", time.Now().UnixMilli())
}

func isWebcrawl(serverName string, result InitializeResult) bool {
	return strings.Contains(strings.ToLower(serverName), "webcrawl") ||
		strings.Contains(strings.ToLower(result.ServerInfo.Name), "webcrawl")
}

// recoverSessionLocked retries the handshake with alternate session formats
// after the server rejected the established session, then falls back to the
// unauthenticated tools listing. It returns the discovered tools on success
// and marks the server unavailable otherwise.
func (c *Client) recoverSessionLocked(ctx context.Context) ([]Tool, error) {
	for attempt := 0; attempt < alternateSessionAttempts; attempt++ {
		hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		sess, err := c.initializeTraced(hctx)
		cancel()
		if err != nil {
			c.logger.Warn("alternate handshake failed", "attempt", attempt+1, "error", err)
			continue
		}
		// Only override IDs we synthesized ourselves; a server-issued session
		// is what the server wants us to use.
		if sess.Source == SessionFailsafe {
			sess.ID = alternateSessionID(attempt, sess.IsWebcrawlVariant)
		}

		tools, rpcErr, err := c.listTools(ctx, sess)
		if err != nil {
			c.logger.Warn("alternate session probe failed", "attempt", attempt+1, "error", err)
			continue
		}
		if rpcErr != nil {
			c.logger.Warn("alternate session rejected", "attempt", attempt+1, "error", rpcErr.Message)
			continue
		}
		c.session = sess
		c.logger.Info("alternate session accepted", "attempt", attempt+1)
		return tools, nil
	}

	// Last resort: some servers advertise their tools on a plain GET.
	tools, err := c.fallbackTools(ctx)
	if err != nil {
		c.discardLocked()
		c.logger.Error("all session recovery paths exhausted")
		return nil, fmt.Errorf("server %s: %w", c.cfg.Name, ErrServerUnavailable)
	}
	return tools, nil
}

// alternateSessionID produces the candidate formats tried during recovery:
// epoch millis, a random UUID, and a server-prefixed form.
func alternateSessionID(attempt int, webcrawl bool) string {
	if webcrawl {
		return "webcrawl-" + uuid.NewString()
	}
	switch attempt {
	case 0:
		return fmt.Sprintf("%d", time.Now().UnixMilli())
	case 1:
		return uuid.NewString()
	default:
		return fmt.Sprintf("session_%d", time.Now().UnixMilli())
	}
}

func (c *Client) listTools(ctx context.Context, sess *Session) ([]Tool, *RPCError, error) {
	reply, err := c.transport.call(ctx, "tools/list", nil, sess)
	if err != nil {
		return nil, nil, err
	}
	if reply.Response == nil {
		return nil, nil, fmt.Errorf("tools/list: empty response body: %w", ErrProtocol)
	}
	if reply.Response.Error != nil {
		return nil, reply.Response.Error, nil
	}
	var result ListToolsResult
	if err := json.Unmarshal(reply.Response.Result, &result); err != nil {
		return nil, nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	return result.Tools, nil, nil
}

// fallbackTools fetches GET {baseUrl}/mcp/tools. Servers answer either with
// the tools/list result shape or a bare array.
func (c *Client) fallbackTools(ctx context.Context) ([]Tool, error) {
	var raw json.RawMessage
	if err := c.transport.getJSON(ctx, "/mcp/tools", &raw); err != nil {
		return nil, err
	}
	var wrapped ListToolsResult
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Tools != nil {
		return wrapped.Tools, nil
	}
	var bare []Tool
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare, nil
	}
	return nil, fmt.Errorf("unrecognized /mcp/tools payload: %w", ErrProtocol)
}

func (c *Client) discardLocked() {
	c.session = nil
}

// isInvalidSession matches the ways servers phrase a rejected session: the
// MCP extension code or a message mentioning the session.
func isInvalidSession(rpcErr *RPCError) bool {
	if rpcErr == nil {
		return false
	}
	if rpcErr.Code == CodeInvalidSession {
		return true
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "invalid session") || strings.Contains(msg, "session expired") ||
		strings.Contains(msg, "unknown session")
}

// joinContent flattens a tools/call content array into one string: text parts
// joined with newlines, binary parts contributing their base64 payload.
func joinContent(parts []ToolContent) string {
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.Text != "":
			segments = append(segments, p.Text)
		case p.Data != "":
			segments = append(segments, p.Data)
		}
	}
	return strings.Join(segments, "\n")
}
