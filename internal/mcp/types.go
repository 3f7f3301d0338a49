// Package mcp implements the Model Context Protocol client side: the
// initialize handshake and session lifecycle, tool discovery and invocation
// over JSON-RPC 2.0, and the per-server authentication token cache.
package mcp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ProtocolVersion is the MCP protocol revision this client speaks.
const ProtocolVersion = "2024-11-05"

// Request is a JSON-RPC 2.0 request frame. Params is always present on the
// wire, an empty object when the method takes no parameters.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Notification is a JSON-RPC 2.0 notification frame (no id, no response).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response frame. The ID is kept raw because
// servers in the wild echo it as either a string or a number.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// JSON-RPC 2.0 error codes, plus the MCP extension used for session errors.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeInvalidSession = -32001
)

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// ClientInfo identifies this agent to the server.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is the server identity block of the initialize result. Some
// servers tuck the session identifier in here.
type ServerInfo struct {
	Name      string `json:"name,omitempty"`
	Version   string `json:"version,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// InitializeResult is the initialize response body.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion,omitempty"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	SessionID       string         `json:"sessionId,omitempty"`
	ServerInfo      ServerInfo     `json:"serverInfo,omitempty"`
}

// Tool is a tool advertised by an MCP server via tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the tools/list response body.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams is the tools/call request payload.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolContent is one element of a tools/call result. Text parts carry Text;
// binary parts carry base64 Data with a MimeType.
type ToolContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallToolResult is the tools/call response body.
type CallToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolOutcome is the digested result of one tool invocation: the joined
// content string and whether the tool reported failure. IsError outcomes are
// fed back to the model rather than aborting the turn.
type ToolOutcome struct {
	Content string
	IsError bool
}

// SessionSource records where a session identifier came from.
type SessionSource string

const (
	SessionFromHeader SessionSource = "header"
	SessionFromBody   SessionSource = "body"
	SessionFailsafe   SessionSource = "failsafe"
	SessionNone       SessionSource = "none"
)

// Session is the per-server conversation state established by the initialize
// handshake. It lives in memory only and is discarded on protocol errors.
type Session struct {
	ServerName        string
	ID                string
	Source            SessionSource
	EstablishedAt     time.Time
	IsWebcrawlVariant bool
}

// AuthType selects the authentication variant for one MCP server.
type AuthType string

const (
	AuthNone                    AuthType = "none"
	AuthBearer                  AuthType = "bearer"
	AuthBasic                   AuthType = "basic"
	AuthAPIKey                  AuthType = "apiKey"
	AuthOAuth2ClientCredentials AuthType = "oauth2ClientCredentials"
)

// AuthConfig is the tagged authentication variant for one server. Type
// selects which fields apply; Validate enforces the variant's requirements.
type AuthConfig struct {
	Type AuthType `yaml:"type" json:"type"`

	// bearer
	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	// basic
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// apiKey
	Header string `yaml:"header,omitempty" json:"header,omitempty"`
	Value  string `yaml:"value,omitempty" json:"value,omitempty"`

	// oauth2ClientCredentials
	AuthServerURL string `yaml:"authServerUrl,omitempty" json:"authServerUrl,omitempty"`
	Realm         string `yaml:"realm,omitempty" json:"realm,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	ClientSecret  string `yaml:"clientSecret,omitempty" json:"clientSecret,omitempty"`
	GrantType     string `yaml:"grantType,omitempty" json:"grantType,omitempty"`
}

// Validate checks the variant's required fields.
func (a AuthConfig) Validate() error {
	switch a.Type {
	case "", AuthNone:
		return nil
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("bearer auth requires token")
		}
	case AuthBasic:
		if a.Username == "" {
			return fmt.Errorf("basic auth requires username")
		}
	case AuthAPIKey:
		if a.Value == "" {
			return fmt.Errorf("apiKey auth requires value")
		}
	case AuthOAuth2ClientCredentials:
		if a.AuthServerURL == "" || a.Realm == "" || a.ClientID == "" || a.ClientSecret == "" {
			return fmt.Errorf("oauth2ClientCredentials auth requires authServerUrl, realm, clientId and clientSecret")
		}
		if _, err := url.Parse(a.AuthServerURL); err != nil {
			return fmt.Errorf("invalid authServerUrl: %w", err)
		}
		if a.GrantType != "" && a.GrantType != "client_credentials" {
			return fmt.Errorf("unsupported grantType %q (only client_credentials)", a.GrantType)
		}
	default:
		return fmt.Errorf("unknown auth type %q", a.Type)
	}
	return nil
}

// ServerConfig describes one MCP server endpoint.
type ServerConfig struct {
	Name string     `yaml:"name" json:"name"`
	URL  string     `yaml:"url" json:"url"`
	Auth AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty"`
}

// Validate checks the server entry for completeness.
func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("mcp server name is required")
	}
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("mcp server %q: url is required", s.Name)
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("mcp server %q: invalid url: %w", s.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("mcp server %q: url scheme must be http or https", s.Name)
	}
	if err := s.Auth.Validate(); err != nil {
		return fmt.Errorf("mcp server %q: %w", s.Name, err)
	}
	return nil
}
