package automation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	mcpClientName    = "inboxpilot"
	mcpClientVersion = "dev"
)

// ServerConfig describes one MCP server exposing browser-automation tools.
type ServerConfig struct {
	Name       string            `json:"name"`
	Transport  string            `json:"transport"`
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Disabled   bool              `json:"disabled,omitempty"`
}

// Server is one connected MCP session and the tools it advertised.
type Server struct {
	Config  ServerConfig
	Session *mcp.ClientSession
	Tools   []*mcp.Tool
}

func (s *Server) Close() error {
	if s == nil || s.Session == nil {
		return nil
	}
	return s.Session.Close()
}

// ConnectServers dials every enabled server and lists its tools. Individual
// connection failures are collected and reported; servers that did connect
// are still returned and usable.
func ConnectServers(ctx context.Context, configs []ServerConfig) ([]*Server, error) {
	if len(configs) == 0 {
		return nil, nil
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    mcpClientName,
		Version: mcpClientVersion,
	}, nil)

	servers := make([]*Server, 0, len(configs))
	errs := make([]string, 0)
	seen := make(map[string]bool)

	for _, cfg := range configs {
		if cfg.Disabled {
			continue
		}
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			errs = append(errs, "server name is required")
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Sprintf("duplicate server name: %s", name))
			continue
		}
		seen[name] = true

		transport, err := transportFromConfig(cfg)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		session, err := client.Connect(ctx, transport, nil)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s connect: %v", name, err))
			continue
		}
		tools, err := listAllTools(ctx, session)
		if err != nil {
			_ = session.Close()
			errs = append(errs, fmt.Sprintf("%s list tools: %v", name, err))
			continue
		}
		servers = append(servers, &Server{Config: cfg, Session: session, Tools: tools})
	}

	if len(errs) > 0 {
		return servers, fmt.Errorf("mcp: %s", strings.Join(errs, "; "))
	}
	return servers, nil
}

func CloseServers(servers []*Server) error {
	errs := make([]string, 0)
	for _, server := range servers {
		if err := server.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", strings.TrimSpace(server.Config.Name), err))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// RegisterServers adds a runner for every MCP tool whose name matches a
// catalog function. The tool name is the function name; the MCP server is
// expected to expose the automation under the same key the catalog uses.
func RegisterServers(registry *Registry, servers []*Server) {
	if registry == nil {
		return
	}
	for _, server := range servers {
		if server == nil || server.Session == nil {
			continue
		}
		for _, tool := range server.Tools {
			if tool == nil || strings.TrimSpace(tool.Name) == "" {
				continue
			}
			registry.Register(&mcpRunner{
				name:    strings.TrimSpace(tool.Name),
				session: server.Session,
			})
		}
	}
}

type mcpRunner struct {
	name    string
	session *mcp.ClientSession
}

func (r *mcpRunner) Name() string { return r.name }

func (r *mcpRunner) Run(ctx context.Context, args map[string]string) (string, error) {
	if r == nil || r.session == nil {
		return "", fmt.Errorf("mcp runner %s is not connected", r.name)
	}
	arguments := make(map[string]any, len(args))
	for k, v := range args {
		arguments[k] = v
	}
	res, err := r.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      r.name,
		Arguments: arguments,
	})
	if err != nil {
		return "", err
	}
	if res != nil && res.IsError {
		return "", errors.New(joinText(res.Content))
	}
	return joinText(res.Content), nil
}

func joinText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, item := range content {
		if text, ok := item.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func listAllTools(ctx context.Context, session *mcp.ClientSession) ([]*mcp.Tool, error) {
	tools := make([]*mcp.Tool, 0)
	cursor := ""
	for {
		params := &mcp.ListToolsParams{}
		if cursor != "" {
			params.Cursor = cursor
		}
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return tools, nil
}

func transportFromConfig(cfg ServerConfig) (mcp.Transport, error) {
	transport := strings.ToLower(strings.TrimSpace(cfg.Transport))
	switch transport {
	case "", "command", "stdio":
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, errors.New("command is required for command transport")
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case "sse":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("url is required for sse transport")
		}
		return &mcp.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClientWithHeaders(cfg.Headers),
		}, nil
	case "streamable_http", "streamable", "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("url is required for streamable_http transport")
		}
		return &mcp.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClientWithHeaders(cfg.Headers),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

type headerRoundTripper struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

func httpClientWithHeaders(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return nil
	}
	return &http.Client{Transport: &headerRoundTripper{headers: headers}}
}
