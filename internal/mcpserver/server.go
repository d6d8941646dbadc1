package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/paymcp/internal/flow"
	"github.com/mbd888/paymcp/internal/session"
	"github.com/mbd888/paymcp/internal/visibility"
)

// Options configures a Server.
type Options struct {
	Name    string
	Version string
	// Flow configures the payment gate. Its Visibility is supplied by New.
	Flow   flow.Config
	Signal flow.ElicitationSignal
	Logger *slog.Logger
}

// Server is an MCP server whose priced tools run behind a payment gate.
type Server struct {
	mcp      *server.MCPServer
	gate     *flow.Gate
	signal   flow.ElicitationSignal
	sessions *session.Resolver
	logger   *slog.Logger

	mu     sync.RWMutex
	priced map[string]*pricedTool
	// shared holds confirmation tools registered globally because the
	// session could not hold its own tools, mapped to the owning session.
	shared map[string]string
}

// New creates the MCP server and the payment gate behind it.
func New(opts Options) (*Server, error) {
	if opts.Name == "" {
		opts.Name = "paymcp"
	}
	if opts.Version == "" {
		opts.Version = "0.1.0"
	}
	if opts.Signal == "" {
		opts.Signal = flow.SignalCapabilities
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		signal: opts.Signal,
		logger: opts.Logger,
		priced: make(map[string]*pricedTool),
		shared: make(map[string]string),
	}
	s.sessions = session.New(
		session.WithExtractor(hostSessionID),
		session.WithConnectionKey(connectionKey),
	)

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, cs server.ClientSession) {
		s.sessions.Forget(cs)
	})

	s.mcp = server.NewMCPServer(opts.Name, opts.Version,
		server.WithToolCapabilities(true),
		server.WithElicitation(),
		server.WithRecovery(),
		server.WithToolFilter(s.filterTools),
		server.WithHooks(hooks),
	)

	cfg := opts.Flow
	cfg.Visibility = visibility.NewManager(s, s)
	gate, err := flow.NewGate(cfg)
	if err != nil {
		return nil, fmt.Errorf("mcpserver: %w", err)
	}
	s.gate = gate
	return s, nil
}

// MCP returns the underlying mcp-go server for transports.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Gate returns the payment gate.
func (s *Server) Gate() *flow.Gate { return s.gate }

// AddTool registers a free tool.
func (s *Server) AddTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcp.AddTool(tool, handler)
}

func hostSessionID(ctx context.Context) (string, bool) {
	cs := server.ClientSessionFromContext(ctx)
	if cs == nil {
		return "", false
	}
	id := cs.SessionID()
	return id, id != ""
}

func connectionKey(ctx context.Context) (any, bool) {
	cs := server.ClientSessionFromContext(ctx)
	return cs, cs != nil
}

// SupportsElicitation reports whether the calling client declared the
// elicitation capability and its transport can carry the request.
func (s *Server) SupportsElicitation(ctx context.Context) bool {
	cs := server.ClientSessionFromContext(ctx)
	if _, ok := cs.(server.SessionWithElicitation); !ok {
		return false
	}
	info, ok := cs.(server.SessionWithClientInfo)
	return ok && info.GetClientCapabilities().Elicitation != nil
}

// AddSessionTool registers a confirmation tool that only sessionID can see.
// Sessions that cannot hold their own tools get a global tool hidden from
// every other session by the tool filter.
func (s *Server) AddSessionTool(_ context.Context, sessionID string, c visibility.Confirmation) error {
	pt, ok := s.pricedTool(c.Tool)
	if !ok {
		return fmt.Errorf("mcpserver: unknown priced tool %q", c.Tool)
	}
	tool := mcp.NewTool(c.Name, mcp.WithDescription(c.Description))
	handler := s.sessionConfirmHandler(pt, c)

	err := s.mcp.AddSessionTool(sessionID, tool, handler)
	if errors.Is(err, server.ErrSessionDoesNotSupportTools) || errors.Is(err, server.ErrSessionNotFound) {
		s.mu.Lock()
		s.shared[c.Name] = sessionID
		s.mu.Unlock()
		s.mcp.AddTool(tool, handler)
		return nil
	}
	return err
}

// RemoveSessionTool removes a confirmation tool added by AddSessionTool.
func (s *Server) RemoveSessionTool(_ context.Context, sessionID, name string) error {
	s.mu.Lock()
	_, shared := s.shared[name]
	delete(s.shared, name)
	s.mu.Unlock()

	if shared {
		s.mcp.DeleteTools(name)
		return nil
	}
	err := s.mcp.DeleteSessionTools(sessionID, name)
	if errors.Is(err, server.ErrSessionNotFound) {
		return nil
	}
	return err
}

// NotifyToolsChanged sends notifications/tools/list_changed to one session.
func (s *Server) NotifyToolsChanged(ctx context.Context, sessionID string) error {
	err := s.mcp.SendNotificationToSpecificClient(sessionID, mcp.MethodNotificationToolsListChanged, nil)
	if errors.Is(err, server.ErrSessionNotFound) && server.ClientSessionFromContext(ctx) != nil {
		return s.mcp.SendNotificationToClient(ctx, mcp.MethodNotificationToolsListChanged, nil)
	}
	return err
}

// filterTools hides priced tools with an outstanding LIST_CHANGE payment
// and other sessions' shared confirmation tools.
func (s *Server) filterTools(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	sid := s.sessions.Resolve(ctx, nil).ID

	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	visible := make(map[string]bool, len(names))
	for _, n := range s.gate.Visibility().Filter(sid, names) {
		visible[n] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := tools[:0:0]
	for _, t := range tools {
		if !visible[t.Name] {
			continue
		}
		if owner, ok := s.shared[t.Name]; ok && owner != sid {
			continue
		}
		out = append(out, t)
	}
	return out
}

