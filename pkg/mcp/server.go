package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// TemplateValidator checks a template before it is stored.
type TemplateValidator interface {
	Validate(tpl *schema.Template) *schema.ValidationResult
}

// Synthesizer mines execution history into candidate templates.
type Synthesizer interface {
	Synthesize(ctx context.Context, tenantID string, lookback time.Duration) (*schema.CandidateTemplate, error)
	Promote(ctx context.Context, candidateID, triggerType string, industry schema.Industry) (*schema.Template, error)
}

// AutoflowServerDeps holds the dependencies for creating an AutoflowServer.
type AutoflowServerDeps struct {
	Engine      engine.Engine
	Store       store.Store
	Validator   TemplateValidator
	Synthesizer Synthesizer
	Logger      *slog.Logger
}

// AutoflowServer exposes the engine to agents and operators as MCP tools.
type AutoflowServer struct {
	engine      engine.Engine
	store       store.Store
	validator   TemplateValidator
	synthesizer Synthesizer
	sessions    *SessionRegistry
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewAutoflowServer creates an AutoflowServer with every tool registered.
func NewAutoflowServer(deps AutoflowServerDeps) *AutoflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &AutoflowServer{
		engine:      deps.Engine,
		store:       deps.Store,
		validator:   deps.Validator,
		synthesizer: deps.Synthesizer,
		sessions:    NewSessionRegistry(),
		logger:      logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"autoflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Autoflow runs industry workflow templates per tenant. Use autoflow.dispatch to fire a trigger, autoflow.status to inspect an instance, autoflow.resolve to approve or reject a pending approval, autoflow.define to register a template, and autoflow.synthesize / autoflow.promote to turn recurring action sequences into templates."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *AutoflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEHandler serves the MCP SSE transport on /sse and /message. Sessions
// opened here receive tenant notifications.
func (s *AutoflowServer) SSEHandler(baseURL string) http.Handler {
	return server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *AutoflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the tenant to session mapping filled in by tool calls.
func (s *AutoflowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *AutoflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: dispatchTool(), Handler: s.handleDispatch},
		{Tool: advanceTool(), Handler: s.handleAdvance},
		{Tool: resolveTool(), Handler: s.handleResolve},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: synthesizeTool(), Handler: s.handleSynthesize},
		{Tool: promoteTool(), Handler: s.handlePromote},
		{Tool: statsTool(), Handler: s.handleStats},
	}
}

// --- Tool definitions ---

func dispatchTool() mcp.Tool {
	return mcp.NewTool("autoflow.dispatch",
		mcp.WithDescription("Fire a trigger for a tenant and start every matching template"),
		mcp.WithString("trigger_type", mcp.Required(), mcp.Description("Trigger name, e.g. appointment_scheduled")),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant the trigger belongs to")),
		mcp.WithString("subject_ref", mcp.Required(), mcp.Description("Patient, lead or guest the workflow is about")),
		mcp.WithObject("variables", mcp.Description("Initial instance variables")),
	)
}

func advanceTool() mcp.Tool {
	return mcp.NewTool("autoflow.advance",
		mcp.WithDescription("Advance an instance as far as it can go"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance to advance")),
	)
}

func resolveTool() mcp.Tool {
	return mcp.NewTool("autoflow.resolve",
		mcp.WithDescription("Approve or reject an instance waiting for approval"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance waiting for approval")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("true to approve, false to reject")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the person deciding")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("autoflow.cancel",
		mcp.WithDescription("Cancel a running instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance to cancel")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("autoflow.status",
		mcp.WithDescription("Get an instance with its executions and audit log"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance to inspect")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("autoflow.define",
		mcp.WithDescription("Validate and register a template version"),
		mcp.WithObject("template", mcp.Required(), mcp.Description("Template definition: name, industry, trigger_type, tasks")),
		mcp.WithBoolean("activate", mcp.Description("Activate the new version immediately (default: false)")),
	)
}

func synthesizeTool() mcp.Tool {
	return mcp.NewTool("autoflow.synthesize",
		mcp.WithDescription("Mine a tenant's execution history for its dominant action sequence"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant whose history is mined")),
		mcp.WithString("lookback", mcp.Description("How far back to look, as a Go duration (default: 720h)")),
	)
}

func promoteTool() mcp.Tool {
	return mcp.NewTool("autoflow.promote",
		mcp.WithDescription("Turn a candidate template into an inactive template"),
		mcp.WithString("candidate_id", mcp.Required(), mcp.Description("Candidate to promote")),
		mcp.WithString("trigger_type", mcp.Required(), mcp.Description("Trigger the new template binds to")),
		mcp.WithString("industry", mcp.Required(),
			mcp.Enum(industryNames()...),
			mcp.Description("Industry the new template targets"),
		),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("autoflow.stats",
		mcp.WithDescription("Summarize a tenant's templates, instances and pending approvals"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant to summarize")),
	)
}

func industryNames() []string {
	out := make([]string, len(schema.Industries))
	for i, ind := range schema.Industries {
		out[i] = string(ind)
	}
	return out
}
